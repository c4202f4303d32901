// Command crosscam runs the multi-camera vehicle tracking server: it watches
// a clip inbox, analyzes arriving clips, and periodically links tracks across
// cameras.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
	"github.com/fieldvision-data/crosscam.report/internal/clip"
	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/fsutil"
	"github.com/fieldvision-data/crosscam.report/internal/ingest"
	"github.com/fieldvision-data/crosscam.report/internal/jobs"
	"github.com/fieldvision-data/crosscam.report/internal/match"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/mot"
	"github.com/fieldvision-data/crosscam.report/internal/pipeline"
	"github.com/fieldvision-data/crosscam.report/internal/predict"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
	"github.com/fieldvision-data/crosscam.report/internal/track"
	"github.com/fieldvision-data/crosscam.report/internal/version"
	"github.com/fieldvision-data/crosscam.report/internal/vision"
)

var (
	dbPath        = flag.String("db", "crosscam.db", "SQLite database path")
	inboxDir      = flag.String("inbox", "clips", "Directory watched for incoming clips")
	workDir       = flag.String("work", "work", "Scratch directory for extracted segments")
	cropDir       = flag.String("crops", "crops", "Directory for saved track crops")
	configPath    = flag.String("config", "", "Optional tuning config JSON")
	inferenceURL  = flag.String("inference", "http://127.0.0.1:8790", "Detection/embedding service base URL")
	matchInterval = flag.Duration("match-interval", 10*time.Minute, "Cross-camera match batch cadence")
	learnTopology = flag.Bool("learn-topology", false, "Recompute topology transit times from confirmed links, then exit")
	debugLog      = flag.Bool("debug", false, "Enable per-frame and per-candidate debug logging")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(*debugLog)

	cfg := &config.TuningConfig{}
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("load config %s: %v", *configPath, err)
		}
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("open database %s: %v", *dbPath, err)
	}
	defer database.Close()

	clock := timeutil.RealClock{}
	cameras := camera.NewStore(database)
	topology := camera.NewTopologyStore(database, clock, cfg.GetTopologyCacheTTL())
	lines := camera.NewLineStore(database)
	tracks := track.NewStore(database)
	objects := predict.NewStore(database)
	links := match.NewLinkStore(database)
	cache := match.NewDescriptorCache(cfg.GetDescriptorCacheCap())
	runs := jobs.NewRunStore(database)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *learnTopology {
		samples, err := links.ConfirmedTransitSamples(ctx)
		if err != nil {
			log.Fatalf("load transit samples: %v", err)
		}
		if err := topology.LearnFromSamples(ctx, samples); err != nil {
			log.Fatalf("learn topology: %v", err)
		}
		log.Printf("topology recomputed from %d confirmed transits", len(samples))
		return
	}

	inference := vision.NewInferenceClient(*inferenceURL)
	media := vision.NewFFmpegMedia(fsutil.OSFileSystem{}, *inboxDir, *workDir)

	analyzer := pipeline.NewAnalyzer(
		cfg,
		media,
		clip.NewSanitizer(clip.ExecRunner{}, cfg),
		mot.NewDriver(inference, inference, media, cfg, *cropDir),
		track.NewPostProcessor(cfg),
		track.NewClassifier(inference, media, cfg),
		tracks,
		track.NewLockRegistry(),
		runs,
		clock,
	)
	batch := pipeline.NewMatchBatch(
		cameras, topology, tracks, objects,
		match.NewCrossingMatcher(cfg, lines, topology, links),
		match.NewSimilarityMatcher(cfg, topology, links),
		match.NewDirectionMatcher(cfg, topology, links, cache),
		cache,
		match.NewIdentityResolver(database, links),
		match.NewPropagator(database),
		clock,
	)
	grouping := pipeline.NewGroupFlow(
		predict.NewGrouper(objects),
		predict.NewTrackBuilder(objects),
		objects,
	)

	queue := jobs.NewQueue(clock)
	queue.Register(jobs.KindClipAnalysis, cfg.GetAnalysisWorkers(), cfg.GetMOTTimeout(), func(ctx context.Context, payload string) error {
		return analyzer.AnalyzeClip(ctx, payload)
	})
	queue.Register(jobs.KindMatch, cfg.GetMatchWorkers(), cfg.GetMOTTimeout(), func(ctx context.Context, payload string) error {
		_, err := batch.Run(ctx)
		return err
	})
	queue.Register(jobs.KindGroup, 1, cfg.GetMOTTimeout(), func(ctx context.Context, payload string) error {
		return grouping.Run(ctx, payload)
	})
	queue.Start(ctx)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher := ingest.NewWatcher(*inboxDir, queue, clock)
		if err := watcher.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("inbox watcher stopped: %v", err)
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(*matchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Fold fresh predictions into camera objects before matching.
				cams, err := cameras.List(ctx)
				if err != nil {
					log.Printf("list cameras: %v", err)
				}
				for _, c := range cams {
					if _, err := queue.Enqueue(jobs.KindGroup, c.ID); err != nil {
						log.Printf("enqueue grouping for %s: %v", c.ID, err)
					}
				}
				if _, err := queue.Enqueue(jobs.KindMatch, ""); err != nil {
					log.Printf("enqueue match batch: %v", err)
				}
			}
		}
	}()

	log.Printf("crosscam %s up: inbox=%s db=%s match every %s", version.String(), *inboxDir, *dbPath, *matchInterval)
	<-ctx.Done()

	wg.Wait()
	queue.Stop()
	log.Printf("shutdown complete")
}
