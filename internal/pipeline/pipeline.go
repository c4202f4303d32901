// Package pipeline composes the per-clip analysis flow and the periodic
// cross-camera match batch out of the domain packages. Job handlers in the
// server binary call into it; everything here is synchronous so the queue
// owns all concurrency.
//
// Clips are named <camera_id>__<anything>.mp4; the double underscore
// separates the camera id (which may itself contain underscores) from the
// recorder's suffix.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fieldvision-data/crosscam.report/internal/clip"
	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/jobs"
	"github.com/fieldvision-data/crosscam.report/internal/match"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/mot"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
	"github.com/fieldvision-data/crosscam.report/internal/track"
	"github.com/fieldvision-data/crosscam.report/internal/vision"
)

// Analyzer runs one clip through sanitize, MOT, post-processing and
// consensus classification, persisting tracks and run bookkeeping.
type Analyzer struct {
	cfg        *config.TuningConfig
	clips      vision.ClipService
	sanitizer  *clip.Sanitizer
	mot        *mot.Driver
	post       *track.PostProcessor
	classifier *track.Classifier
	tracks     *track.Store
	locks      *track.LockRegistry
	runs       *jobs.RunStore
	clock      timeutil.Clock
	logf       func(format string, v ...interface{})
}

// NewAnalyzer wires the clip analysis flow.
func NewAnalyzer(
	cfg *config.TuningConfig,
	clips vision.ClipService,
	sanitizer *clip.Sanitizer,
	driver *mot.Driver,
	post *track.PostProcessor,
	classifier *track.Classifier,
	tracks *track.Store,
	locks *track.LockRegistry,
	runs *jobs.RunStore,
	clock timeutil.Clock,
) *Analyzer {
	return &Analyzer{
		cfg:        cfg,
		clips:      clips,
		sanitizer:  sanitizer,
		mot:        driver,
		post:       post,
		classifier: classifier,
		tracks:     tracks,
		locks:      locks,
		runs:       runs,
		clock:      clock,
		logf:       monitoring.Component("Pipeline"),
	}
}

// CameraFromClipName extracts the camera id from a clip filename.
func CameraFromClipName(path string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	i := strings.Index(base, "__")
	if i <= 0 {
		return "", fmt.Errorf("clip %q has no camera prefix: %w", base, fault.ErrBadInput)
	}
	return base[:i], nil
}

// AnalyzeClip processes one clip end to end. The analysis-run record tracks
// the outcome; a failed run keeps its error message for the review UI.
func (a *Analyzer) AnalyzeClip(ctx context.Context, clipPath string) error {
	cameraID, err := CameraFromClipName(clipPath)
	if err != nil {
		return err
	}
	probe, err := a.clips.ProbeClip(ctx, clipPath)
	if err != nil {
		return fault.External("probe "+clipPath, err)
	}

	video := &track.Video{
		CameraID: cameraID,
		Filename: filepath.Base(clipPath),
		Width:    probe.Width,
		Height:   probe.Height,
	}
	if err := a.tracks.SaveVideo(ctx, video); err != nil {
		return err
	}
	runID, err := a.runs.Begin(ctx, video.ID)
	if err != nil {
		return err
	}

	stats, err := a.analyze(ctx, clipPath, cameraID, video, probe)
	if err != nil {
		if ferr := a.runs.Fail(ctx, runID, err.Error()); ferr != nil {
			a.logf("mark run %s failed: %v", runID, ferr)
		}
		return err
	}
	if err := a.runs.Complete(ctx, runID, stats); err != nil {
		return err
	}
	a.logf("run %s: %s -> %d tracks (%d merged, %d deactivated) in %.1fs",
		runID, video.Filename, stats.TracksSaved, stats.TracksMerged,
		stats.TracksDeactivated, stats.DurationSec)
	return nil
}

func (a *Analyzer) analyze(ctx context.Context, clipPath, cameraID string, video *track.Video, probe vision.ClipProbe) (jobs.RunStats, error) {
	start := a.clock.Now()
	stats := jobs.RunStats{}

	cleanPath, err := a.sanitizer.Sanitize(ctx, clipPath)
	if err != nil {
		return stats, err
	}

	vts, err := a.mot.Track(ctx, cleanPath, cameraID, video.ID)
	if err != nil {
		return stats, err
	}
	if len(vts) == 0 {
		stats.DurationSec = a.clock.Since(start).Seconds()
		return stats, nil
	}

	unlock := a.locks.Lock(video.ID)
	defer unlock()

	post := a.post.Process(vts)
	stats.TracksMerged = post.Merged + post.Stitched
	stats.TracksDeactivated = post.JumpFragmented

	frames, err := a.classifier.ClassifyTracks(ctx, cleanPath, vts, probe.DurationSeconds)
	if err != nil {
		// Consensus enriches the tracks but the tracks themselves are
		// already sound; keep them.
		a.logf("consensus classification failed for %s: %v", video.Filename, err)
		frames = nil
	}

	consensuses := make([]track.Consensus, len(vts))
	for i, vt := range vts {
		stats.Detections += len(vt.Trajectory)
		if vt.Active() {
			stats.TracksSaved++
		}
		if frames == nil || i >= len(frames) || len(frames[i]) == 0 {
			continue
		}
		consensuses[i] = track.ComputeConsensus(frames[i])
		if consensuses[i].Class != "" && vt.Active() {
			vt.ClassName = consensuses[i].Class
		}
	}

	if err := a.tracks.SaveTracks(ctx, vts); err != nil {
		return stats, err
	}

	for i, vt := range vts {
		if frames == nil || i >= len(frames) || len(frames[i]) == 0 {
			continue
		}
		scored := track.ScoreFrames(frames[i], consensuses[i].Class, float64(probe.Width), float64(probe.Height))
		best := track.BestFrames(scored, a.cfg.GetTopQualityFrames(), a.cfg.GetFrameQualityThreshold())
		result := &track.AnalysisResult{
			VideoID:              video.ID,
			VideoTrackID:         vt.ID,
			CameraID:             cameraID,
			ConsensusClass:       consensuses[i].Class,
			ConsensusConfidence:  consensuses[i].Confidence,
			ClassDistribution:    consensuses[i].Distribution,
			FrameClassifications: frames[i],
			FrameQualityScores:   best,
			TotalFrames:          len(frames[i]),
			DurationSeconds:      vt.Duration(),
			DirectionOfTravel:    match.DirectionOfTravel(vt, float64(probe.Width), float64(probe.Height)),
		}
		if _, err := a.tracks.SaveAnalysisResult(ctx, result); err != nil {
			return stats, err
		}
	}

	stats.DurationSec = a.clock.Since(start).Seconds()
	return stats, nil
}
