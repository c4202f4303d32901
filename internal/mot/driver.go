package mot

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/track"
	"github.com/fieldvision-data/crosscam.report/internal/vision"
)

// Boxes under this size in either dimension are detector noise.
const minBoxPx = 5.0

// Driver runs the tracker over a sanitized clip and emits video tracks.
type Driver struct {
	detector vision.Detector
	embedder vision.Embedder
	frames   vision.FrameSource
	cfg      *config.TuningConfig
	cropDir  string
	logf     func(format string, v ...interface{})
	debugf   func(format string, v ...interface{})
}

// NewDriver creates a MOT driver. embedder may be nil when appearance
// matching is disabled; tracks then carry no embedding. Best crops are
// written under cropDir.
func NewDriver(detector vision.Detector, embedder vision.Embedder, frames vision.FrameSource, cfg *config.TuningConfig, cropDir string) *Driver {
	return &Driver{
		detector: detector,
		embedder: embedder,
		frames:   frames,
		cfg:      cfg,
		cropDir:  cropDir,
		logf:     monitoring.Component("MOT"),
		debugf:   monitoring.ComponentDebug("MOT"),
	}
}

// bestCrop holds the running best (area × confidence) crop for a track.
type bestCrop struct {
	score float64
	img   image.Image
}

// Track runs detection and association over every frame of the clip and
// returns one active video track per persistent tracker id. Non-vehicle
// classes are dropped here, except person which is kept for pre-screen
// statistics. Trajectory timestamps are strictly increasing.
func (d *Driver) Track(ctx context.Context, clipPath, cameraID string, videoID int64) ([]*track.VideoTrack, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.GetMOTTimeout())
	defer cancel()

	keep := make(map[string]struct{})
	for _, c := range d.cfg.GetVehicleClasses() {
		keep[c] = struct{}{}
	}

	iter, err := d.frames.Frames(ctx, clipPath, 1)
	if err != nil {
		return nil, fmt.Errorf("open frames for %s: %w", clipPath, err)
	}
	defer iter.Close()

	tracker := NewByteTracker()
	crops := make(map[int]*bestCrop)
	frames := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame := iter.Frame()
		frames++

		detectCtx, detectCancel := context.WithTimeout(ctx, d.cfg.GetDetectTimeout())
		detections, err := d.detector.Detect(detectCtx, frame.Image, d.cfg.GetInferenceConf())
		detectCancel()
		if err != nil {
			d.logf("detect frame %d of %s: %v", frame.Index, clipPath, err)
			continue
		}

		filtered := detections[:0]
		for _, det := range detections {
			if _, ok := keep[det.ClassName]; !ok {
				continue
			}
			if det.BBox.W < minBoxPx || det.BBox.H < minBoxPx {
				continue
			}
			filtered = append(filtered, det)
		}

		tracker.Step(frame.Timestamp, frame.Index, filtered)
		d.updateBestCrops(tracker.open, frame, crops)
		d.debugf("frame %d: %d detections, %d kept, %d open tracks",
			frame.Index, len(detections), len(filtered), len(tracker.open))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", clipPath, err)
	}

	var out []*track.VideoTrack
	for _, ot := range tracker.Finish() {
		vt := d.buildVideoTrack(ctx, ot, cameraID, videoID, crops[ot.id])
		out = append(out, vt)
	}
	d.logf("%s: %d frames, %d tracks", filepath.Base(clipPath), frames, len(out))
	return out, nil
}

// updateBestCrops refreshes the running best crop for every track that was
// observed on this frame.
func (d *Driver) updateBestCrops(open []*openTrack, frame vision.Frame, crops map[int]*bestCrop) {
	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	src, ok := frame.Image.(subImager)
	if !ok {
		return
	}
	for _, t := range open {
		last := t.last()
		if last.FrameIndex != frame.Index {
			continue
		}
		score := last.BBox.Area() * last.Confidence
		cur := crops[t.id]
		if cur != nil && score <= cur.score {
			continue
		}
		rect := image.Rect(int(last.BBox.X), int(last.BBox.Y), int(last.BBox.X+last.BBox.W), int(last.BBox.Y+last.BBox.H))
		rect = rect.Intersect(frame.Image.Bounds())
		if rect.Empty() {
			continue
		}
		crops[t.id] = &bestCrop{score: score, img: src.SubImage(rect)}
	}
}

func (d *Driver) buildVideoTrack(ctx context.Context, ot *openTrack, cameraID string, videoID int64, crop *bestCrop) *track.VideoTrack {
	vt := &track.VideoTrack{
		VideoID:        videoID,
		CameraID:       cameraID,
		TrackerTrackID: ot.id,
		ClassName:      dominantClass(ot.observations),
		Status:         track.StatusActive,
	}
	for _, obs := range ot.observations {
		vt.Trajectory = append(vt.Trajectory, track.TrajectoryPoint{
			Timestamp: obs.Timestamp,
			X:         obs.BBox.X, Y: obs.BBox.Y, W: obs.BBox.W, H: obs.BBox.H,
			Conf: obs.Confidence,
		})
	}
	vt.RecomputeAggregates()

	if crop != nil {
		if path, err := d.saveCrop(videoID, ot.id, crop.img); err != nil {
			d.logf("save crop for track %d: %v", ot.id, err)
		} else {
			vt.BestCropPath = path
		}
		if d.embedder != nil {
			// Embedding is idempotent, so a flaky service gets retried.
			var emb []float32
			err := fault.Retry(ctx, 3, 200*time.Millisecond, func() error {
				embedCtx, cancel := context.WithTimeout(ctx, d.cfg.GetEmbedTimeout())
				defer cancel()
				var eerr error
				emb, eerr = d.embedder.Embed(embedCtx, crop.img)
				return eerr
			})
			if err != nil {
				d.logf("embed crop for track %d: %v", ot.id, err)
			} else {
				vt.ReIDEmbedding = emb
			}
		}
	}
	return vt
}

func (d *Driver) saveCrop(videoID int64, trackerID int, img image.Image) (string, error) {
	if err := os.MkdirAll(d.cropDir, 0o755); err != nil {
		return "", fmt.Errorf("create crop dir: %w", err)
	}
	path := filepath.Join(d.cropDir, fmt.Sprintf("v%d_t%d.jpg", videoID, trackerID))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create crop file: %w", err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", fmt.Errorf("encode crop: %w", err)
	}
	return path, nil
}

// dominantClass picks the class with the highest summed confidence over the
// track's observations.
func dominantClass(obs []Observation) string {
	votes := make(map[string]float64, 2)
	for _, o := range obs {
		votes[o.ClassName] += o.Confidence
	}
	best, bestV := "", -1.0
	for class, v := range votes {
		if v > bestV || (v == bestV && class < best) {
			best, bestV = class, v
		}
	}
	return best
}
