package track

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/geom"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/vision"
)

const (
	// Clips longer than this are sampled every 2nd frame.
	longClipSec = 60.0

	// A detection is assigned to a visible track when its IoU with the
	// track's nearest trajectory bbox clears this floor.
	assignIoUFloor = 0.15

	// Track visibility tolerance when looking up the nearest trajectory
	// point for a frame timestamp.
	visibleSlop = 0.5

	// Axis fraction on each side outside which center_score decays.
	centerMargin = 0.2
)

// FrameClassification is one per-frame vote for a track's class.
type FrameClassification struct {
	Timestamp  float64   `json:"ts"`
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	BBox       geom.BBox `json:"bbox"`
}

// Consensus is the weighted vote outcome over a track's frame
// classifications. Distribution sums to 1 over the observed classes.
type Consensus struct {
	Class        string
	Confidence   float64
	Distribution map[string]float64
}

// QualityFrame pairs a frame classification with its quality score for
// training-data export.
type QualityFrame struct {
	FrameClassification
	Quality float64
}

// Classifier samples frames from a clip, runs detection on each, assigns
// detections to visible tracks and produces the per-track consensus.
type Classifier struct {
	detector vision.Detector
	frames   vision.FrameSource
	cfg      *config.TuningConfig
	logf     func(format string, v ...interface{})
}

// NewClassifier creates a frame classifier.
func NewClassifier(detector vision.Detector, frames vision.FrameSource, cfg *config.TuningConfig) *Classifier {
	return &Classifier{
		detector: detector,
		frames:   frames,
		cfg:      cfg,
		logf:     monitoring.Component("Consensus"),
	}
}

// ClassifyTracks decodes the clip, classifies each sampled frame and returns
// per-track frame classifications indexed like tracks. Only active tracks
// receive votes; entries for inactive tracks are nil.
func (c *Classifier) ClassifyTracks(ctx context.Context, clipPath string, tracks []*VideoTrack, clipDuration float64) ([][]FrameClassification, error) {
	step := 1
	if clipDuration > longClipSec {
		step = 2
	}

	iter, err := c.frames.Frames(ctx, clipPath, step)
	if err != nil {
		return nil, fmt.Errorf("open frame source for %s: %w", clipPath, err)
	}
	defer iter.Close()

	perTrack := make([][]FrameClassification, len(tracks))
	sampled := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame := iter.Frame()
		sampled++

		detectCtx, cancel := context.WithTimeout(ctx, c.cfg.GetDetectTimeout())
		detections, err := c.detector.Detect(detectCtx, frame.Image, c.cfg.GetInferenceConf())
		cancel()
		if err != nil {
			// One bad frame never sinks the clip.
			c.logf("detect frame %d: %v", frame.Index, err)
			continue
		}
		if len(detections) == 0 {
			continue
		}

		for ti, t := range tracks {
			if !t.Active() {
				continue
			}
			p, ok := t.PointAt(frame.Timestamp, visibleSlop)
			if !ok {
				continue
			}
			best, bestIoU := -1, assignIoUFloor
			for di, d := range detections {
				if iou := geom.IoU(p.BBox(), d.BBox); iou >= bestIoU {
					best, bestIoU = di, iou
				}
			}
			if best < 0 {
				continue
			}
			d := detections[best]
			perTrack[ti] = append(perTrack[ti], FrameClassification{
				Timestamp:  frame.Timestamp,
				ClassName:  d.ClassName,
				Confidence: d.Confidence,
				BBox:       d.BBox,
			})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", clipPath, err)
	}
	c.logf("classified %d sampled frames (step=%d) for %d tracks", sampled, step, len(tracks))
	return perTrack, nil
}

// ComputeConsensus runs the weighted vote over one track's frame
// classifications. Each frame's weight is its confidence scaled by its bbox
// area relative to the track's largest observed bbox, so distant low-quality
// glimpses cannot outvote a few close clean looks.
func ComputeConsensus(frames []FrameClassification) Consensus {
	if len(frames) == 0 {
		return Consensus{Distribution: map[string]float64{}}
	}

	var maxArea float64
	for _, f := range frames {
		if a := f.BBox.Area(); a > maxArea {
			maxArea = a
		}
	}
	if maxArea <= 0 {
		return Consensus{Distribution: map[string]float64{}}
	}

	votes := make(map[string]float64, 4)
	var total float64
	for _, f := range frames {
		w := f.Confidence * (f.BBox.Area() / maxArea)
		votes[f.ClassName] += w
		total += w
	}
	if total <= 0 {
		return Consensus{Distribution: map[string]float64{}}
	}

	out := Consensus{Distribution: make(map[string]float64, len(votes))}
	for class, v := range votes {
		share := v / total
		out.Distribution[class] = share
		if share > out.Confidence || (share == out.Confidence && class < out.Class) {
			out.Class = class
			out.Confidence = share
		}
	}
	return out
}

// ScoreFrames computes each frame's quality for training-data export and
// returns them sorted best-first. frameW/frameH are the clip dimensions in
// pixels.
func ScoreFrames(frames []FrameClassification, consensusClass string, frameW, frameH float64) []QualityFrame {
	var maxArea float64
	for _, f := range frames {
		if a := f.BBox.Area(); a > maxArea {
			maxArea = a
		}
	}
	if maxArea <= 0 {
		return nil
	}

	scored := make([]QualityFrame, 0, len(frames))
	for _, f := range frames {
		classMatch := 0.3
		if f.ClassName == consensusClass {
			classMatch = 1.0
		}
		q := (f.BBox.Area() / maxArea) * f.Confidence * classMatch * centerScore(f.BBox, frameW, frameH)
		scored = append(scored, QualityFrame{FrameClassification: f, Quality: clamp01(q)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Quality > scored[j].Quality })
	return scored
}

// BestFrames returns up to n frames whose quality clears minQuality, from
// the already-scored best-first slice.
func BestFrames(scored []QualityFrame, n int, minQuality float64) []QualityFrame {
	var out []QualityFrame
	for _, f := range scored {
		if len(out) >= n {
			break
		}
		if f.Quality >= minQuality {
			out = append(out, f)
		}
	}
	return out
}

// centerScore is 1.0 when the bbox center lies in the middle 60% of the
// frame and falls linearly to 0 at the image edges.
func centerScore(b geom.BBox, frameW, frameH float64) float64 {
	if frameW <= 0 || frameH <= 0 {
		return 0
	}
	cx, cy := b.Center()
	return math.Min(axisCenterScore(cx/frameW), axisCenterScore(cy/frameH))
}

func axisCenterScore(frac float64) float64 {
	if frac < 0 || frac > 1 {
		return 0
	}
	edge := math.Min(frac, 1-frac)
	if edge >= centerMargin {
		return 1
	}
	return edge / centerMargin
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
