package mot

import (
	"github.com/fieldvision-data/crosscam.report/internal/geom"
	"github.com/fieldvision-data/crosscam.report/internal/vision"
)

// Association thresholds. High-confidence detections associate first; the
// leftovers get a second chance against low-confidence detections, which is
// what recovers occluded objects and is the core of the ByteTrack scheme.
const (
	defaultHighThresh = 0.5
	defaultLowThresh  = 0.1
	defaultMinIoU     = 0.2
	defaultMaxMisses  = 15
)

// Observation is one associated detection on an open track.
type Observation struct {
	Timestamp  float64
	FrameIndex int
	BBox       geom.BBox
	Confidence float64
	ClassName  string
}

// openTrack is tracker-internal state for one object being followed.
type openTrack struct {
	id           int
	observations []Observation
	// Constant-velocity motion model, px/s, refit on every association.
	vx, vy float64
	misses int
}

func (t *openTrack) last() Observation {
	return t.observations[len(t.observations)-1]
}

// predictedAt extrapolates the last box to ts with the velocity model.
func (t *openTrack) predictedAt(ts float64) geom.BBox {
	last := t.last()
	dt := ts - last.Timestamp
	b := last.BBox
	b.X += t.vx * dt
	b.Y += t.vy * dt
	return b
}

func (t *openTrack) observe(obs Observation) {
	if len(t.observations) > 0 {
		prev := t.last()
		if dt := obs.Timestamp - prev.Timestamp; dt > 0 {
			px, py := prev.BBox.Center()
			cx, cy := obs.BBox.Center()
			// Blend with the previous estimate to damp detector jitter.
			t.vx = 0.5*t.vx + 0.5*(cx-px)/dt
			t.vy = 0.5*t.vy + 0.5*(cy-py)/dt
		}
	}
	t.observations = append(t.observations, obs)
	t.misses = 0
}

// ByteTracker associates per-frame detections into persistent tracks using
// two-stage IoU matching.
type ByteTracker struct {
	highThresh float64
	lowThresh  float64
	minIoU     float64
	maxMisses  int

	nextID int
	open   []*openTrack
	closed []*openTrack
}

// NewByteTracker creates a tracker with the default association thresholds.
func NewByteTracker() *ByteTracker {
	return &ByteTracker{
		highThresh: defaultHighThresh,
		lowThresh:  defaultLowThresh,
		minIoU:     defaultMinIoU,
		maxMisses:  defaultMaxMisses,
		nextID:     1,
	}
}

// Step feeds one frame's detections to the tracker. Detections must belong
// to a frame later than the previous Step call; trajectories come out with
// strictly increasing timestamps as a consequence.
func (bt *ByteTracker) Step(ts float64, frameIndex int, detections []vision.Detection) {
	high := make([]int, 0, len(detections))
	low := make([]int, 0)
	for i, d := range detections {
		switch {
		case d.Confidence >= bt.highThresh:
			high = append(high, i)
		case d.Confidence >= bt.lowThresh:
			low = append(low, i)
		}
	}

	matchedTracks := make(map[*openTrack]struct{})
	matchedDets := make(map[int]struct{})

	// Stage 1: open tracks vs high-confidence detections.
	bt.associate(bt.open, high, detections, ts, frameIndex, matchedTracks, matchedDets)

	// Stage 2: still-unmatched tracks vs low-confidence detections.
	var leftovers []*openTrack
	for _, t := range bt.open {
		if _, ok := matchedTracks[t]; !ok {
			leftovers = append(leftovers, t)
		}
	}
	bt.associate(leftovers, low, detections, ts, frameIndex, matchedTracks, matchedDets)

	// Unmatched high-confidence detections found new tracks; low-confidence
	// ones never do.
	for _, di := range high {
		if _, ok := matchedDets[di]; ok {
			continue
		}
		d := detections[di]
		t := &openTrack{id: bt.nextID}
		bt.nextID++
		t.observe(Observation{Timestamp: ts, FrameIndex: frameIndex, BBox: d.BBox, Confidence: d.Confidence, ClassName: d.ClassName})
		bt.open = append(bt.open, t)
	}

	// Age out tracks nothing matched.
	kept := bt.open[:0]
	for _, t := range bt.open {
		if _, ok := matchedTracks[t]; !ok {
			t.misses++
		}
		if t.misses >= bt.maxMisses {
			bt.closed = append(bt.closed, t)
			continue
		}
		kept = append(kept, t)
	}
	bt.open = kept
}

func (bt *ByteTracker) associate(tracks []*openTrack, detIdx []int, detections []vision.Detection, ts float64, frameIndex int, matchedTracks map[*openTrack]struct{}, matchedDets map[int]struct{}) {
	if len(tracks) == 0 || len(detIdx) == 0 {
		return
	}
	cost := make([][]float64, len(tracks))
	for i, t := range tracks {
		cost[i] = make([]float64, len(detIdx))
		predicted := t.predictedAt(ts)
		for j, di := range detIdx {
			iou := geom.IoU(predicted, detections[di].BBox)
			if iou < bt.minIoU {
				cost[i][j] = forbiddenCost
			} else {
				cost[i][j] = 1 - iou
			}
		}
	}
	for i, j := range assign(cost) {
		if j < 0 {
			continue
		}
		di := detIdx[j]
		d := detections[di]
		tracks[i].observe(Observation{Timestamp: ts, FrameIndex: frameIndex, BBox: d.BBox, Confidence: d.Confidence, ClassName: d.ClassName})
		matchedTracks[tracks[i]] = struct{}{}
		matchedDets[di] = struct{}{}
	}
}

// Finish closes all open tracks and returns every track the clip produced,
// ordered by id.
func (bt *ByteTracker) Finish() []*openTrack {
	all := append(bt.closed, bt.open...)
	bt.open = nil
	bt.closed = nil
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j-1].id > all[j].id; j-- {
			all[j-1], all[j] = all[j], all[j-1]
		}
	}
	return all
}
