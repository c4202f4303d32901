// Package track holds the per-clip video track model: trajectories emitted
// by the MOT layer, the three-pass post-processor that cleans tracker
// artifacts, and the frame-consensus classifier. Camera object tracks (the
// per-camera aggregation of predictions) live in the predict package;
// cross-camera identities in the match package.
package track

import (
	"math"

	"github.com/fieldvision-data/crosscam.report/internal/geom"
)

// Status is the lifecycle state of a video track.
type Status string

const (
	// StatusActive tracks participate in matching.
	StatusActive Status = "active"
	// StatusMerged tracks were absorbed by an overlapping or sequential
	// duplicate; kept for audit, excluded from matching.
	StatusMerged Status = "merged"
	// StatusJumpFragmented tracks had no usable contiguous segment after
	// trajectory-jump cleaning.
	StatusJumpFragmented Status = "jump_fragmented"
)

// TrajectoryPoint is one observation of a track. Trajectories are contiguous
// slices of these value structs; the hot path iterates them without pointer
// chasing.
type TrajectoryPoint struct {
	Timestamp float64 `json:"ts"` // epoch seconds
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	W         float64 `json:"w"`
	H         float64 `json:"h"`
	Conf      float64 `json:"conf"`
}

// BBox returns the point's bounding box.
func (p TrajectoryPoint) BBox() geom.BBox {
	return geom.BBox{X: p.X, Y: p.Y, W: p.W, H: p.H}
}

// PathSample is one upstream-supplied centroid sample, normalized to pixel
// space. When present these are sub-second accurate and preferred over the
// trajectory for direction computation.
type PathSample struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp float64 `json:"ts"`
}

// VideoTrack is the output of MOT over one clip: a persistent tracker id and
// its trajectory, plus the aggregates the matchers score on.
type VideoTrack struct {
	ID             int64
	VideoID        int64
	CameraID       string
	TrackerTrackID int
	ClassName      string
	VehicleSubtype string
	SubtypeSource  string

	Trajectory []TrajectoryPoint
	PathData   []PathSample

	FirstSeenEpoch float64
	LastSeenEpoch  float64

	BestCropPath  string
	AvgConfidence float64
	AvgBBox       geom.BBox

	ReIDEmbedding []float32

	Status                Status
	CrossCameraConflict   bool
	CrossCameraIdentityID *int64
}

// Duration returns the observed span of the track in seconds.
func (t *VideoTrack) Duration() float64 {
	return t.LastSeenEpoch - t.FirstSeenEpoch
}

// Active reports whether the track participates in matching.
func (t *VideoTrack) Active() bool {
	return t.Status == StatusActive
}

// PointAt returns the trajectory point nearest to ts, and whether it lies
// within tolerance seconds. Trajectories are timestamp-ordered so a binary
// search would do, but tracks are short enough that a linear scan wins.
func (t *VideoTrack) PointAt(ts, tolerance float64) (TrajectoryPoint, bool) {
	best := -1
	bestGap := math.Inf(1)
	for i, p := range t.Trajectory {
		gap := math.Abs(p.Timestamp - ts)
		if gap < bestGap {
			bestGap = gap
			best = i
		}
	}
	if best < 0 || bestGap > tolerance {
		return TrajectoryPoint{}, false
	}
	return t.Trajectory[best], true
}

// AvgDiagonal returns the mean bbox diagonal over the trajectory.
func (t *VideoTrack) AvgDiagonal() float64 {
	if len(t.Trajectory) == 0 {
		return 0
	}
	var sum float64
	for _, p := range t.Trajectory {
		sum += p.BBox().Diagonal()
	}
	return sum / float64(len(t.Trajectory))
}

// RecomputeAggregates refreshes the first/last seen timestamps, average
// confidence and average bbox from the trajectory. Called after any pass
// that rewrites trajectory points.
func (t *VideoTrack) RecomputeAggregates() {
	if len(t.Trajectory) == 0 {
		return
	}
	t.FirstSeenEpoch = t.Trajectory[0].Timestamp
	t.LastSeenEpoch = t.Trajectory[len(t.Trajectory)-1].Timestamp

	boxes := make([]geom.BBox, len(t.Trajectory))
	var confSum float64
	for i, p := range t.Trajectory {
		boxes[i] = p.BBox()
		confSum = confSum + p.Conf
	}
	t.AvgBBox = geom.MeanBBox(boxes)
	t.AvgConfidence = confSum / float64(len(t.Trajectory))
}

// TimeOverlap returns the length in seconds of the intersection of two
// tracks' observation windows, zero when disjoint.
func TimeOverlap(a, b *VideoTrack) float64 {
	start := math.Max(a.FirstSeenEpoch, b.FirstSeenEpoch)
	end := math.Min(a.LastSeenEpoch, b.LastSeenEpoch)
	if end <= start {
		return 0
	}
	return end - start
}
