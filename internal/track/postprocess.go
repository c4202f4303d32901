package track

import (
	"math"
	"sort"

	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/geom"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
)

// Alignment tolerances for the merge pass. Aligned points must agree within
// timestampSlop seconds; nearest-neighbour sampling accepts up to
// nearestSlop seconds.
const (
	timestampSlop = 0.05
	nearestSlop   = 0.5

	// Overlap beyond which a single aligned point is enough evidence to
	// merge, and the minimum overlap for sampled nearest-neighbour checks.
	longOverlapSec    = 5.0
	sampledOverlapSec = 2.0
	sampleCount       = 9
	minSampledPoints  = 3
)

// PostStats summarises what one post-processing run changed.
type PostStats struct {
	Merged         int
	Stitched       int
	JumpsCleaned   int
	JumpFragmented int
}

// PostProcessor cleans tracker artifacts from one clip's video tracks in
// three strict passes: merge overlapping duplicates, stitch sequential
// fragments, then remove trajectory jumps. Passes never run concurrently
// for one clip; each reads the previous pass's output.
type PostProcessor struct {
	cfg  *config.TuningConfig
	logf func(format string, v ...interface{})
}

// NewPostProcessor creates a post-processor with the given tuning.
func NewPostProcessor(cfg *config.TuningConfig) *PostProcessor {
	return &PostProcessor{cfg: cfg, logf: monitoring.Component("PostProcess")}
}

// Process runs all three passes in order over the clip's tracks. Tracks are
// mutated in place; deactivated tracks keep their trajectories for audit.
// The active track count never increases.
func (pp *PostProcessor) Process(tracks []*VideoTrack) PostStats {
	var stats PostStats
	stats.Merged = pp.mergeOverlapping(tracks)
	stats.Stitched = pp.stitchSequential(tracks)
	stats.JumpsCleaned, stats.JumpFragmented = pp.cleanTrajectoryJumps(tracks)

	if stats.Merged+stats.Stitched+stats.JumpsCleaned+stats.JumpFragmented > 0 {
		pp.logf("merged=%d stitched=%d jumps_cleaned=%d jump_fragmented=%d",
			stats.Merged, stats.Stitched, stats.JumpsCleaned, stats.JumpFragmented)
	}
	return stats
}

// mergeOverlapping deactivates the shorter of any pair of active tracks that
// follow the same object through overlapping time. Two kinds of evidence
// count: exactly-aligned timestamps with solid IoU, or evenly sampled
// nearest-neighbour points with solid IoU-min (tolerant of bbox wobble).
func (pp *PostProcessor) mergeOverlapping(tracks []*VideoTrack) int {
	merged := 0
	for i := 0; i < len(tracks); i++ {
		for j := i + 1; j < len(tracks); j++ {
			a, b := tracks[i], tracks[j]
			if !a.Active() || !b.Active() {
				continue
			}
			overlap := TimeOverlap(a, b)
			if overlap <= 0 {
				continue
			}
			if pp.alignedMergeEvidence(a, b, overlap) || pp.sampledMergeEvidence(a, b, overlap) {
				shorterOf(a, b).Status = StatusMerged
				merged++
			}
		}
	}
	return merged
}

func (pp *PostProcessor) alignedMergeEvidence(a, b *VideoTrack, overlap float64) bool {
	minShared := pp.cfg.GetMinSharedPoints()
	if overlap > longOverlapSec {
		// Long co-observation: even one clean alignment is convincing.
		minShared = 1
	}

	var iouSum float64
	shared := 0
	for _, pa := range a.Trajectory {
		pb, ok := b.PointAt(pa.Timestamp, timestampSlop)
		if !ok {
			continue
		}
		shared++
		iouSum += geom.IoU(pa.BBox(), pb.BBox())
	}
	if shared < minShared {
		return false
	}
	return iouSum/float64(shared) >= pp.cfg.GetIoUMergeThreshold()
}

func (pp *PostProcessor) sampledMergeEvidence(a, b *VideoTrack, overlap float64) bool {
	if overlap < sampledOverlapSec {
		return false
	}
	start := math.Max(a.FirstSeenEpoch, b.FirstSeenEpoch)

	var iouMinSum float64
	valid := 0
	for s := 0; s < sampleCount; s++ {
		ts := start + overlap*float64(s)/float64(sampleCount-1)
		pa, okA := a.PointAt(ts, nearestSlop)
		pb, okB := b.PointAt(ts, nearestSlop)
		if !okA || !okB {
			continue
		}
		valid++
		iouMinSum += geom.IoUMin(pa.BBox(), pb.BBox())
	}
	if valid < minSampledPoints {
		return false
	}
	return iouMinSum/float64(valid) >= pp.cfg.GetIoUMinNearest()
}

// stitchSequential deactivates the shorter of two tracks where one ends and
// the other begins shortly after in nearly the same place. ByteTrack
// fragments stationary or slow-moving objects (parked vehicles, waving
// signs) this way.
func (pp *PostProcessor) stitchSequential(tracks []*VideoTrack) int {
	maxGap := pp.cfg.GetStitchMaxGapSec()
	stitched := 0

	// Ordered pairs: a ends, then b begins.
	for _, a := range tracks {
		if !a.Active() || len(a.Trajectory) == 0 {
			continue
		}
		for _, b := range tracks {
			if a == b || !b.Active() || len(b.Trajectory) == 0 || !a.Active() {
				continue
			}
			gap := b.FirstSeenEpoch - a.LastSeenEpoch
			if gap < 0 || gap > maxGap {
				continue
			}
			last := a.Trajectory[len(a.Trajectory)-1].BBox()
			first := b.Trajectory[0].BBox()
			score := math.Max(geom.IoU(last, first), geom.IoUMin(last, first))
			if score >= 0.30 {
				shorterOf(a, b).Status = StatusMerged
				stitched++
			}
		}
	}
	return stitched
}

// cleanTrajectoryJumps splits each active trajectory at implausible
// centroid displacements and keeps only the longest contiguous segment.
// Tracks left with fewer than MinSegmentFrames frames are deactivated
// outright. A real long-exposure track of a very fast vehicle can trip
// this; JumpMultiplier and MinSegmentFrames are tuning knobs for exactly
// that case.
func (pp *PostProcessor) cleanTrajectoryJumps(tracks []*VideoTrack) (cleaned, fragmented int) {
	multiplier := pp.cfg.GetJumpMultiplier()
	minFrames := pp.cfg.GetMinSegmentFrames()

	for _, t := range tracks {
		if !t.Active() || len(t.Trajectory) < 2 {
			continue
		}

		// Segment boundaries: index i starts a new segment when the step
		// from i-1 to i is a jump.
		segStart := 0
		var segments [][2]int // [start, end) index pairs
		for i := 1; i < len(t.Trajectory); i++ {
			prev, cur := t.Trajectory[i-1], t.Trajectory[i]
			diag := (prev.BBox().Diagonal() + cur.BBox().Diagonal()) / 2
			displacement := geom.CentroidDistance(prev.BBox(), cur.BBox())
			if diag > 0 && displacement > multiplier*diag {
				segments = append(segments, [2]int{segStart, i})
				segStart = i
			}
		}
		segments = append(segments, [2]int{segStart, len(t.Trajectory)})

		if len(segments) == 1 {
			continue // No jumps.
		}
		cleaned++

		sort.Slice(segments, func(i, j int) bool {
			return segments[i][1]-segments[i][0] > segments[j][1]-segments[j][0]
		})
		best := segments[0]
		if best[1]-best[0] < minFrames {
			t.Status = StatusJumpFragmented
			fragmented++
			continue
		}

		t.Trajectory = append([]TrajectoryPoint(nil), t.Trajectory[best[0]:best[1]]...)
		t.RecomputeAggregates()
	}
	return cleaned, fragmented
}

// shorterOf returns the track with the smaller observation span, breaking
// ties by trajectory length.
func shorterOf(a, b *VideoTrack) *VideoTrack {
	da, db := a.Duration(), b.Duration()
	if da != db {
		if da < db {
			return a
		}
		return b
	}
	if len(a.Trajectory) <= len(b.Trajectory) {
		return a
	}
	return b
}
