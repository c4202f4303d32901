// Package match joins tracks observed on different cameras into cross-camera
// identities. Three matchers cooperate: the crossing-line matcher runs first
// where line pairs are configured, the similarity matcher runs the ReID pass
// over the remaining pairs, and the direction matcher is the default when no
// lines are calibrated. Links land in cross_camera_links; identity resolution
// and subtype propagation run after every matching batch.
package match

import (
	"math"

	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/track"
)

// Direction buckets. Tracks whose motion cannot be established reliably go
// to bucketUnknown and only match under explicit temporal ordering.
const (
	bucketPositiveDX = "positive_dx"
	bucketNegativeDX = "negative_dx"
	bucketUnknown    = "unknown"
)

// minDirectionDisplacement is the fraction of the frame diagonal a track must
// cover before its travel direction is trusted.
const minDirectionDisplacement = 0.05

// minDirectionDurationSec guards against direction estimates from a handful
// of jittery frames.
const minDirectionDurationSec = 0.5

// motion is a track's inferred travel direction in pixel space.
type motion struct {
	DX, DY float64
	Known  bool
}

func (m motion) bucket() string {
	if !m.Known {
		return bucketUnknown
	}
	if m.DX >= 0 {
		return bucketPositiveDX
	}
	return bucketNegativeDX
}

// travelDirection infers a track's motion from upstream path samples when
// present, else from the trajectory's first-quarter to last-quarter
// centroids. frameDiag is the pixel diagonal of the source video.
func travelDirection(t *track.VideoTrack, frameDiag float64) motion {
	var dx, dy, dur float64
	switch {
	case len(t.PathData) >= 2:
		first, last := t.PathData[0], t.PathData[len(t.PathData)-1]
		dx, dy = last.X-first.X, last.Y-first.Y
		dur = last.Timestamp - first.Timestamp
	case len(t.Trajectory) >= 4:
		n := len(t.Trajectory)
		q := n / 4
		if q == 0 {
			q = 1
		}
		hx, hy, ht := centroidOf(t.Trajectory[:q])
		tx, ty, tt := centroidOf(t.Trajectory[n-q:])
		dx, dy = tx-hx, ty-hy
		dur = tt - ht
	default:
		return motion{}
	}
	if math.Hypot(dx, dy) < minDirectionDisplacement*frameDiag || dur < minDirectionDurationSec {
		return motion{}
	}
	return motion{DX: dx, DY: dy, Known: true}
}

// DirectionOfTravel labels a track's travel direction for its clip analysis
// result: positive_dx, negative_dx, or empty when the motion is too small or
// too brief to trust.
func DirectionOfTravel(t *track.VideoTrack, frameWidth, frameHeight float64) string {
	m := travelDirection(t, math.Hypot(frameWidth, frameHeight))
	if !m.Known {
		return ""
	}
	return m.bucket()
}

func centroidOf(points []track.TrajectoryPoint) (x, y, ts float64) {
	for _, p := range points {
		cx, cy := p.BBox().Center()
		x += cx
		y += cy
		ts += p.Timestamp
	}
	n := float64(len(points))
	return x / n, y / n, ts / n
}

// refTime is the comparison timestamp for temporal scoring: the midpoint of
// the path samples when available (sub-second accurate), else first-seen.
func refTime(t *track.VideoTrack) float64 {
	if len(t.PathData) >= 2 {
		return (t.PathData[0].Timestamp + t.PathData[len(t.PathData)-1].Timestamp) / 2
	}
	return t.FirstSeenEpoch
}

// reidTierScore maps a cosine similarity onto the tiered [0,1] scale. Tiers
// rather than raw similarity: embedding models cluster true matches well
// above 0.65 and the band below carries little signal.
func reidTierScore(cos float64) float64 {
	switch {
	case cos >= 0.65:
		return 1.0
	case cos >= 0.55:
		return 0.7
	case cos >= 0.45:
		return 0.4
	case cos >= 0.35:
		return 0.2
	}
	return 0
}

// compat answers vehicle-class compatibility using the configured groups.
// Detectors confuse group members at distance, so they never veto each other.
type compat struct {
	groups map[string]map[int]bool
}

func newCompat(cfg *config.TuningConfig) *compat {
	c := &compat{groups: make(map[string]map[int]bool)}
	for i, group := range cfg.GetCompatibilityGroups() {
		for _, class := range group {
			if c.groups[class] == nil {
				c.groups[class] = make(map[int]bool)
			}
			c.groups[class][i] = true
		}
	}
	return c
}

// Compatible reports whether two class labels may describe the same vehicle.
// Empty labels are always compatible.
func (c *compat) Compatible(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	for g := range c.groups[a] {
		if c.groups[b][g] {
			return true
		}
	}
	return false
}

// sizeScore is min-area/max-area when the ratio clears 0.3, else zero.
// Both matcher families use it.
func sizeScore(areaA, areaB float64) float64 {
	if areaA <= 0 || areaB <= 0 {
		return 0
	}
	ratio := math.Min(areaA, areaB) / math.Max(areaA, areaB)
	if ratio <= 0.3 {
		return 0
	}
	return ratio
}

// orderPair returns the pair with the smaller id first.
func orderPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// mutualBest filters candidate scores down to pairs where each side is the
// other's best-scoring partner. scores is keyed by [aID, bID]. Score ties
// break toward the lower-id pair so results do not depend on map order.
func mutualBest(scores map[[2]int64]float64) [][2]int64 {
	better := func(pair, cur [2]int64) bool {
		if scores[pair] != scores[cur] {
			return scores[pair] > scores[cur]
		}
		if pair[0] != cur[0] {
			return pair[0] < cur[0]
		}
		return pair[1] < cur[1]
	}
	bestA := make(map[int64][2]int64)
	bestB := make(map[int64][2]int64)
	for pair := range scores {
		if cur, ok := bestA[pair[0]]; !ok || better(pair, cur) {
			bestA[pair[0]] = pair
		}
		if cur, ok := bestB[pair[1]]; !ok || better(pair, cur) {
			bestB[pair[1]] = pair
		}
	}
	var out [][2]int64
	for pair := range scores {
		if bestA[pair[0]] == pair && bestB[pair[1]] == pair {
			out = append(out, pair)
		}
	}
	return out
}
