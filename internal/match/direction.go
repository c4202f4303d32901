package match

import (
	"context"
	"math"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/track"
)

// stationarySpanFloorSec is the minimum observation span treated as
// "long-lived" when filtering parked vehicles, regardless of how short the
// topology's transit times are.
const stationarySpanFloorSec = 60.0

// DirectionMatcher associates tracks across a camera pair using travel
// direction, timing against the learned topology, ReID embeddings, color
// histograms and bbox size. It needs no per-camera calibration and is the
// default matcher for camera pairs without crossing lines.
type DirectionMatcher struct {
	cfg         *config.TuningConfig
	topology    *camera.TopologyStore
	links       *LinkStore
	descriptors *DescriptorCache
	compat      *compat
	logf        func(format string, v ...interface{})

	// FrameDiag is the assumed pixel diagonal of source frames.
	FrameDiag float64
}

// NewDirectionMatcher creates a direction matcher.
func NewDirectionMatcher(cfg *config.TuningConfig, topology *camera.TopologyStore, links *LinkStore, descriptors *DescriptorCache) *DirectionMatcher {
	return &DirectionMatcher{
		cfg:         cfg,
		topology:    topology,
		links:       links,
		descriptors: descriptors,
		compat:      newCompat(cfg),
		logf:        monitoring.Component("DirectionMatch"),
		FrameDiag:   math.Hypot(1920, 1080),
	}
}

type directionCandidate struct {
	score      float64
	gap        float64
	reid       float64
	classMatch bool
}

type pairingResult struct {
	accepted [][2]int64
	detail   map[[2]int64]directionCandidate
	avg      float64
}

// MatchPair runs the direction matcher over one camera pair and writes the
// accepted links. Returns the number of links written. Camera pairs without
// a topology edge are not matched at all.
func (m *DirectionMatcher) MatchPair(ctx context.Context, cameraA, cameraB string, tracksA, tracksB []*track.VideoTrack) (int, error) {
	edge, err := m.topology.EitherEdge(ctx, cameraA, cameraB)
	if err != nil {
		return 0, err
	}
	if edge == nil {
		return 0, nil
	}

	skip, err := m.excludedPairs(ctx)
	if err != nil {
		return 0, err
	}

	elA := m.eligible(tracksA, edge)
	elB := m.eligible(tracksB, edge)
	dirA := m.bucketize(elA)
	dirB := m.bucketize(elB)

	// Cameras may physically face opposite directions, so a vehicle moving
	// left-to-right on A can appear right-to-left on B. Try both pairings
	// and keep whichever explains more of the traffic.
	same := m.runPairing(elA, elB, dirA, dirB, edge, skip, false)
	opposite := m.runPairing(elA, elB, dirA, dirB, edge, skip, true)
	chosen := same
	if len(opposite.accepted) > len(same.accepted) ||
		(len(opposite.accepted) == len(same.accepted) && opposite.avg > same.avg) {
		chosen = opposite
	}

	written := 0
	taken := make(map[int64]bool)
	for _, pair := range chosen.accepted {
		if err := m.writeLink(ctx, pair, chosen.detail[pair]); err != nil {
			return written, err
		}
		taken[pair[0]] = true
		taken[pair[1]] = true
		written++
	}

	// Unknown-direction tracks run in a separate pass with explicit
	// temporal ordering, once per direction of travel.
	for _, aFirst := range []bool{true, false} {
		res := m.runUnknown(elA, elB, dirA, dirB, edge, skip, taken, aFirst)
		for _, pair := range res.accepted {
			if err := m.writeLink(ctx, pair, res.detail[pair]); err != nil {
				return written, err
			}
			taken[pair[0]] = true
			taken[pair[1]] = true
			written++
		}
	}
	if written > 0 {
		m.logf("%s<->%s: %d direction links", cameraA, cameraB, written)
	}
	return written, nil
}

// excludedPairs is the set of pairs this matcher must not touch: pairs a
// human confirmed, pairs a matcher auto-confirmed, and pairs the crossing
// matcher already settled geometrically.
func (m *DirectionMatcher) excludedPairs(ctx context.Context) (map[[2]int64]bool, error) {
	skip, err := m.links.LinkedPairs(ctx, SourceVideoTrack, LinkConfirmed, LinkAutoConfirmed)
	if err != nil {
		return nil, err
	}
	crossing, err := m.links.PairsByMethod(ctx, SourceVideoTrack, MethodCrossingLine)
	if err != nil {
		return nil, err
	}
	for pair := range crossing {
		skip[pair] = true
	}
	return skip, nil
}

// eligible drops tracks the matcher cannot score: merged tracks, parked
// vehicles sitting through many transit windows, and trajectories too thin
// to trust.
func (m *DirectionMatcher) eligible(tracks []*track.VideoTrack, edge *camera.TopologyEdge) []*track.VideoTrack {
	stationarySpan := math.Max(stationarySpanFloorSec, 4*edge.MaxTransitSeconds)
	var out []*track.VideoTrack
	for _, t := range tracks {
		if !t.Active() {
			continue
		}
		if t.Duration() > stationarySpan {
			continue
		}
		if len(t.Trajectory) < m.cfg.GetMinTrajPoints() {
			continue
		}
		if t.Duration() < m.cfg.GetMinTrajDurationSec() {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (m *DirectionMatcher) bucketize(tracks []*track.VideoTrack) map[int64]motion {
	out := make(map[int64]motion, len(tracks))
	for _, t := range tracks {
		out[t.ID] = travelDirection(t, m.FrameDiag)
	}
	return out
}

// runPairing scores known-direction tracks under one facing hypothesis.
// When opposite is true, positive_dx on camera A is paired with negative_dx
// on camera B and the configured penalty applies.
func (m *DirectionMatcher) runPairing(elA, elB []*track.VideoTrack, dirA, dirB map[int64]motion, edge *camera.TopologyEdge, skip map[[2]int64]bool, opposite bool) pairingResult {
	scores := make(map[[2]int64]float64)
	detail := make(map[[2]int64]directionCandidate)
	for _, a := range elA {
		ma := dirA[a.ID]
		if !ma.Known {
			continue
		}
		for _, b := range elB {
			mb := dirB[b.ID]
			if !mb.Known {
				continue
			}
			wantBucket := ma.bucket()
			if opposite {
				wantBucket = flipBucket(wantBucket)
			}
			if mb.bucket() != wantBucket {
				continue
			}
			if skipPair(skip, a.ID, b.ID) {
				continue
			}
			if m.directionCompat(ma, mb, opposite) < m.cfg.GetDirectionVeto() {
				continue
			}
			cand, ok := m.score(a, b, edge)
			if !ok {
				continue
			}
			if opposite {
				// Under a flipped facing, timing and heading cannot tell a
				// mirror-mounted camera from a vehicle genuinely driving the
				// other way. Only top-tier appearance evidence may carry the
				// inverted hypothesis.
				if reidTierScore(cand.reid) < 1 {
					continue
				}
				cand.score *= m.cfg.GetDirectionPenalty()
				if cand.score < m.cfg.GetDirectionMatchThreshold() {
					continue
				}
			}
			key := [2]int64{a.ID, b.ID}
			scores[key] = cand.score
			detail[key] = cand
		}
	}
	return resolve(scores, detail)
}

// runUnknown pairs tracks where at least one side has no reliable direction,
// enforcing that camera A is seen first (or camera B, per aFirst).
func (m *DirectionMatcher) runUnknown(elA, elB []*track.VideoTrack, dirA, dirB map[int64]motion, edge *camera.TopologyEdge, skip map[[2]int64]bool, taken map[int64]bool, aFirst bool) pairingResult {
	scores := make(map[[2]int64]float64)
	detail := make(map[[2]int64]directionCandidate)
	for _, a := range elA {
		if taken[a.ID] {
			continue
		}
		for _, b := range elB {
			if taken[b.ID] {
				continue
			}
			if dirA[a.ID].Known && dirB[b.ID].Known {
				continue
			}
			if skipPair(skip, a.ID, b.ID) {
				continue
			}
			gap := refTime(b) - refTime(a)
			if aFirst && gap < 0 {
				continue
			}
			if !aFirst && gap > 0 {
				continue
			}
			cand, ok := m.score(a, b, edge)
			if !ok {
				continue
			}
			key := [2]int64{a.ID, b.ID}
			scores[key] = cand.score
			detail[key] = cand
		}
	}
	return resolve(scores, detail)
}

// score computes the weighted pair score, applying the hard vetoes. ok is
// false when any veto fires.
func (m *DirectionMatcher) score(a, b *track.VideoTrack, edge *camera.TopologyEdge) (directionCandidate, bool) {
	if !m.compat.Compatible(effectiveClass(a), effectiveClass(b)) {
		return directionCandidate{}, false
	}
	gap := math.Abs(refTime(a) - refTime(b))
	if edge.MaxTransitSeconds <= 0 || gap > edge.MaxTransitSeconds {
		return directionCandidate{}, false
	}
	weights := m.cfg.GetDirectionWeights()
	da := m.descriptors.Get(a)
	db := m.descriptors.Get(b)
	reid := Cosine(da.Embedding, db.Embedding)

	total := weights.Temporal * (1 - gap/edge.MaxTransitSeconds)
	total += weights.ReID * reidTierScore(reid)
	total += weights.Color * clamp01(HistCorrelation(da.Hist, db.Hist))
	total += weights.Size * sizeScore(a.AvgBBox.Area(), b.AvgBBox.Area())

	if total < m.cfg.GetDirectionMatchThreshold() {
		return directionCandidate{}, false
	}
	return directionCandidate{
		score:      total,
		gap:        gap,
		reid:       reid,
		classMatch: effectiveClass(a) == effectiveClass(b),
	}, true
}

// directionCompat maps the angle between two motion vectors to [0,1], with 1
// meaning the motions agree with the facing hypothesis.
func (m *DirectionMatcher) directionCompat(ma, mb motion, opposite bool) float64 {
	na := math.Hypot(ma.DX, ma.DY)
	nb := math.Hypot(mb.DX, mb.DY)
	if na == 0 || nb == 0 {
		return 1
	}
	cos := (ma.DX*mb.DX + ma.DY*mb.DY) / (na * nb)
	if opposite {
		cos = -cos
	}
	return (1 + cos) / 2
}

func (m *DirectionMatcher) writeLink(ctx context.Context, pair [2]int64, cand directionCandidate) error {
	reid := cand.reid
	classMatch := cand.classMatch
	return m.links.Upsert(ctx, &Link{
		TrackA:         pair[0],
		TrackB:         pair[1],
		Confidence:     cand.score,
		Method:         MethodDirection,
		ReIDSimilarity: &reid,
		TemporalGapSec: cand.gap,
		ClassMatch:     &classMatch,
		Status:         LinkAuto,
		SourceType:     SourceVideoTrack,
	})
}

func resolve(scores map[[2]int64]float64, detail map[[2]int64]directionCandidate) pairingResult {
	accepted := mutualBest(scores)
	var sum float64
	for _, pair := range accepted {
		sum += scores[pair]
	}
	res := pairingResult{accepted: accepted, detail: detail}
	if len(accepted) > 0 {
		res.avg = sum / float64(len(accepted))
	}
	return res
}

func skipPair(skip map[[2]int64]bool, a, b int64) bool {
	x, y := orderPair(a, b)
	return skip[[2]int64{x, y}]
}

func flipBucket(bucket string) string {
	switch bucket {
	case bucketPositiveDX:
		return bucketNegativeDX
	case bucketNegativeDX:
		return bucketPositiveDX
	}
	return bucket
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
