package match

import (
	"context"
	"math"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/track"
)

// autoConfirmThreshold is the crossing-line score at which a link is trusted
// without review.
const autoConfirmThreshold = 0.90

// CrossingMatcher matches tracks across a camera pair through configured
// crossing-line geometry. It runs before the appearance-based matchers:
// its accepted pairs are geometric evidence and are excluded from the ReID
// pass so lookalike vehicles cannot be joined against the geometry.
type CrossingMatcher struct {
	cfg      *config.TuningConfig
	lines    *camera.LineStore
	topology *camera.TopologyStore
	links    *LinkStore
	compat   *compat
	logf     func(format string, v ...interface{})

	// FrameDiag is the assumed pixel diagonal of source frames, used by the
	// direction reliability gate.
	FrameDiag float64
}

// NewCrossingMatcher creates a crossing-line matcher.
func NewCrossingMatcher(cfg *config.TuningConfig, lines *camera.LineStore, topology *camera.TopologyStore, links *LinkStore) *CrossingMatcher {
	return &CrossingMatcher{
		cfg:       cfg,
		lines:     lines,
		topology:  topology,
		links:     links,
		compat:    newCompat(cfg),
		logf:      monitoring.Component("CrossingMatch"),
		FrameDiag: math.Hypot(1920, 1080),
	}
}

type crossingCandidate struct {
	score        float64
	laneDistance float64
	gap          float64
	lineID       int64
	classMatch   bool
}

// MatchPair scores every cross-camera track pair against the camera pair's
// crossing lines and writes the accepted links. Returns the number of links
// written. A camera pair with no paired lines or no topology edge yields
// zero links and no error; the direction matcher covers those pairs.
func (m *CrossingMatcher) MatchPair(ctx context.Context, cameraA, cameraB string, tracksA, tracksB []*track.VideoTrack) (int, error) {
	linePairs, err := m.lines.PairedLines(ctx, cameraA, cameraB)
	if err != nil {
		return 0, err
	}
	if len(linePairs) == 0 {
		return 0, nil
	}
	edge, err := m.topology.EitherEdge(ctx, cameraA, cameraB)
	if err != nil {
		return 0, err
	}
	if edge == nil {
		return 0, nil
	}

	scores := make(map[[2]int64]float64)
	detail := make(map[[2]int64]crossingCandidate)
	for _, a := range tracksA {
		if !a.Active() {
			continue
		}
		for _, b := range tracksB {
			if !b.Active() {
				continue
			}
			cand, ok := m.score(a, b, linePairs, edge)
			if !ok {
				continue
			}
			key := [2]int64{a.ID, b.ID}
			scores[key] = cand.score
			detail[key] = cand
		}
	}

	written := 0
	for _, pair := range mutualBest(scores) {
		cand := detail[pair]
		status := LinkAuto
		if cand.score >= autoConfirmThreshold {
			status = LinkAutoConfirmed
		}
		laneDist := cand.laneDistance
		lineID := cand.lineID
		classMatch := cand.classMatch
		err := m.links.Upsert(ctx, &Link{
			TrackA:         pair[0],
			TrackB:         pair[1],
			Confidence:     cand.score,
			Method:         MethodCrossingLine,
			TemporalGapSec: cand.gap,
			ClassMatch:     &classMatch,
			LaneDistance:   &laneDist,
			CrossingLineID: &lineID,
			Status:         status,
			SourceType:     SourceVideoTrack,
		})
		if err != nil {
			return written, err
		}
		written++
	}
	if written > 0 {
		m.logf("%s<->%s: %d crossing-line links from %d candidates", cameraA, cameraB, written, len(scores))
	}
	return written, nil
}

// score evaluates one track pair over every line pair and keeps the best.
func (m *CrossingMatcher) score(a, b *track.VideoTrack, linePairs [][2]*camera.CrossingLine, edge *camera.TopologyEdge) (crossingCandidate, bool) {
	if !m.compat.Compatible(effectiveClass(a), effectiveClass(b)) {
		return crossingCandidate{}, false
	}
	gap := math.Abs(a.FirstSeenEpoch - b.FirstSeenEpoch)
	if gap > edge.MaxTransitSeconds {
		return crossingCandidate{}, false
	}
	temporal := m.temporalScore(a, b, gap, edge)
	if temporal == 0 {
		return crossingCandidate{}, false
	}
	ma := travelDirection(a, m.FrameDiag)
	mb := travelDirection(b, m.FrameDiag)
	weights := m.cfg.GetCrossingWeights()

	best := crossingCandidate{}
	found := false
	for _, lp := range linePairs {
		la, lb := lp[0], lp[1]
		if ma.Known && mb.Known {
			agreeA := la.ForwardAgreement(ma.DX, ma.DY)
			agreeB := lb.ForwardAgreement(mb.DX, mb.DY)
			if agreeA != 0 && agreeB != 0 && agreeA != agreeB {
				continue
			}
		}
		ax, ay := a.AvgBBox.Center()
		bx, by := b.AvgBBox.Center()
		ta := la.Project(ax, ay)
		tb := lb.Project(bx, by)
		if la.LaneReversed {
			tb = 1 - tb
		}
		laneDist := math.Abs(ta - tb)
		total := weights.Lane*(1-laneDist) +
			weights.Temporal*temporal +
			weights.Size*sizeScore(a.AvgBBox.Area(), b.AvgBBox.Area())
		if total < m.cfg.GetCrossingMatchThreshold() {
			continue
		}
		if !found || total > best.score {
			best = crossingCandidate{
				score:        total,
				laneDistance: laneDist,
				gap:          gap,
				lineID:       la.ID,
				classMatch:   effectiveClass(a) == effectiveClass(b),
			}
			found = true
		}
	}
	return best, found
}

// temporalScore is the piecewise crossing-line temporal term in [0,1]:
// overlapping windows score full, a gap within 1.5x the average transit
// scores 0.9, anything within max transit scores 0.6. Windows co-visible for
// more than a few transit spans cannot be one vehicle and score zero.
func (m *CrossingMatcher) temporalScore(a, b *track.VideoTrack, gap float64, edge *camera.TopologyEdge) float64 {
	switch {
	case track.TimeOverlap(a, b) > m.cfg.GetOverlapGapMultiplier()*edge.MaxTransitSeconds:
		return 0
	case track.TimeOverlap(a, b) > 0:
		return 1.0
	case gap <= 1.5*edge.AvgTransitSeconds:
		return 0.9
	case gap <= edge.MaxTransitSeconds:
		return 0.6
	}
	return 0
}

// effectiveClass is the label the compatibility check runs on: the reviewed
// subtype when present, else the detector class.
func effectiveClass(t *track.VideoTrack) string {
	if t.VehicleSubtype != "" {
		return t.VehicleSubtype
	}
	return t.ClassName
}
