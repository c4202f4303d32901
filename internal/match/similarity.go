package match

import (
	"context"
	"math"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/predict"
	"github.com/fieldvision-data/crosscam.report/internal/track"
)

// Candidate is the matcher-neutral view of a track: video tracks and camera
// object tracks both reduce to it, so one scorer serves both link families.
type Candidate struct {
	ID        int64
	CameraID  string
	Class     string
	FirstSeen float64
	LastSeen  float64
	Area      float64
	Embedding []float32
}

// VideoTrackCandidate reduces a video track, pulling its normalized
// embedding through the descriptor cache.
func VideoTrackCandidate(t *track.VideoTrack, cache *DescriptorCache) Candidate {
	return Candidate{
		ID:        t.ID,
		CameraID:  t.CameraID,
		Class:     effectiveClass(t),
		FirstSeen: t.FirstSeenEpoch,
		LastSeen:  t.LastSeenEpoch,
		Area:      t.AvgBBox.Area(),
		Embedding: cache.Get(t).Embedding,
	}
}

// ObjectTrackCandidate reduces a camera object track. These carry no
// embedding, so their score leans on timing, class and size.
func ObjectTrackCandidate(t *predict.CameraObjectTrack) Candidate {
	class := t.VehicleSubtype
	if class == "" {
		class = t.ActualClass
	}
	return Candidate{
		ID:        t.ID,
		CameraID:  t.CameraID,
		Class:     class,
		FirstSeen: t.FirstSeen,
		LastSeen:  t.LastSeen,
		Area:      t.AvgBBox.Area(),
	}
}

// SimilarityMatcher is the ReID pass: a weighted temporal + embedding +
// class + size score over cross-camera pairs, gated by the topology. Pairs
// the crossing matcher already settled are excluded so lookalike vehicles
// cannot be joined against the geometry.
type SimilarityMatcher struct {
	cfg      *config.TuningConfig
	topology *camera.TopologyStore
	links    *LinkStore
	compat   *compat
	logf     func(format string, v ...interface{})
}

// NewSimilarityMatcher creates a similarity matcher.
func NewSimilarityMatcher(cfg *config.TuningConfig, topology *camera.TopologyStore, links *LinkStore) *SimilarityMatcher {
	return &SimilarityMatcher{
		cfg:      cfg,
		topology: topology,
		links:    links,
		compat:   newCompat(cfg),
		logf:     monitoring.Component("SimilarityMatch"),
	}
}

type similarityCandidate struct {
	score      float64
	gap        float64
	reid       float64
	classMatch bool
}

// MatchPair scores every cross-camera candidate pair of the given source
// type and writes the accepted links. Camera object tracks and video tracks
// use their own acceptance cutoffs.
func (m *SimilarityMatcher) MatchPair(ctx context.Context, cameraA, cameraB string, candsA, candsB []Candidate, sourceType string) (int, error) {
	edge, err := m.topology.EitherEdge(ctx, cameraA, cameraB)
	if err != nil {
		return 0, err
	}
	if edge == nil {
		return 0, nil
	}

	skip, err := m.links.LinkedPairs(ctx, sourceType, LinkConfirmed, LinkAutoConfirmed)
	if err != nil {
		return 0, err
	}
	crossing, err := m.links.PairsByMethod(ctx, sourceType, MethodCrossingLine)
	if err != nil {
		return 0, err
	}
	for pair := range crossing {
		skip[pair] = true
	}

	threshold := m.cfg.GetMatchThreshold()
	if sourceType == SourceVideoTrack {
		threshold = m.cfg.GetVideoTrackMatchThreshold()
	}

	scores := make(map[[2]int64]float64)
	detail := make(map[[2]int64]similarityCandidate)
	for _, a := range candsA {
		for _, b := range candsB {
			if skipPair(skip, a.ID, b.ID) {
				continue
			}
			cand, ok := m.score(a, b, edge, threshold)
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
		reid := cand.reid
		classMatch := cand.classMatch
		err := m.links.Upsert(ctx, &Link{
			TrackA:         pair[0],
			TrackB:         pair[1],
			Confidence:     cand.score,
			Method:         MethodSimilarity,
			ReIDSimilarity: &reid,
			TemporalGapSec: cand.gap,
			ClassMatch:     &classMatch,
			Status:         LinkAuto,
			SourceType:     sourceType,
		})
		if err != nil {
			return written, err
		}
		written++
	}
	if written > 0 {
		m.logf("%s<->%s: %d %s similarity links", cameraA, cameraB, written, sourceType)
	}
	return written, nil
}

func (m *SimilarityMatcher) score(a, b Candidate, edge *camera.TopologyEdge, threshold float64) (similarityCandidate, bool) {
	gap := math.Abs(a.FirstSeen - b.FirstSeen)
	if overlaps(a, b) {
		// Co-visibility near a boundary is fine; two tracks in view
		// simultaneously for several transit windows cannot be one vehicle.
		if overlapSpan(a, b) > m.cfg.GetOverlapGapMultiplier()*edge.MaxTransitSeconds {
			return similarityCandidate{}, false
		}
		gap = 0
	}
	if edge.MaxTransitSeconds <= 0 || gap > edge.MaxTransitSeconds {
		return similarityCandidate{}, false
	}

	weights := m.cfg.GetTrackMatchWeights()
	reid := Cosine(a.Embedding, b.Embedding)

	total := weights.TemporalMaxScore * (1 - gap/edge.MaxTransitSeconds)
	total += weights.ReIDMaxScore * reidTierScore(reid)
	total += classScore(weights, m.compat, a.Class, b.Class)
	total += weights.BBoxSizeMaxScore * sizeScore(a.Area, b.Area)

	if total < threshold {
		return similarityCandidate{}, false
	}
	return similarityCandidate{
		score:      total,
		gap:        gap,
		reid:       reid,
		classMatch: a.Class != "" && a.Class == b.Class,
	}, true
}

// classScore rewards an exact class agreement and penalizes labels outside
// each other's compatibility group; a missing label on either side is
// neutral.
func classScore(w config.TrackMatchWeights, c *compat, classA, classB string) float64 {
	if classA == "" || classB == "" {
		return 0
	}
	if classA == classB {
		return w.ClsMatchScore
	}
	if !c.Compatible(classA, classB) {
		return w.ClsConflictPenalty
	}
	return 0
}

func overlaps(a, b Candidate) bool {
	return overlapSpan(a, b) > 0
}

// overlapSpan is the number of seconds both candidates are in view at once.
func overlapSpan(a, b Candidate) float64 {
	return math.Min(a.LastSeen, b.LastSeen) - math.Max(a.FirstSeen, b.FirstSeen)
}
