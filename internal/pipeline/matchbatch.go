package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
	"github.com/fieldvision-data/crosscam.report/internal/match"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/predict"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
	"github.com/fieldvision-data/crosscam.report/internal/track"
)

// defaultMatchWindow bounds how far back the batch looks for unmatched
// tracks. One hour comfortably covers every transit edge on site.
const defaultMatchWindow = time.Hour

// BatchReport summarizes one match batch.
type BatchReport struct {
	CrossingLinks     int
	SimilarityLinks   int
	DirectionLinks    int
	ObjectLinks       int
	VideoIdentities   int
	ObjectIdentities  int
	VideoPropagation  match.PropagationStats
	ObjectPropagation match.PropagationStats
}

// MatchBatch runs the full cross-camera pass: crossing-line matching first,
// then appearance similarity, then the direction matcher, followed by
// identity resolution and subtype propagation for both track source types.
type MatchBatch struct {
	cameras    *camera.Store
	topology   *camera.TopologyStore
	tracks     *track.Store
	objects    *predict.Store
	crossing   *match.CrossingMatcher
	similarity *match.SimilarityMatcher
	direction  *match.DirectionMatcher
	cache      *match.DescriptorCache
	identity   *match.IdentityResolver
	propagator *match.Propagator
	clock      timeutil.Clock
	logf       func(format string, v ...interface{})

	// Window overrides the track lookback; zero means the default.
	Window time.Duration
}

// NewMatchBatch wires the match pass.
func NewMatchBatch(
	cameras *camera.Store,
	topology *camera.TopologyStore,
	tracks *track.Store,
	objects *predict.Store,
	crossing *match.CrossingMatcher,
	similarity *match.SimilarityMatcher,
	direction *match.DirectionMatcher,
	cache *match.DescriptorCache,
	identity *match.IdentityResolver,
	propagator *match.Propagator,
	clock timeutil.Clock,
) *MatchBatch {
	return &MatchBatch{
		cameras:    cameras,
		topology:   topology,
		tracks:     tracks,
		objects:    objects,
		crossing:   crossing,
		similarity: similarity,
		direction:  direction,
		cache:      cache,
		identity:   identity,
		propagator: propagator,
		clock:      clock,
		logf:       monitoring.Component("MatchBatch"),
	}
}

func (m *MatchBatch) window() time.Duration {
	if m.Window > 0 {
		return m.Window
	}
	return defaultMatchWindow
}

// Run executes one batch over every connected camera pair.
func (m *MatchBatch) Run(ctx context.Context) (BatchReport, error) {
	var rep BatchReport

	cams, err := m.cameras.List(ctx)
	if err != nil {
		return rep, err
	}
	ids := make([]string, 0, len(cams))
	for _, c := range cams {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)

	to := float64(m.clock.Now().Unix())
	from := to - m.window().Seconds()

	byCam := make(map[string][]*track.VideoTrack, len(ids))
	for _, id := range ids {
		tracks, err := m.tracks.ActiveTracksInWindow(ctx, id, from, to)
		if err != nil {
			return rep, err
		}
		byCam[id] = tracks
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			edge, err := m.topology.EitherEdge(ctx, a, b)
			if err != nil {
				return rep, err
			}
			if edge == nil {
				continue
			}

			n, err := m.crossing.MatchPair(ctx, a, b, byCam[a], byCam[b])
			if err != nil {
				return rep, err
			}
			rep.CrossingLinks += n

			n, err = m.similarity.MatchPair(ctx, a, b,
				m.videoCandidates(byCam[a]), m.videoCandidates(byCam[b]),
				match.SourceVideoTrack)
			if err != nil {
				return rep, err
			}
			rep.SimilarityLinks += n

			n, err = m.direction.MatchPair(ctx, a, b, byCam[a], byCam[b])
			if err != nil {
				return rep, err
			}
			rep.DirectionLinks += n
		}
	}

	rep.VideoIdentities, err = m.identity.Resolve(ctx, match.SourceVideoTrack)
	if err != nil {
		return rep, err
	}
	rep.VideoPropagation, err = m.propagator.Propagate(ctx, match.SourceVideoTrack)
	if err != nil {
		return rep, err
	}

	if err := m.matchObjects(ctx, ids, &rep); err != nil {
		return rep, err
	}

	m.logf("batch: %d crossing, %d similarity, %d direction, %d object links; %d+%d identities",
		rep.CrossingLinks, rep.SimilarityLinks, rep.DirectionLinks, rep.ObjectLinks,
		rep.VideoIdentities, rep.ObjectIdentities)
	return rep, nil
}

// matchObjects runs the similarity pass over camera object tracks, which
// aggregate many sightings and carry no single embedding of their own.
func (m *MatchBatch) matchObjects(ctx context.Context, ids []string, rep *BatchReport) error {
	byCam := make(map[string][]match.Candidate, len(ids))
	for _, id := range ids {
		objs, err := m.objects.AllTracksForCamera(ctx, id)
		if err != nil {
			return err
		}
		cands := make([]match.Candidate, 0, len(objs))
		for _, o := range objs {
			cands = append(cands, match.ObjectTrackCandidate(o))
		}
		byCam[id] = cands
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			edge, err := m.topology.EitherEdge(ctx, a, b)
			if err != nil {
				return err
			}
			if edge == nil {
				continue
			}
			n, err := m.similarity.MatchPair(ctx, a, b, byCam[a], byCam[b], match.SourceCameraObject)
			if err != nil {
				return err
			}
			rep.ObjectLinks += n
		}
	}

	var err error
	rep.ObjectIdentities, err = m.identity.Resolve(ctx, match.SourceCameraObject)
	if err != nil {
		return err
	}
	rep.ObjectPropagation, err = m.propagator.Propagate(ctx, match.SourceCameraObject)
	return err
}

func (m *MatchBatch) videoCandidates(tracks []*track.VideoTrack) []match.Candidate {
	cands := make([]match.Candidate, 0, len(tracks))
	for _, t := range tracks {
		cands = append(cands, match.VideoTrackCandidate(t, m.cache))
	}
	return cands
}
