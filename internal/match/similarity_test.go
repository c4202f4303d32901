package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/testutil"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
)

func newSimilarityFixture(t *testing.T) (*SimilarityMatcher, *LinkStore) {
	t.Helper()
	database := testutil.OpenDB(t)
	topology := camera.NewTopologyStore(database, timeutil.RealClock{}, time.Minute)
	require.NoError(t, topology.Upsert(context.Background(), &camera.TopologyEdge{
		CameraA: "gate_east", CameraB: "gate_west",
		MinTransitSeconds: 1, MaxTransitSeconds: 10, AvgTransitSeconds: 4, SampleCount: 20,
	}))
	links := NewLinkStore(database)
	return NewSimilarityMatcher(&config.TuningConfig{}, topology, links), links
}

func simCandidate(id int64, cameraID, class string, first, last, area float64, cos float64) Candidate {
	c := Candidate{
		ID: id, CameraID: cameraID, Class: class,
		FirstSeen: first, LastSeen: last, Area: area,
	}
	if cos >= 0 {
		c.Embedding = unitEmbedding(cos)
	}
	return c
}

func TestSimilarityMatchVideoTracks(t *testing.T) {
	matcher, links := newSimilarityFixture(t)
	ctx := context.Background()

	a := simCandidate(101, "gate_east", "SUV", 100, 103, 4800, 1.0)
	b := simCandidate(202, "gate_west", "SUV", 105, 108, 4800, 0.70)

	n, err := matcher.MatchPair(ctx, "gate_east", "gate_west", []Candidate{a}, []Candidate{b}, SourceVideoTrack)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	l, err := links.GetPair(ctx, 101, 202, SourceVideoTrack)
	require.NoError(t, err)
	assert.Equal(t, MethodSimilarity, l.Method)
	// temporal 0.35*0.5 + reid 0.25 + class 0.25 + size 0.15
	assert.InDelta(t, 0.825, l.Confidence, 1e-6)
	require.NotNil(t, l.ClassMatch)
	assert.True(t, *l.ClassMatch)
}

func TestSimilarityMatchBelowVideoThreshold(t *testing.T) {
	matcher, _ := newSimilarityFixture(t)
	ctx := context.Background()

	// Weak embedding, no class labels: temporal 0.175 + reid 0.10 + size
	// 0.15 = 0.425, short of the 0.60 video-track cutoff.
	a := simCandidate(101, "gate_east", "", 100, 103, 4800, 1.0)
	b := simCandidate(202, "gate_west", "", 105, 108, 4800, 0.50)

	n, err := matcher.MatchPair(ctx, "gate_east", "gate_west", []Candidate{a}, []Candidate{b}, SourceVideoTrack)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSimilarityClassConflictPenalty(t *testing.T) {
	matcher, _ := newSimilarityFixture(t)
	ctx := context.Background()

	// Perfect evidence otherwise, but sedan vs pickup truck costs -0.3:
	// 0.35 + 0.25 - 0.3 + 0.15 = 0.45.
	a := simCandidate(101, "gate_east", "sedan", 100, 103, 4800, 1.0)
	b := simCandidate(202, "gate_west", "pickup truck", 100, 103, 4800, 1.0)

	n, err := matcher.MatchPair(ctx, "gate_east", "gate_west", []Candidate{a}, []Candidate{b}, SourceVideoTrack)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSimilarityCompatibleClassesAreNeutral(t *testing.T) {
	matcher, links := newSimilarityFixture(t)
	ctx := context.Background()

	// SUV vs sedan share a compatibility group: no bonus, no penalty.
	// temporal 0.35 (overlap) + reid 0.25 + size 0.15 = 0.75.
	a := simCandidate(101, "gate_east", "SUV", 100, 103, 4800, 1.0)
	b := simCandidate(202, "gate_west", "sedan", 102, 105, 4800, 1.0)

	n, err := matcher.MatchPair(ctx, "gate_east", "gate_west", []Candidate{a}, []Candidate{b}, SourceVideoTrack)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	l, err := links.GetPair(ctx, 101, 202, SourceVideoTrack)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, l.Confidence, 1e-6)
	assert.False(t, *l.ClassMatch)
}

func TestSimilarityCameraObjectThresholdIsStricter(t *testing.T) {
	matcher, links := newSimilarityFixture(t)
	ctx := context.Background()

	// 0.75 passes the 0.60 video-track cutoff but not the 0.80 camera
	// object cutoff; adding a strong embedding clears it.
	a := simCandidate(11, "gate_east", "van", 100, 103, 4800, -1)
	b := simCandidate(22, "gate_west", "van", 102, 105, 4800, -1)
	n, err := matcher.MatchPair(ctx, "gate_east", "gate_west", []Candidate{a}, []Candidate{b}, SourceCameraObject)
	require.NoError(t, err)
	assert.Zero(t, n)

	a.Embedding = unitEmbedding(1.0)
	b.Embedding = unitEmbedding(0.70)
	n, err = matcher.MatchPair(ctx, "gate_east", "gate_west", []Candidate{a}, []Candidate{b}, SourceCameraObject)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	l, err := links.GetPair(ctx, 11, 22, SourceCameraObject)
	require.NoError(t, err)
	assert.Equal(t, SourceCameraObject, l.SourceType)
	assert.InDelta(t, 1.0, l.Confidence, 1e-6)
}

func TestSimilarityRejectsLongCoVisibleTracks(t *testing.T) {
	matcher, _ := newSimilarityFixture(t)
	ctx := context.Background()

	// Both tracks in view for 40 s against a 10 s max transit: past the 3x
	// overlap cutoff, so perfect evidence still cannot join them. Two
	// vehicles parked in both fields of view are the usual culprit.
	a := simCandidate(101, "gate_east", "SUV", 100, 145, 4800, 1.0)
	b := simCandidate(202, "gate_west", "SUV", 103, 143, 4800, 1.0)

	n, err := matcher.MatchPair(ctx, "gate_east", "gate_west", []Candidate{a}, []Candidate{b}, SourceVideoTrack)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A briefer co-visible window stays matchable.
	a.LastSeen, b.LastSeen = 108, 111
	n, err = matcher.MatchPair(ctx, "gate_east", "gate_west", []Candidate{a}, []Candidate{b}, SourceVideoTrack)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSimilaritySkipsCrossingSettledPairs(t *testing.T) {
	matcher, links := newSimilarityFixture(t)
	ctx := context.Background()

	require.NoError(t, links.Upsert(ctx, &Link{
		TrackA: 101, TrackB: 202, Confidence: 0.95,
		Method: MethodCrossingLine, Status: LinkAutoConfirmed,
	}))

	a := simCandidate(101, "gate_east", "SUV", 100, 103, 4800, 1.0)
	b := simCandidate(202, "gate_west", "SUV", 100, 103, 4800, 1.0)
	n, err := matcher.MatchPair(ctx, "gate_east", "gate_west", []Candidate{a}, []Candidate{b}, SourceVideoTrack)
	require.NoError(t, err)
	assert.Zero(t, n)

	l, err := links.GetPair(ctx, 101, 202, SourceVideoTrack)
	require.NoError(t, err)
	assert.Equal(t, MethodCrossingLine, l.Method)
}
