package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/match"
	"github.com/fieldvision-data/crosscam.report/internal/predict"
	"github.com/fieldvision-data/crosscam.report/internal/testutil"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
	"github.com/fieldvision-data/crosscam.report/internal/track"
)

func batchTrack(cameraID string, videoID int64, start float64) *track.VideoTrack {
	vt := &track.VideoTrack{
		VideoID:        videoID,
		CameraID:       cameraID,
		TrackerTrackID: 1,
		ClassName:      "car",
		Status:         track.StatusActive,
		ReIDEmbedding:  []float32{1, 0},
	}
	for i := 0; i < 31; i++ {
		ts := start + 0.1*float64(i)
		vt.Trajectory = append(vt.Trajectory, track.TrajectoryPoint{
			Timestamp: ts,
			X:         100 + 5*float64(i),
			Y:         200,
			W:         60,
			H:         40,
			Conf:      0.9,
		})
	}
	vt.RecomputeAggregates()
	return vt
}

func TestMatchBatchLinksAndResolves(t *testing.T) {
	database := testutil.OpenDB(t)
	ctx := context.Background()
	cfg := &config.TuningConfig{}
	clock := timeutil.RealClock{}

	cameras := camera.NewStore(database)
	topology := camera.NewTopologyStore(database, clock, 30*time.Second)
	lines := camera.NewLineStore(database)
	tracks := track.NewStore(database)
	objects := predict.NewStore(database)
	links := match.NewLinkStore(database)
	cache := match.NewDescriptorCache(cfg.GetDescriptorCacheCap())

	for _, id := range []string{"gate_east", "gate_west"} {
		require.NoError(t, cameras.Upsert(ctx, &camera.Camera{
			ID: id, Latitude: 40, Longitude: -105, FOVAngleDeg: 90, FOVRangeM: 100,
		}))
	}
	require.NoError(t, topology.Upsert(ctx, &camera.TopologyEdge{
		CameraA:           "gate_east",
		CameraB:           "gate_west",
		MinTransitSeconds: 1,
		MaxTransitSeconds: 10,
		AvgTransitSeconds: 4,
	}))

	base := float64(clock.Now().Unix()) - 600
	videoA := testutil.InsertVideo(t, database, "gate_east", "gate_east__a.mp4")
	videoB := testutil.InsertVideo(t, database, "gate_west", "gate_west__b.mp4")
	trackA := batchTrack("gate_east", videoA, base)
	trackB := batchTrack("gate_west", videoB, base+6)
	require.NoError(t, tracks.SaveTracks(ctx, []*track.VideoTrack{trackA, trackB}))

	batch := NewMatchBatch(
		cameras, topology, tracks, objects,
		match.NewCrossingMatcher(cfg, lines, topology, links),
		match.NewSimilarityMatcher(cfg, topology, links),
		match.NewDirectionMatcher(cfg, topology, links, cache),
		cache,
		match.NewIdentityResolver(database, links),
		match.NewPropagator(database),
		clock,
	)

	rep, err := batch.Run(ctx)
	require.NoError(t, err)

	// No crossing lines configured, so the appearance pass makes the link.
	assert.Zero(t, rep.CrossingLinks)
	assert.Equal(t, 1, rep.SimilarityLinks)
	assert.Equal(t, 1, rep.VideoIdentities)
	assert.Zero(t, rep.ObjectLinks)

	link, err := links.GetPair(ctx, trackA.ID, trackB.ID, match.SourceVideoTrack)
	require.NoError(t, err)
	assert.Equal(t, match.LinkAuto, link.Status)

	gotA, err := tracks.GetTrack(ctx, trackA.ID)
	require.NoError(t, err)
	gotB, err := tracks.GetTrack(ctx, trackB.ID)
	require.NoError(t, err)
	require.NotNil(t, gotA.CrossCameraIdentityID)
	require.NotNil(t, gotB.CrossCameraIdentityID)
	assert.Equal(t, trackA.ID, *gotA.CrossCameraIdentityID)
	assert.Equal(t, trackA.ID, *gotB.CrossCameraIdentityID)
}

func TestMatchBatchSkipsUnconnectedCameras(t *testing.T) {
	database := testutil.OpenDB(t)
	ctx := context.Background()
	cfg := &config.TuningConfig{}
	clock := timeutil.RealClock{}

	cameras := camera.NewStore(database)
	topology := camera.NewTopologyStore(database, clock, 30*time.Second)
	lines := camera.NewLineStore(database)
	tracks := track.NewStore(database)
	objects := predict.NewStore(database)
	links := match.NewLinkStore(database)
	cache := match.NewDescriptorCache(cfg.GetDescriptorCacheCap())

	// Two cameras, no topology edge between them.
	for _, id := range []string{"gate_east", "north_field"} {
		require.NoError(t, cameras.Upsert(ctx, &camera.Camera{
			ID: id, Latitude: 40, Longitude: -105, FOVAngleDeg: 90, FOVRangeM: 100,
		}))
	}

	base := float64(clock.Now().Unix()) - 600
	videoA := testutil.InsertVideo(t, database, "gate_east", "gate_east__a.mp4")
	videoB := testutil.InsertVideo(t, database, "north_field", "north_field__b.mp4")
	require.NoError(t, tracks.SaveTracks(ctx, []*track.VideoTrack{
		batchTrack("gate_east", videoA, base),
		batchTrack("north_field", videoB, base+6),
	}))

	batch := NewMatchBatch(
		cameras, topology, tracks, objects,
		match.NewCrossingMatcher(cfg, lines, topology, links),
		match.NewSimilarityMatcher(cfg, topology, links),
		match.NewDirectionMatcher(cfg, topology, links, cache),
		cache,
		match.NewIdentityResolver(database, links),
		match.NewPropagator(database),
		clock,
	)

	rep, err := batch.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.SimilarityLinks)
	assert.Zero(t, rep.DirectionLinks)
	assert.Zero(t, rep.VideoIdentities)
}
