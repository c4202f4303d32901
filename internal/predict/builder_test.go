package predict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/testutil"
)

func insertKeyframes(t *testing.T, store *Store, preds ...*Prediction) []int64 {
	t.Helper()
	ids := make([]int64, len(preds))
	for i, p := range preds {
		require.NoError(t, store.InsertPrediction(context.Background(), p))
		ids[i] = p.ID
	}
	return ids
}

func TestMatchNewPredictionsBuildsTrack(t *testing.T) {
	database := testutil.OpenDB(t)
	videoID := testutil.InsertVideo(t, database, "gate_east", "a.mp4")
	store := NewStore(database)
	builder := NewTrackBuilder(store)
	ctx := context.Background()

	ids := insertKeyframes(t, store,
		keyframe(videoID, "driveway", 100.0, 500, 300, 120, 80, 0.8),
		keyframe(videoID, "driveway", 400.0, 505, 302, 118, 81, 0.9), // minutes later, same spot
	)
	require.NoError(t, builder.MatchNewPredictions(ctx, ids))

	tracks, err := store.TracksForCamera(ctx, "gate_east", "driveway")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	tr := tracks[0]
	assert.Equal(t, 2, tr.MemberCount)
	assert.Equal(t, AnchorPending, tr.AnchorStatus)
	assert.InDelta(t, 100.0, tr.FirstSeen, 1e-9)
	assert.InDelta(t, 400.0, tr.LastSeen, 1e-9)
	assert.True(t, tr.FirstSeen <= tr.LastSeen)

	members, err := store.MembersOfTrack(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, StatusProcessing, m.ReviewStatus, "pending anchor must not rewrite member status")
	}
}

func TestMatchNewPredictionsInheritsAnchorDecision(t *testing.T) {
	database := testutil.OpenDB(t)
	videoID := testutil.InsertVideo(t, database, "gate_east", "a.mp4")
	store := NewStore(database)
	builder := NewTrackBuilder(store)
	ctx := context.Background()

	seed := insertKeyframes(t, store,
		keyframe(videoID, "driveway", 100.0, 500, 300, 120, 80, 0.8))
	require.NoError(t, builder.MatchNewPredictions(ctx, seed))

	tracks, err := store.TracksForCamera(ctx, "gate_east", "driveway")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	require.NoError(t, store.SetAnchor(ctx, tracks[0].ID, AnchorRejected, "", "sign", "reviewer"))

	late := insertKeyframes(t, store,
		keyframe(videoID, "driveway", 200.0, 502, 301, 119, 80, 0.85))
	require.NoError(t, builder.MatchNewPredictions(ctx, late))

	p, err := store.GetPrediction(ctx, late[0])
	require.NoError(t, err)
	require.NotNil(t, p.TrackID)
	assert.Equal(t, tracks[0].ID, *p.TrackID)
	assert.Equal(t, StatusAutoRejected, p.ReviewStatus)
}

func TestPropagateDecisionsAppliesAnchorToPending(t *testing.T) {
	database := testutil.OpenDB(t)
	videoID := testutil.InsertVideo(t, database, "gate_east", "a.mp4")
	store := NewStore(database)
	builder := NewTrackBuilder(store)
	ctx := context.Background()

	ids := insertKeyframes(t, store,
		keyframe(videoID, "driveway", 100.0, 500, 300, 120, 80, 0.8),
		keyframe(videoID, "driveway", 150.0, 505, 302, 118, 81, 0.9),
		keyframe(videoID, "driveway", 180.0, 498, 297, 121, 79, 0.7),
	)
	require.NoError(t, builder.MatchNewPredictions(ctx, ids))
	for _, id := range ids {
		require.NoError(t, store.SetReviewStatus(ctx, id, StatusPending))
	}

	tracks, err := store.TracksForCamera(ctx, "gate_east", "driveway")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	trackID := tracks[0].ID

	// A human approves the anchor; one member was already human-approved.
	require.NoError(t, store.SetAnchor(ctx, trackID, AnchorApproved, "SUV", "", "reviewer"))
	require.NoError(t, store.SetReviewStatus(ctx, ids[0], StatusApproved))

	// Dry run reports without writing.
	report, err := builder.PropagateDecisions(ctx, "gate_east", true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.TracksVisited)
	assert.Equal(t, 2, report.MembersUpdated)
	p, err := store.GetPrediction(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.ReviewStatus)

	// Real run rewrites the pending members, leaves the human decision.
	report, err = builder.PropagateDecisions(ctx, "gate_east", false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.MembersUpdated)

	statuses := map[int64]string{}
	members, err := store.MembersOfTrack(ctx, trackID)
	require.NoError(t, err)
	for _, m := range members {
		statuses[m.ID] = m.ReviewStatus
	}
	assert.Equal(t, StatusApproved, statuses[ids[0]])
	assert.Equal(t, StatusAutoApproved, statuses[ids[1]])
	assert.Equal(t, StatusAutoApproved, statuses[ids[2]])
}

func TestPropagateDecisionsMarksContradictionsConflict(t *testing.T) {
	database := testutil.OpenDB(t)
	videoID := testutil.InsertVideo(t, database, "gate_east", "a.mp4")
	store := NewStore(database)
	builder := NewTrackBuilder(store)
	ctx := context.Background()

	ids := insertKeyframes(t, store,
		keyframe(videoID, "driveway", 100.0, 500, 300, 120, 80, 0.8),
		keyframe(videoID, "driveway", 150.0, 505, 302, 118, 81, 0.9),
	)
	require.NoError(t, builder.MatchNewPredictions(ctx, ids))

	tracks, err := store.TracksForCamera(ctx, "gate_east", "driveway")
	require.NoError(t, err)
	trackID := tracks[0].ID

	require.NoError(t, store.SetAnchor(ctx, trackID, AnchorApproved, "", "", "reviewer"))
	require.NoError(t, store.SetReviewStatus(ctx, ids[0], StatusApproved))
	require.NoError(t, store.SetReviewStatus(ctx, ids[1], StatusRejected))

	report, err := builder.PropagateDecisions(ctx, "gate_east", false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, report.MembersUpdated)

	got, err := store.GetTrack(ctx, trackID)
	require.NoError(t, err)
	assert.Equal(t, AnchorConflict, got.AnchorStatus)
}

func TestResolveConflictRewritesMembers(t *testing.T) {
	database := testutil.OpenDB(t)
	videoID := testutil.InsertVideo(t, database, "gate_east", "a.mp4")
	store := NewStore(database)
	builder := NewTrackBuilder(store)
	ctx := context.Background()

	ids := insertKeyframes(t, store,
		keyframe(videoID, "driveway", 100.0, 500, 300, 120, 80, 0.8),
		keyframe(videoID, "driveway", 150.0, 505, 302, 118, 81, 0.9),
	)
	require.NoError(t, builder.MatchNewPredictions(ctx, ids))
	tracks, err := store.TracksForCamera(ctx, "gate_east", "driveway")
	require.NoError(t, err)
	trackID := tracks[0].ID
	require.NoError(t, store.SetAnchorStatus(ctx, trackID, AnchorConflict))

	require.NoError(t, builder.ResolveConflict(ctx, trackID, AnchorApproved, "pickup truck", ""))

	got, err := store.GetTrack(ctx, trackID)
	require.NoError(t, err)
	assert.Equal(t, AnchorApproved, got.AnchorStatus)
	assert.Equal(t, "pickup truck", got.VehicleSubtype)
	assert.Equal(t, "operator", got.ClassifiedBy)

	members, err := store.MembersOfTrack(ctx, trackID)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, StatusAutoApproved, m.ReviewStatus)
		assert.Equal(t, "pickup truck", m.CorrectedTags["vehicle_subtype"])
	}
}

func TestResolveConflictValidatesDecision(t *testing.T) {
	database := testutil.OpenDB(t)
	builder := NewTrackBuilder(NewStore(database))
	err := builder.ResolveConflict(context.Background(), 1, "maybe", "", "")
	assert.ErrorIs(t, err, fault.ErrBadInput)
}
