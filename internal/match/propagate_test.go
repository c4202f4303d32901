package match

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/testutil"
	"github.com/fieldvision-data/crosscam.report/internal/track"
)

func TestPropagateFillsMissingAndFlagsHumanDisagreement(t *testing.T) {
	database := testutil.OpenDB(t)
	store := track.NewStore(database)
	prop := NewPropagator(database)
	ctx := context.Background()

	// Two consensus SUV votes outweigh the lone human sedan label; the
	// fourth track is unlabeled and inherits the majority.
	tracks := saveChain(t, database, 4)
	require.NoError(t, store.UpdateSubtype(ctx, tracks[0].ID, "SUV", "consensus"))
	require.NoError(t, store.UpdateSubtype(ctx, tracks[1].ID, "SUV", "consensus"))
	require.NoError(t, store.UpdateSubtype(ctx, tracks[2].ID, "sedan", "human"))
	identity := tracks[0].ID
	for _, tr := range tracks {
		require.NoError(t, store.AssignIdentity(ctx, tr.ID, identity))
	}

	stats, err := prop.Propagate(ctx, SourceVideoTrack)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Identities)
	assert.Equal(t, 1, stats.Written)
	assert.Equal(t, 1, stats.Conflicts)

	filled, err := store.GetTrack(ctx, tracks[3].ID)
	require.NoError(t, err)
	assert.Equal(t, "SUV", filled.VehicleSubtype)
	assert.Equal(t, PropagationSource, filled.SubtypeSource)

	human, err := store.GetTrack(ctx, tracks[2].ID)
	require.NoError(t, err)
	assert.Equal(t, "sedan", human.VehicleSubtype, "human labels are never overwritten")
	assert.True(t, human.CrossCameraConflict)

	unchanged, err := store.GetTrack(ctx, tracks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "consensus", unchanged.SubtypeSource)
}

func TestPropagateLeavesMachineDisagreementAlone(t *testing.T) {
	database := testutil.OpenDB(t)
	store := track.NewStore(database)
	prop := NewPropagator(database)
	ctx := context.Background()

	tracks := saveChain(t, database, 3)
	require.NoError(t, store.UpdateSubtype(ctx, tracks[0].ID, "SUV", "consensus"))
	require.NoError(t, store.UpdateSubtype(ctx, tracks[1].ID, "SUV", "consensus"))
	require.NoError(t, store.UpdateSubtype(ctx, tracks[2].ID, "sedan", "consensus"))
	identity := tracks[0].ID
	for _, tr := range tracks {
		require.NoError(t, store.AssignIdentity(ctx, tr.ID, identity))
	}

	stats, err := prop.Propagate(ctx, SourceVideoTrack)
	require.NoError(t, err)
	assert.Zero(t, stats.Written)
	assert.Zero(t, stats.Conflicts)

	outvoted, err := store.GetTrack(ctx, tracks[2].ID)
	require.NoError(t, err)
	assert.Equal(t, "sedan", outvoted.VehicleSubtype)
	assert.False(t, outvoted.CrossCameraConflict)
}

func TestPropagateCameraObjectTracks(t *testing.T) {
	database := testutil.OpenDB(t)
	prop := NewPropagator(database)
	ctx := context.Background()

	insert := func(cameraID, subtype, classifiedBy string, memberCount int, identity int64) int64 {
		res, err := database.Exec(`
			INSERT INTO camera_object_tracks (
				camera_id, member_count, vehicle_subtype, classified_by,
				cross_camera_identity_id
			) VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
			cameraID, memberCount, subtype, classifiedBy, identity)
		require.NoError(t, err)
		id, err := res.LastInsertId()
		require.NoError(t, err)
		return id
	}

	insert("gate_east", "pickup truck", "consensus", 8, 1)
	unlabeled := insert("gate_west", "", "", 2, 1)
	insert("north_field", "ATV", "consensus", 3, 1)

	stats, err := prop.Propagate(ctx, SourceCameraObject)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Written)

	var subtype, classifiedBy string
	require.NoError(t, database.QueryRow(
		`SELECT vehicle_subtype, classified_by FROM camera_object_tracks WHERE track_id = ?`,
		unlabeled).Scan(&subtype, &classifiedBy))
	assert.Equal(t, "pickup truck", subtype, "member_count 8 outvotes 3")
	assert.Equal(t, PropagationSource, classifiedBy)
}

func TestVoteSubtype(t *testing.T) {
	tests := []struct {
		name    string
		members []identityMember
		want    string
	}{
		{
			name: "weighted majority",
			members: []identityMember{
				{subtype: "SUV", weight: 5, confidence: 2},
				{subtype: "sedan", weight: 3, confidence: 9},
				{subtype: "SUV", weight: 1, confidence: 1},
			},
			want: "SUV",
		},
		{
			name: "tie breaks on total confidence",
			members: []identityMember{
				{subtype: "SUV", weight: 4, confidence: 1.0},
				{subtype: "sedan", weight: 4, confidence: 3.2},
			},
			want: "sedan",
		},
		{
			name: "unlabeled members do not vote",
			members: []identityMember{
				{subtype: "", weight: 100, confidence: 100},
				{subtype: "van", weight: 1, confidence: 0.1},
			},
			want: "van",
		},
		{
			name:    "no votes",
			members: []identityMember{{subtype: "", weight: 1}},
			want:    "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, voteSubtype(tt.members))
		})
	}
}
