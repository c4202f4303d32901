package match

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/testutil"
	"github.com/fieldvision-data/crosscam.report/internal/track"
)

func TestLinkUpsertOrdersPair(t *testing.T) {
	store := NewLinkStore(testutil.OpenDB(t))
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Link{
		TrackA: 42, TrackB: 7, Confidence: 0.6, Method: MethodDirection,
	}))

	l, err := store.GetPair(ctx, 42, 7, SourceVideoTrack)
	require.NoError(t, err)
	assert.Equal(t, int64(7), l.TrackA)
	assert.Equal(t, int64(42), l.TrackB)
	assert.Equal(t, LinkAuto, l.Status)
	assert.Equal(t, "vehicle", l.EntityType)
}

func TestLinkUpsertRejectsSelfLink(t *testing.T) {
	store := NewLinkStore(testutil.OpenDB(t))
	err := store.Upsert(context.Background(), &Link{TrackA: 5, TrackB: 5, Confidence: 1, Method: MethodDirection})
	assert.ErrorIs(t, err, fault.ErrBadInput)
}

func TestLinkUpsertRefreshesAutoButNotHumanStatus(t *testing.T) {
	store := NewLinkStore(testutil.OpenDB(t))
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Link{
		TrackA: 1, TrackB: 2, Confidence: 0.5, Method: MethodDirection,
	}))
	require.NoError(t, store.Upsert(ctx, &Link{
		TrackA: 1, TrackB: 2, Confidence: 0.8, Method: MethodDirection,
	}))
	l, err := store.GetPair(ctx, 1, 2, SourceVideoTrack)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, l.Confidence, 1e-9, "auto links refresh on re-match")

	// A human confirms; later re-matching must not disturb it.
	require.NoError(t, store.SetStatus(ctx, l.ID, LinkConfirmed, ""))
	require.NoError(t, store.Upsert(ctx, &Link{
		TrackA: 1, TrackB: 2, Confidence: 0.3, Method: MethodDirection,
	}))
	l, err = store.GetPair(ctx, 1, 2, SourceVideoTrack)
	require.NoError(t, err)
	assert.Equal(t, LinkConfirmed, l.Status)
	assert.InDelta(t, 0.8, l.Confidence, 1e-9)
}

func TestLinkSetStatus(t *testing.T) {
	store := NewLinkStore(testutil.OpenDB(t))
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Link{TrackA: 1, TrackB: 2, Confidence: 0.5, Method: MethodDirection}))
	l, err := store.GetPair(ctx, 1, 2, SourceVideoTrack)
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, l.ID, LinkRejected, "different vehicle"))
	got, err := store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, LinkRejected, got.Status)
	assert.Equal(t, "different vehicle", got.RejectionReason)

	assert.ErrorIs(t, store.SetStatus(ctx, l.ID, "maybe", ""), fault.ErrBadInput)
	assert.ErrorIs(t, store.SetStatus(ctx, 999, LinkRejected, ""), fault.ErrNotFound)
}

func TestLinkQueriesFilterByStatusAndMethod(t *testing.T) {
	store := NewLinkStore(testutil.OpenDB(t))
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Link{TrackA: 1, TrackB: 2, Confidence: 0.9, Method: MethodCrossingLine, Status: LinkAutoConfirmed}))
	require.NoError(t, store.Upsert(ctx, &Link{TrackA: 2, TrackB: 3, Confidence: 0.5, Method: MethodDirection}))
	require.NoError(t, store.Upsert(ctx, &Link{TrackA: 3, TrackB: 4, Confidence: 0.5, Method: MethodDirection}))
	rejected, err := store.GetPair(ctx, 3, 4, SourceVideoTrack)
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, rejected.ID, LinkRejected, "bad"))

	nonRejected, err := store.NonRejected(ctx, SourceVideoTrack)
	require.NoError(t, err)
	assert.Len(t, nonRejected, 2)

	crossing, err := store.PairsByMethod(ctx, SourceVideoTrack, MethodCrossingLine)
	require.NoError(t, err)
	assert.Equal(t, map[[2]int64]bool{{1, 2}: true}, crossing)

	confirmedOnly, err := store.LinkedPairs(ctx, SourceVideoTrack, LinkConfirmed, LinkAutoConfirmed)
	require.NoError(t, err)
	assert.Equal(t, map[[2]int64]bool{{1, 2}: true}, confirmedOnly)

	forTrack, err := store.ForTrack(ctx, 2, SourceVideoTrack)
	require.NoError(t, err)
	assert.Len(t, forTrack, 2)
}

func TestConfirmedTransitSamples(t *testing.T) {
	database := testutil.OpenDB(t)
	vidA := testutil.InsertVideo(t, database, "gate_east", "a.mp4")
	vidB := testutil.InsertVideo(t, database, "gate_west", "b.mp4")
	tracks := track.NewStore(database)
	links := NewLinkStore(database)
	ctx := context.Background()

	a := vt(0, "gate_east", 100, 104, 100, 500, 120, 0, 80, 60)
	a.VideoID = vidA
	b := vt(0, "gate_west", 110, 114, 1500, 500, -120, 0, 80, 60)
	b.VideoID = vidB
	require.NoError(t, tracks.SaveTracks(ctx, []*track.VideoTrack{a, b}))

	require.NoError(t, links.Upsert(ctx, &Link{
		TrackA: a.ID, TrackB: b.ID, Confidence: 0.9,
		Method: MethodDirection, Status: LinkAutoConfirmed,
	}))

	samples, err := links.ConfirmedTransitSamples(ctx)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "gate_east", samples[0].CameraA)
	assert.Equal(t, "gate_west", samples[0].CameraB)
	assert.InDelta(t, 6.0, samples[0].GapSeconds, 1e-9, "b first seen minus a last seen")
}
