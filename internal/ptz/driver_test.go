package ptz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
)

type nopDriver struct{}

func (nopDriver) Move(context.Context, float64, float64) error { return nil }
func (nopDriver) Stop(context.Context) error                   { return nil }
func (nopDriver) AbsoluteMove(context.Context, Position) error { return nil }
func (nopDriver) GetStatus(context.Context) (Position, error)  { return Position{}, nil }

func TestPoolReusesConnectionWithinTTL(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	dials := 0
	pool := NewPool(func(ctx context.Context, endpoint string) (Driver, error) {
		dials++
		return nopDriver{}, nil
	}, clock)

	c1, err := pool.Get(context.Background(), "http://cam-1/onvif")
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	c2, err := pool.Get(context.Background(), "http://cam-1/onvif")
	require.NoError(t, err)

	assert.Equal(t, 1, dials)
	assert.Same(t, c1, c2)
}

func TestPoolRedialsPastTTLKeepingMotionLock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	dials := 0
	pool := NewPool(func(ctx context.Context, endpoint string) (Driver, error) {
		dials++
		return nopDriver{}, nil
	}, clock)

	c1, err := pool.Get(context.Background(), "http://cam-1/onvif")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	c2, err := pool.Get(context.Background(), "http://cam-1/onvif")
	require.NoError(t, err)

	assert.Equal(t, 2, dials)
	assert.NotSame(t, c1, c2)
	// A centering loop holding the lock must not be overlapped by callers on
	// the fresh connection.
	assert.Same(t, c1.Motion, c2.Motion)
}

func TestPoolInvalidateForcesRedial(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	dials := 0
	pool := NewPool(func(ctx context.Context, endpoint string) (Driver, error) {
		dials++
		return nopDriver{}, nil
	}, clock)

	_, err := pool.Get(context.Background(), "http://cam-1/onvif")
	require.NoError(t, err)

	pool.Invalidate("http://cam-1/onvif")
	_, err = pool.Get(context.Background(), "http://cam-1/onvif")
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
}

func TestPoolRejectsEmptyEndpoint(t *testing.T) {
	pool := NewPool(func(ctx context.Context, endpoint string) (Driver, error) {
		t.Fatal("dial should not be reached")
		return nil, nil
	}, timeutil.RealClock{})

	_, err := pool.Get(context.Background(), "")
	assert.ErrorIs(t, err, fault.ErrBadInput)
}

func TestPoolWrapsDialFailure(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	pool := NewPool(func(ctx context.Context, endpoint string) (Driver, error) {
		return nil, errors.New("connection refused")
	}, clock)

	_, err := pool.Get(context.Background(), "http://cam-1/onvif")
	assert.ErrorIs(t, err, fault.ErrExternalUnavailable)
}
