package ptz

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
)

// fakeDriver records every command and serves scripted GetStatus responses.
// Once the queue drains, GetStatus reports the last absolute-move target.
type fakeDriver struct {
	mu       sync.Mutex
	pos      Position
	statuses []Position
	moves    [][2]float64
	stops    int
	absMoves []Position
}

func (d *fakeDriver) Move(_ context.Context, panVel, tiltVel float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moves = append(d.moves, [2]float64{panVel, tiltVel})
	return nil
}

func (d *fakeDriver) Stop(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDriver) AbsoluteMove(_ context.Context, pos Position) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.absMoves = append(d.absMoves, pos)
	d.pos = pos
	return nil
}

func (d *fakeDriver) GetStatus(context.Context) (Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.statuses) > 0 {
		pos := d.statuses[0]
		d.statuses = d.statuses[1:]
		return pos, nil
	}
	return d.pos, nil
}

// fakeGrabber serves queued frames, repeating the last one when the queue
// drains.
type fakeGrabber struct {
	frames []image.Image
}

func (g *fakeGrabber) Grab(context.Context) (image.Image, error) {
	if len(g.frames) > 1 {
		f := g.frames[0]
		g.frames = g.frames[1:]
		return f, nil
	}
	if len(g.frames) == 1 {
		return g.frames[0], nil
	}
	return nil, fault.ErrExternalUnavailable
}

func newTestCalibrator(driver *fakeDriver, grabber *fakeGrabber) *Calibrator {
	c := NewCalibrator(driver, grabber, timeutil.NewMockClock(time.Unix(1000, 0)))
	c.Speed = SpeedCalibration{PanUnitsPerSec: 0.15, TiltUnitsPerSec: 0.1}
	return c
}

func TestCalibrateSpeedMeasuresBothAxes(t *testing.T) {
	driver := &fakeDriver{statuses: []Position{
		{Pan: 0, Tilt: 0},
		{Pan: 0.3, Tilt: 0},
		{Pan: 0, Tilt: 0},
		{Pan: 0, Tilt: 0.2},
	}}
	c := NewCalibrator(driver, &fakeGrabber{}, timeutil.NewMockClock(time.Unix(1000, 0)))

	cal, err := c.CalibrateSpeed(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.15, cal.PanUnitsPerSec, 1e-9)
	assert.InDelta(t, 0.10, cal.TiltUnitsPerSec, 1e-9)
	assert.Equal(t, cal, c.Speed)

	require.Len(t, driver.moves, 2)
	assert.Equal(t, [2]float64{calibrationSpeed, 0}, driver.moves[0])
	assert.Equal(t, [2]float64{0, calibrationSpeed}, driver.moves[1])
	assert.Equal(t, 2, driver.stops)
}

func TestCalibrateSpeedFailsWhenCameraDoesNotMove(t *testing.T) {
	driver := &fakeDriver{statuses: []Position{
		{Pan: 0.1, Tilt: 0},
		{Pan: 0.1, Tilt: 0},
	}}
	c := NewCalibrator(driver, &fakeGrabber{}, timeutil.NewMockClock(time.Unix(1000, 0)))
	c.Home = Position{Pan: 0.25}

	_, err := c.CalibrateSpeed(context.Background())
	assert.ErrorIs(t, err, fault.ErrExternalUnavailable)

	// Camera parks at home even on failure.
	require.NotEmpty(t, driver.absMoves)
	assert.Equal(t, c.Home, driver.absMoves[len(driver.absMoves)-1])
}

func TestCalibrateGridRequiresSpeedCalibration(t *testing.T) {
	c := NewCalibrator(&fakeDriver{}, &fakeGrabber{}, timeutil.NewMockClock(time.Unix(1000, 0)))
	_, err := c.CalibrateGrid(context.Background(), []Position{{Pan: 0.1}})
	assert.ErrorIs(t, err, fault.ErrBadInput)
}

func TestCalibrateGridSkipsDarkAndFeaturelessWaypoints(t *testing.T) {
	driver := &fakeDriver{}
	grabber := &fakeGrabber{frames: []image.Image{
		solidImage(120, 90, 0),   // dark
		solidImage(120, 90, 128), // bright but flat
	}}
	c := newTestCalibrator(driver, grabber)

	points, err := c.CalibrateGrid(context.Background(), []Position{{Pan: -0.2}, {Pan: 0.2}})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Contains(t, points[0].Skipped, "dark")
	assert.Contains(t, points[1].Skipped, "featureless")

	// Parked at home by the deferred return.
	require.NotEmpty(t, driver.absMoves)
	assert.Equal(t, c.Home, driver.absMoves[len(driver.absMoves)-1])
}

func TestCalibrateGridExhaustsAttemptsWithoutError(t *testing.T) {
	// The frame never changes, so the feature never approaches the center.
	// Running out of attempts reports the residual error instead of failing.
	frame := solidImage(120, 90, 60)
	drawPatch(frame, image.Rect(80, 20, 100, 40))

	driver := &fakeDriver{}
	grabber := &fakeGrabber{frames: []image.Image{frame}}
	c := newTestCalibrator(driver, grabber)
	waypoint := Position{Pan: 0.3, Tilt: -0.1}

	points, err := c.CalibrateGrid(context.Background(), []Position{waypoint})
	require.NoError(t, err)
	require.Len(t, points, 1)

	gp := points[0]
	assert.Empty(t, gp.Skipped)
	assert.Equal(t, maxCenterAttempts, gp.Attempts)
	assert.Greater(t, gp.ErrorPx, 0.0)
	assert.Equal(t, waypoint, gp.Centered)
}

func TestCenterFeatureConverges(t *testing.T) {
	frame := solidImage(120, 90, 0)
	drawPatch(frame, image.Rect(20, 15, 46, 41))

	// After the corrective move the whole scene lands 30 px right and 20 px
	// down, putting the feature at the frame center.
	driver := &fakeDriver{}
	grabber := &fakeGrabber{frames: []image.Image{translate(frame, 30, 20)}}
	c := newTestCalibrator(driver, grabber)
	driver.pos = Position{Pan: 0.42, Tilt: -0.17}

	pose, errPx, attempts, err := c.centerFeature(context.Background(), frame, image.Pt(30, 25))
	require.NoError(t, err)
	assert.Equal(t, Position{Pan: 0.42, Tilt: -0.17}, pose)
	assert.Equal(t, 1, attempts)
	assert.Less(t, errPx, centerTolerance*75.0)

	// One timed move per axis.
	require.Len(t, driver.moves, 2)
	assert.Equal(t, 2, driver.stops)
}

func TestCenterFeatureAlreadyCentered(t *testing.T) {
	frame := solidImage(120, 90, 0)
	drawPatch(frame, image.Rect(46, 31, 78, 61))

	driver := &fakeDriver{}
	c := newTestCalibrator(driver, &fakeGrabber{})
	driver.pos = Position{Pan: 0.1}

	pose, errPx, attempts, err := c.centerFeature(context.Background(), frame, image.Pt(62, 46))
	require.NoError(t, err)
	assert.Equal(t, Position{Pan: 0.1}, pose)
	assert.Zero(t, attempts)
	assert.Less(t, errPx, centerTolerance*75.0)
	assert.Empty(t, driver.moves)
}

func TestCenterFeatureLostAborts(t *testing.T) {
	frame := solidImage(120, 90, 0)
	drawPatch(frame, image.Rect(20, 15, 46, 41))

	driver := &fakeDriver{}
	grabber := &fakeGrabber{frames: []image.Image{solidImage(120, 90, 0)}}
	c := newTestCalibrator(driver, grabber)

	_, _, _, err := c.centerFeature(context.Background(), frame, image.Pt(30, 25))
	assert.ErrorIs(t, err, fault.ErrExternalUnavailable)
	assert.Contains(t, err.Error(), "lost feature")
}
