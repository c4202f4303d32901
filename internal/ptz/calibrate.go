package ptz

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
)

// FrameGrabber captures the camera's current view. Implementations sit on
// the RTSP or snapshot endpoint; the calibrator only needs stills.
type FrameGrabber interface {
	Grab(ctx context.Context) (image.Image, error)
}

const (
	// calibrationSpeed is the normalized velocity all timed moves use.
	// Speed calibration measures units/second at exactly this speed, so
	// centering moves must reuse it.
	calibrationSpeed = 0.5
	speedCalSeconds  = 2.0
	settleDelay      = 500 * time.Millisecond

	templateHalf       = 16
	maxCenterAttempts  = 3
	centerTolerance    = 0.10 // fraction of the frame half-diagonal
	minMatchConfidence = 0.3

	// unitsPerFrameWidth approximates how many normalized pan units span
	// one frame width at 1x zoom. Only seeds the first centering move; the
	// visual loop corrects the rest.
	unitsPerFrameWidth = 0.15
)

// SpeedCalibration is the measured slew rate at calibrationSpeed.
type SpeedCalibration struct {
	PanUnitsPerSec  float64
	TiltUnitsPerSec float64
}

// GridPoint is the outcome of one waypoint visit.
type GridPoint struct {
	Waypoint Position
	Feature  image.Point
	Centered Position
	ErrorPx  float64
	Attempts int
	Skipped  string // non-empty when the waypoint produced no point
}

// Calibrator runs the visual calibration procedure against one PTZ camera.
// Callers must hold the camera's motion lock for the duration of any
// calibration call.
type Calibrator struct {
	driver Driver
	frames FrameGrabber
	clock  timeutil.Clock
	logf   func(format string, v ...interface{})

	// Home is where the camera parks after calibration or on failure.
	Home Position
	// Speed must be set (via CalibrateSpeed or from stored config) before
	// grid calibration; timed moves derive their durations from it.
	Speed SpeedCalibration
	// VerifyRoundTrip re-measures the centering error after moving away
	// and back, catching backlash in the pan/tilt gears.
	VerifyRoundTrip bool
}

// NewCalibrator creates a calibrator.
func NewCalibrator(driver Driver, frames FrameGrabber, clock timeutil.Clock) *Calibrator {
	return &Calibrator{
		driver: driver,
		frames: frames,
		clock:  clock,
		logf:   monitoring.Component("PTZCalibrate"),
	}
}

// CalibrateSpeed measures the camera's slew rate by timing a fixed-duration
// move on each axis. The camera ends at its home position.
func (c *Calibrator) CalibrateSpeed(ctx context.Context) (SpeedCalibration, error) {
	cal, err := c.calibrateSpeed(ctx)
	if err != nil {
		c.home(ctx)
		return SpeedCalibration{}, err
	}
	c.Speed = cal
	return cal, nil
}

func (c *Calibrator) calibrateSpeed(ctx context.Context) (SpeedCalibration, error) {
	if err := c.driver.AbsoluteMove(ctx, c.Home); err != nil {
		return SpeedCalibration{}, fault.External("ptz home", err)
	}
	c.clock.Sleep(settleDelay)

	pan, err := c.timedAxisMove(ctx, calibrationSpeed, 0)
	if err != nil {
		return SpeedCalibration{}, err
	}
	if err := c.driver.AbsoluteMove(ctx, c.Home); err != nil {
		return SpeedCalibration{}, fault.External("ptz home", err)
	}
	c.clock.Sleep(settleDelay)

	tilt, err := c.timedAxisMove(ctx, 0, calibrationSpeed)
	if err != nil {
		return SpeedCalibration{}, err
	}
	cal := SpeedCalibration{PanUnitsPerSec: pan, TiltUnitsPerSec: tilt}
	c.logf("speed calibration: pan %.4f u/s, tilt %.4f u/s", pan, tilt)
	return cal, nil
}

func (c *Calibrator) timedAxisMove(ctx context.Context, panVel, tiltVel float64) (float64, error) {
	before, err := c.driver.GetStatus(ctx)
	if err != nil {
		return 0, fault.External("ptz status", err)
	}
	if err := c.driver.Move(ctx, panVel, tiltVel); err != nil {
		return 0, fault.External("ptz move", err)
	}
	c.clock.Sleep(time.Duration(speedCalSeconds * float64(time.Second)))
	if err := c.driver.Stop(ctx); err != nil {
		return 0, fault.External("ptz stop", err)
	}
	c.clock.Sleep(settleDelay)
	after, err := c.driver.GetStatus(ctx)
	if err != nil {
		return 0, fault.External("ptz status", err)
	}
	delta := math.Hypot(after.Pan-before.Pan, after.Tilt-before.Tilt)
	if delta == 0 {
		return 0, fmt.Errorf("camera did not move during speed calibration: %w", fault.ErrExternalUnavailable)
	}
	return delta / speedCalSeconds, nil
}

// CalibrateGrid visits each waypoint, finds a corner feature, visually
// centers it, and reports the pose that centered it. The camera returns
// home afterward, including on any error.
func (c *Calibrator) CalibrateGrid(ctx context.Context, waypoints []Position) ([]GridPoint, error) {
	if c.Speed.PanUnitsPerSec <= 0 || c.Speed.TiltUnitsPerSec <= 0 {
		return nil, fmt.Errorf("speed calibration required before grid calibration: %w", fault.ErrBadInput)
	}
	defer c.home(ctx)

	var out []GridPoint
	for _, wp := range waypoints {
		gp, err := c.calibrateWaypoint(ctx, wp)
		if err != nil {
			return out, err
		}
		out = append(out, gp)
	}
	return out, nil
}

func (c *Calibrator) calibrateWaypoint(ctx context.Context, wp Position) (GridPoint, error) {
	gp := GridPoint{Waypoint: wp}
	if err := c.driver.AbsoluteMove(ctx, wp); err != nil {
		return gp, fault.External("ptz waypoint move", err)
	}
	c.clock.Sleep(settleDelay)

	frame, err := c.frames.Grab(ctx)
	if err != nil {
		return gp, fault.External("grab frame", err)
	}
	if lum := meanLuminance(frame); lum < minLuminance {
		gp.Skipped = fmt.Sprintf("too dark (luminance %.1f)", lum)
		return gp, nil
	}
	corners := cornerFeatures(frame, 16)
	if len(corners) < minFeatures {
		gp.Skipped = fmt.Sprintf("featureless (%d corners)", len(corners))
		return gp, nil
	}
	feature := pickOffCenterFeature(frame.Bounds(), corners)
	gp.Feature = feature

	centered, errPx, attempts, err := c.centerFeature(ctx, frame, feature)
	if err != nil {
		return gp, err
	}
	gp.Centered = centered
	gp.ErrorPx = errPx
	gp.Attempts = attempts

	if c.VerifyRoundTrip {
		if err := c.roundTripVerify(ctx, centered); err != nil {
			return gp, err
		}
	}
	return gp, nil
}

// pickOffCenterFeature prefers the strongest corner outside the central
// third of the frame; centering a feature that already sits at the center
// measures nothing.
func pickOffCenterFeature(bounds image.Rectangle, corners []image.Point) image.Point {
	cx, cy := bounds.Dx()/2, bounds.Dy()/2
	for _, p := range corners {
		if abs(p.X-cx) > bounds.Dx()/6 || abs(p.Y-cy) > bounds.Dy()/6 {
			return p
		}
	}
	return corners[0]
}

// centerFeature drives the feature to the frame center with timed relative
// moves, re-locating it after each move by template matching. Returns the
// final pose, the residual pixel error, and the attempts used. Exhausting
// the attempts is not an error; losing the feature is.
func (c *Calibrator) centerFeature(ctx context.Context, frame image.Image, feature image.Point) (Position, float64, int, error) {
	bounds := frame.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	halfDiag := math.Hypot(float64(w), float64(h)) / 2
	template := cropAround(frame, feature, templateHalf)

	attempts := 0
	errPx := pixelError(feature, w, h)
	for attempts < maxCenterAttempts && errPx >= centerTolerance*halfDiag {
		ex := float64(feature.X - w/2)
		ey := float64(feature.Y - h/2)
		if err := c.relativeMove(ctx, ex/float64(w), ey/float64(h)); err != nil {
			return Position{}, 0, attempts, err
		}
		attempts++

		next, err := c.frames.Grab(ctx)
		if err != nil {
			return Position{}, 0, attempts, fault.External("grab frame", err)
		}
		loc, conf := matchTemplate(next, template)
		if conf < minMatchConfidence {
			return Position{}, 0, attempts,
				fmt.Errorf("lost feature after move (match confidence %.2f): %w", conf, fault.ErrExternalUnavailable)
		}
		frame = next
		feature = image.Pt(loc.X+templateHalf, loc.Y+templateHalf)
		errPx = pixelError(feature, w, h)
	}

	pos, err := c.driver.GetStatus(ctx)
	if err != nil {
		return Position{}, 0, attempts, fault.External("ptz status", err)
	}
	return pos, errPx, attempts, nil
}

// relativeMove slews by the given frame fractions using timed motion at the
// calibrated speed. Axes run sequentially so each duration stays exact.
func (c *Calibrator) relativeMove(ctx context.Context, fracX, fracY float64) error {
	moves := []struct {
		frac   float64
		rate   float64
		panVel float64
		tltVel float64
	}{
		{fracX, c.Speed.PanUnitsPerSec, calibrationSpeed * sign(fracX), 0},
		{fracY, c.Speed.TiltUnitsPerSec, 0, -calibrationSpeed * sign(fracY)},
	}
	for _, m := range moves {
		if m.frac == 0 {
			continue
		}
		dur := math.Abs(m.frac) * unitsPerFrameWidth / m.rate
		if err := c.driver.Move(ctx, m.panVel, m.tltVel); err != nil {
			return fault.External("ptz move", err)
		}
		c.clock.Sleep(time.Duration(dur * float64(time.Second)))
		if err := c.driver.Stop(ctx); err != nil {
			return fault.External("ptz stop", err)
		}
	}
	c.clock.Sleep(settleDelay)
	return nil
}

// roundTripVerify slews away and back, then confirms the camera reports the
// same pose within a small epsilon.
func (c *Calibrator) roundTripVerify(ctx context.Context, pose Position) error {
	away := pose
	away.Pan = clampUnit(away.Pan + 0.1)
	if err := c.driver.AbsoluteMove(ctx, away); err != nil {
		return fault.External("ptz verify move", err)
	}
	c.clock.Sleep(settleDelay)
	if err := c.driver.AbsoluteMove(ctx, pose); err != nil {
		return fault.External("ptz verify return", err)
	}
	c.clock.Sleep(settleDelay)
	got, err := c.driver.GetStatus(ctx)
	if err != nil {
		return fault.External("ptz status", err)
	}
	if math.Abs(got.Pan-pose.Pan) > 0.02 || math.Abs(got.Tilt-pose.Tilt) > 0.02 {
		return fmt.Errorf("round trip drifted to (%.3f, %.3f): %w", got.Pan, got.Tilt, fault.ErrExternalUnavailable)
	}
	return nil
}

func (c *Calibrator) home(ctx context.Context) {
	if err := c.driver.AbsoluteMove(ctx, c.Home); err != nil {
		c.logf("return home failed: %v", err)
	}
}

func pixelError(p image.Point, w, h int) float64 {
	return math.Hypot(float64(p.X-w/2), float64(p.Y-h/2))
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	if v > 0 {
		return 1
	}
	return 0
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
