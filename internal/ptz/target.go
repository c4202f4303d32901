package ptz

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/geom"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
)

// minRBFPoints is how many calibration points the pair needs before RBF
// interpolation beats the geometric estimate.
const minRBFPoints = 3

// rbfRegularization keeps the kernel matrix solvable when calibration
// points nearly coincide.
const rbfRegularization = 1e-6

// Targeter converts a bbox seen by a source camera into a pan/tilt for a
// target PTZ camera. With enough calibration points it interpolates; with
// none it falls back to FOV geometry, which is rough but needs no UI work.
type Targeter struct {
	store *CalibrationStore
	logf  func(format string, v ...interface{})
}

// NewTargeter creates a targeter.
func NewTargeter(store *CalibrationStore) *Targeter {
	return &Targeter{store: store, logf: monitoring.Component("PTZTarget")}
}

// Aim returns the pose pointing the target camera at whatever the bbox
// shows in the source camera's frame. frameW/frameH are the source frame
// dimensions in pixels.
func (t *Targeter) Aim(ctx context.Context, source, target *camera.Camera, bbox geom.BBox, frameW, frameH float64) (Position, error) {
	if !target.IsPTZ() {
		return Position{}, fmt.Errorf("camera %s is not a PTZ: %w", target.ID, fault.ErrBadInput)
	}
	if !bbox.Valid() || frameW <= 0 || frameH <= 0 {
		return Position{}, fmt.Errorf("degenerate bbox or frame: %w", fault.ErrBadInput)
	}

	points, err := t.store.ForPair(ctx, source.ID, target.ID)
	if err != nil {
		return Position{}, err
	}
	cx, cy := bbox.Center()
	if len(points) >= minRBFPoints {
		return rbfInterpolate(points, cx, cy)
	}
	t.logf("%s->%s: %d calibration points, using geometric estimate", source.ID, target.ID, len(points))
	return geometricAim(source, target, cx, cy, frameW, frameH)
}

// rbfInterpolate fits gaussian radial basis functions through the
// calibration points and evaluates them at the query pixel. Pan and tilt
// are interpolated independently off the same kernel matrix.
func rbfInterpolate(points []*CalibrationPoint, x, y float64) (Position, error) {
	n := len(points)
	eps := rbfEpsilon(points)

	k := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			r := math.Hypot(points[i].SourceX-points[j].SourceX, points[i].SourceY-points[j].SourceY)
			v := gaussian(r, eps)
			if i == j {
				v += rbfRegularization
			}
			k.Set(i, j, v)
		}
	}

	pans := mat.NewVecDense(n, nil)
	tilts := mat.NewVecDense(n, nil)
	for i, p := range points {
		pans.SetVec(i, p.ActualPan)
		tilts.SetVec(i, p.ActualTilt)
	}

	var wPan, wTilt mat.VecDense
	if err := wPan.SolveVec(k, pans); err != nil {
		return Position{}, fmt.Errorf("rbf solve pan: %w", err)
	}
	if err := wTilt.SolveVec(k, tilts); err != nil {
		return Position{}, fmt.Errorf("rbf solve tilt: %w", err)
	}

	var pan, tilt float64
	for i, p := range points {
		phi := gaussian(math.Hypot(x-p.SourceX, y-p.SourceY), eps)
		pan += wPan.AtVec(i) * phi
		tilt += wTilt.AtVec(i) * phi
	}
	return Position{Pan: clampUnit(pan), Tilt: clampUnit(tilt)}, nil
}

// rbfEpsilon scales the kernel width to the average pairwise spacing of the
// calibration points.
func rbfEpsilon(points []*CalibrationPoint) float64 {
	var sum float64
	var count int
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			sum += math.Hypot(points[i].SourceX-points[j].SourceX, points[i].SourceY-points[j].SourceY)
			count++
		}
	}
	if count == 0 || sum == 0 {
		return 1
	}
	return float64(count) / sum
}

func gaussian(r, eps float64) float64 {
	return math.Exp(-(eps * r) * (eps * r))
}

// geometricAim projects the pixel through the source camera's field of view
// onto a ground point, then swings the target camera's pan toward the
// bearing of that point. Vertical position in frame approximates distance:
// the bottom edge is near, the top edge is the far end of the FOV range.
func geometricAim(source, target *camera.Camera, cx, cy, frameW, frameH float64) (Position, error) {
	bearing := geom.PixelBearingDeg(cx, frameW, source.BearingDeg, source.FOVAngleDeg)
	frac := math.Max(0.05, math.Min(1, 1-cy/frameH))
	dist := frac * source.FOVRangeM
	groundLat, groundLon := geom.DestinationPoint(source.Latitude, source.Longitude, bearing, dist)

	targetBearing := geom.BearingDeg(target.Latitude, target.Longitude, groundLat, groundLon)
	home := target.BearingDeg
	if target.PTZHomeBearing != nil {
		home = *target.PTZHomeBearing
	}
	rel := signedDiffDeg(targetBearing, home)
	halfRange := *target.PTZPanRangeDeg / 2
	if halfRange <= 0 {
		return Position{}, fmt.Errorf("camera %s has zero pan range: %w", target.ID, fault.ErrBadInput)
	}
	return Position{Pan: clampUnit(rel / halfRange)}, nil
}

// signedDiffDeg returns a-b wrapped to (-180, 180].
func signedDiffDeg(a, b float64) float64 {
	d := geom.NormalizeDeg(a - b)
	if d > 180 {
		d -= 360
	}
	return d
}
