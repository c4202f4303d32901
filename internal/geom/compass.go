package geom

import "math"

const earthRadiusM = 6371000.0

// NormalizeDeg wraps an angle into [0, 360).
func NormalizeDeg(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// AngularDiffDeg returns the smallest absolute difference between two compass
// bearings, in [0, 180].
func AngularDiffDeg(a, b float64) float64 {
	d := math.Abs(NormalizeDeg(a) - NormalizeDeg(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// BearingDeg returns the initial great-circle bearing from (lat1, lon1) to
// (lat2, lon2) in compass degrees.
func BearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return NormalizeDeg(math.Atan2(y, x) * 180 / math.Pi)
}

// DistanceM returns the haversine great-circle distance in meters.
func DistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := phi2 - phi1
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// DestinationPoint returns the lat/lon reached by travelling distanceM along
// bearingDeg from (lat, lon).
func DestinationPoint(lat, lon, bearingDeg, distanceM float64) (destLat, destLon float64) {
	phi := lat * math.Pi / 180
	lambda := lon * math.Pi / 180
	theta := bearingDeg * math.Pi / 180
	delta := distanceM / earthRadiusM

	phi2 := math.Asin(math.Sin(phi)*math.Cos(delta) + math.Cos(phi)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi),
		math.Cos(delta)-math.Sin(phi)*math.Sin(phi2),
	)
	return phi2 * 180 / math.Pi, math.Mod(lambda2*180/math.Pi+540, 360) - 180
}

// PixelBearingDeg projects a horizontal pixel position through a camera's
// field of view, returning the compass bearing of the ray leaving the camera.
// px is the pixel column, frameW the frame width; cameraBearing points at the
// frame centre and fovAngle spans the full frame.
func PixelBearingDeg(px, frameW, cameraBearing, fovAngle float64) float64 {
	if frameW <= 0 {
		return NormalizeDeg(cameraBearing)
	}
	// Offset from frame centre in [-0.5, 0.5], positive to the right.
	frac := px/frameW - 0.5
	return NormalizeDeg(cameraBearing + frac*fovAngle)
}
