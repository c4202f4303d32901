// Package geom provides the bounding-box and compass arithmetic shared by the
// tracker, the post-processor and the cross-camera matchers. Everything here
// is pure value math with no locking, so callers can use it from any worker.
package geom

import "math"

// BBox is an axis-aligned bounding box in pixel coordinates. X,Y is the
// top-left corner.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Area returns the box area in square pixels. Degenerate boxes report zero.
func (b BBox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Center returns the box centroid.
func (b BBox) Center() (x, y float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Diagonal returns the box diagonal length in pixels.
func (b BBox) Diagonal() float64 {
	return math.Hypot(b.W, b.H)
}

// Valid reports whether the box has positive extent in both dimensions.
func (b BBox) Valid() bool {
	return b.W > 0 && b.H > 0
}

// Intersection returns the overlap area of two boxes, zero when disjoint.
func Intersection(a, b BBox) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.X+a.W, b.X+b.W)
	y2 := math.Min(a.Y+a.H, b.Y+b.H)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}

// IoU returns intersection over union of two boxes in [0, 1].
func IoU(a, b BBox) float64 {
	inter := Intersection(a, b)
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IoUMin returns intersection over the smaller box area. The min-area
// denominator tolerates bounding-box size wobble between frames: a small box
// fully inside a larger one scores 1.0 where plain IoU would not.
func IoUMin(a, b BBox) float64 {
	inter := Intersection(a, b)
	if inter == 0 {
		return 0
	}
	minArea := math.Min(a.Area(), b.Area())
	if minArea <= 0 {
		return 0
	}
	return inter / minArea
}

// CentroidDistance returns the euclidean distance between the centroids of
// two boxes.
func CentroidDistance(a, b BBox) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	return math.Hypot(bx-ax, by-ay)
}

// MeanBBox returns the componentwise mean of the given boxes. Returns the
// zero box for an empty slice.
func MeanBBox(boxes []BBox) BBox {
	if len(boxes) == 0 {
		return BBox{}
	}
	var sum BBox
	for _, b := range boxes {
		sum.X += b.X
		sum.Y += b.Y
		sum.W += b.W
		sum.H += b.H
	}
	n := float64(len(boxes))
	return BBox{X: sum.X / n, Y: sum.Y / n, W: sum.W / n, H: sum.H / n}
}

// SizeRatio returns min(areaA, areaB) / max(areaA, areaB) in [0, 1], or zero
// when either box is degenerate.
func SizeRatio(a, b BBox) float64 {
	aa, ba := a.Area(), b.Area()
	if aa <= 0 || ba <= 0 {
		return 0
	}
	if aa > ba {
		aa, ba = ba, aa
	}
	return aa / ba
}
