package ptz

import (
	"image"
	"math"
	"sort"
)

// Frame-quality gates for calibration captures.
const (
	minLuminance  = 10.0
	minFeatures   = 2
	featureWindow = 3  // structure tensor half-window
	featureSpace  = 12 // min pixel spacing between reported corners
)

// grayPlane is a float grayscale copy of an image, the working format for
// the corner detector and the template matcher.
type grayPlane struct {
	w, h int
	pix  []float64
}

func toGray(img image.Image) *grayPlane {
	b := img.Bounds()
	g := &grayPlane{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, gr, bl, _ := img.At(x, y).RGBA()
			g.pix[i] = (0.299*float64(r) + 0.587*float64(gr) + 0.114*float64(bl)) / 257
			i++
		}
	}
	return g
}

func (g *grayPlane) at(x, y int) float64 {
	return g.pix[y*g.w+x]
}

// meanLuminance is the average gray level in [0, 255].
func meanLuminance(img image.Image) float64 {
	g := toGray(img)
	if len(g.pix) == 0 {
		return 0
	}
	var sum float64
	for _, v := range g.pix {
		sum += v
	}
	return sum / float64(len(g.pix))
}

type corner struct {
	pt    image.Point
	score float64
}

// cornerFeatures runs a minimum-eigenvalue (Shi-Tomasi) corner detector and
// returns up to max corners, strongest first, spaced at least featureSpace
// pixels apart.
func cornerFeatures(img image.Image, max int) []image.Point {
	g := toGray(img)
	if g.w < 2*featureWindow+3 || g.h < 2*featureWindow+3 {
		return nil
	}

	var cands []corner
	for y := featureWindow + 1; y < g.h-featureWindow-1; y++ {
		for x := featureWindow + 1; x < g.w-featureWindow-1; x++ {
			var sxx, syy, sxy float64
			for dy := -featureWindow; dy <= featureWindow; dy++ {
				for dx := -featureWindow; dx <= featureWindow; dx++ {
					ix := (g.at(x+dx+1, y+dy) - g.at(x+dx-1, y+dy)) / 2
					iy := (g.at(x+dx, y+dy+1) - g.at(x+dx, y+dy-1)) / 2
					sxx += ix * ix
					syy += iy * iy
					sxy += ix * iy
				}
			}
			// Smaller eigenvalue of the structure tensor.
			lambda := (sxx + syy - math.Hypot(sxx-syy, 2*sxy)) / 2
			if lambda > cornerThreshold {
				cands = append(cands, corner{pt: image.Pt(x, y), score: lambda})
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	var out []image.Point
	for _, c := range cands {
		if len(out) >= max {
			break
		}
		crowded := false
		for _, p := range out {
			if abs(p.X-c.pt.X) < featureSpace && abs(p.Y-c.pt.Y) < featureSpace {
				crowded = true
				break
			}
		}
		if !crowded {
			out = append(out, c.pt)
		}
	}
	return out
}

// cornerThreshold rejects flat and edge-only neighborhoods. Tuned against
// 8-bit gray gradients over a 7x7 window.
const cornerThreshold = 400.0

// matchTemplate slides the template over the search image and returns the
// top-left corner of the best normalized cross-correlation match and its
// score in [-1, 1].
func matchTemplate(search image.Image, template image.Image) (image.Point, float64) {
	s := toGray(search)
	t := toGray(template)
	if t.w > s.w || t.h > s.h || t.w == 0 || t.h == 0 {
		return image.Point{}, -1
	}

	tMean := mean(t.pix)
	tNorm := 0.0
	for _, v := range t.pix {
		tNorm += (v - tMean) * (v - tMean)
	}
	if tNorm == 0 {
		return image.Point{}, -1
	}

	best := image.Point{}
	bestScore := -1.0
	for oy := 0; oy <= s.h-t.h; oy++ {
		for ox := 0; ox <= s.w-t.w; ox++ {
			var sSum float64
			for y := 0; y < t.h; y++ {
				for x := 0; x < t.w; x++ {
					sSum += s.at(ox+x, oy+y)
				}
			}
			sMean := sSum / float64(t.w*t.h)

			var cross, sNorm float64
			for y := 0; y < t.h; y++ {
				for x := 0; x < t.w; x++ {
					sv := s.at(ox+x, oy+y) - sMean
					tv := t.at(x, y) - tMean
					cross += sv * tv
					sNorm += sv * sv
				}
			}
			if sNorm == 0 {
				continue
			}
			score := cross / math.Sqrt(sNorm*tNorm)
			if score > bestScore {
				bestScore = score
				best = image.Pt(ox, oy)
			}
		}
	}
	return best, bestScore
}

// cropAround extracts a half x half window centered on pt, clamped to the
// image bounds.
func cropAround(img image.Image, pt image.Point, half int) image.Image {
	b := img.Bounds()
	r := image.Rect(pt.X-half, pt.Y-half, pt.X+half, pt.Y+half).Intersect(b)
	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			out.Set(x, y, img.At(r.Min.X+x, r.Min.Y+y))
		}
	}
	return out
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
