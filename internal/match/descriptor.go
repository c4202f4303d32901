package match

import (
	"container/list"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	_ "image/jpeg"
	_ "image/png"

	"gonum.org/v1/gonum/stat"

	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/track"
)

// HSV histogram bin counts. Hue carries most of the signal for vehicle
// color; value is coarse so lighting changes between cameras wash out.
const (
	hueBins = 16
	satBins = 8
	valBins = 4
)

// Descriptor is a track's appearance summary: an L2-normalized ReID
// embedding and an HSV histogram of the best crop. Either field may be nil
// when the source material is missing.
type Descriptor struct {
	Embedding []float32
	Hist      []float64
}

// DescriptorCache computes and retains descriptors keyed by video track id.
// Crops are decoded from disk at most once per eviction cycle; the cache is
// a plain LRU bounded by the configured capacity.
type DescriptorCache struct {
	cap  int
	logf func(format string, v ...interface{})

	mu      sync.Mutex
	order   *list.List
	entries map[int64]*list.Element
}

type cacheEntry struct {
	trackID int64
	desc    *Descriptor
}

// NewDescriptorCache creates a cache holding up to capacity descriptors.
func NewDescriptorCache(capacity int) *DescriptorCache {
	if capacity < 1 {
		capacity = 1
	}
	return &DescriptorCache{
		cap:     capacity,
		logf:    monitoring.Component("Descriptors"),
		order:   list.New(),
		entries: make(map[int64]*list.Element),
	}
}

// Get returns the track's descriptor, computing it on first use. A missing
// or undecodable crop yields a descriptor without a histogram rather than an
// error; matching degrades instead of failing.
func (c *DescriptorCache) Get(t *track.VideoTrack) *Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[t.ID]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).desc
	}

	desc := &Descriptor{Embedding: Normalize(t.ReIDEmbedding)}
	if t.BestCropPath != "" {
		hist, err := histogramFromFile(t.BestCropPath)
		if err != nil {
			c.logf("track %d crop %s: %v", t.ID, t.BestCropPath, err)
		} else {
			desc.Hist = hist
		}
	}

	c.entries[t.ID] = c.order.PushFront(&cacheEntry{trackID: t.ID, desc: desc})
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).trackID)
	}
	return desc
}

// Invalidate drops one track's cached descriptor, for use after its crop or
// embedding is rewritten.
func (c *DescriptorCache) Invalidate(trackID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[trackID]; ok {
		c.order.Remove(el)
		delete(c.entries, trackID)
	}
}

// Len returns the number of cached descriptors.
func (c *DescriptorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Normalize returns an L2-normalized copy of the embedding, nil for empty or
// zero vectors. Upstream services usually normalize already; this makes the
// cosine below safe regardless.
func Normalize(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Cosine returns the cosine similarity of two normalized embeddings, zero
// when either is missing or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// HistCorrelation returns the Pearson correlation of two histograms, zero
// when either is missing.
func HistCorrelation(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	r := stat.Correlation(a, b, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

func histogramFromFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open crop: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode crop: %w", err)
	}
	return HSVHistogram(img), nil
}

// HSVHistogram builds the concatenated H/S/V histogram of an image,
// normalized so each channel sums to 1.
func HSVHistogram(img image.Image) []float64 {
	hist := make([]float64, hueBins+satBins+valBins)
	bounds := img.Bounds()
	var n float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			h, s, v := rgbToHSV(img.At(x, y).RGBA())
			hist[binOf(h/360, hueBins)]++
			hist[hueBins+binOf(s, satBins)]++
			hist[hueBins+satBins+binOf(v, valBins)]++
			n++
		}
	}
	if n > 0 {
		for i := range hist {
			hist[i] /= n
		}
	}
	return hist
}

func binOf(frac float64, bins int) int {
	b := int(frac * float64(bins))
	if b >= bins {
		b = bins - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}

// rgbToHSV converts 16-bit premultiplied RGBA channels to HSV with hue in
// degrees and saturation/value in [0,1].
func rgbToHSV(r16, g16, b16, _ uint32) (h, s, v float64) {
	r := float64(r16) / 65535
	g := float64(g16) / 65535
	b := float64(b16) / 65535

	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	v = max
	delta := max - min
	if max > 0 {
		s = delta / max
	}
	if delta == 0 {
		return 0, s, v
	}
	switch max {
	case r:
		h = 60 * math.Mod((g-b)/delta, 6)
	case g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}
