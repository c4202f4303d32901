package track

import (
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/geom"
	"github.com/fieldvision-data/crosscam.report/internal/vision"
)

func TestComputeConsensusWeighting(t *testing.T) {
	// 6 "car" frames at conf 0.4 / area 1000 against 4 "SUV" frames at conf
	// 0.9 / area 10000. Close clean looks outvote distant glimpses:
	// car = 6*0.4*0.1 = 0.24, SUV = 4*0.9*1.0 = 3.6.
	var frames []FrameClassification
	for i := 0; i < 6; i++ {
		frames = append(frames, FrameClassification{
			Timestamp: float64(i), ClassName: "car", Confidence: 0.4,
			BBox: geom.BBox{W: 50, H: 20},
		})
	}
	for i := 6; i < 10; i++ {
		frames = append(frames, FrameClassification{
			Timestamp: float64(i), ClassName: "SUV", Confidence: 0.9,
			BBox: geom.BBox{W: 100, H: 100},
		})
	}

	c := ComputeConsensus(frames)

	assert.Equal(t, "SUV", c.Class)
	assert.InDelta(t, 3.6/3.84, c.Confidence, 1e-9)
	assert.InDelta(t, 0.24/3.84, c.Distribution["car"], 1e-9)
}

func TestComputeConsensusNormalization(t *testing.T) {
	frames := []FrameClassification{
		{ClassName: "sedan", Confidence: 0.7, BBox: geom.BBox{W: 30, H: 30}},
		{ClassName: "SUV", Confidence: 0.5, BBox: geom.BBox{W: 40, H: 40}},
		{ClassName: "sedan", Confidence: 0.9, BBox: geom.BBox{W: 25, H: 25}},
		{ClassName: "pickup truck", Confidence: 0.2, BBox: geom.BBox{W: 50, H: 50}},
	}
	c := ComputeConsensus(frames)

	var sum float64
	best, bestShare := "", 0.0
	for class, share := range c.Distribution {
		sum += share
		if share > bestShare {
			best, bestShare = class, share
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Equal(t, best, c.Class)
	assert.InDelta(t, bestShare, c.Confidence, 1e-9)
}

func TestComputeConsensusEmpty(t *testing.T) {
	c := ComputeConsensus(nil)
	assert.Empty(t, c.Class)
	assert.Zero(t, c.Confidence)
	assert.Empty(t, c.Distribution)
}

func TestScoreFramesBoundsAndOrder(t *testing.T) {
	frames := []FrameClassification{
		// Dead center, biggest box, consensus class: the best export frame.
		{ClassName: "SUV", Confidence: 0.9, BBox: geom.BBox{X: 910, Y: 490, W: 100, H: 100}},
		// Off-class frame takes the 0.3 multiplier.
		{ClassName: "car", Confidence: 0.9, BBox: geom.BBox{X: 910, Y: 490, W: 100, H: 100}},
		// Touching the left edge: center_score near zero.
		{ClassName: "SUV", Confidence: 0.9, BBox: geom.BBox{X: 0, Y: 490, W: 20, H: 100}},
	}
	scored := ScoreFrames(frames, "SUV", 1920, 1080)
	require.Len(t, scored, 3)

	for i, f := range scored {
		assert.GreaterOrEqual(t, f.Quality, 0.0)
		assert.LessOrEqual(t, f.Quality, 1.0)
		if i > 0 {
			assert.LessOrEqual(t, f.Quality, scored[i-1].Quality)
		}
	}
	assert.Equal(t, "SUV", scored[0].ClassName)
	assert.InDelta(t, 0.9, scored[0].Quality, 1e-9)
	assert.InDelta(t, 0.27, scored[1].Quality, 1e-9)
}

func TestCenterScorePlateauAndDecay(t *testing.T) {
	tests := []struct {
		name string
		x, y float64
		want float64
	}{
		{"dead center", 960, 540, 1.0},
		{"edge of middle 60 percent", 1920 * 0.2, 540, 1.0},
		{"halfway into margin", 1920 * 0.1, 540, 0.5},
		{"at left edge", 0, 540, 0.0},
		{"top margin dominates", 960, 1080 * 0.05, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := geom.BBox{X: tt.x - 5, Y: tt.y - 5, W: 10, H: 10}
			assert.InDelta(t, tt.want, centerScore(b, 1920, 1080), 1e-9)
		})
	}
}

func TestBestFrames(t *testing.T) {
	scored := []QualityFrame{
		{Quality: 0.9}, {Quality: 0.8}, {Quality: 0.5}, {Quality: 0.1},
	}
	got := BestFrames(scored, 3, 0.4)
	require.Len(t, got, 3)
	assert.InDelta(t, 0.5, got[2].Quality, 1e-9)

	got = BestFrames(scored, 10, 0.85)
	assert.Len(t, got, 1)
}

// fakeFrameSource serves a fixed frame list.
type fakeFrameSource struct {
	frames []vision.Frame
}

func (f *fakeFrameSource) Frames(ctx context.Context, clipPath string, step int) (vision.FrameIterator, error) {
	return &fakeFrameIterator{frames: f.frames, step: step}, nil
}

type fakeFrameIterator struct {
	frames []vision.Frame
	step   int
	pos    int
	cur    vision.Frame
}

func (it *fakeFrameIterator) Next() bool {
	if it.pos >= len(it.frames) {
		return false
	}
	it.cur = it.frames[it.pos]
	it.pos += it.step
	return true
}

func (it *fakeFrameIterator) Frame() vision.Frame { return it.cur }
func (it *fakeFrameIterator) Err() error          { return nil }
func (it *fakeFrameIterator) Close() error        { return nil }

// fakeDetector returns canned detections keyed by frame index.
type fakeDetector struct {
	byFrame map[int][]vision.Detection
}

func (d *fakeDetector) Detect(ctx context.Context, frame image.Image, confThreshold float64) ([]vision.Detection, error) {
	idx := frame.Bounds().Min.X // frame index smuggled via bounds
	return d.byFrame[idx], nil
}

func frameAt(index int, ts float64) vision.Frame {
	return vision.Frame{
		Image:     image.NewRGBA(image.Rect(index, 0, index+4, 4)),
		Timestamp: ts,
		Index:     index,
	}
}

func TestClassifyTracksAssignsByIoU(t *testing.T) {
	cfg := &config.TuningConfig{}

	tr := linearTrack(1, 10.0, 10.2, 100, 100, 0, 0, 50, 50)
	far := linearTrack(2, 10.0, 10.2, 900, 700, 0, 0, 50, 50)
	inactive := linearTrack(3, 10.0, 10.2, 100, 100, 0, 0, 50, 50)
	inactive.Status = StatusMerged

	det := &fakeDetector{byFrame: map[int][]vision.Detection{
		0: {
			{BBox: geom.BBox{X: 102, Y: 101, W: 50, H: 50}, ClassName: "SUV", Confidence: 0.85},
			{BBox: geom.BBox{X: 400, Y: 400, W: 30, H: 30}, ClassName: "car", Confidence: 0.9},
		},
		1: {
			{BBox: geom.BBox{X: 99, Y: 100, W: 52, H: 49}, ClassName: "SUV", Confidence: 0.8},
		},
	}}
	src := &fakeFrameSource{frames: []vision.Frame{frameAt(0, 10.0), frameAt(1, 10.1)}}

	got, err := NewClassifier(det, src, cfg).ClassifyTracks(
		context.Background(), "/tmp/clip.mp4", []*VideoTrack{tr, far, inactive}, 12.0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Len(t, got[0], 2)
	assert.Equal(t, "SUV", got[0][0].ClassName)
	assert.InDelta(t, 0.85, got[0][0].Confidence, 1e-9)

	// The distant detection never clears the IoU floor for the far track,
	// and merged tracks receive no votes at all.
	assert.Empty(t, got[1])
	assert.Empty(t, got[2])
}

func TestClassifyTracksSamplesLongClipsSparsely(t *testing.T) {
	cfg := &config.TuningConfig{}

	tr := linearTrack(1, 0.0, 0.3, 100, 100, 0, 0, 50, 50)
	det := &fakeDetector{byFrame: map[int][]vision.Detection{
		0: {{BBox: geom.BBox{X: 100, Y: 100, W: 50, H: 50}, ClassName: "SUV", Confidence: 0.9}},
		1: {{BBox: geom.BBox{X: 100, Y: 100, W: 50, H: 50}, ClassName: "SUV", Confidence: 0.9}},
		2: {{BBox: geom.BBox{X: 100, Y: 100, W: 50, H: 50}, ClassName: "SUV", Confidence: 0.9}},
	}}
	src := &fakeFrameSource{frames: []vision.Frame{frameAt(0, 0.0), frameAt(1, 0.1), frameAt(2, 0.2)}}

	// Past the 60 s mark every 2nd frame is skipped: indexes 0 and 2 only.
	got, err := NewClassifier(det, src, cfg).ClassifyTracks(
		context.Background(), "/tmp/clip.mp4", []*VideoTrack{tr}, 90.0)
	require.NoError(t, err)
	require.Len(t, got[0], 2)
	assert.InDelta(t, 0.0, got[0][0].Timestamp, 1e-9)
	assert.InDelta(t, 0.2, got[0][1].Timestamp, 1e-9)
}
