package mot

import (
	"context"
	"image"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/geom"
	"github.com/fieldvision-data/crosscam.report/internal/vision"
)

type fakeFrameSource struct {
	frames []vision.Frame
}

func (f *fakeFrameSource) Frames(ctx context.Context, clipPath string, step int) (vision.FrameIterator, error) {
	return &fakeIterator{frames: f.frames, step: step}, nil
}

type fakeIterator struct {
	frames []vision.Frame
	step   int
	pos    int
	cur    vision.Frame
}

func (it *fakeIterator) Next() bool {
	if it.pos >= len(it.frames) {
		return false
	}
	it.cur = it.frames[it.pos]
	it.pos += it.step
	return true
}

func (it *fakeIterator) Frame() vision.Frame { return it.cur }
func (it *fakeIterator) Err() error          { return nil }
func (it *fakeIterator) Close() error        { return nil }

type fakeDetector struct {
	byFrame map[int][]vision.Detection
}

func (d *fakeDetector) Detect(ctx context.Context, frame image.Image, confThreshold float64) ([]vision.Detection, error) {
	return d.byFrame[frame.Bounds().Min.Y], nil
}

type fakeEmbedder struct {
	vec []float32
}

func (e *fakeEmbedder) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	return e.vec, nil
}

// frameAt smuggles the frame index through the image bounds' Min.Y so the
// fake detector can key its responses without real pixels.
func frameAt(index int, ts float64) vision.Frame {
	return vision.Frame{
		Image:     image.NewRGBA(image.Rect(0, index, 1920, index+1080)),
		Timestamp: ts,
		Index:     index,
	}
}

func TestDriverTracksAndFilters(t *testing.T) {
	byFrame := make(map[int][]vision.Detection)
	for i := 0; i < 6; i++ {
		byFrame[i] = []vision.Detection{
			// The vehicle being followed.
			{BBox: geom.BBox{X: 100 + float64(i)*10, Y: 200, W: 120, H: 90}, ClassName: "car", Confidence: 0.9},
			// Kept for pre-screen statistics.
			{BBox: geom.BBox{X: 600, Y: 400, W: 40, H: 100}, ClassName: "person", Confidence: 0.8},
			// Non-vehicle noise, dropped at this layer.
			{BBox: geom.BBox{X: 300, Y: 300, W: 50, H: 50}, ClassName: "bird", Confidence: 0.95},
			// Tiny box, dropped.
			{BBox: geom.BBox{X: 900, Y: 500, W: 3, H: 80}, ClassName: "car", Confidence: 0.9},
		}
	}
	frames := make([]vision.Frame, 6)
	for i := range frames {
		frames[i] = frameAt(i, float64(i)*0.1)
	}

	d := NewDriver(
		&fakeDetector{byFrame: byFrame},
		&fakeEmbedder{vec: []float32{0.6, 0.8}},
		&fakeFrameSource{frames: frames},
		&config.TuningConfig{},
		t.TempDir(),
	)
	tracks, err := d.Track(context.Background(), "/clips/evt.mp4", "gate_east", 42)
	require.NoError(t, err)
	require.Len(t, tracks, 2, "car track and person track, nothing else")

	car := tracks[0]
	assert.Equal(t, "car", car.ClassName)
	assert.Equal(t, "gate_east", car.CameraID)
	assert.Equal(t, int64(42), car.VideoID)
	require.Len(t, car.Trajectory, 6)
	for i := 1; i < len(car.Trajectory); i++ {
		assert.Greater(t, car.Trajectory[i].Timestamp, car.Trajectory[i-1].Timestamp)
	}
	assert.Equal(t, []float32{0.6, 0.8}, car.ReIDEmbedding)
	require.NotEmpty(t, car.BestCropPath)
	_, statErr := os.Stat(car.BestCropPath)
	assert.NoError(t, statErr, "best crop must exist on disk")

	person := tracks[1]
	assert.Equal(t, "person", person.ClassName)
}

func TestDriverDominantClassOutvotesFlicker(t *testing.T) {
	obs := []Observation{
		{ClassName: "car", Confidence: 0.4},
		{ClassName: "SUV", Confidence: 0.9},
		{ClassName: "SUV", Confidence: 0.8},
		{ClassName: "car", Confidence: 0.5},
	}
	assert.Equal(t, "SUV", dominantClass(obs))
}

func TestDriverNilEmbedderSkipsEmbedding(t *testing.T) {
	byFrame := map[int][]vision.Detection{
		0: {{BBox: geom.BBox{X: 100, Y: 200, W: 120, H: 90}, ClassName: "car", Confidence: 0.9}},
	}
	d := NewDriver(
		&fakeDetector{byFrame: byFrame},
		nil,
		&fakeFrameSource{frames: []vision.Frame{frameAt(0, 0.0)}},
		&config.TuningConfig{},
		t.TempDir(),
	)
	tracks, err := d.Track(context.Background(), "/clips/evt.mp4", "gate_east", 1)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Nil(t, tracks[0].ReIDEmbedding)
	assert.NotEmpty(t, tracks[0].BestCropPath)
}
