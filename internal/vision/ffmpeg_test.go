package vision

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/fsutil"
)

const sampleProbeJSON = `{
  "streams": [
    {"codec_type": "audio", "sample_rate": "48000"},
    {"codec_type": "video", "width": 1920, "height": 1080,
     "r_frame_rate": "30000/1001", "avg_frame_rate": "30000/1001"}
  ],
  "format": {"duration": "12.480000"}
}`

func TestParseProbe(t *testing.T) {
	probe, err := parseProbe([]byte(sampleProbeJSON))
	require.NoError(t, err)
	assert.Equal(t, 1920, probe.Width)
	assert.Equal(t, 1080, probe.Height)
	assert.InDelta(t, 12.48, probe.DurationSeconds, 1e-9)
	assert.InDelta(t, 29.97, probe.FPS, 0.01)
}

func TestParseProbeNoVideoStream(t *testing.T) {
	_, err := parseProbe([]byte(`{"streams":[{"codec_type":"audio"}],"format":{}}`))
	assert.ErrorIs(t, err, fault.ErrBadInput)
}

func TestParseProbeFallsBackToRFrameRate(t *testing.T) {
	probe, err := parseProbe([]byte(`{
	  "streams": [{"codec_type": "video", "width": 640, "height": 480,
	               "avg_frame_rate": "0/0", "r_frame_rate": "10/1"}],
	  "format": {"duration": "2.5"}
	}`))
	require.NoError(t, err)
	assert.InDelta(t, 10.0, probe.FPS, 1e-9)
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 29.97002997002997},
		{"25", 25},
		{"0/0", 0},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, parseRate(tt.in), 1e-9, tt.in)
	}
}

func TestFetchClipResolvesExistingClip(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("/clips/gate_east__evt_9.mp4", []byte("x"), 0o644))
	media := NewFFmpegMedia(fs, "/clips", "/work")

	path, err := media.FetchClip(context.Background(), "evt_9", "gate_east")
	require.NoError(t, err)
	assert.Equal(t, "/clips/gate_east__evt_9.mp4", path)
}

func TestFetchClipMissing(t *testing.T) {
	media := NewFFmpegMedia(fsutil.NewMemoryFileSystem(), "/clips", "/work")
	_, err := media.FetchClip(context.Background(), "evt_9", "gate_east")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestFetchClipSanitizesIdentifiers(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, fs.WriteFile("/clips/gate_east__.._.._etc_passwd.mp4", []byte("x"), 0o644))
	media := NewFFmpegMedia(fs, "/clips", "/work")

	// A traversal attempt in the event id stays confined to the clip dir.
	path, err := media.FetchClip(context.Background(), "../../etc/passwd", "gate_east")
	require.NoError(t, err)
	assert.Equal(t, "/clips/gate_east__.._.._etc_passwd.mp4", path)
}

func TestExtractClipRejectsZeroDuration(t *testing.T) {
	media := NewFFmpegMedia(fsutil.NewMemoryFileSystem(), "/clips", "/work")
	_, err := media.ExtractClip(context.Background(), "/clips/a.mp4", 1.0, 0)
	assert.ErrorIs(t, err, fault.ErrBadInput)
}

// encodeStream concatenates n JPEG frames the way image2pipe emits them.
func encodeStream(t *testing.T, n int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 32, 24))
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	}
	return &buf
}

func TestMJPEGIteratorWalksStream(t *testing.T) {
	stream := encodeStream(t, 3)
	it := newMJPEGIterator(bufio.NewReader(stream), 10, 5, func() error { return nil })

	var indexes []int
	var stamps []float64
	for it.Next() {
		f := it.Frame()
		indexes = append(indexes, f.Index)
		stamps = append(stamps, f.Timestamp)
		assert.Equal(t, 32, f.Image.Bounds().Dx())
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())

	assert.Equal(t, []int{0, 5, 10}, indexes)
	require.Len(t, stamps, 3)
	assert.InDelta(t, 0.0, stamps[0], 1e-9)
	assert.InDelta(t, 0.5, stamps[1], 1e-9)
	assert.InDelta(t, 1.0, stamps[2], 1e-9)
}

func TestMJPEGIteratorSurfacesDecodeFailure(t *testing.T) {
	stream := encodeStream(t, 1)
	stream.WriteString("\xff\xd8this is not a jpeg body")
	it := newMJPEGIterator(bufio.NewReader(stream), 10, 1, func() error { return nil })

	require.True(t, it.Next())
	assert.False(t, it.Next())
	assert.Error(t, it.Err())
}

func TestMJPEGIteratorPropagatesProcessFailure(t *testing.T) {
	finishErr := fault.External("ffmpeg decode", assert.AnError)
	it := newMJPEGIterator(bufio.NewReader(bytes.NewReader(nil)), 10, 1, func() error { return finishErr })

	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), fault.ErrExternalUnavailable)
}
