// Package vision declares the interfaces behind which the external model
// services live. The pipeline core never talks to an inference runtime
// directly: detection, appearance embedding, clip retrieval and frame
// decoding are all implementer-supplied, which keeps the engine testable
// with in-memory fakes.
package vision

import (
	"context"
	"image"

	"github.com/fieldvision-data/crosscam.report/internal/geom"
)

// Detection is one object found in a frame by the detection service.
type Detection struct {
	BBox       geom.BBox
	ClassName  string
	ClassID    int
	Confidence float64
}

// Frame is a decoded video frame with its media timestamp in seconds from
// clip start.
type Frame struct {
	Image     image.Image
	Timestamp float64
	Index     int
}

// Detector runs the object detection model on a single frame. Callers apply
// the per-call timeout via ctx; detections below confThreshold are not
// returned.
type Detector interface {
	Detect(ctx context.Context, frame image.Image, confThreshold float64) ([]Detection, error)
}

// Embedder produces a fixed-length appearance vector for an object crop.
// Implementations should return L2-normalized vectors; callers normalize
// again defensively before cosine comparison.
type Embedder interface {
	Embed(ctx context.Context, crop image.Image) ([]float32, error)
}

// ClipProbe describes a probed media file.
type ClipProbe struct {
	DurationSeconds float64
	Width           int
	Height          int
	FPS             float64
	DecodeErrors    []string
}

// ClipService retrieves and probes event clips.
type ClipService interface {
	FetchClip(ctx context.Context, eventID, cameraID string) (path string, err error)
	ProbeClip(ctx context.Context, path string) (ClipProbe, error)
	ExtractClip(ctx context.Context, src string, startTime, duration float64) (path string, err error)
}

// FrameSource decodes a clip into frames. step selects every Nth frame
// (step=1 decodes all). Implementations must emit frames in timestamp order.
type FrameSource interface {
	Frames(ctx context.Context, clipPath string, step int) (FrameIterator, error)
}

// FrameIterator walks decoded frames one at a time so a long clip never sits
// fully in memory. Next returns false at end of stream or on error; check
// Err afterwards.
type FrameIterator interface {
	Next() bool
	Frame() Frame
	Err() error
	Close() error
}
