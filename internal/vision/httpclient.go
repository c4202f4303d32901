package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/geom"
	"github.com/fieldvision-data/crosscam.report/internal/httputil"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
)

// jpegQuality for frames shipped to the inference service. Detection is
// robust to compression; bandwidth to the GPU box is not free.
const jpegQuality = 85

// InferenceClient talks to the detection/embedding service over HTTP.
// Frames go up as JPEG bodies; results come back as JSON.
type InferenceClient struct {
	baseURL string
	httpc   httputil.Doer
	logf    func(format string, v ...interface{})
}

// NewInferenceClient creates a client for the service at baseURL. Per-call
// deadlines come from the caller's context.
func NewInferenceClient(baseURL string) *InferenceClient {
	return NewInferenceClientWith(baseURL, &http.Client{Timeout: 60 * time.Second})
}

// NewInferenceClientWith injects the HTTP client, for tests.
func NewInferenceClientWith(baseURL string, httpc httputil.Doer) *InferenceClient {
	return &InferenceClient{
		baseURL: baseURL,
		httpc:   httpc,
		logf:    monitoring.Component("Inference"),
	}
}

type wireDetection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	ClassName  string  `json:"class_name"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
}

type detectResponse struct {
	Detections []wireDetection `json:"detections"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Detect runs the detection model on one frame.
func (c *InferenceClient) Detect(ctx context.Context, frame image.Image, confThreshold float64) ([]Detection, error) {
	url := c.baseURL + "/detect?conf=" + strconv.FormatFloat(confThreshold, 'f', -1, 64)
	body, err := c.postJPEG(ctx, url, frame)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode detect response: %w", err)
	}
	out := make([]Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		if d.Confidence < confThreshold {
			continue
		}
		out = append(out, Detection{
			BBox:       geom.BBox{X: d.X, Y: d.Y, W: d.W, H: d.H},
			ClassName:  d.ClassName,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
		})
	}
	return out, nil
}

// Embed produces the appearance vector for one crop.
func (c *InferenceClient) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	body, err := c.postJPEG(ctx, c.baseURL+"/embed", crop)
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("service returned empty embedding: %w", fault.ErrExternalUnavailable)
	}
	return resp.Embedding, nil
}

func (c *InferenceClient) postJPEG(ctx context.Context, url string, img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fault.External("inference "+url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.External("read inference response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference %s: status %d: %w", url, resp.StatusCode, fault.ErrExternalUnavailable)
	}
	return body, nil
}
