package vision

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/httputil"
)

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 64, 48))
}

func TestDetectParsesAndFiltersResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/detect", r.URL.Path)
		assert.Equal(t, "0.5", r.URL.Query().Get("conf"))
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"detections": [
			{"x": 10, "y": 20, "w": 40, "h": 30, "class_name": "car", "class_id": 2, "confidence": 0.91},
			{"x": 5, "y": 5, "w": 8, "h": 8, "class_name": "person", "class_id": 0, "confidence": 0.31}
		]}`))
	}))
	defer srv.Close()

	client := NewInferenceClient(srv.URL)
	dets, err := client.Detect(context.Background(), testFrame(), 0.5)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "car", dets[0].ClassName)
	assert.Equal(t, 2, dets[0].ClassID)
	assert.InDelta(t, 0.91, dets[0].Confidence, 1e-9)
	assert.InDelta(t, 40.0, dets[0].BBox.W, 1e-9)
}

func TestDetectServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewInferenceClient(srv.URL)
	_, err := client.Detect(context.Background(), testFrame(), 0.5)
	assert.ErrorIs(t, err, fault.ErrExternalUnavailable)
}

func TestDetectConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewInferenceClient(srv.URL)
	_, err := client.Detect(context.Background(), testFrame(), 0.5)
	assert.ErrorIs(t, err, fault.ErrExternalUnavailable)
	assert.True(t, fault.Retryable(err))
}

func TestEmbedReturnsVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		w.Write([]byte(`{"embedding": [0.6, 0.8]}`))
	}))
	defer srv.Close()

	client := NewInferenceClient(srv.URL)
	vec, err := client.Embed(context.Background(), testFrame())
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, vec)
}

func TestDetectSendsJPEGBody(t *testing.T) {
	mock := httputil.NewMock().Reply(http.StatusOK, `{"detections": []}`)
	client := NewInferenceClientWith("http://svc", mock)

	dets, err := client.Detect(context.Background(), testFrame(), 0.5)
	require.NoError(t, err)
	assert.Empty(t, dets)

	require.Equal(t, 1, mock.Calls())
	assert.Equal(t, "image/jpeg", mock.Request(0).Header.Get("Content-Type"))
	// JPEG SOI marker.
	assert.True(t, strings.HasPrefix(mock.Body(0), "\xff\xd8"))
}

func TestEmbedRejectsEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embedding": []}`))
	}))
	defer srv.Close()

	client := NewInferenceClient(srv.URL)
	_, err := client.Embed(context.Background(), testFrame())
	assert.ErrorIs(t, err, fault.ErrExternalUnavailable)
}
