package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
)

func TestHistogramBucketsGaps(t *testing.T) {
	labels, counts := histogram([]float64{0, 1, 4.9, 5, 7, 12}, 5)
	assert.Equal(t, []string{"0s", "5s", "10s"}, labels)
	assert.Equal(t, []int{3, 2, 1}, counts)
}

func TestHistogramEmpty(t *testing.T) {
	labels, counts := histogram(nil, 5)
	assert.Nil(t, labels)
	assert.Nil(t, counts)
}

func TestPairKeysStableOrder(t *testing.T) {
	samples := []camera.TransitSample{
		{CameraA: "gate_west", CameraB: "gate_east", GapSeconds: 4},
		{CameraA: "gate_east", CameraB: "gate_west", GapSeconds: 6},
		{CameraA: "gate_west", CameraB: "gate_east", GapSeconds: 5},
	}
	keys := pairKeys(samples)
	assert.Equal(t, [][2]string{
		{"gate_east", "gate_west"},
		{"gate_west", "gate_east"},
	}, keys)

	assert.Equal(t, []float64{4, 5}, gapsForPair(samples, [2]string{"gate_west", "gate_east"}))
}
