package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTag(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"bad_input", fmt.Errorf("parse bbox: %w", ErrBadInput), "bad_input"},
		{"not_found", fmt.Errorf("video 9: %w", ErrNotFound), "not_found"},
		{"external", External("detect frame", errors.New("timeout")), "external_unavailable"},
		{"conflict", fmt.Errorf("track changed: %w", ErrConflict), "conflict"},
		{"corrupt_clip", fmt.Errorf("reject: %w", ErrCorruptClip), "corrupt_clip"},
		{"untagged", errors.New("surprise"), "internal"},
		{"invariant", Invariant("link-ordering", "a=%d b=%d", 5, 3), "internal"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Tag(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(External("embed crop", errors.New("503"))))
	assert.False(t, Retryable(ErrBadInput))
	assert.False(t, Retryable(ErrConflict))
	assert.False(t, Retryable(Invariant("x", "y")))
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return ErrBadInput
	})
	require.ErrorIs(t, err, ErrBadInput)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return External("probe clip", errors.New("unreachable"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "external_unavailable", Tag(err))
}

func TestRetrySucceedsMidway(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return External("fetch clip", errors.New("flake"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, 50*time.Millisecond, func() error {
		return External("detect", errors.New("down"))
	})
	require.ErrorIs(t, err, context.Canceled)
}
