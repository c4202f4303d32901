package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision-data/crosscam.report/internal/jobs"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
)

// startWatcher runs a watcher over a fresh inbox and returns the inbox path
// plus a channel receiving enqueued clip paths.
func startWatcher(t *testing.T, debounce time.Duration) (string, chan string) {
	t.Helper()
	dir := t.TempDir()
	got := make(chan string, 16)

	queue := jobs.NewQueue(timeutil.RealClock{})
	queue.Register(jobs.KindClipAnalysis, 1, 0, func(ctx context.Context, payload string) error {
		got <- payload
		return nil
	})
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	w := NewWatcher(dir, queue, timeutil.RealClock{})
	w.Debounce = debounce

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// Give fsnotify a moment to arm before the test writes files.
	time.Sleep(50 * time.Millisecond)
	return dir, got
}

func TestWatcherEnqueuesNewClip(t *testing.T) {
	dir, got := startWatcher(t, 40*time.Millisecond)

	path := filepath.Join(dir, "gate_east_0815.mp4")
	require.NoError(t, os.WriteFile(path, []byte("mp4 payload"), 0o644))

	select {
	case p := <-got:
		assert.Equal(t, path, p)
	case <-time.After(2 * time.Second):
		t.Fatal("clip was never enqueued")
	}
}

func TestWatcherCatchesUpExistingClips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backlog.mp4")
	require.NoError(t, os.WriteFile(path, []byte("mp4 payload"), 0o644))

	got := make(chan string, 1)
	queue := jobs.NewQueue(timeutil.RealClock{})
	queue.Register(jobs.KindClipAnalysis, 1, 0, func(ctx context.Context, payload string) error {
		got <- payload
		return nil
	})
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	w := NewWatcher(dir, queue, timeutil.RealClock{})
	w.Debounce = 40 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	select {
	case p := <-got:
		assert.Equal(t, path, p)
	case <-time.After(2 * time.Second):
		t.Fatal("preexisting clip was never enqueued")
	}
}

func TestWatcherIgnoresNonClips(t *testing.T) {
	dir, got := startWatcher(t, 40*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial.mp4"), []byte("x"), 0o644))

	select {
	case p := <-got:
		t.Fatalf("unexpected enqueue of %s", p)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherIgnoresSanitizerOutput(t *testing.T) {
	dir, got := startWatcher(t, 40*time.Millisecond)

	// A repaired sibling written mid-analysis must not come back around as
	// a fresh recording.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gate_east__0815_sanitized.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gate_east__0815_seg2000.mp4"), []byte("x"), 0o644))

	select {
	case p := <-got:
		t.Fatalf("unexpected enqueue of %s", p)
	case <-time.After(300 * time.Millisecond):
	}

	// The original next to them still flows through.
	path := filepath.Join(dir, "gate_east__0815.mp4")
	require.NoError(t, os.WriteFile(path, []byte("mp4 payload"), 0o644))
	select {
	case p := <-got:
		assert.Equal(t, path, p)
	case <-time.After(2 * time.Second):
		t.Fatal("original clip was never enqueued")
	}
}

func TestWatcherWaitsForStableSize(t *testing.T) {
	dir, got := startWatcher(t, 150*time.Millisecond)

	// Simulate a slow copy: the file keeps growing for a while.
	path := filepath.Join(dir, "slow_copy.mp4")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = f.WriteString("chunk chunk chunk")
		require.NoError(t, err)
		require.NoError(t, f.Sync())
		time.Sleep(60 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	select {
	case p := <-got:
		assert.Equal(t, path, p)
	case <-time.After(3 * time.Second):
		t.Fatal("clip was never enqueued")
	}

	// Exactly one job for the whole copy.
	select {
	case p := <-got:
		t.Fatalf("duplicate enqueue of %s", p)
	case <-time.After(400 * time.Millisecond):
	}
}
