// Package ingest watches the clip inbox and feeds newly arrived recordings
// into the analysis queue. Clips are only enqueued once their size has been
// stable for a debounce window, so half-copied files never reach the
// pipeline.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldvision-data/crosscam.report/internal/clip"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/jobs"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/security"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
)

const defaultDebounce = 2 * time.Second

type pendingClip struct {
	size int64
	last time.Time
}

// Watcher watches one inbox directory and enqueues clip-analysis jobs.
type Watcher struct {
	dir   string
	queue *jobs.Queue
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	// Debounce is how long a clip's size must hold still before it is
	// enqueued. Zero means the default.
	Debounce time.Duration
}

// NewWatcher creates a watcher over dir.
func NewWatcher(dir string, queue *jobs.Queue, clock timeutil.Clock) *Watcher {
	return &Watcher{
		dir:   dir,
		queue: queue,
		clock: clock,
		logf:  monitoring.Component("Ingest"),
	}
}

func (w *Watcher) debounce() time.Duration {
	if w.Debounce > 0 {
		return w.Debounce
	}
	return defaultDebounce
}

// Run watches until the context is cancelled. Clips already sitting in the
// inbox at startup are picked up as well.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fault.External("create inbox watcher", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fault.External("watch "+w.dir, err)
	}

	pending := make(map[string]pendingClip)
	w.catchUp(pending)

	ticker := w.clock.NewTicker(w.debounce() / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isClip(ev.Name) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			pending[ev.Name] = pendingClip{size: info.Size(), last: w.clock.Now()}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logf("watcher error: %v", err)
		case <-ticker.C():
			w.flush(pending)
		}
	}
}

// catchUp seeds the pending set with clips that arrived while the watcher
// was down.
func (w *Watcher) catchUp(pending map[string]pendingClip) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logf("inbox scan failed: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isClip(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		pending[path] = pendingClip{size: info.Size(), last: w.clock.Now().Add(-w.debounce())}
	}
	if len(pending) > 0 {
		w.logf("found %d clips waiting in inbox", len(pending))
	}
}

// flush enqueues clips whose size held still for the debounce window. A clip
// that grew since its last event stays pending with a fresh deadline.
func (w *Watcher) flush(pending map[string]pendingClip) {
	now := w.clock.Now()
	for path, p := range pending {
		if now.Sub(p.last) < w.debounce() {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			delete(pending, path)
			continue
		}
		if info.Size() != p.size {
			pending[path] = pendingClip{size: info.Size(), last: now}
			continue
		}
		if err := security.WithinDir(path, w.dir); err != nil {
			w.logf("rejecting %s: %v", path, err)
			delete(pending, path)
			continue
		}
		jobID, err := w.queue.Enqueue(jobs.KindClipAnalysis, path)
		if err != nil {
			// Backlog pressure; leave it pending and retry next tick.
			pending[path] = pendingClip{size: p.size, last: now}
			w.logf("enqueue %s: %v", path, err)
			continue
		}
		w.logf("enqueued %s as job %s", filepath.Base(path), jobID)
		delete(pending, path)
	}
}

func isClip(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	// The sanitizer writes repaired clips next to the original; ingesting
	// them again would analyze the same recording twice.
	if clip.IsScratch(path) {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".mp4")
}
