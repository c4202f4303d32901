// Package jobs runs the pipeline's background work: a bounded in-process
// queue with long-lived workers per job kind, and the analysis-run records
// that tie stored tracks back to the clip analysis that produced them.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/timeutil"
)

// Job kinds the pipeline registers.
const (
	KindClipAnalysis = "clip_analysis"
	KindMatch        = "match"
	KindGroup        = "group"
)

// Status is a job's lifecycle state as reported by Poll.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// queueDepth bounds the backlog per kind. Enqueue fails rather than blocks
// when a kind falls this far behind.
const queueDepth = 256

// Handler executes one job. The context carries the kind's timeout.
type Handler func(ctx context.Context, payload string) error

// Job is a snapshot of one queued work item.
type Job struct {
	ID         string
	Kind       string
	Payload    string
	Status     Status
	Err        string
	EnqueuedAt time.Time
	FinishedAt time.Time
}

type kindQueue struct {
	ch      chan string // job ids
	handler Handler
	workers int
	timeout time.Duration
}

// Queue dispatches jobs to per-kind worker goroutines. Register all kinds
// before Start; Enqueue and Poll are safe for concurrent use afterwards.
type Queue struct {
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	mu     sync.RWMutex
	kinds  map[string]*kindQueue
	jobs   map[string]*Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates an empty queue.
func NewQueue(clock timeutil.Clock) *Queue {
	return &Queue{
		clock: clock,
		logf:  monitoring.Component("Jobs"),
		kinds: make(map[string]*kindQueue),
		jobs:  make(map[string]*Job),
	}
}

// Register adds a job kind with its worker count and per-job timeout. A zero
// timeout disables the deadline. Must be called before Start.
func (q *Queue) Register(kind string, workers int, timeout time.Duration, handler Handler) {
	if workers < 1 {
		workers = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kinds[kind] = &kindQueue{
		ch:      make(chan string, queueDepth),
		handler: handler,
		workers: workers,
		timeout: timeout,
	}
}

// Start launches the worker goroutines. Workers run until the context is
// cancelled; Stop waits for in-flight jobs to finish.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	kinds := make(map[string]*kindQueue, len(q.kinds))
	for k, v := range q.kinds {
		kinds[k] = v
	}
	q.mu.Unlock()

	for kind, kq := range kinds {
		for i := 0; i < kq.workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx, kind, kq)
		}
	}
}

// Stop cancels the workers and waits for in-flight jobs. Queued jobs that
// never ran keep their processing status.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue adds a job and returns its id. Unknown kinds are rejected; a full
// backlog fails fast instead of blocking the producer.
func (q *Queue) Enqueue(kind, payload string) (string, error) {
	q.mu.Lock()
	kq, ok := q.kinds[kind]
	if !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("unknown job kind %q: %w", kind, fault.ErrBadInput)
	}
	job := &Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    payload,
		Status:     StatusProcessing,
		EnqueuedAt: q.clock.Now(),
	}
	q.jobs[job.ID] = job
	q.mu.Unlock()

	select {
	case kq.ch <- job.ID:
		return job.ID, nil
	default:
		q.finish(job.ID, fmt.Errorf("backlog full for %s: %w", kind, fault.ErrConflict))
		return "", fmt.Errorf("backlog full for %s: %w", kind, fault.ErrConflict)
	}
}

// Poll returns a snapshot of the job's state.
func (q *Queue) Poll(jobID string) (Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", jobID, fault.ErrNotFound)
	}
	return *job, nil
}

func (q *Queue) worker(ctx context.Context, kind string, kq *kindQueue) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-kq.ch:
			q.run(ctx, kind, kq, jobID)
		}
	}
}

// run executes one job, converting panics and timeouts into failed status.
func (q *Queue) run(ctx context.Context, kind string, kq *kindQueue, jobID string) {
	q.mu.RLock()
	job, ok := q.jobs[jobID]
	q.mu.RUnlock()
	if !ok {
		return
	}

	if kq.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, kq.timeout)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s handler: %v", kind, r)
			}
		}()
		err = kq.handler(ctx, job.Payload)
	}()

	q.finish(jobID, err)
	if err != nil {
		q.logf("%s job %s failed: %v", kind, jobID, err)
	}
}

func (q *Queue) finish(jobID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return
	}
	job.FinishedAt = q.clock.Now()
	if err != nil {
		job.Status = StatusFailed
		job.Err = err.Error()
		return
	}
	job.Status = StatusCompleted
}
