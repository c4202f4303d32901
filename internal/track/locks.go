package track

import "sync"

// LockRegistry hands out one mutex per video so the post-processing passes
// for a clip never interleave, while different clips proceed in parallel.
// Locks are never reclaimed; the registry lives for the process and videos
// number in the thousands, not millions.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[int64]*sync.Mutex)}
}

// Lock acquires the mutex for the video, creating it on first use, and
// returns the unlock func.
func (r *LockRegistry) Lock(videoID int64) func() {
	r.mu.Lock()
	m, ok := r.locks[videoID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[videoID] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}
