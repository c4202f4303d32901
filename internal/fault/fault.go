// Package fault defines the error taxonomy shared by the pipeline. Every
// failure surfaced to a caller or a job status entry carries one of the
// sentinel kinds below, so operators can distinguish operator mistakes
// (bad_input), missing rows (not_found), flaky collaborators
// (external_unavailable), lost races (conflict), unusable media
// (corrupt_clip) and programming errors (internal) without parsing messages.
package fault

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Kind) so errors.Is works
// through arbitrary nesting.
var (
	ErrBadInput            = errors.New("bad_input")
	ErrNotFound            = errors.New("not_found")
	ErrExternalUnavailable = errors.New("external_unavailable")
	ErrConflict            = errors.New("conflict")
	ErrCorruptClip         = errors.New("corrupt_clip")
	ErrInternal            = errors.New("internal")
)

// Tag returns the taxonomy tag for an error, or "internal" when the error
// carries no recognised kind. A nil error returns "".
func Tag(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBadInput):
		return "bad_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExternalUnavailable):
		return "external_unavailable"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrCorruptClip):
		return "corrupt_clip"
	default:
		return "internal"
	}
}

// Retryable reports whether the failure class is worth retrying. Only
// external service failures qualify; bad input and invariant violations
// never do, and conflicts are re-evaluated by the next matching cycle
// rather than retried in place.
func Retryable(err error) bool {
	return errors.Is(err, ErrExternalUnavailable)
}

// External wraps an error from a remote collaborator (detector, embedder,
// clip service, PTZ driver) with the external_unavailable kind.
func External(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrExternalUnavailable, err)
}

// Invariant reports a violated invariant by name. Work units abort on these
// and never retry.
func Invariant(name, format string, v ...interface{}) error {
	return fmt.Errorf("invariant %s: %s: %w", name, fmt.Sprintf(format, v...), ErrInternal)
}

// Retry runs fn up to attempts times with exponential backoff starting at
// base, retrying only errors for which Retryable is true. The context is
// checked between attempts so cancelled jobs stop promptly.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		// Jitter avoids synchronised retry storms across workers.
		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return err
}
