// Package await bridges opaque, completion-based store futures into plain
// blocking calls. The bridge is two-phase: it polls the waitable once so
// completions that raced ahead of callback registration are never missed,
// and only then suspends the calling goroutine on a single-use gate posted
// by the store's own completion callback. Waitables that cannot register
// callbacks fall back to a bounded polling loop that surfaces a timeout
// instead of looping forever.
package await

import (
	"context"
	"errors"
	"time"
)

// DefaultPollInterval is the interval used by the bounded polling fallback
// for waitables that do not support callback registration.
const DefaultPollInterval = 10 * time.Millisecond

// ErrTimeout is returned when a waitable does not complete within the
// budget passed to Until.
var ErrTimeout = errors.New("await: timed out waiting for completion")

// Outcome is the result of polling a Waitable once.
type Outcome int

const (
	// Pending means the waitable has not completed yet.
	Pending Outcome = iota
	// Ready means the waitable completed and its result can be extracted.
	Ready
	// Failed means the completion mechanism itself broke. No amount of
	// further waiting will make the waitable ready.
	Failed
)

// Waitable is the completion side of one asynchronous store call.
type Waitable interface {
	// PollOnce checks for completion without blocking. The returned error
	// is non-nil only when the outcome is Failed.
	PollOnce() (Outcome, error)

	// OnReady registers fn to be invoked exactly once when the waitable
	// transitions to ready (or failed). If the waitable is already
	// complete, fn is invoked before OnReady returns. OnReady returns
	// false if the waitable does not support callback registration at
	// all, in which case the caller must poll.
	OnReady(fn func()) bool
}

// Until blocks until w completes, the budget elapses, or ctx is done.
//
// It returns nil once w is ready; the caller extracts the typed result
// itself. A Failed poll returns the waitable's own error, ErrTimeout is
// returned when the budget elapses, and a context error is returned
// verbatim if ctx is cancelled first.
func Until(ctx context.Context, w Waitable, budget time.Duration) error {
	// Fast path: the call may have completed synchronously.
	switch outcome, err := w.PollOnce(); outcome {
	case Ready:
		return nil
	case Failed:
		return err
	}

	gate := NewGate()
	if !w.OnReady(gate.Post) {
		return pollUntil(ctx, w, budget)
	}

	if err := gate.Wait(ctx, budget); err != nil {
		return err
	}

	// The callback fired, so this poll observes the final state.
	if outcome, err := w.PollOnce(); outcome == Failed {
		return err
	}
	return nil
}

// pollUntil is the inferior fallback for waitables without callback
// support: poll at a fixed interval until ready, failed, or out of budget.
func pollUntil(ctx context.Context, w Waitable, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		switch outcome, err := w.PollOnce(); outcome {
		case Ready:
			return nil
		case Failed:
			return err
		}

		if !time.Now().Before(deadline) {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
