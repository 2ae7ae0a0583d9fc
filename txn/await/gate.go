package await

import (
	"context"
	"sync"
	"time"
)

// Gate is a single-use wakeup primitive. It may be posted any number of
// times, but only the first post has an effect, and it is awaited by
// exactly one waiter. Posting never blocks, which makes Post safe to hand
// to a store's completion callback.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

// NewGate creates an unposted Gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Post wakes the waiter. Subsequent posts are no-ops.
func (g *Gate) Post() {
	g.once.Do(func() { close(g.ch) })
}

// Wait blocks until the gate is posted, the timeout elapses (ErrTimeout),
// or ctx is done (the context's error).
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.ch:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
