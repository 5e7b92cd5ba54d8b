package protocol

import (
	"context"
	"sync"
	"time"
)

// Gate is a single-use signal. It starts closed, can be opened exactly once and
// never closes again. Waiters are released as soon as it opens.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open releases every current and future waiter. Subsequent calls are no-ops.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// IsOpen reports whether Open has been called.
func (g *Gate) IsOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the gate opens.
func (g *Gate) Done() <-chan struct{} {
	return g.ch
}

// Wait blocks until the gate opens, the timeout elapses or ctx is done.
// It returns true only if the gate opened.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.ch:
		return true
	case <-timer.C:
		// An open gate wins a tie with the timer.
		return g.IsOpen()
	case <-ctx.Done():
		return g.IsOpen()
	}
}
