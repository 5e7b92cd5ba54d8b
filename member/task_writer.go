package member

import (
	"context"
	"log/slog"
	"sync"
)

// taskWriter persists task snapshots on its own goroutine, in the order they
// were queued, so a slow store never holds up the state machine.
type taskWriter struct {
	store TaskStore
	log   *slog.Logger

	mu      sync.Mutex
	pending []TaskState
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newTaskWriter(store TaskStore, log *slog.Logger) *taskWriter {
	w := &taskWriter{
		store: store,
		log:   log,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue schedules a snapshot. Snapshots queued after close are dropped.
func (w *taskWriter) enqueue(task TaskState) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = append(w.pending, task)
	w.mu.Unlock()
	w.signal()
}

// close stops accepting snapshots and returns once the queued ones were
// written.
func (w *taskWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
	<-w.done
}

func (w *taskWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *taskWriter) run() {
	defer close(w.done)
	for range w.wake {
		for {
			w.mu.Lock()
			if len(w.pending) == 0 {
				closed := w.closed
				w.mu.Unlock()
				if closed {
					return
				}
				break
			}
			task := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()

			if err := w.store.Update(context.Background(), task); err != nil {
				w.log.Warn("could not persist task", "phase", task.Phase, "err", err)
			}
		}
	}
}
