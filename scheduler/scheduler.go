// Package scheduler runs a single-step function repeatedly on a fixed delay
// until the step reports completion or the task is stopped.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrInvalidDelay = errors.New("scheduler: delay must be positive")

// Step performs one unit of work. Returning false ends the task. The context
// is cancelled once Stop has been called; a step should check it before
// mutating state.
type Step func(ctx context.Context) bool

// Task is a cancellable repeating single-step task. At most one step runs at
// a time: the delay timer is re-armed only after the previous step returns,
// so a slow step postpones the next tick instead of overlapping it.
type Task struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	gen    uint64
}

// Start arms the task. Any previously armed run is stopped first.
func (t *Task) Start(parent context.Context, delay time.Duration, step Step) error {
	if delay <= 0 {
		return ErrInvalidDelay
	}
	if parent == nil {
		parent = context.Background()
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	t.gen++
	gen := t.gen
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.loop(ctx, gen, delay, step, done)
	return nil
}

func (t *Task) loop(ctx context.Context, gen uint64, delay time.Duration, step Step, done chan struct{}) {
	defer close(done)
	defer t.finish(gen)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		more := step(ctx)
		if !more || ctx.Err() != nil {
			return
		}
		timer.Reset(delay)
	}
}

// finish clears the handle when the loop that owns gen ends on its own.
func (t *Task) finish(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen == gen && t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Stop cancels the armed run, if any. It never blocks, so it is safe to call
// from inside a step. Calling it with nothing armed is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Active reports whether a run is armed.
func (t *Task) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Wait blocks until the most recently started run has exited.
func (t *Task) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}
