// Package schedule runs recurring work with an explicit start/stop lifecycle.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Task calls fn every interval until stopped. Start and Stop are idempotent
// and safe for concurrent use; the zero value is not usable.
type Task struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTask creates a stopped task.
func NewTask(name string, interval time.Duration, fn func(ctx context.Context)) *Task {
	return &Task{name: name, interval: interval, fn: fn}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Start begins ticking. The first run happens one interval after Start.
// It returns false if the task was already running.
func (t *Task) Start(parent context.Context) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go t.run(ctx, done)
	return true
}

// Stop cancels the task and waits for an in-flight run to return. It is a
// no-op on a task that is not running.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the task is started.
func (t *Task) Running() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Task) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fn(ctx)
		}
	}
}
