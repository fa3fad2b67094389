package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTask_RunsRepeatedly(t *testing.T) {
	var n atomic.Int32
	task := NewTask("count", 5*time.Millisecond, func(context.Context) { n.Add(1) })

	require.True(t, task.Start(context.Background()))
	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, time.Millisecond)
	task.Stop()

	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, n.Load(), "no runs after Stop returns")
	assert.False(t, task.Running())
}

func TestTask_StartIsIdempotent(t *testing.T) {
	task := NewTask("idem", time.Hour, func(context.Context) {})
	assert.True(t, task.Start(context.Background()))
	assert.False(t, task.Start(context.Background()))
	assert.True(t, task.Running())
	task.Stop()
}

func TestTask_StopBeforeStartAndTwice(t *testing.T) {
	task := NewTask("noop", time.Hour, func(context.Context) {})
	assert.NotPanics(t, func() {
		task.Stop()
		task.Stop()
	})

	var nilTask *Task
	assert.NotPanics(t, func() {
		nilTask.Stop()
		assert.False(t, nilTask.Start(context.Background()))
		assert.False(t, nilTask.Running())
	})
}

func TestTask_Restart(t *testing.T) {
	var n atomic.Int32
	task := NewTask("restart", 5*time.Millisecond, func(context.Context) { n.Add(1) })

	task.Start(context.Background())
	task.Stop()
	before := n.Load()

	require.True(t, task.Start(context.Background()))
	require.Eventually(t, func() bool { return n.Load() > before }, 2*time.Second, time.Millisecond)
	task.Stop()
}

func TestTask_FirstRunAfterInterval(t *testing.T) {
	var n atomic.Int32
	task := NewTask("delayed", time.Hour, func(context.Context) { n.Add(1) })
	task.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), n.Load())
	task.Stop()
}

func TestTask_ParentCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	task := NewTask("parent", 2*time.Millisecond, func(context.Context) { n.Add(1) })
	task.Start(ctx)
	require.Eventually(t, func() bool { return n.Load() > 0 }, 2*time.Second, time.Millisecond)
	cancel()
	// Stop still reaps the goroutine after the parent is gone.
	task.Stop()
}

func TestTask_StopWaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	task := NewTask("slow", time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
			return
		}
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		finished.Store(true)
	})
	task.Start(context.Background())
	<-started
	task.Stop()
	assert.True(t, finished.Load())
}
