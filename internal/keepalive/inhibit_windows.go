//go:build windows

package keepalive

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/windows"
)

const (
	esContinuous      = 0x80000000
	esSystemRequired  = 0x00000001
	esDisplayRequired = 0x00000002
)

var procSetThreadExecutionState = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetThreadExecutionState")

// executionStateInhibitor holds ES_DISPLAY_REQUIRED on a dedicated OS
// thread; the state belongs to the thread that set it.
type executionStateInhibitor struct {
	mu      sync.Mutex
	release chan struct{}
	done    chan error
}

// NewSystemInhibitor returns the platform sleep inhibitor.
func NewSystemInhibitor() Inhibitor {
	return &executionStateInhibitor{}
}

func (i *executionStateInhibitor) Acquire(string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.release != nil {
		return nil
	}
	if err := procSetThreadExecutionState.Find(); err != nil {
		return err
	}

	release := make(chan struct{})
	done := make(chan error, 1)
	started := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		r, _, err := procSetThreadExecutionState.Call(uintptr(esContinuous | esSystemRequired | esDisplayRequired))
		if r == 0 {
			started <- fmt.Errorf("SetThreadExecutionState: %w", err)
			return
		}
		started <- nil

		<-release
		if r, _, err := procSetThreadExecutionState.Call(uintptr(esContinuous)); r == 0 {
			done <- fmt.Errorf("SetThreadExecutionState reset: %w", err)
			return
		}
		done <- nil
	}()

	if err := <-started; err != nil {
		return err
	}
	i.release = release
	i.done = done
	return nil
}

func (i *executionStateInhibitor) Release() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.release == nil {
		return nil
	}
	close(i.release)
	err := <-i.done
	i.release = nil
	i.done = nil
	return err
}
