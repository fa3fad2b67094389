//go:build darwin

package keepalive

import (
	"fmt"
	"os/exec"
	"sync"
)

// caffeinateInhibitor keeps a `caffeinate -d` child alive while held.
type caffeinateInhibitor struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewSystemInhibitor returns the platform sleep inhibitor.
func NewSystemInhibitor() Inhibitor {
	return &caffeinateInhibitor{}
}

func (i *caffeinateInhibitor) Acquire(string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cmd != nil {
		return nil
	}
	cmd := exec.Command("caffeinate", "-d")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start caffeinate: %w", err)
	}
	i.cmd = cmd
	return nil
}

func (i *caffeinateInhibitor) Release() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cmd == nil {
		return nil
	}
	cmd := i.cmd
	i.cmd = nil
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("stop caffeinate: %w", err)
	}
	_ = cmd.Wait()
	return nil
}
