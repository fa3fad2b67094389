// Package keepalive keeps the Teams session looking active: it blocks
// display sleep and periodically nudges the page with synthetic input.
package keepalive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"teamsawake/internal/auth"
	"teamsawake/internal/logging"
	"teamsawake/internal/schedule"
)

const inhibitReason = "Keeping Microsoft Teams active"

// Page is what a tick needs from the browser page.
type Page interface {
	auth.StorageReader
	DispatchActivity(ctx context.Context) error
}

// Inhibitor blocks display sleep while held.
type Inhibitor interface {
	Acquire(reason string) error
	Release() error
}

// AuthFunc receives the sign-in check made at the start of every tick.
type AuthFunc func(tok auth.Token, ok bool)

// Driver runs the keep-alive tick loop.
type Driver struct {
	page      Page
	inhibitor Inhibitor
	interval  time.Duration
	onAuth    AuthFunc

	mu     sync.Mutex
	task   *schedule.Task
	active bool

	ticks    atomic.Int64
	failures atomic.Int64
}

// NewDriver creates a stopped driver. onAuth is called from the tick
// goroutine with every tick's token check; it may be nil.
func NewDriver(page Page, inhibitor Inhibitor, interval time.Duration, onAuth AuthFunc) *Driver {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	if inhibitor == nil {
		inhibitor = NopInhibitor{}
	}
	d := &Driver{
		page:      page,
		inhibitor: inhibitor,
		interval:  interval,
		onAuth:    onAuth,
	}
	d.task = schedule.NewTask("keepalive", interval, d.tick)
	return d
}

// Start acquires the sleep inhibitor and starts ticking. A second call
// while active is a no-op. Failing to inhibit sleep is logged, not fatal.
func (d *Driver) Start(ctx context.Context) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return
	}

	if err := d.inhibitor.Acquire(inhibitReason); err != nil {
		logging.KeepAliveWarn("sleep inhibitor unavailable: %v", err)
	}
	d.task.Start(ctx)
	d.active = true
	logging.KeepAlive("keep-alive started, interval %v", d.interval)
}

// Stop cancels the loop and releases the inhibitor. Safe when not started.
func (d *Driver) Stop() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return
	}

	d.task.Stop()
	if err := d.inhibitor.Release(); err != nil {
		logging.KeepAliveWarn("release sleep inhibitor: %v", err)
	}
	d.active = false
	logging.KeepAlive("keep-alive stopped after %d tick(s), %d failure(s)", d.ticks.Load(), d.failures.Load())
}

// Active reports whether the loop is running.
func (d *Driver) Active() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Stats returns tick and failure counts.
func (d *Driver) Stats() (ticks, failures int64) {
	return d.ticks.Load(), d.failures.Load()
}

// tick never stops the loop; failures are counted and logged.
func (d *Driver) tick(ctx context.Context) {
	d.ticks.Add(1)

	timeout := d.interval / 2
	if timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tok, ok := auth.CheckOnce(tctx, d.page)
	if d.onAuth != nil && ctx.Err() == nil {
		d.onAuth(tok, ok)
	}
	if !ok {
		d.failures.Add(1)
		logging.KeepAliveWarn("no valid token on tick %d, skipping activity", d.ticks.Load())
		return
	}

	if err := d.page.DispatchActivity(tctx); err != nil {
		d.failures.Add(1)
		logging.KeepAliveWarn("activity dispatch failed: %v", err)
		return
	}
	logging.Get(logging.CategoryKeepAlive).Debug("tick %d ok", d.ticks.Load())
}

// NopInhibitor does nothing.
type NopInhibitor struct{}

func (NopInhibitor) Acquire(string) error { return nil }
func (NopInhibitor) Release() error       { return nil }
