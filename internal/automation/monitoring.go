package automation

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"teamsawake/internal/browser"
	"teamsawake/internal/cdp"
	"teamsawake/internal/logging"
	"teamsawake/internal/notify"
)

// StartMonitoring opens a persistence session and begins capturing
// notifications from the page and its workers. Starting twice is a no-op.
func (c *Coordinator) StartMonitoring(ctx context.Context) Result {
	if err := c.acquire(ctx); err != nil {
		return failed(err)
	}
	defer c.release()

	if err := c.startMonitoringLocked(ctx); err != nil {
		logging.AutomationWarn("%v", err)
		return failed(err)
	}
	return succeeded()
}

func (c *Coordinator) startMonitoringLocked(ctx context.Context) error {
	c.mu.Lock()
	page := c.page
	running := c.mon != nil
	c.mu.Unlock()

	if page == nil || !c.engine.Running() {
		return fmt.Errorf("start monitoring: %w", browser.ErrNotRunning)
	}
	if running {
		return nil
	}

	sessionID, err := c.store.CreateSession(ctx)
	if err != nil {
		logging.AutomationWarn("creating session failed, notifications will not be stored: %v", err)
		sessionID = ""
	}
	if sessionID != "" {
		c.sink.SessionCreated(sessionID)
	}

	ms := &monitorSession{id: sessionID}
	ms.pipeline = notify.NewPipeline(notify.NewExtractor(), c.recordHandler(sessionID))
	ms.mux = cdp.NewMultiplexer(page.Transport(), page.TargetID(), c.opts.Monitor,
		func(_ cdp.SessionID, payload string) { ms.pipeline.Feed(payload) })

	if err := ms.mux.Start(ctx); err != nil {
		logging.AuditWithSession(sessionID).MonitorStart(0, err)
		if sessionID != "" {
			c.endSession(ctx, sessionID)
		}
		return fmt.Errorf("start monitoring: %w", err)
	}

	c.mu.Lock()
	c.mon = ms
	c.mu.Unlock()
	logging.Automation("monitoring started (session=%s, sessions attached=%d)", sessionID, ms.mux.Count())
	logging.AuditWithSession(sessionID).MonitorStart(ms.mux.Count(), nil)
	return nil
}

// recordHandler stamps, persists and publishes each extracted record.
// Persistence failures are logged and not retried.
func (c *Coordinator) recordHandler(sessionID string) func(notify.Record) {
	log := logging.Get(logging.CategoryAutomation).With("session", sessionID)
	return func(rec notify.Record) {
		rec.SessionID = sessionID
		if sessionID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if err := c.store.AppendNotification(ctx, sessionID, rec); err != nil {
				log.Warn("storing notification %s failed: %v", rec.ID, err)
			}
			cancel()
		}
		c.sink.NotificationReceived(rec)
	}
}

// StopMonitoring detaches every protocol session and closes the persistence
// session. Safe to call when not monitoring.
func (c *Coordinator) StopMonitoring(ctx context.Context) Result {
	if err := c.acquire(ctx); err != nil {
		return failed(err)
	}
	defer c.release()

	c.stopMonitoringLocked(ctx)
	return succeeded()
}

func (c *Coordinator) stopMonitoringLocked(ctx context.Context) {
	c.mu.Lock()
	ms := c.mon
	c.mon = nil
	c.mu.Unlock()
	if ms == nil {
		return
	}

	// Cleanup runs to completion even if the caller has given up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		ms.mux.Teardown(ctx)
		return nil
	})
	if ms.id != "" {
		g.Go(func() error {
			storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
			defer cancel()
			return c.store.EndSession(storeCtx, ms.id)
		})
	}
	if err := g.Wait(); err != nil {
		logging.AutomationWarn("ending session %s failed: %v", ms.id, err)
	}

	frames, records := ms.pipeline.Stats()
	logging.Automation("monitoring stopped (session=%s, frames=%d, notifications=%d)", ms.id, frames, records)
	logging.AuditWithSession(ms.id).MonitorStop(frames, records)
}

func (c *Coordinator) endSession(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := c.store.EndSession(ctx, id); err != nil {
		logging.AutomationWarn("ending session %s failed: %v", id, err)
	}
}
