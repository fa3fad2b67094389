// Package automation wires the browser, sign-in probe, keep-alive driver and
// notification capture into one controllable session.
package automation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"teamsawake/internal/auth"
	"teamsawake/internal/browser"
	"teamsawake/internal/cdp"
	"teamsawake/internal/config"
	"teamsawake/internal/keepalive"
	"teamsawake/internal/logging"
	"teamsawake/internal/notify"
	"teamsawake/internal/status"
)

const (
	storeTimeout    = 5 * time.Second
	teardownTimeout = 30 * time.Second
)

// Result is the outcome of a control operation.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func succeeded() Result { return Result{Success: true} }

func failed(err error) Result { return Result{Error: err.Error()} }

// Status is a point-in-time view of the automation session.
type Status struct {
	Running       bool   `json:"running"`
	Authenticated bool   `json:"authenticated"`
	Active        bool   `json:"active"`
	Monitoring    bool   `json:"monitoring"`
	SessionID     string `json:"session_id,omitempty"`
}

// AuthStatus is the sign-in state. AccessToken is for in-process callers and
// is never serialized.
type AuthStatus struct {
	Authenticated bool           `json:"authenticated"`
	AccessToken   auth.Token     `json:"-"`
	Identity      *auth.Identity `json:"identity,omitempty"`
}

// Store is the persistence the coordinator writes to.
type Store interface {
	CreateSession(ctx context.Context) (string, error)
	EndSession(ctx context.Context, id string) error
	AppendNotification(ctx context.Context, sessionID string, rec notify.Record) error
	SelectedBrowserExecutable(ctx context.Context) (string, error)
}

// Options tunes the coordinator.
type Options struct {
	// Executable is the configured browser binary; empty defers to the stored
	// selection and then detection.
	Executable        string
	AuthInterval      time.Duration
	AuthMaxAttempts   int
	KeepAliveInterval time.Duration
	// AutoMonitor starts notification capture as soon as sign-in completes.
	AutoMonitor bool
	Monitor     cdp.Options
}

// OptionsFromConfig maps cfg onto Options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	mon := cdp.DefaultOptions()
	if len(cfg.Monitor.WorkerTypes) > 0 {
		mon.WorkerTypes = cfg.Monitor.WorkerTypes
	}
	if cfg.Monitor.WorkerURLPattern != "" {
		re, err := regexp.Compile(cfg.Monitor.WorkerURLPattern)
		if err != nil {
			return Options{}, fmt.Errorf("monitor.worker_url_pattern: %w", err)
		}
		mon.WorkerURL = re
	}
	mon.CallTimeout = cfg.Monitor.GetCallTimeout()

	return Options{
		Executable:        cfg.Browser.Executable,
		AuthInterval:      cfg.Auth.GetPollInterval(),
		AuthMaxAttempts:   cfg.Auth.MaxAttempts,
		KeepAliveInterval: cfg.KeepAlive.GetInterval(),
		AutoMonitor:       cfg.Monitor.AutoStart,
		Monitor:           mon,
	}, nil
}

// Deps are the coordinator's collaborators. Only Engine is required.
type Deps struct {
	Engine    Engine
	Store     Store
	Sink      status.Sink
	Inhibitor keepalive.Inhibitor
	// DetectExecutable picks the browser binary from the configured path and
	// the stored selection. Defaults to browser.DetectExecutable.
	DetectExecutable func(configured, stored string) (string, error)
}

type monitorSession struct {
	id       string
	mux      *cdp.Multiplexer
	pipeline *notify.Pipeline
}

// Coordinator owns at most one browser, one page and the work attached to
// them. Control operations are serialized; status reads are not.
type Coordinator struct {
	opts      Options
	engine    Engine
	store     Store
	sink      status.Sink
	inhibitor keepalive.Inhibitor
	detect    func(configured, stored string) (string, error)

	// ops serializes control operations. It is a channel so that waiters can
	// give up when their context ends.
	ops chan struct{}

	mu            sync.Mutex
	runCancel     context.CancelFunc
	runCtx        context.Context
	probeDone     chan struct{}
	page          Page
	keepAlive     *keepalive.Driver
	mon           *monitorSession
	authenticated bool
	token         auth.Token
}

// New creates an idle coordinator.
func New(opts Options, deps Deps) *Coordinator {
	if deps.Engine == nil {
		panic("automation: Engine is required")
	}
	if deps.Store == nil {
		deps.Store = nopStore{}
	}
	if deps.Sink == nil {
		deps.Sink = status.Nop{}
	}
	if deps.DetectExecutable == nil {
		deps.DetectExecutable = browser.DetectExecutable
	}
	return &Coordinator{
		opts:      opts,
		engine:    deps.Engine,
		store:     deps.Store,
		sink:      deps.Sink,
		inhibitor: deps.Inhibitor,
		detect:    deps.DetectExecutable,
		ops:       make(chan struct{}, 1),
	}
}

func (c *Coordinator) acquire(ctx context.Context) error {
	select {
	case c.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release() { <-c.ops }

// tryAcquire takes ops only if no control operation is in flight.
func (c *Coordinator) tryAcquire() bool {
	select {
	case c.ops <- struct{}{}:
		return true
	default:
		return false
	}
}

// StartChrome tears down any previous session, launches the browser, opens
// Teams and begins waiting for sign-in in the background.
func (c *Coordinator) StartChrome(ctx context.Context) Result {
	if err := c.acquire(ctx); err != nil {
		return failed(err)
	}
	defer c.release()

	timer := logging.StartTimer(logging.CategoryAutomation, "start chrome")
	defer timer.Stop()

	c.teardownLocked(ctx)

	exe, err := c.resolveExecutable(ctx)
	if err != nil {
		logging.AutomationWarn("no browser to launch: %v", err)
		return failed(err)
	}
	started := time.Now()
	if err := c.engine.Start(ctx, exe); err != nil {
		logging.AutomationWarn("browser launch failed: %v", err)
		logging.Audit().BrowserStart(exe, time.Since(started), err)
		return failed(err)
	}
	page, err := c.engine.OpenPage(ctx)
	if err != nil {
		logging.AutomationWarn("opening Teams failed: %v", err)
		c.engine.Stop()
		logging.Audit().BrowserStart(exe, time.Since(started), err)
		return failed(err)
	}
	c.engine.WaitInteractive(ctx, page)
	logging.Audit().BrowserStart(exe, time.Since(started), nil)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.page = page
	c.runCtx = runCtx
	c.runCancel = cancel
	c.probeDone = done
	c.mu.Unlock()

	probe := auth.NewProbe(page, c.opts.AuthInterval, c.opts.AuthMaxAttempts, c.reportPoll)
	go c.awaitSignIn(runCtx, probe, done)

	logging.Automation("browser ready, waiting for sign-in")
	return succeeded()
}

func (c *Coordinator) resolveExecutable(ctx context.Context) (string, error) {
	stored, err := c.store.SelectedBrowserExecutable(ctx)
	if err != nil {
		logging.AutomationWarn("reading stored browser selection: %v", err)
	}
	exe, err := c.detect(c.opts.Executable, stored)
	if err != nil {
		return "", &browser.LaunchError{Executable: c.opts.Executable, Err: err}
	}
	return exe, nil
}

func (c *Coordinator) reportPoll(p auth.Poll) {
	c.sink.AuthStatusChanged(p.Authenticated, p.Token)
}

func (c *Coordinator) awaitSignIn(ctx context.Context, probe *auth.Probe, done chan struct{}) {
	defer close(done)

	tok, err := probe.Monitor(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrAuthTimeout) {
			logging.AutomationWarn("sign-in not completed in time; browser left open for manual sign-in")
			logging.Audit().AuthTimeout(c.opts.AuthMaxAttempts)
		}
		return
	}

	if c.acquire(ctx) != nil {
		return
	}
	defer c.release()
	if ctx.Err() != nil {
		return
	}
	c.onAuthenticated(ctx, tok)
}

// onAuthenticated starts keep-alive and, if configured, monitoring. It runs
// under ops and is a no-op once keep-alive is running.
func (c *Coordinator) onAuthenticated(ctx context.Context, tok auth.Token) {
	c.mu.Lock()
	was := c.authenticated
	c.authenticated = true
	c.token = tok
	page := c.page
	running := c.keepAlive != nil
	c.mu.Unlock()
	if running {
		return
	}

	if !was {
		logging.Automation("signed in")
		logging.Audit().AuthChanged(true, userOf(tok))
	}
	c.startKeepAliveLocked(page)

	if c.opts.AutoMonitor {
		if err := c.startMonitoringLocked(ctx); err != nil {
			logging.AutomationWarn("automatic monitoring start failed: %v", err)
		}
	}
}

func (c *Coordinator) startKeepAliveLocked(page Page) {
	c.mu.Lock()
	if c.keepAlive != nil || page == nil {
		c.mu.Unlock()
		return
	}
	d := keepalive.NewDriver(page, c.inhibitor, c.opts.KeepAliveInterval, c.onTick)
	c.keepAlive = d
	runCtx := c.runCtx
	c.mu.Unlock()

	d.Start(runCtx)
	logging.Audit().KeepAlive(true, 0, 0)
	c.sink.ActiveStatusChanged(true)
}

// onTick runs on the keep-alive tick goroutine and must not take ops.
func (c *Coordinator) onTick(tok auth.Token, ok bool) {
	if ok {
		c.onAuthRestored(tok)
		return
	}
	c.onAuthLost()
}

// onAuthRestored records a token seen outside the probe. Reporting happens
// only on the transition back to signed in.
func (c *Coordinator) onAuthRestored(tok auth.Token) {
	c.mu.Lock()
	was := c.authenticated
	c.authenticated = true
	c.token = tok
	c.mu.Unlock()

	if !was {
		logging.Automation("signed in again")
		logging.Audit().AuthChanged(true, userOf(tok))
		c.sink.AuthStatusChanged(true, tok)
	}
}

func userOf(tok auth.Token) string {
	if id, err := auth.ParseIdentity(tok); err == nil {
		return id.UPN
	}
	return ""
}

func (c *Coordinator) onAuthLost() {
	c.mu.Lock()
	was := c.authenticated
	c.authenticated = false
	c.token = auth.Token{}
	c.mu.Unlock()

	if was {
		logging.AutomationWarn("sign-in lost; keep-alive continues until stopped")
		logging.Audit().AuthChanged(false, "")
		c.sink.AuthStatusChanged(false, auth.Token{})
	}
}

// StopChrome tears everything down in order: keep-alive, monitoring, page,
// browser. Safe to call when nothing is running.
func (c *Coordinator) StopChrome(ctx context.Context) Result {
	if err := c.acquire(ctx); err != nil {
		return failed(err)
	}
	defer c.release()

	c.teardownLocked(ctx)
	return succeeded()
}

func (c *Coordinator) teardownLocked(ctx context.Context) {
	started := time.Now()
	c.mu.Lock()
	ka := c.keepAlive
	cancel := c.runCancel
	done := c.probeDone
	c.keepAlive = nil
	c.runCancel = nil
	c.probeDone = nil
	c.mu.Unlock()

	if ka != nil {
		ka.Stop()
		ticks, failures := ka.Stats()
		logging.Audit().KeepAlive(false, ticks, failures)
		c.sink.ActiveStatusChanged(false)
	}

	c.stopMonitoringLocked(ctx)

	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	page := c.page
	wasAuth := c.authenticated
	c.page = nil
	c.runCtx = nil
	c.authenticated = false
	c.token = auth.Token{}
	c.mu.Unlock()

	if page != nil {
		c.engine.ClosePage()
	}
	if page != nil || c.engine.Running() {
		c.engine.Stop()
	}

	if wasAuth {
		c.sink.AuthStatusChanged(false, auth.Token{})
	}
	if page != nil {
		logging.Automation("automation session torn down")
		logging.Audit().BrowserStop(time.Since(started))
	}
}

// Close stops everything. It is StopChrome for process shutdown.
func (c *Coordinator) Close(ctx context.Context) error {
	if r := c.StopChrome(ctx); !r.Success {
		return errors.New(r.Error)
	}
	return nil
}

// GetStatus reports running, authenticated and keep-alive state.
func (c *Coordinator) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Running:       c.engine.Running(),
		Authenticated: c.authenticated,
		Active:        c.keepAlive != nil && c.keepAlive.Active(),
		Monitoring:    c.mon != nil,
	}
	if c.mon != nil {
		st.SessionID = c.mon.id
	}
	return st
}

// GetAuthStatus checks the page for a current token. The result also
// refreshes the cached sign-in state, and a token found while keep-alive is
// not running, as after a sign-in finished by hand past the probe deadline,
// starts the signed-in work.
func (c *Coordinator) GetAuthStatus(ctx context.Context) AuthStatus {
	c.mu.Lock()
	page := c.page
	runCtx := c.runCtx
	c.mu.Unlock()
	if page == nil {
		return AuthStatus{}
	}

	tok, ok := auth.CheckOnce(ctx, page)
	if !ok {
		c.mu.Lock()
		cached := c.authenticated
		c.mu.Unlock()
		if cached && ctx.Err() == nil {
			c.onAuthLost()
		}
		return AuthStatus{}
	}

	c.onAuthRestored(tok)
	c.promote(runCtx, tok)

	out := AuthStatus{Authenticated: true, AccessToken: tok}
	if id, err := auth.ParseIdentity(tok); err == nil {
		out.Identity = &id
	}
	return out
}

// promote takes the signed-in path for the run identified by runCtx when
// keep-alive has not started. A busy ops means another operation owns the
// state; the probe or a later check will pick it up.
func (c *Coordinator) promote(runCtx context.Context, tok auth.Token) {
	c.mu.Lock()
	idle := c.keepAlive == nil && runCtx != nil && c.runCtx == runCtx
	c.mu.Unlock()
	if !idle || !c.tryAcquire() {
		return
	}
	defer c.release()

	c.mu.Lock()
	idle = c.keepAlive == nil && c.runCtx == runCtx
	c.mu.Unlock()
	if idle && runCtx.Err() == nil {
		logging.Automation("sign-in detected outside the probe")
		c.onAuthenticated(runCtx, tok)
	}
}

type nopStore struct{}

func (nopStore) CreateSession(context.Context) (string, error) { return "", nil }
func (nopStore) EndSession(context.Context, string) error { return nil }
func (nopStore) AppendNotification(context.Context, string, notify.Record) error { return nil }
func (nopStore) SelectedBrowserExecutable(context.Context) (string, error) { return "", nil }
