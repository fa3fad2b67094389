package cdp

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"teamsawake/internal/logging"
)

// Options configures a Multiplexer.
type Options struct {
	// WorkerTypes is the auto-attach target type filter.
	WorkerTypes []string
	// WorkerURL selects pre-existing workers for DiscoverExisting.
	WorkerURL *regexp.Regexp
	// CallTimeout bounds each protocol call.
	CallTimeout time.Duration
}

// slowStart is the multiplexer start time above which a warning is logged.
const slowStart = 5 * time.Second

// DefaultOptions matches the Teams web client's notification worker.
func DefaultOptions() Options {
	return Options{
		WorkerTypes: []string{"worker", "shared_worker", "service_worker"},
		WorkerURL:   regexp.MustCompile(`(?i)(worker|trouter|precompiled-web-worker)`),
		CallTimeout: 10 * time.Second,
	}
}

// Session is a snapshot of one tracked protocol session.
type Session struct {
	ID         SessionID `json:"id"`
	Parent     SessionID `json:"parent,omitempty"`
	TargetID   string    `json:"target_id"`
	Type       string    `json:"type"`
	URL        string    `json:"url"`
	AttachedAt time.Time `json:"attached_at"`
}

// FrameHandler receives each WebSocket payload with the session it came from.
type FrameHandler func(session SessionID, payload string)

// Multiplexer owns the session tree below one page target. Sessions live in
// an arena keyed by ID; attach events insert, detach events and failed
// subscriptions remove. A Multiplexer is single-use: after Teardown it
// cannot be restarted.
type Multiplexer struct {
	transport  Transport
	rootTarget string
	opts       Options
	onFrame    FrameHandler

	mu       sync.Mutex
	sessions map[SessionID]*Session
	sockets  map[string]string
	root     SessionID
	started  bool
	closed   bool
	stop     func()
	ctx      context.Context
	cancel   context.CancelFunc

	wg     sync.WaitGroup
	frames atomic.Int64
}

// NewMultiplexer creates a multiplexer for the page target rootTarget.
func NewMultiplexer(t Transport, rootTarget string, opts Options, onFrame FrameHandler) *Multiplexer {
	def := DefaultOptions()
	if len(opts.WorkerTypes) == 0 {
		opts.WorkerTypes = def.WorkerTypes
	}
	if opts.WorkerURL == nil {
		opts.WorkerURL = def.WorkerURL
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		transport:  t,
		rootTarget: rootTarget,
		opts:       opts,
		onFrame:    onFrame,
		sessions:   make(map[SessionID]*Session),
		sockets:    make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start attaches to the root target, turns on auto-attach, subscribes the
// root and sweeps for workers that already exist. A root failure is
// returned and leaves nothing attached.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.stop = m.transport.Listen(m.dispatch)
	m.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryCDP, "multiplexer start")
	defer timer.StopWithThreshold(slowStart)

	root, err := m.AttachRoot(ctx)
	if err != nil {
		m.Teardown(context.Background())
		return err
	}
	if err := m.EnableAutoAttach(ctx, root); err != nil {
		m.Teardown(context.Background())
		return err
	}
	if err := m.Subscribe(ctx, root, false); err != nil {
		m.Teardown(context.Background())
		return err
	}

	m.DiscoverExisting(ctx)
	logging.CDP("monitoring page target %s with %d session(s)", m.rootTarget, m.Count())
	return nil
}

// AttachRoot creates the session on the page target and tracks it.
func (m *Multiplexer) AttachRoot(ctx context.Context) (SessionID, error) {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	id, err := m.transport.AttachToTarget(callCtx, m.rootTarget)
	if err != nil {
		return "", &SubscriptionError{Target: m.rootTarget, Op: "Target.attachToTarget", Err: err}
	}

	m.mu.Lock()
	m.root = id
	m.sessions[id] = &Session{ID: id, TargetID: m.rootTarget, Type: "page", AttachedAt: time.Now()}
	m.mu.Unlock()

	logging.CDPDebug("attached root session %s", id)
	return id, nil
}

// EnableAutoAttach makes the browser attach new worker targets beneath the
// session, paused until they are subscribed.
func (m *Multiplexer) EnableAutoAttach(ctx context.Context, session SessionID) error {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	if err := m.transport.SetAutoAttach(callCtx, session, m.opts.WorkerTypes); err != nil {
		return &SubscriptionError{Session: session, Target: m.targetOf(session), Op: "Target.setAutoAttach", Err: err}
	}
	return nil
}

// Subscribe wires one tracked session: Network is required, Runtime and
// nested auto-attach are best-effort, then a paused target is resumed.
// Frames are forwarded for as long as the session stays in the arena.
func (m *Multiplexer) Subscribe(ctx context.Context, session SessionID, waiting bool) error {
	target := m.targetOf(session)

	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	if err := m.transport.EnableNetwork(callCtx, session); err != nil {
		return &SubscriptionError{Session: session, Target: target, Op: "Network.enable", Err: err}
	}
	if err := m.transport.EnableRuntime(callCtx, session); err != nil {
		logging.CDPDebug("Runtime.enable unavailable on %s: %v", session, err)
	}
	if session != m.rootSession() {
		if err := m.transport.SetAutoAttach(callCtx, session, m.opts.WorkerTypes); err != nil {
			logging.CDPDebug("nested auto-attach unavailable on %s: %v", session, err)
		}
	}
	if waiting {
		if err := m.transport.RunIfWaitingForDebugger(callCtx, session); err != nil {
			logging.CDPWarn("resume %s failed: %v", session, err)
		}
	}

	logging.CDPDebug("subscribed session %s (%s)", session, target)
	return nil
}

// DiscoverExisting attaches to workers that were running before auto-attach
// was configured. Failures are per-target and only logged.
func (m *Multiplexer) DiscoverExisting(ctx context.Context) {
	callCtx, cancel := m.callContext(ctx)
	targets, err := m.transport.GetTargets(callCtx)
	cancel()
	if err != nil {
		logging.CDPWarn("Target.getTargets failed: %v", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, t := range targets {
		if !m.wantsTarget(t) {
			continue
		}
		t := t
		g.Go(func() error {
			m.attachExisting(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// wantsTarget skips targets some client is already attached to. Auto-attach
// may have claimed the worker with its event still in flight.
func (m *Multiplexer) wantsTarget(t TargetInfo) bool {
	if t.Attached || !m.isWorkerType(t.Type) || !m.opts.WorkerURL.MatchString(t.URL) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.hasTargetLocked(t.ID)
}

func (m *Multiplexer) hasTargetLocked(targetID string) bool {
	if targetID == "" {
		return false
	}
	for _, s := range m.sessions {
		if s.TargetID == targetID {
			return true
		}
	}
	return false
}

func (m *Multiplexer) attachExisting(ctx context.Context, t TargetInfo) {
	callCtx, cancel := m.callContext(ctx)
	id, err := m.transport.AttachToTarget(callCtx, t.ID)
	cancel()
	if err != nil {
		logging.CDPWarn("attach to existing worker %s failed: %v", t.URL, err)
		return
	}

	if !m.track(&Session{ID: id, TargetID: t.ID, Type: t.Type, URL: t.URL, AttachedAt: time.Now()}) {
		detachCtx, cancel := m.callContext(context.Background())
		_ = m.transport.DetachFromTarget(detachCtx, id)
		cancel()
		return
	}
	if err := m.Subscribe(ctx, id, false); err != nil {
		m.untrack(id)
		logging.CDPWarn("%v", err)
		return
	}
	logging.CDP("attached to existing worker %s", t.URL)
}

// dispatch runs on the transport's delivery goroutine and must not block on
// protocol calls, so child subscription happens on its own goroutine.
func (m *Multiplexer) dispatch(ev Event) {
	switch ev.Kind {
	case EventAttached:
		m.onAttached(ev)
	case EventDetached:
		if m.untrack(ev.Child) {
			logging.CDPDebug("session %s detached", ev.Child)
		}
	case EventFrameReceived:
		if !m.isTracked(ev.Session) {
			return
		}
		m.frames.Add(1)
		if m.onFrame != nil {
			m.onFrame(ev.Session, ev.Payload)
		}
	case EventSocketCreated:
		m.mu.Lock()
		m.sockets[ev.RequestID] = ev.URL
		m.mu.Unlock()
		logging.CDPDebug("websocket %s opened on %s: %s", ev.RequestID, ev.Session, ev.URL)
	case EventSocketClosed:
		m.mu.Lock()
		url := m.sockets[ev.RequestID]
		delete(m.sockets, ev.RequestID)
		m.mu.Unlock()
		logging.CDPDebug("websocket %s closed on %s: %s", ev.RequestID, ev.Session, url)
	}
}

// onAttached handles auto-attach below a tracked session. Browser-level
// attach events are the echo of our own AttachToTarget calls, which are
// tracked by the caller.
func (m *Multiplexer) onAttached(ev Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.sessions[ev.Session]; !ok {
		m.mu.Unlock()
		return
	}
	if _, dup := m.sessions[ev.Child]; dup {
		m.mu.Unlock()
		return
	}
	if m.hasTargetLocked(ev.Target.ID) {
		// A second session on one worker would deliver every frame twice.
		m.wg.Add(1)
		ctx := m.ctx
		m.mu.Unlock()
		logging.CDPDebug("target %s already tracked, dropping session %s", ev.Target.ID, ev.Child)
		go func() {
			defer m.wg.Done()
			m.release(ctx, ev.Child, ev.Waiting)
		}()
		return
	}
	m.sessions[ev.Child] = &Session{
		ID:         ev.Child,
		Parent:     ev.Session,
		TargetID:   ev.Target.ID,
		Type:       ev.Target.Type,
		URL:        ev.Target.URL,
		AttachedAt: time.Now(),
	}
	m.wg.Add(1)
	ctx := m.ctx
	m.mu.Unlock()

	logging.CDP("auto-attached %s %s under %s", ev.Target.Type, ev.Target.URL, ev.Session)
	go func() {
		defer m.wg.Done()
		if err := m.Subscribe(ctx, ev.Child, ev.Waiting); err != nil {
			m.untrack(ev.Child)
			logging.CDPWarn("%v", err)
			if ev.Waiting {
				// A paused worker left paused would stall the page.
				resumeCtx, cancel := m.callContext(ctx)
				_ = m.transport.RunIfWaitingForDebugger(resumeCtx, ev.Child)
				cancel()
			}
		}
	}()
}

// release resumes an untracked session if it is paused, then detaches it.
func (m *Multiplexer) release(ctx context.Context, session SessionID, waiting bool) {
	if waiting {
		resumeCtx, cancel := m.callContext(ctx)
		if err := m.transport.RunIfWaitingForDebugger(resumeCtx, session); err != nil {
			logging.CDPDebug("resume %s failed: %v", session, err)
		}
		cancel()
	}
	detachCtx, cancel := m.callContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := m.transport.DetachFromTarget(detachCtx, session); err != nil {
		logging.CDPDebug("detach duplicate %s failed: %v", session, err)
	}
}

// Teardown detaches every tracked session and empties the arena. Detach
// failures are logged and never stop the sweep. Safe to call repeatedly and
// before Start.
func (m *Multiplexer) Teardown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.cancel()
	m.wg.Wait()

	snapshot := m.Sessions()
	root := m.rootSession()
	// Children first so the root outlives the sessions nested under it.
	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].ID != root && snapshot[j].ID == root
	})

	var failed int
	for _, s := range snapshot {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		err := m.transport.DetachFromTarget(callCtx, s.ID)
		cancel()
		if err != nil {
			failed++
			logging.CDPWarn("detach %s (%s) failed: %v", s.ID, s.URL, err)
		}
	}

	m.mu.Lock()
	m.sessions = make(map[SessionID]*Session)
	m.sockets = make(map[string]string)
	m.root = ""
	m.mu.Unlock()

	if len(snapshot) > 0 {
		logging.CDP("teardown detached %d session(s), %d failure(s)", len(snapshot)-failed, failed)
	}
}

// Sessions returns a snapshot of the arena ordered by attach time.
func (m *Multiplexer) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttachedAt.Before(out[j].AttachedAt) })
	return out
}

// Count returns the number of tracked sessions.
func (m *Multiplexer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// FramesSeen returns how many frames were forwarded.
func (m *Multiplexer) FramesSeen() int64 { return m.frames.Load() }

// Root returns the root session, empty before Start and after Teardown.
func (m *Multiplexer) Root() SessionID { return m.rootSession() }

func (m *Multiplexer) rootSession() SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

func (m *Multiplexer) track(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if _, dup := m.sessions[s.ID]; dup {
		return false
	}
	if m.hasTargetLocked(s.TargetID) {
		return false
	}
	m.sessions[s.ID] = s
	return true
}

func (m *Multiplexer) untrack(id SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

func (m *Multiplexer) isTracked(id SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

func (m *Multiplexer) targetOf(id SessionID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		if s.URL != "" {
			return s.URL
		}
		return s.TargetID
	}
	return ""
}

func (m *Multiplexer) isWorkerType(t string) bool {
	for _, w := range m.opts.WorkerTypes {
		if w == t {
			return true
		}
	}
	return false
}

func (m *Multiplexer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, m.opts.CallTimeout)
}

// IsSubscriptionError reports whether err is a per-session subscription failure.
func IsSubscriptionError(err error) bool {
	var se *SubscriptionError
	return errors.As(err, &se)
}
