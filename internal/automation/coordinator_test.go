package automation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"teamsawake/internal/auth"
	"teamsawake/internal/browser"
	"teamsawake/internal/cdp"
	"teamsawake/internal/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const tokenKey = "msal.x-login.windows.net-accesstoken-teams.accessasuser.all-teams.office.com/.default--"

type fakeTransport struct {
	mu       sync.Mutex
	handler  func(cdp.Event)
	next     int
	detached []cdp.SessionID
}

func (f *fakeTransport) AttachToTarget(context.Context, string) (cdp.SessionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return cdp.SessionID(fmt.Sprintf("S%d", f.next)), nil
}

func (f *fakeTransport) DetachFromTarget(_ context.Context, s cdp.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, s)
	return nil
}

func (f *fakeTransport) SetAutoAttach(context.Context, cdp.SessionID, []string) error { return nil }
func (f *fakeTransport) EnableNetwork(context.Context, cdp.SessionID) error { return nil }
func (f *fakeTransport) EnableRuntime(context.Context, cdp.SessionID) error { return nil }
func (f *fakeTransport) RunIfWaitingForDebugger(context.Context, cdp.SessionID) error { return nil }
func (f *fakeTransport) GetTargets(context.Context) ([]cdp.TargetInfo, error) { return nil, nil }

func (f *fakeTransport) Listen(handle func(cdp.Event)) func() {
	f.mu.Lock()
	f.handler = handle
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}
}

func (f *fakeTransport) emit(ev cdp.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *fakeTransport) detachedSessions() []cdp.SessionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cdp.SessionID(nil), f.detached...)
}

type fakePage struct {
	mu         sync.Mutex
	storage    map[string]string
	transport  *fakeTransport
	dispatched atomic.Int32
}

func newFakePage() *fakePage {
	return &fakePage{storage: map[string]string{}, transport: &fakeTransport{}}
}

func (p *fakePage) signIn(secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.storage[tokenKey] = fmt.Sprintf(`{"secret":%q,"credentialType":"AccessToken"}`, secret)
}

func (p *fakePage) signOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.storage = map[string]string{}
}

func (p *fakePage) LocalStorage(context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.storage))
	for k, v := range p.storage {
		out[k] = v
	}
	return out, nil
}

func (p *fakePage) DispatchActivity(context.Context) error {
	p.dispatched.Add(1)
	return nil
}

func (p *fakePage) TargetID() string { return "page-1" }
func (p *fakePage) Transport() cdp.Transport { return p.transport }

type fakeEngine struct {
	mu       sync.Mutex
	page     *fakePage
	startErr error
	openErr  error
	running  bool
	calls    []string
}

func (e *fakeEngine) record(call string) {
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) Start(context.Context, string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("start")
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	return nil
}

func (e *fakeEngine) OpenPage(context.Context) (Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("open")
	if e.openErr != nil {
		return nil, e.openErr
	}
	return e.page, nil
}

func (e *fakeEngine) WaitInteractive(context.Context, Page) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("wait")
}

func (e *fakeEngine) ClosePage() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("close-page")
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("stop")
	e.running = false
}

func (e *fakeEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *fakeEngine) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type fakeStore struct {
	mu        sync.Mutex
	createErr error
	stored    string
	next      int
	created   []string
	ended     []string
	appended  []notify.Record
}

func (s *fakeStore) CreateSession(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.next++
	id := fmt.Sprintf("sess-%d", s.next)
	s.created = append(s.created, id)
	return id, nil
}

func (s *fakeStore) EndSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, id)
	return nil
}

func (s *fakeStore) AppendNotification(_ context.Context, _ string, rec notify.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, rec)
	return nil
}

func (s *fakeStore) SelectedBrowserExecutable(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored, nil
}

func (s *fakeStore) snapshot() (created, ended []string, appended []notify.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...), append([]string(nil), s.ended...), append([]notify.Record(nil), s.appended...)
}

type sinkEvent struct {
	kind  string
	value bool
	token string
}

type recordingSink struct {
	mu       sync.Mutex
	events   []sinkEvent
	records  []notify.Record
	sessions []string
}

func (s *recordingSink) AuthStatusChanged(a bool, tok auth.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "auth", value: a, token: tok.Value()})
}

func (s *recordingSink) ActiveStatusChanged(a bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "active", value: a})
}

func (s *recordingSink) NotificationReceived(rec notify.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) SessionCreated(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, id)
}

func (s *recordingSink) all() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.events...)
}

func (s *recordingSink) received() []notify.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Record(nil), s.records...)
}

func (s *recordingSink) has(kind string, value bool) bool {
	for _, e := range s.all() {
		if e.kind == kind && e.value == value {
			return true
		}
	}
	return false
}

type countingInhibitor struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (i *countingInhibitor) Acquire(string) error {
	i.acquired.Add(1)
	return nil
}

func (i *countingInhibitor) Release() error {
	i.released.Add(1)
	return nil
}

type harness struct {
	coord     *Coordinator
	engine    *fakeEngine
	page      *fakePage
	store     *fakeStore
	sink      *recordingSink
	inhibitor *countingInhibitor
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	page := newFakePage()
	h := &harness{
		engine:    &fakeEngine{page: page},
		page:      page,
		store:     &fakeStore{},
		sink:      &recordingSink{},
		inhibitor: &countingInhibitor{},
	}
	if opts.AuthInterval == 0 {
		opts.AuthInterval = 2 * time.Millisecond
	}
	if opts.AuthMaxAttempts == 0 {
		opts.AuthMaxAttempts = 500
	}
	if opts.KeepAliveInterval == 0 {
		opts.KeepAliveInterval = time.Hour
	}
	h.coord = New(opts, Deps{
		Engine:           h.engine,
		Store:            h.store,
		Sink:             h.sink,
		Inhibitor:        h.inhibitor,
		DetectExecutable: func(configured, stored string) (string, error) { return "/usr/bin/chromium", nil },
	})
	t.Cleanup(func() { h.coord.StopChrome(context.Background()) })
	return h
}

func teamsFrame(t *testing.T, content, from string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type":         "EventMessage",
		"resourceType": "NewMessage",
		"resource": map[string]any{
			"id":            "m-1",
			"content":       content,
			"messageType":   "RichText/Html",
			"imdisplayname": from,
		},
	})
	require.NoError(t, err)
	env, err := json.Marshal(map[string]any{
		"url":    "https://x/v4/f/abc/messaging",
		"method": "POST",
		"body":   string(body),
	})
	require.NoError(t, err)
	return "3:::" + string(env)
}

func TestStartChrome_FullLifecycle(t *testing.T) {
	h := newHarness(t, Options{AutoMonitor: true})
	h.page.signIn("abc")
	ctx := context.Background()

	res := h.coord.StartChrome(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"start", "open", "wait"}, h.engine.callLog())

	require.Eventually(t, func() bool {
		st := h.coord.GetStatus()
		return st.Authenticated && st.Active && st.Monitoring
	}, 2*time.Second, time.Millisecond)

	st := h.coord.GetStatus()
	assert.True(t, st.Running)
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Equal(t, int32(1), h.inhibitor.acquired.Load())
	assert.True(t, h.sink.has("active", true))
	events := h.sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, sinkEvent{kind: "auth", value: true, token: "abc"}, events[0])

	h.page.transport.emit(cdp.Event{Kind: cdp.EventFrameReceived, Session: "S1", Payload: teamsFrame(t, "<p>Hi</p>", "Alice")})
	h.page.transport.emit(cdp.Event{Kind: cdp.EventFrameReceived, Session: "S1", Payload: "5:patched-keepalive"})

	recs := h.sink.received()
	require.Len(t, recs, 1)
	assert.Equal(t, "Hi", recs[0].Content)
	assert.Equal(t, "Alice", recs[0].From)
	assert.Equal(t, "sess-1", recs[0].SessionID)
	_, _, stored := h.store.snapshot()
	require.Len(t, stored, 1)
	assert.Equal(t, "sess-1", stored[0].SessionID)

	res = h.coord.StopChrome(ctx)
	require.True(t, res.Success)

	assert.Equal(t, []string{"start", "open", "wait", "close-page", "stop"}, h.engine.callLog())
	assert.Equal(t, []cdp.SessionID{"S1"}, h.page.transport.detachedSessions())
	_, ended, _ := h.store.snapshot()
	assert.Equal(t, []string{"sess-1"}, ended)
	assert.Equal(t, int32(1), h.inhibitor.released.Load())

	st = h.coord.GetStatus()
	assert.False(t, st.Running)
	assert.False(t, st.Authenticated)
	assert.False(t, st.Active)
	assert.False(t, st.Monitoring)

	events = h.sink.all()
	assert.Equal(t, sinkEvent{kind: "auth", value: false}, events[len(events)-1])
	assert.True(t, h.sink.has("active", false))
}

func TestStartChrome_LaunchErrorSurfaced(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.startErr = &browser.LaunchError{Executable: "/nope", Err: errors.New("exec format error")}

	res := h.coord.StartChrome(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exec format error")
	assert.False(t, h.coord.GetStatus().Running)
	assert.Equal(t, []string{"start"}, h.engine.callLog())
}

func TestStartChrome_NoExecutable(t *testing.T) {
	h := newHarness(t, Options{Executable: "/cfg/chrome"})
	h.store.stored = "/stored/chrome"
	var gotConfigured, gotStored string
	h.coord.detect = func(configured, stored string) (string, error) {
		gotConfigured, gotStored = configured, stored
		return "", browser.ErrNoExecutable
	}

	res := h.coord.StartChrome(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, browser.ErrNoExecutable.Error())
	assert.Equal(t, "/cfg/chrome", gotConfigured)
	assert.Equal(t, "/stored/chrome", gotStored)
	assert.NotContains(t, h.engine.callLog(), "start")
}

func TestStartChrome_NavigationFailureStopsBrowser(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.openErr = &browser.NavigationError{URL: "https://teams.microsoft.com", Err: errors.New("timeout")}

	res := h.coord.StartChrome(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timeout")
	assert.Equal(t, []string{"start", "open", "stop"}, h.engine.callLog())
	assert.False(t, h.coord.GetStatus().Running)
}

func TestAuthTimeout_BrowserStaysOpen(t *testing.T) {
	h := newHarness(t, Options{AuthMaxAttempts: 2})

	res := h.coord.StartChrome(context.Background())
	require.True(t, res.Success)

	require.Eventually(t, func() bool { return len(h.sink.all()) == 3 }, 2*time.Second, time.Millisecond)
	for _, e := range h.sink.all() {
		assert.Equal(t, "auth", e.kind)
		assert.False(t, e.value, "every poll is reported")
	}

	st := h.coord.GetStatus()
	assert.True(t, st.Running, "browser stays open after a sign-in timeout")
	assert.False(t, st.Authenticated)
	assert.False(t, st.Active)
	assert.Zero(t, h.inhibitor.acquired.Load())
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	assert.True(t, h.coord.StopMonitoring(ctx).Success)
	assert.True(t, h.coord.StopChrome(ctx).Success)
	assert.True(t, h.coord.StopChrome(ctx).Success)
	assert.NoError(t, h.coord.Close(ctx))

	res := h.coord.StartMonitoring(ctx)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, browser.ErrNotRunning.Error())
	assert.Equal(t, AuthStatus{}, h.coord.GetAuthStatus(ctx))
}

func TestStartMonitoring_ManualAndIdempotent(t *testing.T) {
	h := newHarness(t, Options{AuthMaxAttempts: 1, AuthInterval: time.Hour})
	ctx := context.Background()
	require.True(t, h.coord.StartChrome(ctx).Success)

	require.True(t, h.coord.StartMonitoring(ctx).Success)
	require.True(t, h.coord.StartMonitoring(ctx).Success)
	created, _, _ := h.store.snapshot()
	assert.Equal(t, []string{"sess-1"}, created)
	assert.True(t, h.coord.GetStatus().Monitoring)
	assert.False(t, h.coord.GetStatus().Authenticated, "capture does not wait for sign-in when started by hand")

	require.True(t, h.coord.StopMonitoring(ctx).Success)
	require.True(t, h.coord.StopMonitoring(ctx).Success)
	_, ended, _ := h.store.snapshot()
	assert.Equal(t, []string{"sess-1"}, ended)
	assert.Equal(t, []cdp.SessionID{"S1"}, h.page.transport.detachedSessions())
	assert.True(t, h.coord.GetStatus().Running, "stopping capture leaves the browser up")
}

func TestStartChrome_TearsDownPreviousSession(t *testing.T) {
	h := newHarness(t, Options{AuthMaxAttempts: 1, AuthInterval: time.Hour})
	ctx := context.Background()

	require.True(t, h.coord.StartChrome(ctx).Success)
	require.True(t, h.coord.StartMonitoring(ctx).Success)
	require.True(t, h.coord.StartChrome(ctx).Success)

	assert.Equal(t, []string{"start", "open", "wait", "close-page", "stop", "start", "open", "wait"}, h.engine.callLog())
	_, ended, _ := h.store.snapshot()
	assert.Equal(t, []string{"sess-1"}, ended)
	assert.False(t, h.coord.GetStatus().Monitoring)
}

func TestStoreFailureDoesNotStopCapture(t *testing.T) {
	h := newHarness(t, Options{AuthMaxAttempts: 1, AuthInterval: time.Hour})
	h.store.createErr = errors.New("disk full")
	ctx := context.Background()

	require.True(t, h.coord.StartChrome(ctx).Success)
	require.True(t, h.coord.StartMonitoring(ctx).Success)

	h.page.transport.emit(cdp.Event{Kind: cdp.EventFrameReceived, Session: "S1", Payload: teamsFrame(t, "Hello", "Bob")})
	require.Len(t, h.sink.received(), 1)
	_, _, stored := h.store.snapshot()
	assert.Empty(t, stored)
}

func TestGetAuthStatus_LiveCheckAndIdentity(t *testing.T) {
	h := newHarness(t, Options{AuthMaxAttempts: 1, AuthInterval: time.Hour})
	ctx := context.Background()
	require.True(t, h.coord.StartChrome(ctx).Success)

	assert.False(t, h.coord.GetAuthStatus(ctx).Authenticated)

	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"upn":"alice@contoso.com","tid":"t1"}`))
	jwt := "eyJhbGciOiJub25lIn0." + payload + ".sig"
	h.page.signIn(jwt)

	st := h.coord.GetAuthStatus(ctx)
	require.True(t, st.Authenticated)
	assert.Equal(t, jwt, st.AccessToken.Value())
	require.NotNil(t, st.Identity)
	assert.Equal(t, "alice@contoso.com", st.Identity.UPN)
	assert.True(t, h.coord.GetStatus().Authenticated)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sig")
	assert.NotContains(t, string(data), payload)

	h.page.signOut()
	assert.False(t, h.coord.GetAuthStatus(ctx).Authenticated)
	assert.False(t, h.coord.GetStatus().Authenticated)
	assert.True(t, h.sink.has("auth", false))
}

func TestKeepAlive_AuthLossReported(t *testing.T) {
	h := newHarness(t, Options{KeepAliveInterval: 3 * time.Millisecond})
	h.page.signIn("abc")
	ctx := context.Background()
	require.True(t, h.coord.StartChrome(ctx).Success)

	require.Eventually(t, func() bool { return h.page.dispatched.Load() >= 1 }, 2*time.Second, time.Millisecond)
	h.page.signOut()

	require.Eventually(t, func() bool { return !h.coord.GetStatus().Authenticated }, 2*time.Second, time.Millisecond)
	assert.True(t, h.coord.GetStatus().Active, "keep-alive keeps running after sign-in is lost")
	assert.True(t, h.sink.has("auth", false))
}

func waitSignInDone(t *testing.T, c *Coordinator) {
	t.Helper()
	c.mu.Lock()
	done := c.probeDone
	c.mu.Unlock()
	require.NotNil(t, done)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sign-in wait did not finish")
	}
}

func TestLateSignInAfterTimeoutStartsKeepAlive(t *testing.T) {
	h := newHarness(t, Options{AuthMaxAttempts: 1, AutoMonitor: true})
	ctx := context.Background()
	require.True(t, h.coord.StartChrome(ctx).Success)
	waitSignInDone(t, h.coord)

	st := h.coord.GetStatus()
	require.False(t, st.Authenticated)
	require.False(t, st.Active)

	h.page.signIn("abc")
	require.True(t, h.coord.GetAuthStatus(ctx).Authenticated)

	st = h.coord.GetStatus()
	assert.True(t, st.Authenticated)
	assert.True(t, st.Active, "a sign-in finished by hand turns keep-alive on")
	assert.True(t, st.Monitoring)
	assert.Equal(t, int32(1), h.inhibitor.acquired.Load())
	assert.True(t, h.sink.has("auth", true))
	assert.True(t, h.sink.has("active", true))

	require.True(t, h.coord.GetAuthStatus(ctx).Authenticated)
	assert.Equal(t, int32(1), h.inhibitor.acquired.Load(), "keep-alive is started once")
	created, _, _ := h.store.snapshot()
	assert.Equal(t, []string{"sess-1"}, created)
}

func TestLateSignIn_SkippedWhileOperationInFlight(t *testing.T) {
	h := newHarness(t, Options{AuthMaxAttempts: 1})
	ctx := context.Background()
	require.True(t, h.coord.StartChrome(ctx).Success)
	waitSignInDone(t, h.coord)

	require.NoError(t, h.coord.acquire(ctx))
	h.page.signIn("abc")
	assert.True(t, h.coord.GetAuthStatus(ctx).Authenticated, "the live check does not block on ops")
	assert.False(t, h.coord.GetStatus().Active)
	h.coord.release()

	h.coord.GetAuthStatus(ctx)
	assert.True(t, h.coord.GetStatus().Active)
}

func TestKeepAlive_SignInRestoredByTick(t *testing.T) {
	h := newHarness(t, Options{KeepAliveInterval: 3 * time.Millisecond})
	h.page.signIn("abc")
	ctx := context.Background()
	require.True(t, h.coord.StartChrome(ctx).Success)
	require.Eventually(t, func() bool { return h.coord.GetStatus().Active }, 2*time.Second, time.Millisecond)

	h.page.signOut()
	require.Eventually(t, func() bool { return !h.coord.GetStatus().Authenticated }, 2*time.Second, time.Millisecond)

	h.page.signIn("def")
	require.Eventually(t, func() bool { return h.coord.GetStatus().Authenticated }, 2*time.Second, time.Millisecond)

	h.coord.mu.Lock()
	tok := h.coord.token
	h.coord.mu.Unlock()
	assert.Equal(t, "def", tok.Value())
	assert.Equal(t, int32(1), h.inhibitor.acquired.Load())
}

func TestOperationsGiveUpWhenContextEnds(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.coord.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := h.coord.StartChrome(ctx)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
	h.coord.release()
}
