package cdp

import (
	"context"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// RodTransport drives the protocol over a connected rod browser.
type RodTransport struct {
	browser *rod.Browser
}

// NewRodTransport wraps a connected browser.
func NewRodTransport(b *rod.Browser) *RodTransport {
	return &RodTransport{browser: b}
}

// sessionClient routes proto calls to one flattened session.
type sessionClient struct {
	browser *rod.Browser
	ctx     context.Context
	session proto.TargetSessionID
}

func (c sessionClient) Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	return c.browser.Call(ctx, sessionID, method, params)
}

func (c sessionClient) GetContext() context.Context { return c.ctx }

func (c sessionClient) GetSessionID() proto.TargetSessionID { return c.session }

func (t *RodTransport) client(ctx context.Context, session SessionID) sessionClient {
	return sessionClient{browser: t.browser, ctx: ctx, session: proto.TargetSessionID(session)}
}

// AttachToTarget opens a flattened session on targetID.
func (t *RodTransport) AttachToTarget(ctx context.Context, targetID string) (SessionID, error) {
	res, err := proto.TargetAttachToTarget{
		TargetID: proto.TargetTargetID(targetID),
		Flatten:  true,
	}.Call(t.client(ctx, ""))
	if err != nil {
		return "", err
	}
	return SessionID(res.SessionID), nil
}

// DetachFromTarget closes a session.
func (t *RodTransport) DetachFromTarget(ctx context.Context, session SessionID) error {
	return proto.TargetDetachFromTarget{SessionID: proto.TargetSessionID(session)}.Call(t.client(ctx, ""))
}

type autoAttachFilterEntry struct {
	Type    string `json:"type"`
	Exclude bool   `json:"exclude"`
}

type setAutoAttachParams struct {
	AutoAttach             bool                    `json:"autoAttach"`
	WaitForDebuggerOnStart bool                    `json:"waitForDebuggerOnStart"`
	Flatten                bool                    `json:"flatten"`
	Filter                 []autoAttachFilterEntry `json:"filter,omitempty"`
}

// SetAutoAttach attaches new targets of the given types beneath session,
// paused until Runtime.runIfWaitingForDebugger.
func (t *RodTransport) SetAutoAttach(ctx context.Context, session SessionID, types []string) error {
	params := setAutoAttachParams{
		AutoAttach:             true,
		WaitForDebuggerOnStart: true,
		Flatten:                true,
	}
	for _, typ := range types {
		params.Filter = append(params.Filter, autoAttachFilterEntry{Type: typ})
	}
	_, err := t.browser.Call(ctx, string(session), "Target.setAutoAttach", params)
	return err
}

// EnableNetwork enables the Network domain on session.
func (t *RodTransport) EnableNetwork(ctx context.Context, session SessionID) error {
	return proto.NetworkEnable{}.Call(t.client(ctx, session))
}

// EnableRuntime enables the Runtime domain on session.
func (t *RodTransport) EnableRuntime(ctx context.Context, session SessionID) error {
	return proto.RuntimeEnable{}.Call(t.client(ctx, session))
}

// RunIfWaitingForDebugger resumes a target paused at start.
func (t *RodTransport) RunIfWaitingForDebugger(ctx context.Context, session SessionID) error {
	return proto.RuntimeRunIfWaitingForDebugger{}.Call(t.client(ctx, session))
}

// GetTargets lists every target known to the browser.
func (t *RodTransport) GetTargets(ctx context.Context) ([]TargetInfo, error) {
	res, err := proto.TargetGetTargets{}.Call(t.client(ctx, ""))
	if err != nil {
		return nil, err
	}
	out := make([]TargetInfo, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		out = append(out, targetInfo(info))
	}
	return out, nil
}

// Listen consumes the browser-wide event stream, which carries events for
// every flattened session tagged with its session ID.
func (t *RodTransport) Listen(handle func(Event)) func() {
	ctx, cancel := context.WithCancel(t.browser.GetContext())
	events := t.browser.Context(ctx).Event()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for msg := range events {
			if ev, ok := decodeMessage(msg); ok {
				handle(ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func decodeMessage(msg *rod.Message) (Event, bool) {
	session := SessionID(msg.SessionID)

	var frame proto.NetworkWebSocketFrameReceived
	if msg.Load(&frame) {
		ev := Event{Kind: EventFrameReceived, Session: session, RequestID: string(frame.RequestID)}
		if frame.Response != nil {
			ev.Payload = frame.Response.PayloadData
		}
		return ev, true
	}

	var attached proto.TargetAttachedToTarget
	if msg.Load(&attached) {
		return Event{
			Kind:    EventAttached,
			Session: session,
			Child:   SessionID(attached.SessionID),
			Target:  targetInfo(attached.TargetInfo),
			Waiting: attached.WaitingForDebugger,
		}, true
	}

	var detached proto.TargetDetachedFromTarget
	if msg.Load(&detached) {
		return Event{Kind: EventDetached, Session: session, Child: SessionID(detached.SessionID)}, true
	}

	var created proto.NetworkWebSocketCreated
	if msg.Load(&created) {
		return Event{Kind: EventSocketCreated, Session: session, RequestID: string(created.RequestID), URL: created.URL}, true
	}

	var closed proto.NetworkWebSocketClosed
	if msg.Load(&closed) {
		return Event{Kind: EventSocketClosed, Session: session, RequestID: string(closed.RequestID)}, true
	}

	return Event{}, false
}

func targetInfo(info *proto.TargetTargetInfo) TargetInfo {
	if info == nil {
		return TargetInfo{}
	}
	return TargetInfo{
		ID:       string(info.TargetID),
		Type:     string(info.Type),
		URL:      info.URL,
		Attached: info.Attached,
	}
}
