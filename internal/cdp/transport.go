// Package cdp multiplexes Chrome DevTools Protocol sessions across a page and
// the workers it spawns, forwarding WebSocket traffic from every session.
package cdp

import "context"

// SessionID identifies a flattened CDP session. The empty ID is the browser
// connection itself.
type SessionID string

// TargetInfo describes a CDP target.
type TargetInfo struct {
	ID       string
	Type     string
	URL      string
	Attached bool
}

// EventKind enumerates the protocol events the multiplexer consumes.
type EventKind int

const (
	// EventAttached is Target.attachedToTarget.
	EventAttached EventKind = iota + 1
	// EventDetached is Target.detachedFromTarget.
	EventDetached
	// EventFrameReceived is Network.webSocketFrameReceived.
	EventFrameReceived
	// EventSocketCreated is Network.webSocketCreated.
	EventSocketCreated
	// EventSocketClosed is Network.webSocketClosed.
	EventSocketClosed
)

func (k EventKind) String() string {
	switch k {
	case EventAttached:
		return "attached"
	case EventDetached:
		return "detached"
	case EventFrameReceived:
		return "frame"
	case EventSocketCreated:
		return "socket_created"
	case EventSocketClosed:
		return "socket_closed"
	}
	return "unknown"
}

// Event is a decoded protocol event. Session is the session that emitted it;
// for attach and detach events Child is the session being added or removed.
type Event struct {
	Kind    EventKind
	Session SessionID

	Child   SessionID
	Target  TargetInfo
	Waiting bool

	RequestID string
	URL       string
	Payload   string
}

// Transport is the subset of the DevTools protocol the multiplexer drives.
// Every call addresses one flattened session.
type Transport interface {
	AttachToTarget(ctx context.Context, targetID string) (SessionID, error)
	DetachFromTarget(ctx context.Context, session SessionID) error
	SetAutoAttach(ctx context.Context, session SessionID, types []string) error
	EnableNetwork(ctx context.Context, session SessionID) error
	EnableRuntime(ctx context.Context, session SessionID) error
	RunIfWaitingForDebugger(ctx context.Context, session SessionID) error
	GetTargets(ctx context.Context) ([]TargetInfo, error)

	// Listen delivers events to handle on a single goroutine until the
	// returned stop function is called. stop blocks until delivery ends.
	Listen(handle func(Event)) (stop func())
}
