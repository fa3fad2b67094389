package cdp

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Start after Teardown.
var ErrClosed = errors.New("cdp: multiplexer torn down")

// SubscriptionError reports a session that could not be wired for network
// events. It only ever affects that one session.
type SubscriptionError struct {
	Session SessionID
	Target  string
	Op      string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("cdp: subscribe session %s (%s): %s: %v", e.Session, e.Target, e.Op, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
