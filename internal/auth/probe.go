package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"teamsawake/internal/logging"
)

// Substrings an MSAL cache key must contain to be the Teams access token.
// These mirror how the Teams web client names its cache entries and will
// break if Microsoft renames them.
var tokenKeyMarkers = []string{
	"login.windows.net-accesstoken",
	"teams.accessasuser.all",
	"teams.office.com/.default",
}

const credentialTypeAccessToken = "accesstoken"

// ErrAuthTimeout means the user did not finish signing in within the poll
// budget. The browser is left open so sign-in can still be completed by hand.
var ErrAuthTimeout = errors.New("auth: sign-in not completed before poll budget ran out")

// State of the sign-in probe.
type State int32

const (
	StateUnauthenticated State = iota
	StateProbing
	StateAuthenticated
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateProbing:
		return "probing"
	case StateAuthenticated:
		return "authenticated"
	case StateTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// StorageReader reads the page's localStorage as a key/value map.
type StorageReader interface {
	LocalStorage(ctx context.Context) (map[string]string, error)
}

// Poll is the outcome of one probe attempt.
type Poll struct {
	Attempt       int
	State         State
	Authenticated bool
	Token         Token
}

type cacheEntry struct {
	CredentialType string `json:"credentialType"`
	Secret         string `json:"secret"`
}

// CheckOnce scans local storage once. It returns false when no entry
// matches or storage could not be read; it never fails on malformed values.
func CheckOnce(ctx context.Context, r StorageReader) (Token, bool) {
	items, err := r.LocalStorage(ctx)
	if err != nil {
		logging.AuthDebug("local storage read failed: %v", err)
		return Token{}, false
	}
	return findToken(items)
}

func findToken(items map[string]string) (Token, bool) {
	keys := make([]string, 0, len(items))
	for key := range items {
		if isTokenKey(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := items[key]
		var entry cacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if !strings.EqualFold(entry.CredentialType, credentialTypeAccessToken) {
			continue
		}
		if strings.TrimSpace(entry.Secret) == "" {
			continue
		}
		return NewToken(entry.Secret), true
	}
	return Token{}, false
}

func isTokenKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range tokenKeyMarkers {
		if !strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

// Probe polls local storage until a token shows up or the budget is spent.
type Probe struct {
	reader      StorageReader
	interval    time.Duration
	maxAttempts int
	report      func(Poll)

	state atomic.Int32
}

// NewProbe creates a probe. report receives every poll result and may be nil.
func NewProbe(reader StorageReader, interval time.Duration, maxAttempts int, report func(Poll)) *Probe {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Probe{
		reader:      reader,
		interval:    interval,
		maxAttempts: maxAttempts,
		report:      report,
	}
}

// State returns the current probe state.
func (p *Probe) State() State {
	return State(p.state.Load())
}

// Monitor blocks until sign-in is detected, the attempts run out
// (ErrAuthTimeout) or ctx is cancelled. The first check happens one
// interval after the call.
func (p *Probe) Monitor(ctx context.Context) (Token, error) {
	p.state.Store(int32(StateProbing))
	logging.Auth("probing for sign-in every %v, up to %d attempts", p.interval, p.maxAttempts)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			p.state.Store(int32(StateUnauthenticated))
			return Token{}, ctx.Err()
		case <-ticker.C:
		}

		tok, ok := CheckOnce(ctx, p.reader)
		if ok {
			p.state.Store(int32(StateAuthenticated))
			p.emit(Poll{Attempt: attempt, State: StateAuthenticated, Authenticated: true, Token: tok})
			logging.Auth("sign-in detected after %d attempt(s)", attempt)
			return tok, nil
		}
		p.emit(Poll{Attempt: attempt, State: StateProbing})
		logging.AuthDebug("attempt %d/%d: no token yet", attempt, p.maxAttempts)
	}

	p.state.Store(int32(StateTimedOut))
	p.emit(Poll{Attempt: p.maxAttempts, State: StateTimedOut})
	logging.Auth("sign-in not detected after %d attempts", p.maxAttempts)
	return Token{}, ErrAuthTimeout
}

func (p *Probe) emit(poll Poll) {
	if p.report != nil {
		p.report(poll)
	}
}
