package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// AuditEventType names one kind of audited operation.
type AuditEventType string

const (
	// Browser lifecycle
	AuditBrowserStart AuditEventType = "browser_start"
	AuditBrowserStop  AuditEventType = "browser_stop"

	// Sign-in state
	AuditAuthGained  AuditEventType = "auth_gained"
	AuditAuthLost    AuditEventType = "auth_lost"
	AuditAuthTimeout AuditEventType = "auth_timeout"

	// Keep-alive
	AuditKeepAliveStart AuditEventType = "keepalive_start"
	AuditKeepAliveStop  AuditEventType = "keepalive_stop"

	// Notification capture
	AuditMonitorStart AuditEventType = "monitor_start"
	AuditMonitorStop  AuditEventType = "monitor_stop"

	// Completion service
	AuditLLMCall AuditEventType = "llm_call"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	SessionID  string         `json:"session,omitempty"`
	Target     string         `json:"target,omitempty"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"dur_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
	auditNow  = time.Now
)

// AuditLogger writes audit events, optionally scoped to a session.
type AuditLogger struct {
	sessionID string
}

// InitAudit opens <logs>/<date>_audit.log. It is a no-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	loggersMu.RLock()
	dir := logsDir
	loggersMu.RUnlock()

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		return nil
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_audit.log", auditNow().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = f
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithSession returns a logger that stamps sessionID on every event.
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// Log writes event as a JSON line.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = auditNow().UnixMilli()
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// BrowserStart records a launch attempt.
func (a *AuditLogger) BrowserStart(executable string, duration time.Duration, err error) {
	a.Log(AuditEvent{
		EventType:  AuditBrowserStart,
		Target:     executable,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
		Error:      errString(err),
	})
}

// BrowserStop records a teardown.
func (a *AuditLogger) BrowserStop(duration time.Duration) {
	a.Log(AuditEvent{EventType: AuditBrowserStop, Success: true, DurationMs: duration.Milliseconds()})
}

// AuthChanged records a sign-in transition. user may be empty; the token is
// never an argument.
func (a *AuditLogger) AuthChanged(authenticated bool, user string) {
	ev := AuditEvent{EventType: AuditAuthLost, Success: true}
	if authenticated {
		ev.EventType = AuditAuthGained
		ev.Target = user
	}
	a.Log(ev)
}

// AuthTimeout records a sign-in wait that gave up after attempts polls.
func (a *AuditLogger) AuthTimeout(attempts int) {
	a.Log(AuditEvent{
		EventType: AuditAuthTimeout,
		Fields:    map[string]any{"attempts": attempts},
	})
}

// KeepAlive records the keep-alive driver starting or stopping.
func (a *AuditLogger) KeepAlive(active bool, ticks, failures int64) {
	ev := AuditEvent{EventType: AuditKeepAliveStop, Success: true}
	if active {
		ev.EventType = AuditKeepAliveStart
	} else {
		ev.Fields = map[string]any{"ticks": ticks, "failures": failures}
	}
	a.Log(ev)
}

// MonitorStart records capture starting with attached protocol sessions.
func (a *AuditLogger) MonitorStart(attached int, err error) {
	a.Log(AuditEvent{
		EventType: AuditMonitorStart,
		Success:   err == nil,
		Error:     errString(err),
		Fields:    map[string]any{"attached": attached},
	})
}

// MonitorStop records capture ending with its frame and record counts.
func (a *AuditLogger) MonitorStop(frames, records int64) {
	a.Log(AuditEvent{
		EventType: AuditMonitorStop,
		Success:   true,
		Fields:    map[string]any{"frames": frames, "notifications": records},
	})
}

// LLMCall records a completion request.
func (a *AuditLogger) LLMCall(model string, duration time.Duration, err error) {
	a.Log(AuditEvent{
		EventType:  AuditLLMCall,
		Target:     model,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
		Error:      errString(err),
	})
}
