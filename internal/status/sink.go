// Package status delivers automation state changes to whoever is watching:
// the operator log, SSE clients of the control API, or both.
package status

import (
	"reflect"

	"go.uber.org/zap"

	"teamsawake/internal/auth"
	"teamsawake/internal/notify"
)

// Sink receives fire-and-forget status events. Implementations must not block.
type Sink interface {
	AuthStatusChanged(authenticated bool, token auth.Token)
	ActiveStatusChanged(active bool)
	NotificationReceived(rec notify.Record)
	SessionCreated(sessionID string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) AuthStatusChanged(bool, auth.Token) {}
func (Nop) ActiveStatusChanged(bool) {}
func (Nop) NotificationReceived(notify.Record) {}
func (Nop) SessionCreated(string) {}

// Multi fans each event out to every non-nil sink in order.
type Multi []Sink

// NewMulti drops nil sinks, including typed nils such as a nil *Broadcaster.
func NewMulti(sinks ...Sink) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if !isNil(s) {
			out = append(out, s)
		}
	}
	return out
}

func isNil(s Sink) bool {
	if s == nil {
		return true
	}
	v := reflect.ValueOf(s)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func (m Multi) AuthStatusChanged(authenticated bool, token auth.Token) {
	for _, s := range m {
		s.AuthStatusChanged(authenticated, token)
	}
}

func (m Multi) ActiveStatusChanged(active bool) {
	for _, s := range m {
		s.ActiveStatusChanged(active)
	}
}

func (m Multi) NotificationReceived(rec notify.Record) {
	for _, s := range m {
		s.NotificationReceived(rec)
	}
}

func (m Multi) SessionCreated(sessionID string) {
	for _, s := range m {
		s.SessionCreated(sessionID)
	}
}

// LogSink writes events to a zap logger. The token is never a field.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink logging to l, or a no-op logger when l is nil.
func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogSink{log: l.Named("status")}
}

func (s *LogSink) AuthStatusChanged(authenticated bool, token auth.Token) {
	fields := []zap.Field{zap.Bool("authenticated", authenticated)}
	if id, err := auth.ParseIdentity(token); err == nil && id.UPN != "" {
		fields = append(fields, zap.String("user", id.UPN))
	}
	s.log.Info("auth status changed", fields...)
}

func (s *LogSink) ActiveStatusChanged(active bool) {
	s.log.Info("keep-alive status changed", zap.Bool("active", active))
}

func (s *LogSink) NotificationReceived(rec notify.Record) {
	s.log.Info("notification",
		zap.String("from", rec.From),
		zap.String("conversation", rec.ConversationName),
		zap.String("content", rec.Content),
		zap.Time("timestamp", rec.Timestamp),
	)
}

func (s *LogSink) SessionCreated(sessionID string) {
	s.log.Info("monitoring session created", zap.String("session_id", sessionID))
}
