// Package notify reconstructs chat notifications from raw Teams WebSocket frames.
package notify

import "time"

// Record is one chat notification observed on the wire.
type Record struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Timestamp        time.Time `json:"timestamp"`
	From             string    `json:"from"`
	Content          string    `json:"content"`
	ConversationID   string    `json:"conversation_id"`
	ConversationName string    `json:"conversation_name"`
	MessageType      string    `json:"message_type"`
	IsRead           bool      `json:"is_read"`
}
