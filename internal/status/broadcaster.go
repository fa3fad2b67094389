package status

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"teamsawake/internal/auth"
	"teamsawake/internal/logging"
	"teamsawake/internal/notify"
)

// Event types pushed to SSE clients.
const (
	EventConnected    = "connected"
	EventAuth         = "auth"
	EventActive       = "active"
	EventNotification = "notification"
	EventSession      = "session"
)

const (
	clientBuffer      = 32
	heartbeatInterval = 30 * time.Second
)

// Event is one SSE message body.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// AuthPayload carries auth state to clients. It has no token field.
type AuthPayload struct {
	Authenticated bool   `json:"authenticated"`
	User          string `json:"user,omitempty"`
}

type client struct {
	id int
	ch chan []byte
}

// Broadcaster fans status events out to connected SSE clients. A client
// whose buffer is full is dropped rather than stalling the sender.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[int]*client
	nextID  int
	closed  bool
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[int]*client)}
}

// Subscribe registers a client. The returned channel is closed when the client
// is dropped, the broadcaster closes, or cancel is called.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, clientBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	c := &client{id: b.nextID, ch: ch}
	b.clients[c.id] = c
	logging.APIDebug("SSE client %d connected (total=%d)", c.id, len(b.clients))
	return ch, func() { b.remove(c.id) }
}

func (b *Broadcaster) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Broadcaster) removeLocked(id int) {
	c, ok := b.clients[id]
	if !ok {
		return
	}
	delete(b.clients, id)
	close(c.ch)
	logging.APIDebug("SSE client %d disconnected (total=%d)", id, len(b.clients))
}

// Publish sends ev to every client without blocking.
func (b *Broadcaster) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("Failed to marshal SSE event %s: %v", ev.Type, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		select {
		case c.ch <- data:
		default:
			logging.Get(logging.CategoryAPI).Warn("SSE client %d is not keeping up, dropping it", id)
			b.removeLocked(id)
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client. Later subscribers get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.clients {
		b.removeLocked(id)
	}
}

func (b *Broadcaster) AuthStatusChanged(authenticated bool, token auth.Token) {
	payload := AuthPayload{Authenticated: authenticated}
	if id, err := auth.ParseIdentity(token); err == nil {
		payload.User = id.UPN
	}
	b.Publish(Event{Type: EventAuth, Data: payload})
}

func (b *Broadcaster) ActiveStatusChanged(active bool) {
	b.Publish(Event{Type: EventActive, Data: map[string]bool{"active": active}})
}

func (b *Broadcaster) NotificationReceived(rec notify.Record) {
	b.Publish(Event{Type: EventNotification, Data: rec})
}

func (b *Broadcaster) SessionCreated(sessionID string) {
	b.Publish(Event{Type: EventSession, Data: map[string]string{"session_id": sessionID}})
}

// ServeHTTP streams events to one client until it disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	hello, _ := json.Marshal(Event{Type: EventConnected})
	fmt.Fprintf(w, "data: %s\n\n", hello)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
