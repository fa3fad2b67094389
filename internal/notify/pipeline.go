package notify

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"teamsawake/internal/logging"
)

// Wire constants reverse-engineered from the Teams web client. There is no
// versioning upstream; if Teams changes its envelope these stop matching.
const (
	// keepAlivePrefix marks trouter control frames ("5:..." events).
	keepAlivePrefix = "5:"

	// envelopePathSegment and envelopeSuffix identify message-delivery envelopes,
	// e.g. https://host/v4/f/<id>/messaging.
	envelopePathSegment = "/v4/f"
	envelopeSuffix      = "/messaging"

	envelopeMethod = "POST"

	eventTypeMessage    = "EventMessage"
	resourceTypeMessage = "NewMessage"
)

// deniedMessageTypes are Teams signalling messages, not user chat.
var deniedMessageTypes = []string{
	"Event/",
	"Call",
	"ThreadActivity",
	"ConsumptionHorizon",
}

type envelope struct {
	URL    string          `json:"url"`
	Method string          `json:"method"`
	Time   string          `json:"time"`
	Body   json.RawMessage `json:"body"`
}

type eventBody struct {
	Type         string         `json:"type"`
	ResourceType string         `json:"resourceType"`
	Time         string         `json:"time"`
	Resource     map[string]any `json:"resource"`
}

// Extractor turns raw frames into records. The zero value is not usable;
// use NewExtractor.
type Extractor struct {
	now   func() time.Time
	newID func() string
}

// ExtractorOption customises an Extractor.
type ExtractorOption func(*Extractor)

// WithClock overrides the time source used when a payload has no timestamp.
func WithClock(now func() time.Time) ExtractorOption {
	return func(e *Extractor) { e.now = now }
}

// WithIDGenerator overrides the generator used when a payload has no id.
func WithIDGenerator(gen func() string) ExtractorOption {
	return func(e *Extractor) { e.newID = gen }
}

// NewExtractor creates an extractor.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultExtractor = NewExtractor()

// OnFrame extracts a notification from raw using default settings.
func OnFrame(raw string) *Record {
	return defaultExtractor.OnFrame(raw)
}

// OnFrame returns the notification carried by raw, or nil when the frame is
// anything else. Every stage is a filter; non-matching frames are the common
// case and are not errors.
func (e *Extractor) OnFrame(raw string) *Record {
	if strings.HasPrefix(raw, keepAlivePrefix) {
		return nil
	}

	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw[start:]), &env); err != nil {
		return nil
	}
	if !strings.Contains(env.URL, envelopePathSegment) || !strings.HasSuffix(env.URL, envelopeSuffix) {
		return nil
	}
	if env.Method != envelopeMethod {
		return nil
	}

	bodyJSON, ok := unwrapBody(env.Body)
	if !ok {
		return nil
	}
	var body eventBody
	if err := json.Unmarshal(bodyJSON, &body); err != nil {
		return nil
	}
	if body.Type != eventTypeMessage || body.ResourceType != resourceTypeMessage {
		return nil
	}

	res := body.Resource
	content := field(res, "content")
	messageType := field(res, "messageType", "messagetype")
	if content == "" || messageType == "" {
		return nil
	}
	for _, denied := range deniedMessageTypes {
		if strings.Contains(messageType, denied) {
			return nil
		}
	}

	id := field(res, "id")
	if id == "" {
		id = e.newID()
	}

	rec := &Record{
		ID:               id,
		Timestamp:        e.timestamp(body.Time, env.Time),
		From:             field(res, "imdisplayname", "fromDisplayName"),
		Content:          StripHTML(content),
		ConversationID:   conversationID(res),
		ConversationName: field(res, "threadtopic", "topic"),
		MessageType:      messageType,
		IsRead:           false,
	}
	logging.NotifyDebug("extracted notification id=%s type=%s conversation=%s", rec.ID, rec.MessageType, rec.ConversationID)
	return rec
}

// unwrapBody accepts the body either as a JSON string holding JSON (what
// Teams sends) or as an inline object.
func unwrapBody(raw json.RawMessage) ([]byte, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil || strings.TrimSpace(s) == "" {
			return nil, false
		}
		return []byte(s), true
	}
	return []byte(trimmed), true
}

func (e *Extractor) timestamp(candidates ...string) time.Time {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, c); err == nil {
			return t
		}
	}
	return e.now()
}

func conversationID(res map[string]any) string {
	if id := field(res, "conversationid", "to"); id != "" {
		return id
	}
	link := field(res, "conversationLink")
	if i := strings.LastIndex(link, "/conversations/"); i >= 0 {
		return link[i+len("/conversations/"):]
	}
	return ""
}

// field returns the first non-empty string value among keys.
func field(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Pipeline hands extracted records to a callback and counts traffic.
type Pipeline struct {
	extractor *Extractor
	handle    func(Record)
	frames    atomic.Int64
	records   atomic.Int64
}

// NewPipeline creates a pipeline delivering records to handle.
func NewPipeline(extractor *Extractor, handle func(Record)) *Pipeline {
	if extractor == nil {
		extractor = defaultExtractor
	}
	return &Pipeline{extractor: extractor, handle: handle}
}

// Feed processes one raw frame.
func (p *Pipeline) Feed(raw string) {
	p.frames.Add(1)
	rec := p.extractor.OnFrame(raw)
	if rec == nil {
		return
	}
	p.records.Add(1)
	if p.handle != nil {
		p.handle(*rec)
	}
}

// Stats returns frames seen and records emitted.
func (p *Pipeline) Stats() (frames, records int64) {
	return p.frames.Load(), p.records.Load()
}
