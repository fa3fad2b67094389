package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"teamsawake/internal/logging"
	"teamsawake/internal/notify"
)

// ErrNothingToSummarize is returned for a session with no notification text.
var ErrNothingToSummarize = errors.New("llm: no notifications to summarize")

const summarySystemPrompt = "You summarize Microsoft Teams chat notifications for someone who was away. " +
	"Group by conversation, name who needs a reply, and keep it under ten bullet points."

// SummaryInput concatenates the records' content, one line per record.
func SummaryInput(records []notify.Record) string {
	var b strings.Builder
	for _, r := range records {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(r.Timestamp.Format("15:04"))
		b.WriteString("] ")
		if r.ConversationName != "" {
			b.WriteString(r.ConversationName)
			b.WriteString(" / ")
		}
		if r.From != "" {
			b.WriteString(r.From)
			b.WriteString(": ")
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

// Summarize asks c to summarize records.
func Summarize(ctx context.Context, c Completer, records []notify.Record) (string, error) {
	input := SummaryInput(records)
	if input == "" {
		return "", ErrNothingToSummarize
	}
	start := time.Now()
	out, err := c.Complete(ctx, []Message{
		{Role: RoleSystem, Content: summarySystemPrompt},
		{Role: RoleUser, Content: input},
	})
	var model string
	if m, ok := c.(interface{ Model() string }); ok {
		model = m.Model()
	}
	logging.Audit().LLMCall(model, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return out, nil
}
