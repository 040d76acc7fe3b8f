package service

import (
	"strings"
	"time"

	"coursechat/internal/api"
	"coursechat/internal/chat"
)

// Timestamp layouts the server has been seen to emit. Naive timestamps
// are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a server timestamp. ok is false for empty or
// unrecognized input.
func ParseTimestamp(ts string) (time.Time, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeSender maps the server's sender names onto the two chat roles.
// Anything that is not the user is the assistant ("ai", "bot", ...).
func NormalizeSender(s string) chat.Sender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human", "student":
		return chat.SenderUser
	default:
		return chat.SenderAssistant
	}
}

// FromHistory converts server history records into finished conversation
// messages, keeping server order. Records with no content are dropped.
func FromHistory(records []api.HistoryMessage) []chat.Message {
	out := make([]chat.Message, 0, len(records))
	for _, r := range records {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		ts, _ := ParseTimestamp(r.Timestamp)
		out = append(out, chat.Message{
			ID:        r.ID,
			Sender:    NormalizeSender(r.Sender),
			Content:   r.Content,
			State:     chat.StateComplete,
			Timestamp: ts,
		})
	}
	return out
}
