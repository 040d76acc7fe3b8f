package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"coursechat/internal/sse"
)

// DoneSentinel is the payload that ends a reply stream.
const DoneSentinel = "[DONE]"

type EventKind int

const (
	EventIgnore EventKind = iota
	EventDelta
	EventTerminal
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventTerminal:
		return "terminal"
	case EventError:
		return "error"
	default:
		return "ignore"
	}
}

// Event is the meaning of one decoded frame.
type Event struct {
	Kind EventKind
	// Text is the delta content for EventDelta and the server's message
	// for EventError.
	Text string
	// DecodeErr is set when the payload was not a JSON object and Text
	// carries the raw payload instead.
	DecodeErr *StreamDecodeError
}

// StreamDecodeError describes a frame payload that could not be parsed.
// It never fails a reply; the raw payload is shown as content instead.
type StreamDecodeError struct {
	Payload string
	Err     error
}

func (e *StreamDecodeError) Error() string {
	return fmt.Sprintf("malformed frame payload %q: %v", truncate(e.Payload, 80), e.Err)
}

func (e *StreamDecodeError) Unwrap() error { return e.Err }

type framePayload struct {
	Content *string         `json:"content"`
	Error   json.RawMessage `json:"error"`
}

// Interpret classifies a frame. It has no side effects.
func Interpret(f sse.Frame) Event {
	payload := f.Data
	if strings.TrimSpace(payload) == DoneSentinel {
		return Event{Kind: EventTerminal}
	}

	var p framePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		if f.Event == "error" {
			return Event{Kind: EventError, Text: payload}
		}
		return Event{
			Kind:      EventDelta,
			Text:      payload,
			DecodeErr: &StreamDecodeError{Payload: payload, Err: err},
		}
	}

	if msg, ok := errorMessage(p.Error); ok {
		return Event{Kind: EventError, Text: msg}
	}
	if p.Content != nil && *p.Content != "" {
		return Event{Kind: EventDelta, Text: *p.Content}
	}
	return Event{Kind: EventIgnore}
}

// errorMessage accepts "error": "text" and "error": {"message": "text"}.
// Any other non-null value is reported verbatim.
func errorMessage(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return "", false
		}
		return s, true
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message, true
	}
	return string(raw), true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
