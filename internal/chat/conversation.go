package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// State is the lifecycle of an assistant reply.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

const (
	eventDelta    = "delta"
	eventComplete = "complete"
	eventFail     = "fail"
)

// Final reports whether no further change is allowed.
func (s State) Final() bool {
	return s == StateComplete || s == StateFailed
}

// DeltaMode decides how content frames combine into the visible reply.
type DeltaMode string

const (
	// DeltaReplace treats every content frame as the full reply so far.
	DeltaReplace DeltaMode = "replace"
	// DeltaAppend concatenates content frames.
	DeltaAppend DeltaMode = "append"
)

func ParseDeltaMode(s string) (DeltaMode, error) {
	switch DeltaMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", DeltaReplace:
		return DeltaReplace, nil
	case DeltaAppend:
		return DeltaAppend, nil
	default:
		return "", fmt.Errorf("unknown delta mode %q (want replace or append)", s)
	}
}

type Message struct {
	ID          string
	Sender      Sender
	Content     string
	IsStreaming bool
	IsError     bool
	State       State
	Timestamp   time.Time
}

// Snapshot is a copy of the conversation handed to observers.
type Snapshot []Message

// Last returns the newest message, if any.
func (s Snapshot) Last() (Message, bool) {
	if len(s) == 0 {
		return Message{}, false
	}
	return s[len(s)-1], true
}

// Find returns the message with the given id.
func (s Snapshot) Find(id string) (Message, bool) {
	for _, m := range s {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Conversation owns the ordered message list. It is the only writer; every
// other component reads snapshots.
type Conversation struct {
	mu       sync.Mutex
	mode     DeltaMode
	messages []Message
	index    map[string]int
	machines map[string]*fsm.FSM
	inFlight string
	observer func(Snapshot)
	logger   *slog.Logger
	now      func() time.Time
}

func NewConversation(mode DeltaMode, logger *slog.Logger) *Conversation {
	if mode == "" {
		mode = DeltaReplace
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Conversation{
		mode:     mode,
		index:    make(map[string]int),
		machines: make(map[string]*fsm.FSM),
		logger:   logger,
		now:      time.Now,
	}
}

func (c *Conversation) Mode() DeltaMode { return c.mode }

// OnChange registers fn to receive a snapshot after every mutation. fn is
// called with the conversation unlocked.
func (c *Conversation) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

// Snapshot returns a copy of the message list.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Busy reports whether a reply is in flight.
func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight != ""
}

// Begin appends the user's message and a pending assistant placeholder.
// It rejects blank input and any submit while a reply is in flight; a
// rejected call changes nothing.
func (c *Conversation) Begin(text string) (userID, replyID string, err error) {
	if strings.TrimSpace(text) == "" {
		return "", "", ErrEmptyMessage
	}

	c.mu.Lock()
	if c.inFlight != "" {
		c.mu.Unlock()
		return "", "", ErrBusy
	}
	now := c.now()
	userID = uuid.NewString()
	replyID = uuid.NewString()
	c.appendLocked(Message{
		ID:        userID,
		Sender:    SenderUser,
		Content:   text,
		State:     StateComplete,
		Timestamp: now,
	})
	c.appendLocked(Message{
		ID:          replyID,
		Sender:      SenderAssistant,
		IsStreaming: true,
		State:       StatePending,
		Timestamp:   now,
	})
	c.machines[replyID] = newReplyMachine()
	c.inFlight = replyID
	snap, notify := c.changedLocked()
	c.mu.Unlock()

	notify(snap)
	return userID, replyID, nil
}

// ApplyDelta updates the reply's content according to the delta mode. A
// reply in a final state is left untouched.
func (c *Conversation) ApplyDelta(id, text string) error {
	return c.transition(id, eventDelta, func(m *Message) {
		if c.mode == DeltaAppend {
			m.Content += text
		} else {
			m.Content = text
		}
	})
}

// Complete freezes the reply and releases the in-flight slot.
func (c *Conversation) Complete(id string) error {
	return c.transition(id, eventComplete, nil)
}

// Fail marks the reply failed and replaces its content with a description
// of err.
func (c *Conversation) Fail(id string, err error) error {
	return c.transition(id, eventFail, func(m *Message) {
		m.IsError = true
		m.Content = DescribeError(err)
	})
}

func (c *Conversation) transition(id, event string, mutate func(*Message)) error {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	machine, ok := c.machines[id]
	if !ok {
		// User messages and loaded history have no machine; they are final.
		c.mu.Unlock()
		return nil
	}
	if State(machine.Current()).Final() {
		c.mu.Unlock()
		c.logger.Debug("ignoring event for finished reply",
			slog.String("message_id", id),
			slog.String("event", event),
			slog.String("state", machine.Current()))
		return nil
	}

	// streaming -> streaming is not a transition; only the content moves.
	if machine.Current() != string(StateStreaming) || event != eventDelta {
		if err := machine.Event(context.Background(), event); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("reply %s: %w", id, err)
		}
	}

	m := &c.messages[i]
	if mutate != nil {
		mutate(m)
	}
	m.State = State(machine.Current())
	if m.State.Final() {
		m.IsStreaming = false
		if c.inFlight == id {
			c.inFlight = ""
		}
	}
	snap, notify := c.changedLocked()
	c.mu.Unlock()

	notify(snap)
	return nil
}

// Load replaces the conversation with previously stored messages. It is
// refused while a reply is in flight.
func (c *Conversation) Load(msgs []Message) error {
	c.mu.Lock()
	if c.inFlight != "" {
		c.mu.Unlock()
		return ErrBusy
	}
	c.resetLocked()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if _, dup := c.index[m.ID]; dup {
			continue
		}
		m.IsStreaming = false
		if !m.State.Final() {
			m.State = StateComplete
		}
		c.appendLocked(m)
	}
	snap, notify := c.changedLocked()
	c.mu.Unlock()

	notify(snap)
	return nil
}

// Clear drops every message. It is refused while a reply is in flight.
func (c *Conversation) Clear() error {
	return c.Load(nil)
}

func (c *Conversation) resetLocked() {
	c.messages = nil
	c.index = make(map[string]int)
	c.machines = make(map[string]*fsm.FSM)
}

func (c *Conversation) appendLocked(m Message) {
	c.index[m.ID] = len(c.messages)
	c.messages = append(c.messages, m)
}

func (c *Conversation) snapshotLocked() Snapshot {
	out := make(Snapshot, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) changedLocked() (Snapshot, func(Snapshot)) {
	if c.observer == nil {
		return nil, func(Snapshot) {}
	}
	return c.snapshotLocked(), c.observer
}

func newReplyMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StatePending),
		fsm.Events{
			{Name: eventDelta, Src: []string{string(StatePending)}, Dst: string(StateStreaming)},
			{Name: eventComplete, Src: []string{string(StatePending), string(StateStreaming)}, Dst: string(StateComplete)},
			{Name: eventFail, Src: []string{string(StatePending), string(StateStreaming)}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{},
	)
}
