package chat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"coursechat/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginAppendsUserAndPlaceholder(t *testing.T) {
	c := NewConversation(DeltaReplace, nil)

	userID, replyID, err := c.Begin("Hello")
	require.NoError(t, err)
	require.NotEqual(t, userID, replyID)

	snap := c.Snapshot()
	require.Len(t, snap, 2)

	assert.Equal(t, userID, snap[0].ID)
	assert.Equal(t, SenderUser, snap[0].Sender)
	assert.Equal(t, "Hello", snap[0].Content)
	assert.Equal(t, StateComplete, snap[0].State)
	assert.False(t, snap[0].IsStreaming)

	assert.Equal(t, replyID, snap[1].ID)
	assert.Equal(t, SenderAssistant, snap[1].Sender)
	assert.Equal(t, StatePending, snap[1].State)
	assert.True(t, snap[1].IsStreaming)
	assert.Empty(t, snap[1].Content)
	assert.True(t, c.Busy())
}

func TestBeginRejectsBlankInput(t *testing.T) {
	c := NewConversation(DeltaReplace, nil)
	for _, in := range []string{"", "   ", "\n\t"} {
		_, _, err := c.Begin(in)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	assert.Empty(t, c.Snapshot())
	assert.False(t, c.Busy())
}

func TestSingleFlight(t *testing.T) {
	c := NewConversation(DeltaReplace, nil)
	_, replyID, err := c.Begin("first")
	require.NoError(t, err)
	require.NoError(t, c.ApplyDelta(replyID, "streaming"))

	_, _, err = c.Begin("second")
	assert.ErrorIs(t, err, ErrBusy)

	snap := c.Snapshot()
	require.Len(t, snap, 2, "rejected submit must not add messages")
	streaming := 0
	for _, m := range snap {
		if m.IsStreaming {
			streaming++
		}
	}
	assert.Equal(t, 1, streaming)

	require.NoError(t, c.Complete(replyID))
	_, _, err = c.Begin("second")
	assert.NoError(t, err, "lock released after completion")
}

func TestSingleFlightConcurrentBegin(t *testing.T) {
	c := NewConversation(DeltaReplace, nil)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := c.Begin("hi"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Len(t, c.Snapshot(), 2)
}

func TestDeltaModes(t *testing.T) {
	tests := []struct {
		mode DeltaMode
		want string
	}{
		{DeltaReplace, "Hi there"},
		{DeltaAppend, "HiHi there"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			c := NewConversation(tt.mode, nil)
			_, id, err := c.Begin("Hello")
			require.NoError(t, err)

			require.NoError(t, c.ApplyDelta(id, "Hi"))
			m, _ := c.Snapshot().Find(id)
			assert.Equal(t, StateStreaming, m.State)

			require.NoError(t, c.ApplyDelta(id, "Hi there"))
			require.NoError(t, c.Complete(id))

			m, _ = c.Snapshot().Find(id)
			assert.Equal(t, tt.want, m.Content)
			assert.Equal(t, StateComplete, m.State)
			assert.False(t, m.IsStreaming)
			assert.False(t, m.IsError)
		})
	}
}

func TestFinalStatesAreIdempotent(t *testing.T) {
	finish := map[string]func(c *Conversation, id string) error{
		"complete": func(c *Conversation, id string) error { return c.Complete(id) },
		"fail": func(c *Conversation, id string) error {
			return c.Fail(id, &ServerError{Message: "boom"})
		},
	}

	for name, end := range finish {
		t.Run(name, func(t *testing.T) {
			c := NewConversation(DeltaAppend, nil)
			_, id, err := c.Begin("q")
			require.NoError(t, err)
			require.NoError(t, c.ApplyDelta(id, "partial"))
			require.NoError(t, end(c, id))

			before, _ := c.Snapshot().Find(id)

			assert.NoError(t, c.ApplyDelta(id, " more"))
			assert.NoError(t, c.Complete(id))
			assert.NoError(t, c.Fail(id, errors.New("late")))

			after, _ := c.Snapshot().Find(id)
			assert.Equal(t, before, after)
			assert.False(t, after.IsStreaming)
		})
	}
}

func TestFailSetsErrorContent(t *testing.T) {
	c := NewConversation(DeltaReplace, nil)
	_, id, err := c.Begin("q")
	require.NoError(t, err)
	require.NoError(t, c.ApplyDelta(id, "partial answer"))

	require.NoError(t, c.Fail(id, &ServerError{Message: "model overloaded"}))

	m, _ := c.Snapshot().Find(id)
	assert.Equal(t, StateFailed, m.State)
	assert.True(t, m.IsError)
	assert.False(t, m.IsStreaming)
	assert.Equal(t, "Error: model overloaded", m.Content)
	assert.False(t, c.Busy())
}

func TestFailFromPending(t *testing.T) {
	c := NewConversation(DeltaReplace, nil)
	_, id, err := c.Begin("q")
	require.NoError(t, err)
	require.NoError(t, c.Fail(id, ErrCancelled))

	m, _ := c.Snapshot().Find(id)
	assert.Equal(t, StateFailed, m.State)
	assert.Equal(t, "Reply cancelled.", m.Content)
}

func TestUnknownMessage(t *testing.T) {
	c := NewConversation(DeltaReplace, nil)
	assert.ErrorIs(t, c.ApplyDelta("nope", "x"), ErrUnknownMessage)
}

func TestUserMessagesAreFinal(t *testing.T) {
	c := NewConversation(DeltaReplace, nil)
	userID, _, err := c.Begin("q")
	require.NoError(t, err)

	assert.NoError(t, c.ApplyDelta(userID, "rewrite"))
	m, _ := c.Snapshot().Find(userID)
	assert.Equal(t, "q", m.Content)
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	c := NewConversation(DeltaReplace, nil)
	var seen []Snapshot
	c.OnChange(func(s Snapshot) { seen = append(seen, s) })

	_, id, err := c.Begin("q")
	require.NoError(t, err)
	require.NoError(t, c.ApplyDelta(id, "A"))
	require.NoError(t, c.ApplyDelta(id, "B"))
	require.NoError(t, c.Complete(id))
	require.NoError(t, c.Complete(id)) // no-op, no notification

	require.Len(t, seen, 4)
	var contents []string
	for _, s := range seen {
		last, ok := s.Last()
		require.True(t, ok)
		contents = append(contents, last.Content)
	}
	assert.Equal(t, []string{"", "A", "B", "B"}, contents)

	// Snapshots are copies.
	seen[1][1].Content = "mutated"
	m, _ := c.Snapshot().Find(id)
	assert.Equal(t, "B", m.Content)
}

func TestLoadAndClear(t *testing.T) {
	c := NewConversation(DeltaReplace, nil)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.Load([]Message{
		{ID: "1", Sender: SenderUser, Content: "hi", Timestamp: ts},
		{ID: "2", Sender: SenderAssistant, Content: "hello", IsStreaming: true},
		{ID: "2", Sender: SenderAssistant, Content: "duplicate"},
		{Sender: SenderAssistant, Content: "no id"},
	}))

	snap := c.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "hello", snap[1].Content)
	assert.False(t, snap[1].IsStreaming)
	assert.Equal(t, StateComplete, snap[1].State)
	assert.NotEmpty(t, snap[2].ID)

	_, id, err := c.Begin("next")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Clear(), ErrBusy)
	require.NoError(t, c.Complete(id))
	require.NoError(t, c.Clear())
	assert.Empty(t, c.Snapshot())
}

func TestParseDeltaMode(t *testing.T) {
	tests := []struct {
		in      string
		want    DeltaMode
		wantErr bool
	}{
		{"", DeltaReplace, false},
		{"replace", DeltaReplace, false},
		{" Append ", DeltaAppend, false},
		{"merge", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDeltaMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestDescribeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"cancelled", ErrCancelled, "Reply cancelled."},
		{"stream closed", ErrStreamClosed, "The connection closed before the reply finished. Please try again."},
		{"server frame", &ServerError{Message: "quota exceeded"}, "Error: quota exceeded"},
		{"unauthorized", &api.HTTPStatusError{Status: 401, StatusText: "Unauthorized"}, "You need to be logged in to send messages."},
		{
			"validation array",
			&api.HTTPStatusError{
				Status:     422,
				Validation: []api.ValidationIssue{{Loc: []any{"body", "message"}, Msg: "too long"}},
			},
			"Validation error:\nbody.message: too long",
		},
		{"validation string", &api.HTTPStatusError{Status: 422, Detail: "chapter is locked"}, "Validation error: chapter is locked"},
		{"server 5xx", &api.HTTPStatusError{Status: 503, StatusText: "Service Unavailable"}, "The server ran into a problem. Please try again later."},
		{"other status", &api.HTTPStatusError{Status: 404, Detail: "Chapter not found"}, "Error: Chapter not found"},
		{"network", &api.NetworkError{Op: "sending chat request", Err: errors.New("dial tcp: refused")}, "Could not reach the server. Please check your connection and try again."},
		{"other", errors.New("weird"), "Error: weird"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DescribeError(tt.err))
		})
	}
}
