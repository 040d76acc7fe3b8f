package tui

import (
	"context"
	"errors"
	"time"

	"coursechat/internal/api"
	"coursechat/internal/chat"
	"coursechat/internal/service"

	tea "github.com/charmbracelet/bubbletea"
)

// ─── Messages sent from the stream goroutine to Bubble Tea ──────────────────

// replyUpdateMsg carries the reply's content after a delta. Updates may be
// dropped when the UI falls behind; each one holds the whole text so only
// the newest matters.
type replyUpdateMsg struct {
	content string
	state   chat.State
}

type replyDoneMsg struct {
	reply chat.Message
	err   error
}

type historyLoadedMsg struct {
	chapterID string
	msgs      []chat.Message
	source    string
	err       error
	// requested is set for /history; the load on mount stays quiet when
	// there is nothing to show.
	requested bool
}

// ─── Stream command ─────────────────────────────────────────────────────────
//
// The send runs in a goroutine; conversation changes are pushed into a
// channel and a tea.Cmd keeps reading from it until the reply is final.

type activeStream struct {
	ch     chan tea.Msg
	cancel context.CancelFunc
}

func beginStream(sess *chat.Session, text string, timeout time.Duration) (*activeStream, tea.Cmd) {
	ch := make(chan tea.Msg, 64)

	ctx, cancel := context.WithCancel(context.Background())
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}

	conv := sess.Conversation()
	conv.OnChange(func(s chat.Snapshot) {
		last, ok := s.Last()
		if !ok || last.Sender != chat.SenderAssistant || last.State.Final() {
			return
		}
		select {
		case ch <- replyUpdateMsg{content: last.Content, state: last.State}:
		default:
		}
	})

	go func() {
		defer close(ch)
		defer cancel()

		reply, err := sess.Send(ctx, text)
		conv.OnChange(nil)
		ch <- replyDoneMsg{reply: reply, err: err}
	}()

	return &activeStream{ch: ch, cancel: cancel}, waitForStream(ch)
}

// waitForStream reads the next message from the channel.
func waitForStream(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return replyDoneMsg{err: chat.ErrStreamClosed}
		}
		return msg
	}
}

// ─── History ────────────────────────────────────────────────────────────────

// loadHistory fetches the chapter's earlier messages from the server and
// falls back to the local transcript when the server can't be reached.
func loadHistory(client api.TutorAPI, local TranscriptStore, courseID, chapterID string, requested bool) tea.Cmd {
	return func() tea.Msg {
		msg := fetchHistory(client, local, courseID, chapterID)
		msg.requested = requested
		return msg
	}
}

func fetchHistory(client api.TutorAPI, local TranscriptStore, courseID, chapterID string) historyLoadedMsg {
	var serverErr error
	if client != nil && courseID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		records, err := client.ChatHistory(ctx, courseID, chapterID)
		if err == nil {
			return historyLoadedMsg{chapterID: chapterID, msgs: service.FromHistory(records), source: "server"}
		}
		serverErr = err
	}
	if local != nil {
		msgs, err := local.Load(courseID, chapterID)
		if err == nil {
			return historyLoadedMsg{chapterID: chapterID, msgs: msgs, source: "local", err: serverErr}
		}
		if serverErr == nil {
			serverErr = err
		}
	}
	if serverErr == nil {
		serverErr = errors.New("no history available")
	}
	return historyLoadedMsg{chapterID: chapterID, err: serverErr}
}
