package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"coursechat/internal/api"
	"coursechat/internal/chat"
	"coursechat/internal/config"

	tea "github.com/charmbracelet/bubbletea"
)

// mockAPI implements api.TutorAPI for testing.
type mockAPI struct {
	mu      sync.Mutex
	body    string
	stream  func(ctx context.Context) (io.ReadCloser, error)
	history []api.HistoryMessage
	sent    []string

	err error // if set, all methods return this error
}

func (m *mockAPI) Login(ctx context.Context, username, password string) (*api.LoginResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &api.LoginResponse{AccessToken: "test-token"}, nil
}

func (m *mockAPI) Me(ctx context.Context) (*api.UserInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &api.UserInfo{ID: "1", Username: "ada"}, nil
}

func (m *mockAPI) OpenChatStream(ctx context.Context, chapterID, message string) (io.ReadCloser, error) {
	m.mu.Lock()
	m.sent = append(m.sent, message)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.stream != nil {
		return m.stream(ctx)
	}
	return io.NopCloser(strings.NewReader(m.body)), nil
}

func (m *mockAPI) ChatHistory(ctx context.Context, courseID, chapterID string) ([]api.HistoryMessage, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.history, nil
}

func (m *mockAPI) GetCourse(ctx context.Context, courseID string) (*api.CourseInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &api.CourseInfo{Title: "Linear Algebra"}, nil
}

func (m *mockAPI) ChapterQuestions(ctx context.Context, courseID, chapterID string) ([]api.Question, error) {
	if m.err != nil {
		return nil, m.err
	}
	return nil, nil
}

const okStream = "data: {\"content\": \"Hello\"}\n\ndata: {\"content\": \"Hello there\"}\n\ndata: [DONE]\n\n"

func newTestModel(t *testing.T) model {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	client := &mockAPI{body: okStream}
	m := initialModel(Options{
		Version: "test",
		Config: &config.Config{
			Server:    "http://localhost:8000",
			Token:     "test-token",
			CourseID:  "7",
			ChapterID: "3",
		},
		Client:  client,
		Connect: func(*config.Config) api.TutorAPI { return client },
	})
	m.ready = true
	m.width = 80
	m.height = 24
	return m
}

func TestInitialModelOpensSession(t *testing.T) {
	m := newTestModel(t)
	if m.session == nil {
		t.Fatal("expected a session for a configured chapter")
	}
	if m.session.ChapterID() != "3" || m.session.CourseID() != "7" {
		t.Errorf("session for %s/%s", m.session.CourseID(), m.session.ChapterID())
	}

	noClient := initialModel(Options{Config: &config.Config{ChapterID: "3"}})
	if noClient.session != nil {
		t.Error("no session without a client")
	}

	noChapter := initialModel(Options{Config: &config.Config{}, Client: &mockAPI{}})
	if noChapter.session != nil {
		t.Error("no session without a chapter")
	}
}

func TestDispatchCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantMode appMode
	}{
		{"/help", modeIdle},
		{"/config", modeIdle},
		{"/clear", modeIdle},
		{"/history", modeIdle},
		{"/quit", modeIdle},
		{"/unknown", modeIdle},
		{"/login", modeLoginURL},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m := newTestModel(t)
			result, cmd := m.dispatchCommand(tt.input)
			rm := result.(model)
			if rm.mode != tt.wantMode {
				t.Errorf("mode = %d, want %d", rm.mode, tt.wantMode)
			}
			if cmd == nil {
				t.Error("expected a command")
			}
		})
	}
}

func TestDispatchInput(t *testing.T) {
	t.Run("question mark shows help", func(t *testing.T) {
		m := newTestModel(t)
		result, cmd := m.dispatchInput("?")
		if result.(model).mode != modeIdle || cmd == nil {
			t.Error("? should print help and stay idle")
		}
	})

	t.Run("plain text starts a reply", func(t *testing.T) {
		m := newTestModel(t)
		result, _ := m.dispatchInput("What is a basis?")
		rm := result.(model)
		if rm.mode != modeStreaming {
			t.Errorf("mode = %d, want modeStreaming", rm.mode)
		}
		if rm.stream == nil {
			t.Fatal("expected an active stream")
		}
		done := drain(t, rm.stream.ch)
		if done.reply.Content != "Hello there" {
			t.Errorf("reply = %q", done.reply.Content)
		}
	})

	t.Run("without client shows error", func(t *testing.T) {
		m := newTestModel(t)
		m.client = nil
		result, cmd := m.dispatchInput("test question")
		if result.(model).mode != modeIdle || cmd == nil {
			t.Error("expected an error and idle mode")
		}
	})

	t.Run("without chapter shows error", func(t *testing.T) {
		m := newTestModel(t)
		m.session = nil
		result, cmd := m.dispatchInput("test question")
		if result.(model).mode != modeIdle || cmd == nil {
			t.Error("expected an error and idle mode")
		}
	})

	t.Run("second question while streaming is refused", func(t *testing.T) {
		m := newTestModel(t)
		m.mode = modeStreaming
		result, cmd := m.dispatchInput("another")
		if result.(model).stream != nil || cmd == nil {
			t.Error("a second send must not start a stream")
		}
	})
}

func TestReplyLifecycle(t *testing.T) {
	m := newTestModel(t)
	result, _ := m.cmdAsk("hi")
	m = result.(model)

	result, cmd := m.Update(replyUpdateMsg{content: "Hel", state: chat.StateStreaming})
	m = result.(model)
	if m.preview != "Hel" {
		t.Errorf("preview = %q", m.preview)
	}
	if cmd == nil {
		t.Error("update should keep reading the stream")
	}
	if !strings.Contains(m.View(), "Writing") {
		t.Errorf("view while streaming = %q", m.View())
	}

	done := drain(t, m.stream.ch)
	result, _ = m.Update(done)
	m = result.(model)
	if m.mode != modeIdle || m.stream != nil || m.preview != "" {
		t.Errorf("after done: mode=%d stream=%v preview=%q", m.mode, m.stream, m.preview)
	}
	if m.session.Conversation().Busy() {
		t.Error("conversation should be idle")
	}
	snap := m.session.Conversation().Snapshot()
	if len(snap) != 2 || snap[1].State != chat.StateComplete {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestEscCancelsReply(t *testing.T) {
	m := newTestModel(t)
	client := m.client.(*mockAPI)
	client.stream = func(ctx context.Context) (io.ReadCloser, error) {
		pr, _ := io.Pipe()
		return pr, nil
	}

	result, _ := m.cmdAsk("slow question")
	m = result.(model)

	result, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = result.(model)
	if !m.cancelling {
		t.Fatal("esc should start cancelling")
	}
	if m.mode != modeStreaming {
		t.Error("mode stays streaming until the failed reply arrives")
	}

	done := drain(t, m.stream.ch)
	if done.reply.State != chat.StateFailed || done.reply.Content != "Reply cancelled." {
		t.Errorf("reply = %+v", done.reply)
	}

	result, _ = m.Update(done)
	m = result.(model)
	if m.mode != modeIdle || m.cancelling {
		t.Error("model should be idle after the cancelled reply")
	}
}

func TestCtrlCQuitsWhenIdle(t *testing.T) {
	m := newTestModel(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c while idle should quit")
	}
}

func TestLoginFlow(t *testing.T) {
	t.Run("login without args enters URL mode", func(t *testing.T) {
		m := newTestModel(t)
		result, _ := m.cmdLogin(nil)
		if result.(model).mode != modeLoginURL {
			t.Errorf("mode = %d, want modeLoginURL", result.(model).mode)
		}
	})

	t.Run("login with URL enters user mode", func(t *testing.T) {
		m := newTestModel(t)
		result, _ := m.cmdLogin([]string{"https://learn.example.com"})
		rm := result.(model)
		if rm.mode != modeLoginUser || rm.loginURL != "https://learn.example.com" {
			t.Errorf("mode = %d, loginURL = %q", rm.mode, rm.loginURL)
		}
	})

	t.Run("user submit transitions to pass mode", func(t *testing.T) {
		m := newTestModel(t)
		m.mode = modeLoginUser
		result, _ := m.handleLoginUserSubmit("ada")
		rm := result.(model)
		if rm.mode != modeLoginPass || rm.loginUser != "ada" {
			t.Errorf("mode = %d, loginUser = %q", rm.mode, rm.loginUser)
		}
	})

	t.Run("esc cancels login", func(t *testing.T) {
		m := newTestModel(t)
		m.mode = modeLoginPass
		result, _ := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
		if result.(model).mode != modeIdle {
			t.Error("esc should leave login mode")
		}
	})
}

func TestHandleLoginResult(t *testing.T) {
	t.Run("success reconnects", func(t *testing.T) {
		m := newTestModel(t)
		m.mode = modeLoginPass
		m.client = nil
		m.session = nil
		cfg := &config.Config{Server: "http://test.com", Username: "ada", Token: "token", CourseID: "1", ChapterID: "2"}

		result, _ := m.handleLoginResult(loginResultMsg{cfg: cfg})
		rm := result.(model)
		if rm.mode != modeIdle || rm.cfg != cfg {
			t.Error("config not applied")
		}
		if rm.client == nil || rm.session == nil {
			t.Fatal("expected client and session after login")
		}
		if rm.session.ChapterID() != "2" {
			t.Errorf("session chapter = %q", rm.session.ChapterID())
		}
	})

	t.Run("error", func(t *testing.T) {
		m := newTestModel(t)
		m.mode = modeLoginPass
		result, cmd := m.handleLoginResult(loginResultMsg{err: fmt.Errorf("auth failed")})
		if result.(model).mode != modeIdle || cmd == nil {
			t.Error("expected idle mode and an error message")
		}
	})
}

func TestChapterCommands(t *testing.T) {
	t.Run("chapter id opens a new session", func(t *testing.T) {
		m := newTestModel(t)
		old := m.session
		result, _ := m.cmdChapter([]string{"9"})
		rm := result.(model)
		if rm.cfg.ChapterID != "9" || rm.session == old || rm.session.ChapterID() != "9" {
			t.Errorf("chapter = %q", rm.cfg.ChapterID)
		}
	})

	t.Run("chapter link sets course too", func(t *testing.T) {
		m := newTestModel(t)
		result, _ := m.cmdChapter([]string{"http://localhost:5173/dashboard/courses/12/chapters/4?tab=chat"})
		rm := result.(model)
		if rm.cfg.CourseID != "12" || rm.cfg.ChapterID != "4" {
			t.Errorf("course/chapter = %s/%s", rm.cfg.CourseID, rm.cfg.ChapterID)
		}
	})

	t.Run("course change clears chapter", func(t *testing.T) {
		m := newTestModel(t)
		result, _ := m.cmdCourse([]string{"8"})
		rm := result.(model)
		if rm.cfg.CourseID != "8" || rm.cfg.ChapterID != "" || rm.session != nil {
			t.Errorf("course=%q chapter=%q session=%v", rm.cfg.CourseID, rm.cfg.ChapterID, rm.session)
		}
	})

	t.Run("no switching while streaming", func(t *testing.T) {
		m := newTestModel(t)
		m.mode = modeStreaming
		result, _ := m.cmdChapter([]string{"9"})
		if result.(model).cfg.ChapterID != "3" {
			t.Error("chapter changed mid-reply")
		}
	})
}

func TestHandleHistoryLoaded(t *testing.T) {
	m := newTestModel(t)
	msgs := []chat.Message{
		{ID: "1", Sender: chat.SenderUser, Content: "hi"},
		{ID: "2", Sender: chat.SenderAssistant, Content: "hello"},
	}

	result, cmd := m.Update(historyLoadedMsg{chapterID: "3", msgs: msgs, source: "server"})
	rm := result.(model)
	if cmd == nil {
		t.Error("expected transcript to be printed")
	}
	if got := len(rm.session.Conversation().Snapshot()); got != 2 {
		t.Errorf("conversation has %d messages, want 2", got)
	}

	_, cmd = rm.Update(historyLoadedMsg{chapterID: "other", msgs: msgs})
	if cmd != nil {
		t.Error("history for another chapter should be ignored")
	}

	_, cmd = rm.Update(historyLoadedMsg{chapterID: "3"})
	if cmd != nil {
		t.Error("empty history on mount should print nothing")
	}

	_, cmd = rm.Update(historyLoadedMsg{chapterID: "3", requested: true})
	if cmd == nil {
		t.Error("requested empty history should say so")
	}
}

func TestClearResetsConversation(t *testing.T) {
	m := newTestModel(t)
	_ = m.session.Conversation().Load([]chat.Message{{ID: "1", Sender: chat.SenderUser, Content: "hi"}})
	result, _ := m.cmdClear()
	if got := len(result.(model).session.Conversation().Snapshot()); got != 0 {
		t.Errorf("conversation has %d messages after /clear", got)
	}
}

func TestCommandHistoryNavigation(t *testing.T) {
	m := newTestModel(t)
	m.pushHistory("first")
	m.pushHistory("second")
	m.pushHistory("second")
	if len(m.history) != 2 {
		t.Fatalf("history = %v", m.history)
	}

	result, _ := m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = result.(model)
	if m.input.Value() != "second" {
		t.Errorf("up = %q", m.input.Value())
	}
	result, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = result.(model)
	if m.input.Value() != "first" {
		t.Errorf("up up = %q", m.input.Value())
	}
	result, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = result.(model)
	result, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = result.(model)
	if m.input.Value() != "" || m.historyIdx != -1 {
		t.Errorf("down past end = %q (idx %d)", m.input.Value(), m.historyIdx)
	}
}

func TestMatchCommands(t *testing.T) {
	tests := []struct {
		prefix string
		want   int
	}{
		{"/", len(slashCommands)},
		{"/c", 4},
		{"/ch", 1},
		{"/chapter 5", 0},
		{"/xyz", 0},
	}
	for _, tt := range tests {
		if got := len(matchCommands(tt.prefix)); got != tt.want {
			t.Errorf("matchCommands(%q) = %d matches, want %d", tt.prefix, got, tt.want)
		}
	}
}

// drain reads stream messages until the reply is final.
func drain(t *testing.T, ch <-chan tea.Msg) replyDoneMsg {
	t.Helper()
	for {
		msg := waitForStream(ch)()
		if done, ok := msg.(replyDoneMsg); ok {
			return done
		}
		if _, ok := msg.(replyUpdateMsg); !ok {
			t.Fatalf("unexpected stream message %T", msg)
		}
	}
}
