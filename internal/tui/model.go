package tui

import (
	"log/slog"
	"strings"

	"coursechat/internal/api"
	"coursechat/internal/chat"
	"coursechat/internal/config"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ─── App mode ───────────────────────────────────────────────────────────────

type appMode int

const (
	modeIdle appMode = iota
	modeStreaming
	modeLoginURL
	modeLoginUser
	modeLoginPass
)

const inputPlaceholder = "Ask about this chapter or type /help..."

// ─── Slash command registry ─────────────────────────────────────────────────

type slashCmd struct {
	name string
	desc string
}

var slashCommands = []slashCmd{
	{"/chapter", "Switch to another chapter"},
	{"/clear", "Clear the screen and conversation"},
	{"/config", "Show current configuration"},
	{"/course", "Switch to another course"},
	{"/help", "Show all commands"},
	{"/history", "Show earlier messages in this chapter"},
	{"/login", "Login to a course server"},
	{"/quit", "Exit"},
}

// ─── Model ──────────────────────────────────────────────────────────────────

type model struct {
	width  int
	height int

	// Bubble Tea components
	input   textinput.Model
	spinner spinner.Model

	// App state
	mode    appMode
	cfg     *config.Config
	client  api.TutorAPI
	connect func(cfg *config.Config) api.TutorAPI
	store   TranscriptStore
	logger  *slog.Logger
	session *chat.Session
	version string
	profile string

	// Streaming state
	stream     *activeStream
	preview    string // content of the reply in flight
	cancelling bool

	// Login flow state
	loginURL  string
	loginUser string

	// UI state
	ready        bool
	cmdMenuIdx   int
	cmdMenuOpen  bool
	lastInputVal string

	// Command history
	history      []string
	historyIdx   int // -1 = not browsing
	historySaved string
}

func initialModel(opts Options) model {
	ti := textinput.New()
	ti.Placeholder = inputPlaceholder
	ti.Focus()
	ti.CharLimit = 4096
	ti.Prompt = "❯ "
	ti.PromptStyle = promptSymbol
	ti.Cursor.Style = lipgloss.NewStyle().Foreground(colorTeal)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorTeal)

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{Profile: opts.Profile}
	}

	m := model{
		input:      ti,
		spinner:    sp,
		version:    opts.Version,
		profile:    opts.Profile,
		cfg:        cfg,
		client:     opts.Client,
		connect:    opts.Connect,
		store:      opts.Store,
		logger:     logger,
		mode:       modeIdle,
		history:    make([]string, 0),
		historyIdx: -1,
	}
	m.openSession()
	return m
}

// openSession starts a fresh conversation for the configured chapter. The
// session stays nil until there is both a client and a chapter.
func (m *model) openSession() {
	m.session = nil
	if m.client == nil || m.cfg.ChapterID == "" {
		return
	}
	mode, err := chat.ParseDeltaMode(m.cfg.Chat.DeltaMode)
	if err != nil {
		m.logger.Warn("bad delta mode in config, using replace", slog.Any("error", err))
		mode = chat.DeltaReplace
	}

	scfg := chat.SessionConfig{
		CourseID:     m.cfg.CourseID,
		ChapterID:    m.cfg.ChapterID,
		Transport:    m.client,
		Conversation: chat.NewConversation(mode, m.logger),
		Logger:       m.logger,
	}
	if m.store != nil {
		scfg.Transcript = m.store
	}
	sess, err := chat.NewSession(scfg)
	if err != nil {
		m.logger.Warn("opening chat session", slog.Any("error", err))
		return
	}
	m.session = sess
}

// ─── Init ───────────────────────────────────────────────────────────────────

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.spinner.Tick}
	if m.session != nil {
		cmds = append(cmds, loadHistory(m.client, m.store, m.cfg.CourseID, m.cfg.ChapterID, false))
	}
	return tea.Batch(cmds...)
}

// ─── Update ─────────────────────────────────────────────────────────────────

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = m.width - 6

		if !m.ready {
			m.ready = true
			welcome := renderWelcome(m.version, m.cfg.Server, m.cfg.CourseID, m.cfg.ChapterID, m.width)
			cmds = append(cmds, tea.Sequence(tea.Println(welcome), tea.Println(renderGreeting())))
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.mode == modeStreaming {
				return m.cancelReply()
			}
			return m, tea.Quit

		case tea.KeyEsc:
			if m.mode == modeStreaming {
				return m.cancelReply()
			}
			if m.mode == modeLoginURL || m.mode == modeLoginUser || m.mode == modeLoginPass {
				m.mode = modeIdle
				m.input.Placeholder = inputPlaceholder
				m.input.SetValue("")
				m.input.EchoMode = textinput.EchoNormal
				return m, tea.Println(warnMsgStyle.Render("  ! Login cancelled."))
			}
			if m.cmdMenuOpen {
				m.cmdMenuOpen = false
				m.cmdMenuIdx = 0
				return m, nil
			}

		case tea.KeyUp:
			if m.mode == modeIdle {
				if m.cmdMenuOpen {
					if matches := matchCommands(m.input.Value()); len(matches) > 0 {
						m.cmdMenuIdx--
						if m.cmdMenuIdx < 0 {
							m.cmdMenuIdx = len(matches) - 1
						}
						return m, nil
					}
				} else if len(m.history) > 0 {
					if m.historyIdx == -1 {
						m.historySaved = m.input.Value()
						m.historyIdx = len(m.history) - 1
					} else if m.historyIdx > 0 {
						m.historyIdx--
					}
					m.input.SetValue(m.history[m.historyIdx])
					m.input.CursorEnd()
					return m, nil
				}
			}

		case tea.KeyDown:
			if m.mode == modeIdle {
				if m.cmdMenuOpen {
					if matches := matchCommands(m.input.Value()); len(matches) > 0 {
						m.cmdMenuIdx++
						if m.cmdMenuIdx >= len(matches) {
							m.cmdMenuIdx = 0
						}
						return m, nil
					}
				} else if m.historyIdx != -1 {
					m.historyIdx++
					if m.historyIdx >= len(m.history) {
						m.historyIdx = -1
						m.input.SetValue(m.historySaved)
						m.historySaved = ""
					} else {
						m.input.SetValue(m.history[m.historyIdx])
					}
					m.input.CursorEnd()
					return m, nil
				}
			}

		case tea.KeyTab:
			if m.mode == modeIdle && m.cmdMenuOpen {
				if matches := matchCommands(m.input.Value()); len(matches) > 0 {
					idx := m.cmdMenuIdx
					if idx < 0 || idx >= len(matches) {
						idx = 0
					}
					m.input.SetValue(matches[idx].name + " ")
					m.input.CursorEnd()
					m.cmdMenuOpen = false
					m.cmdMenuIdx = 0
				}
				return m, nil
			}

		case tea.KeyEnter:
			if m.mode == modeStreaming {
				return m, nil
			}
			if m.mode == modeIdle && m.cmdMenuOpen && m.cmdMenuIdx >= 0 {
				matches := matchCommands(m.input.Value())
				if m.cmdMenuIdx < len(matches) && strings.TrimSpace(m.input.Value()) != matches[m.cmdMenuIdx].name {
					m.input.SetValue(matches[m.cmdMenuIdx].name + " ")
					m.input.CursorEnd()
					m.cmdMenuOpen = false
					m.cmdMenuIdx = 0
					return m, nil
				}
			}

			value := strings.TrimSpace(m.input.Value())
			if value == "" {
				return m, nil
			}

			// Passwords stay out of the history.
			if m.mode != modeLoginPass {
				m.pushHistory(value)
			}

			m.input.SetValue("")
			m.cmdMenuOpen = false
			m.cmdMenuIdx = 0

			switch m.mode {
			case modeLoginURL:
				return m.handleLoginURLSubmit(value)
			case modeLoginUser:
				return m.handleLoginUserSubmit(value)
			case modeLoginPass:
				return m.handleLoginPassSubmit(value)
			default:
				return m.dispatchInput(value)
			}
		}

	// ── Stream messages ───────────────────────────────────────────────
	case replyUpdateMsg:
		m.preview = msg.content
		if m.stream != nil {
			cmds = append(cmds, waitForStream(m.stream.ch))
		}
		return m, tea.Batch(cmds...)

	case replyDoneMsg:
		return m.handleReplyDone(msg)

	case historyLoadedMsg:
		return m.handleHistoryLoaded(msg)

	case loginResultMsg:
		return m.handleLoginResult(msg)
	}

	var cmd tea.Cmd

	if m.mode != modeStreaming {
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.spinner, cmd = m.spinner.Update(msg)
	cmds = append(cmds, cmd)

	newVal := m.input.Value()
	if newVal != m.lastInputVal {
		m.lastInputVal = newVal
		if m.historyIdx != -1 && m.historyIdx < len(m.history) && m.history[m.historyIdx] != newVal {
			m.historyIdx = -1
			m.historySaved = ""
		}
		m.cmdMenuOpen = m.mode == modeIdle && strings.HasPrefix(newVal, "/")
		m.cmdMenuIdx = 0
	}

	return m, tea.Batch(cmds...)
}

func (m *model) pushHistory(value string) {
	if len(m.history) == 0 || m.history[len(m.history)-1] != value {
		m.history = append(m.history, value)
		if len(m.history) > 1000 {
			m.history = m.history[len(m.history)-1000:]
		}
	}
	m.historyIdx = -1
	m.historySaved = ""
}

// cancelReply stops the reply in flight. The stream goroutine still
// delivers the final (failed) reply, so the mode changes back once it does.
func (m model) cancelReply() (tea.Model, tea.Cmd) {
	if m.stream == nil || m.cancelling {
		return m, nil
	}
	m.cancelling = true
	m.stream.cancel()
	return m, nil
}

func (m model) handleReplyDone(msg replyDoneMsg) (tea.Model, tea.Cmd) {
	m.mode = modeIdle
	m.stream = nil
	m.preview = ""
	m.cancelling = false

	reply := msg.reply
	if reply.ID == "" {
		// The send never started: busy or empty input.
		text := chat.DescribeError(msg.err)
		if msg.err != nil && text == "" {
			text = msg.err.Error()
		}
		return m, tea.Println(errorMsgStyle.Render("  ✗ " + text))
	}

	if msg.err != nil {
		m.logger.Info("reply ended with error", slog.Any("error", msg.err))
	}
	if api.IsUnauthorized(msg.err) {
		return m, tea.Sequence(
			tea.Println(renderReply(reply, m.width)),
			tea.Println(dimStyle.Render("    Type /login to sign in again.")),
			tea.Println(""),
		)
	}
	return m, tea.Sequence(
		tea.Println(renderReply(reply, m.width)),
		tea.Println(""),
	)
}

func (m model) handleHistoryLoaded(msg historyLoadedMsg) (tea.Model, tea.Cmd) {
	if m.session == nil || msg.chapterID != m.session.ChapterID() {
		// Stale result for a chapter we've already left.
		return m, nil
	}
	if msg.err != nil {
		m.logger.Debug("loading history", slog.String("source", msg.source), slog.Any("error", msg.err))
	}
	if len(msg.msgs) == 0 {
		if !msg.requested {
			return m, nil
		}
		if msg.err != nil && msg.source == "" {
			return m, tea.Println(warnMsgStyle.Render("  ! Could not load history: " + chat.DescribeError(msg.err)))
		}
		return m, tea.Println(dimStyle.Render("  No earlier messages in this chapter."))
	}

	if !m.session.Conversation().Busy() {
		if err := m.session.Conversation().Load(msg.msgs); err != nil {
			m.logger.Warn("loading history into conversation", slog.Any("error", err))
		}
	}
	return m, tea.Println(renderTranscript(msg.msgs, msg.source, m.width))
}

// ─── View ───────────────────────────────────────────────────────────────────
//
// Inline mode: View() only shows the live reply, the prompt and hints.
// Everything else is printed above via tea.Println.

func (m model) View() string {
	if !m.ready {
		return ""
	}

	var s strings.Builder

	if m.mode == modeStreaming {
		if p := renderPreview(m.preview); p != "" {
			s.WriteString(p)
			s.WriteString("\n")
		}
		status := "Thinking..."
		switch {
		case m.cancelling:
			status = "Cancelling..."
		case m.preview != "":
			status = "Writing..."
		}
		s.WriteString(m.spinner.View() + " " + statusStyle.Render(status))
	} else {
		s.WriteString(m.input.View())
	}
	s.WriteString("\n")

	sepWidth := max(min(m.width, 80), 20)
	s.WriteString(separatorStyle.Render(strings.Repeat("─", sepWidth)))
	s.WriteString("\n")

	s.WriteString(m.renderHints())

	return s.String()
}

// ─── Hint bar ───────────────────────────────────────────────────────────────

func (m model) renderHints() string {
	if m.mode == modeStreaming {
		return hintBarStyle.Render("  Esc cancel")
	}

	if m.mode == modeLoginURL || m.mode == modeLoginUser || m.mode == modeLoginPass {
		return hintBarStyle.Render("  Enter submit   Esc cancel")
	}

	if m.cmdMenuOpen {
		if matches := matchCommands(m.input.Value()); len(matches) > 0 {
			return m.renderCommandMenu(matches)
		}
	}

	return hintBarStyle.Render("  ? for help")
}

// renderCommandMenu renders a vertical list of matching commands.
func (m model) renderCommandMenu(matches []slashCmd) string {
	maxLen := 0
	for _, c := range matches {
		maxLen = max(maxLen, len(c.name))
	}

	var lines []string
	for i, c := range matches {
		padded := c.name + strings.Repeat(" ", maxLen-len(c.name))
		if i == m.cmdMenuIdx {
			lines = append(lines, "  "+cmdSelectedNameStyle.Render(padded)+"  "+cmdSelectedDescStyle.Render(c.desc))
		} else {
			lines = append(lines, "  "+cmdNameStyle.Render(padded)+"  "+cmdDescStyle.Render(c.desc))
		}
	}

	lines = append(lines, hintBarStyle.Render("  ↑↓ navigate  Tab/Enter select"))

	return strings.Join(lines, "\n")
}

// matchCommands returns all slash commands matching a prefix.
func matchCommands(prefix string) []slashCmd {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "/" {
		return slashCommands
	}
	// Once arguments are being typed the menu has done its job.
	if strings.Contains(prefix, " ") {
		return nil
	}
	var matches []slashCmd
	for _, c := range slashCommands {
		if strings.HasPrefix(c.name, prefix) {
			matches = append(matches, c)
		}
	}
	return matches
}
