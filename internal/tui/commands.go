package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coursechat/internal/api"
	"coursechat/internal/config"
	"coursechat/internal/service"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// ─── Input dispatcher ───────────────────────────────────────────────────────

func (m model) dispatchInput(input string) (tea.Model, tea.Cmd) {
	if input == "?" {
		return m.cmdHelp()
	}
	if strings.HasPrefix(input, "/") {
		return m.dispatchCommand(input)
	}
	return m.cmdAsk(input)
}

func (m model) dispatchCommand(input string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return m, nil
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "/help", "/h":
		return m.cmdHelp()
	case "/login":
		return m.cmdLogin(args)
	case "/history":
		return m.cmdHistory()
	case "/chapter":
		return m.cmdChapter(args)
	case "/course":
		return m.cmdCourse(args)
	case "/config":
		return m.cmdConfig()
	case "/clear":
		return m.cmdClear()
	case "/quit", "/exit", "/q":
		return m, tea.Quit
	default:
		return m, tea.Println(errorMsgStyle.Render(fmt.Sprintf("  ✗ Unknown command: %s (type /help)", cmd)))
	}
}

// ─── /help ──────────────────────────────────────────────────────────────────

func (m model) cmdHelp() (tea.Model, tea.Cmd) {
	row := func(key, desc string) tea.Cmd {
		return tea.Println("  " + hintKeyStyle.Render(fmt.Sprintf("%-22s", key)) + dimStyle.Render(desc))
	}

	return m, tea.Sequence(
		tea.Println(""),
		tea.Println(dimStyle.Render("  Commands:")),
		tea.Println(""),
		row("/login <url>", "Login to a course server"),
		row("/course <id>", "Switch course"),
		row("/chapter <id|url>", "Switch chapter (or paste the chapter's web link)"),
		row("/history", "Show earlier messages in this chapter"),
		row("/config", "Show current configuration"),
		row("/clear", "Clear the screen and conversation"),
		row("/quit", "Exit"),
		tea.Println(""),
		tea.Println(dimStyle.Render("  Esc or Ctrl+C stops a reply that is still being written.")),
		tea.Println(dimStyle.Render("  Anything else you type is sent to the course assistant.")),
		tea.Println(""),
	)
}

// ─── /login ─────────────────────────────────────────────────────────────────

func (m model) cmdLogin(args []string) (tea.Model, tea.Cmd) {
	if len(args) > 0 {
		m.loginURL = args[0]
		m.mode = modeLoginUser
		m.input.Placeholder = "Username..."
		m.input.SetValue("")
		return m, tea.Println(dimStyle.Render(fmt.Sprintf("  Logging in to %s", m.loginURL)))
	}

	m.mode = modeLoginURL
	m.input.Placeholder = "Server URL (e.g. http://localhost:8000)..."
	m.input.SetValue("")
	return m, tea.Println(dimStyle.Render("  Enter the course server URL:"))
}

func (m model) handleLoginURLSubmit(value string) (tea.Model, tea.Cmd) {
	m.loginURL = value
	m.mode = modeLoginUser
	m.input.Placeholder = "Username..."
	m.input.SetValue("")
	return m, tea.Sequence(
		tea.Println(dimStyle.Render(fmt.Sprintf("  Server: %s", value))),
		tea.Println(dimStyle.Render("  Enter your username:")),
	)
}

func (m model) handleLoginUserSubmit(value string) (tea.Model, tea.Cmd) {
	m.loginUser = value
	m.mode = modeLoginPass
	m.input.Placeholder = "Password..."
	m.input.SetValue("")
	m.input.EchoCharacter = '•'
	m.input.EchoMode = textinput.EchoPassword
	return m, tea.Sequence(
		tea.Println(dimStyle.Render(fmt.Sprintf("  User: %s", value))),
		tea.Println(dimStyle.Render("  Enter your password:")),
	)
}

type loginResultMsg struct {
	cfg *config.Config
	err error
}

func (m model) handleLoginPassSubmit(value string) (tea.Model, tea.Cmd) {
	password := value
	m.input.EchoMode = textinput.EchoNormal
	m.input.SetValue("")
	m.input.Placeholder = "Authenticating..."

	serverURL := strings.TrimRight(m.loginURL, "/")
	username := m.loginUser
	cfg := *m.cfg
	logger := m.logger

	return m, tea.Sequence(
		tea.Println(statusStyle.Render("  ⟳ Authenticating...")),
		func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			client := api.NewClientWithServer(serverURL, logger)
			resp, err := client.Login(ctx, username, password)
			if err != nil {
				return loginResultMsg{err: fmt.Errorf("authentication failed: %w", err)}
			}

			cfg.Server = serverURL
			cfg.Username = username
			cfg.Token = resp.AccessToken
			if err := cfg.Save(); err != nil {
				return loginResultMsg{err: err}
			}
			return loginResultMsg{cfg: &cfg}
		},
	)
}

func (m model) handleLoginResult(msg loginResultMsg) (tea.Model, tea.Cmd) {
	m.mode = modeIdle
	m.input.Placeholder = inputPlaceholder
	m.loginURL = ""
	m.loginUser = ""

	if msg.err != nil {
		return m, tea.Println(errorMsgStyle.Render(fmt.Sprintf("  ✗ %v", msg.err)))
	}

	m.cfg = msg.cfg
	m.reconnect()

	cmds := []tea.Cmd{
		tea.Println(successMsgStyle.Render("  ✓ Logged in successfully!")),
		tea.Println(dimStyle.Render(fmt.Sprintf("    Server: %s", m.cfg.Server))),
		tea.Println(dimStyle.Render(fmt.Sprintf("    User: %s", m.cfg.Username))),
	}
	if m.cfg.ChapterID == "" {
		cmds = append(cmds, tea.Println(dimStyle.Render("    Next: type /course <id> and /chapter <id>")))
	}
	cmds = append(cmds, tea.Println(""))
	return m, tea.Sequence(cmds...)
}

// reconnect rebuilds the client from the current config and opens a new
// session for the configured chapter.
func (m *model) reconnect() {
	m.client = nil
	if m.cfg.Server != "" && m.cfg.Token != "" {
		if m.connect != nil {
			m.client = m.connect(m.cfg)
		} else {
			m.client = api.NewClient(m.cfg, m.logger)
		}
	}
	m.openSession()
}

// ─── /course, /chapter ──────────────────────────────────────────────────────

func (m model) cmdCourse(args []string) (tea.Model, tea.Cmd) {
	if len(args) == 0 {
		return m, tea.Println(dimStyle.Render(fmt.Sprintf("  Course: %s", orDash(m.cfg.CourseID))))
	}
	if m.mode == modeStreaming {
		return m, tea.Println(warnMsgStyle.Render("  ! Wait for the reply to finish first."))
	}

	m.cfg.CourseID = args[0]
	m.cfg.ChapterID = ""
	if err := m.cfg.Save(); err != nil {
		return m, tea.Println(errorMsgStyle.Render(fmt.Sprintf("  ✗ Failed to save config: %v", err)))
	}
	m.openSession()
	return m, tea.Sequence(
		tea.Println(successMsgStyle.Render(fmt.Sprintf("  ✓ Course set to: %s", args[0]))),
		tea.Println(dimStyle.Render("    Now pick a chapter with /chapter <id>.")),
	)
}

func (m model) cmdChapter(args []string) (tea.Model, tea.Cmd) {
	if len(args) == 0 {
		return m, tea.Println(dimStyle.Render(fmt.Sprintf("  Chapter: %s", orDash(m.cfg.ChapterID))))
	}
	if m.mode == modeStreaming {
		return m, tea.Println(warnMsgStyle.Render("  ! Wait for the reply to finish first."))
	}

	chapterID := args[0]
	if strings.Contains(chapterID, "://") {
		_, courseID, chID, err := service.ParseChapterURL(chapterID)
		if err != nil {
			return m, tea.Println(errorMsgStyle.Render(fmt.Sprintf("  ✗ %v", err)))
		}
		m.cfg.CourseID = courseID
		chapterID = chID
	}
	m.cfg.ChapterID = chapterID
	if err := m.cfg.Save(); err != nil {
		return m, tea.Println(errorMsgStyle.Render(fmt.Sprintf("  ✗ Failed to save config: %v", err)))
	}
	m.openSession()

	cmds := []tea.Cmd{
		tea.Println(successMsgStyle.Render(fmt.Sprintf("  ✓ Chapter set to: %s (course %s)", chapterID, orDash(m.cfg.CourseID)))),
	}
	if m.session == nil {
		cmds = append(cmds, tea.Println(dimStyle.Render("    Type /login to start chatting.")))
		return m, tea.Sequence(cmds...)
	}
	cmds = append(cmds, loadHistory(m.client, m.store, m.cfg.CourseID, chapterID, false))
	return m, tea.Sequence(cmds...)
}

// ─── /history ───────────────────────────────────────────────────────────────

func (m model) cmdHistory() (tea.Model, tea.Cmd) {
	if m.session == nil {
		return m, tea.Println(errorMsgStyle.Render("  ✗ No chapter open. Use /chapter <id> first."))
	}
	if m.mode == modeStreaming {
		return m, tea.Println(warnMsgStyle.Render("  ! Wait for the reply to finish first."))
	}
	return m, tea.Sequence(
		tea.Println(statusStyle.Render("  ⟳ Loading history...")),
		loadHistory(m.client, m.store, m.cfg.CourseID, m.cfg.ChapterID, true),
	)
}

// ─── /config ────────────────────────────────────────────────────────────────

func (m model) cmdConfig() (tea.Model, tea.Cmd) {
	val := func(s string) string {
		if s == "" {
			return dimStyle.Render("(not set)")
		}
		return s
	}
	token := dimStyle.Render("(not set)")
	if m.cfg.Token != "" {
		token = m.cfg.Token[:min(12, len(m.cfg.Token))] + "..."
	}
	mode := m.cfg.Chat.DeltaMode
	if mode == "" {
		mode = "replace"
	}
	timeout := "none"
	if m.cfg.Chat.Timeout > 0 {
		timeout = m.cfg.Chat.Timeout.String()
	}

	cmds := []tea.Cmd{
		tea.Println(""),
		tea.Println(dimStyle.Render("  Configuration:")),
		tea.Println(fmt.Sprintf("    Profile:      %s", config.ProfileName(m.profile))),
		tea.Println(fmt.Sprintf("    Server:       %s", val(m.cfg.Server))),
		tea.Println(fmt.Sprintf("    User:         %s", val(m.cfg.Username))),
		tea.Println(fmt.Sprintf("    Course:       %s", val(m.cfg.CourseID))),
		tea.Println(fmt.Sprintf("    Chapter:      %s", val(m.cfg.ChapterID))),
		tea.Println(fmt.Sprintf("    Delta mode:   %s", mode)),
		tea.Println(fmt.Sprintf("    Timeout:      %s", timeout)),
		tea.Println(fmt.Sprintf("    Token:        %s", token)),
	}
	if m.cfg.Server != "" && m.cfg.CourseID != "" && m.cfg.ChapterID != "" {
		link := service.BuildChapterURL(m.cfg.Server, m.cfg.CourseID, m.cfg.ChapterID)
		cmds = append(cmds, tea.Println(fmt.Sprintf("    Web:          %s", link)))
	}
	cmds = append(cmds, tea.Println(""))
	return m, tea.Sequence(cmds...)
}

// ─── /clear ─────────────────────────────────────────────────────────────────

func (m model) cmdClear() (tea.Model, tea.Cmd) {
	if m.session != nil && m.mode != modeStreaming {
		if err := m.session.Conversation().Clear(); err != nil {
			return m, tea.Println(warnMsgStyle.Render("  ! " + err.Error()))
		}
	}
	return m, tea.ClearScreen
}

// ─── Ask ────────────────────────────────────────────────────────────────────

func (m model) cmdAsk(text string) (tea.Model, tea.Cmd) {
	if m.client == nil {
		return m, tea.Println(errorMsgStyle.Render("  ✗ Not logged in. Type /login to get started."))
	}
	if m.session == nil {
		return m, tea.Println(errorMsgStyle.Render("  ✗ No chapter set. Use /chapter <id> first."))
	}
	if m.mode == modeStreaming || m.session.Conversation().Busy() {
		return m, tea.Println(warnMsgStyle.Render("  ! A reply is already in progress."))
	}

	stream, cmd := beginStream(m.session, text, m.cfg.Chat.Timeout)
	m.mode = modeStreaming
	m.stream = stream
	m.preview = ""
	m.cancelling = false

	return m, tea.Sequence(
		tea.Println(""),
		tea.Println(renderUserMessage(text)),
		tea.Println(""),
		tea.Println(tutorLabelStyle.Render("  Tutor")),
		cmd,
	)
}
