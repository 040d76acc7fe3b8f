package tui

import (
	"fmt"
	"log/slog"

	"coursechat/internal/api"
	"coursechat/internal/chat"
	"coursechat/internal/config"

	tea "github.com/charmbracelet/bubbletea"
)

// TranscriptStore is the local transcript cache. *store.Store satisfies it.
type TranscriptStore interface {
	chat.Transcript
	Load(courseID, chapterID string) ([]chat.Message, error)
}

type Options struct {
	Version string
	Profile string
	Config  *config.Config
	// Client is nil until the user has logged in.
	Client api.TutorAPI
	Store  TranscriptStore
	Logger *slog.Logger
	// Connect builds a client for a config, after login or a server change.
	Connect func(cfg *config.Config) api.TutorAPI
}

// Run launches the interactive chat panel (inline, like the shell it runs in).
func Run(opts Options) error {
	m := initialModel(opts)

	p := tea.NewProgram(m)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	return nil
}
