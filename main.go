package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"coursechat/internal/api"
	"coursechat/internal/chat"
	"coursechat/internal/config"
	"coursechat/internal/display"
	"coursechat/internal/logging"
	"coursechat/internal/poll"
	"coursechat/internal/service"
	"coursechat/internal/store"
	"coursechat/internal/tui"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const version = "0.1.0"

var (
	activeProfile string
	debugMode     bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		display.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coursechat",
		Short: "Chat with the course tutor from your terminal",
		Long: `coursechat talks to the course tutor of a chapter you are studying.

Run it without arguments to open the interactive chat panel.`,
		Example: `  coursechat login http://localhost:8000 -u ada -p secret
  coursechat set course 7
  coursechat set chapter 3
  coursechat
  coursechat ask "What is an eigenvector?"
  coursechat --profile staging history`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runInteractive,
	}

	root.PersistentFlags().StringVar(&activeProfile, "profile", "", "use a named config profile")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "log at debug level")

	root.AddCommand(
		&cobra.Command{
			Use:     "interactive",
			Aliases: []string{"i"},
			Short:   "Open the interactive chat panel (default)",
			Args:    cobra.NoArgs,
			RunE:    runInteractive,
		},
		newLoginCmd(),
		newSetCmd(),
		newConfigCmd(),
		newProfilesCmd(),
		newVersionCmd(),
		newAskCmd(),
		newHistoryCmd(),
		newWaitCmd(),
	)
	return root
}

// setup loads the active profile and opens its log file. The returned
// func closes the log.
func setup() (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(activeProfile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := logging.New(cfg, debugMode)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Debug("starting", slog.String("version", version), slog.String("server", cfg.Server))
	return cfg, logger, func() { _ = closeLog() }, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	path, err := cfg.StorePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.Open(path)
}

// ─── interactive ────────────────────────────────────────────────────────────

func runInteractive(cmd *cobra.Command, args []string) error {
	cfg, logger, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	opts := tui.Options{
		Version: version,
		Profile: activeProfile,
		Config:  cfg,
		Logger:  logger,
		Connect: func(c *config.Config) api.TutorAPI { return api.NewClient(c, logger) },
	}
	if cfg.Server != "" {
		opts.Client = api.NewClient(cfg, logger)
	}

	// Another coursechat holding the database only costs us the local cache.
	st, err := openStore(cfg)
	if err != nil {
		logger.Warn("local history unavailable", slog.Any("error", err))
	} else {
		defer st.Close()
		opts.Store = st
	}

	return tui.Run(opts)
}

// ─── login ──────────────────────────────────────────────────────────────────

func newLoginCmd() *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login <server-url>",
		Short: "Authenticate and store the session token",
		Example: `  coursechat login http://localhost:8000 -u ada -p secret
  coursechat --profile staging login https://tutor.example.edu/api -u ada`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), args[0], username, password)
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username or email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	return cmd
}

func runLogin(ctx context.Context, serverURL, username, password string) error {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")

	if username == "" {
		fmt.Print("Username/Email: ")
		fmt.Scanln(&username)
	}
	if password == "" {
		fmt.Print("Password: ")
		fmt.Scanln(&password)
	}
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}

	cfg, logger, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	fmt.Println()
	display.Spinner("Authenticating with " + serverURL + " ...")

	resp, err := api.NewClientWithServer(serverURL, logger).Login(ctx, username, password)
	display.ClearLine()
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	display.Success("Authenticated successfully")

	cfg.Server = serverURL
	cfg.Username = username
	cfg.Token = resp.AccessToken

	if me, err := api.NewClient(cfg, logger).Me(ctx); err != nil {
		display.Warn(fmt.Sprintf("Could not load your profile: %v", err))
	} else if me.Username != "" {
		cfg.Username = me.Username
	}

	if err := cfg.Save(); err != nil {
		return err
	}

	display.Info("Server:", serverURL)
	display.Info("User:", cfg.Username)

	pf := profileFlag()
	fmt.Println()
	if cfg.ChapterID == "" {
		fmt.Printf("  %sNext:%s Run %scoursechat%s set course <id>%s and %sset chapter <id>%s.\n\n",
			display.Dim, display.Reset, display.Cyan, pf, display.Reset, display.Cyan, display.Reset)
	} else {
		fmt.Printf("  %sReady!%s Chapter %s of course %s is selected.\n",
			display.Dim, display.Reset, cfg.ChapterID, cfg.CourseID)
		fmt.Printf("  %sNext:%s Run %scoursechat%s%s to start chatting.\n\n",
			display.Dim, display.Reset, display.Cyan, pf, display.Reset)
	}
	return nil
}

// ─── set ────────────────────────────────────────────────────────────────────

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting of the active profile",
		Long: `Change a setting of the active profile.

Keys:
  server       Tutor server URL (e.g. http://localhost:8000)
  course       Active course id (clears the chapter)
  chapter      Active chapter id, or a chapter page URL
  delta-mode   How content frames apply: replace or append
  timeout      Longest a reply may stream (e.g. 2m, 0 for no limit)
  log-level    debug, info, warn or error
  token        Session token, if you already have one`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setValue(args[0], args[1])
		},
	}
}

func setValue(key, value string) error {
	cfg, err := config.Load(activeProfile)
	if err != nil {
		return err
	}

	shown := value
	switch key {
	case "server":
		cfg.Server = strings.TrimRight(value, "/")
		shown = cfg.Server
	case "course":
		if cfg.CourseID != value {
			cfg.ChapterID = ""
		}
		cfg.CourseID = value
	case "chapter":
		if strings.Contains(value, "/") {
			_, courseID, chapterID, err := service.ParseChapterURL(value)
			if err != nil {
				return err
			}
			cfg.CourseID = courseID
			cfg.ChapterID = chapterID
			shown = fmt.Sprintf("%s (course %s)", chapterID, courseID)
		} else {
			cfg.ChapterID = value
		}
	case "delta-mode":
		mode, err := chat.ParseDeltaMode(value)
		if err != nil {
			return err
		}
		cfg.Chat.DeltaMode = string(mode)
		shown = cfg.Chat.DeltaMode
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid timeout %q (e.g. 90s, 2m, 0)", value)
		}
		cfg.Chat.Timeout = d
	case "log-level":
		if _, err := logging.ParseLevel(value); err != nil {
			return err
		}
		cfg.LogLevel = strings.ToLower(value)
	case "token":
		cfg.Token = value
		shown = truncate(value, 12)
	default:
		return fmt.Errorf("unknown config key: %s (valid: server, course, chapter, delta-mode, timeout, log-level, token)", key)
	}

	if err := cfg.Save(); err != nil {
		return err
	}

	display.Success(fmt.Sprintf("%s set to %s", key, shown))
	return nil
}

// ─── config ─────────────────────────────────────────────────────────────────

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the active configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(activeProfile)
			if err != nil {
				return err
			}
			printConfig(cfg)
			return nil
		},
	}
}

func printConfig(cfg *config.Config) {
	display.Header("coursechat configuration")

	display.Info("Profile:", config.ProfileName(activeProfile))
	display.Info("Server:", orNotSet(cfg.Server))
	display.Info("User:", orNotSet(cfg.Username))
	display.Info("Course:", orNotSet(cfg.CourseID))
	display.Info("Chapter:", orNotSet(cfg.ChapterID))
	if cfg.Server != "" && cfg.CourseID != "" && cfg.ChapterID != "" {
		display.Info("Chapter page:", service.BuildChapterURL(cfg.Server, cfg.CourseID, cfg.ChapterID))
	}

	mode, err := chat.ParseDeltaMode(cfg.Chat.DeltaMode)
	if err != nil {
		display.Info("Delta mode:", display.Red+cfg.Chat.DeltaMode+display.Reset)
	} else {
		display.Info("Delta mode:", string(mode))
	}
	timeout := "none"
	if cfg.Chat.Timeout > 0 {
		timeout = cfg.Chat.Timeout.String()
	}
	display.Info("Reply timeout:", timeout)

	token := display.Dim + "(not set)" + display.Reset
	if cfg.Token != "" {
		token = truncate(cfg.Token, 12)
	}
	display.Info("Token:", token)

	if path, err := cfg.LogPath(); err == nil {
		display.Info("Log file:", path)
	}
	if path, err := cfg.StorePath(); err == nil {
		display.Info("History db:", path)
	}
	fmt.Println()
}

// ─── profiles ───────────────────────────────────────────────────────────────

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List config profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := config.ListProfiles()
			if err != nil {
				return err
			}

			display.Header(fmt.Sprintf("Profiles (%d)", len(profiles)))
			if len(profiles) == 0 {
				display.Warn("No profiles found.")
				return nil
			}

			for _, p := range profiles {
				marker := " "
				if p == config.ProfileName(activeProfile) {
					marker = display.Green + "●" + display.Reset
				}
				fmt.Printf("  %s %s\n", marker, p)
			}
			fmt.Println()
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coursechat %s\n", version)
		},
	}
}

// ─── ask ────────────────────────────────────────────────────────────────────

func newAskCmd() *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the chapter tutor one question and stream the reply",
		Example: `  coursechat ask "Why is the determinant of a singular matrix zero?"
  coursechat ask --plain "Summarize this chapter" > notes.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				plain = true
			}
			return runAsk(cmd.Context(), strings.Join(args, " "), plain, os.Stdout)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print the finished reply without colors instead of streaming it")
	return cmd
}

func runAsk(ctx context.Context, question string, plain bool, out io.Writer) error {
	cfg, logger, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	if err := cfg.ValidateChapter(); err != nil {
		return err
	}
	mode, err := chat.ParseDeltaMode(cfg.Chat.DeltaMode)
	if err != nil {
		return err
	}

	conv := chat.NewConversation(mode, logger)
	sc := chat.SessionConfig{
		CourseID:     cfg.CourseID,
		ChapterID:    cfg.ChapterID,
		Transport:    api.NewClient(cfg, logger),
		Conversation: conv,
		Logger:       logger,
	}
	if st, err := openStore(cfg); err != nil {
		logger.Warn("local history unavailable", slog.Any("error", err))
	} else {
		defer st.Close()
		sc.Transcript = st
	}
	sess, err := chat.NewSession(sc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if cfg.Chat.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Chat.Timeout)
		defer cancel()
	}

	width := termWidth()
	var sp *streamPrinter
	if !plain {
		sp = newStreamPrinter(out)
		conv.OnChange(sp.update)
	}

	reply, sendErr := sess.Send(ctx, question)
	conv.OnChange(nil)

	if sp != nil {
		sp.lp.Flush()
	}

	if sendErr != nil {
		if reply.ID == "" {
			return sendErr
		}
		if api.IsUnauthorized(sendErr) {
			display.Warn("Run: coursechat" + profileFlag() + " login <server-url> -u <username> -p <password>")
		}
		return errors.New(reply.Content)
	}

	switch {
	case plain:
		text, err := display.RenderPlain(reply.Content, width)
		if err != nil {
			text = reply.Content + "\n"
		}
		fmt.Fprint(out, text)
	case sp.diverged:
		// The live text no longer matches the reply; show the final version.
		fmt.Fprintln(out)
		fmt.Fprintln(out, display.RenderMarkdown(reply.Content, width))
	}
	return nil
}

// streamPrinter writes the reply as it grows. A replace-mode frame that
// rewrites text already on screen stops the live output, and the finished
// reply is rendered whole instead.
type streamPrinter struct {
	lp       *display.LinePrinter
	printed  string
	diverged bool
}

func newStreamPrinter(w io.Writer) *streamPrinter {
	return &streamPrinter{lp: display.NewLinePrinter(w)}
}

func (p *streamPrinter) update(s chat.Snapshot) {
	last, ok := s.Last()
	if !ok || last.Sender != chat.SenderAssistant || p.diverged || last.State.Final() {
		return
	}
	suffix, ok := display.Growth(p.printed, last.Content)
	if !ok {
		p.diverged = true
		return
	}
	p.lp.Write(suffix)
	p.printed = last.Content
}

// ─── history ────────────────────────────────────────────────────────────────

func newHistoryCmd() *cobra.Command {
	var local, list, forget bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the conversation of the active chapter",
		Example: `  coursechat history
  coursechat history --local
  coursechat history --list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case list:
				return runHistoryList()
			case forget:
				return runHistoryForget()
			default:
				return runHistory(cmd.Context(), local)
			}
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "read the transcript saved on this machine")
	cmd.Flags().BoolVar(&list, "list", false, "list chapters with a saved transcript")
	cmd.Flags().BoolVar(&forget, "forget", false, "delete the saved transcript of the active chapter")
	cmd.MarkFlagsMutuallyExclusive("local", "list", "forget")
	return cmd
}

func runHistory(ctx context.Context, local bool) error {
	cfg, logger, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	var (
		msgs   []chat.Message
		source string
	)
	if local {
		if cfg.CourseID == "" || cfg.ChapterID == "" {
			return cfg.ValidateChapter()
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		msgs, err = st.Load(cfg.CourseID, cfg.ChapterID)
		if errors.Is(err, store.ErrNotFound) {
			display.Warn("No transcript saved for this chapter.")
			return nil
		}
		if err != nil {
			return err
		}
		source = "local"
	} else {
		if err := cfg.ValidateChapter(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		records, err := api.NewClient(cfg, logger).ChatHistory(ctx, cfg.CourseID, cfg.ChapterID)
		if err != nil {
			if api.IsUnauthorized(err) {
				return fmt.Errorf("%s Run: coursechat%s login <server-url>", chat.DescribeError(err), profileFlag())
			}
			return fmt.Errorf("loading history: %w", err)
		}
		msgs = service.FromHistory(records)
		source = "server"
	}

	display.Header(fmt.Sprintf("Course %s, chapter %s (%d messages, %s)", cfg.CourseID, cfg.ChapterID, len(msgs), source))
	if len(msgs) == 0 {
		display.Warn("No messages yet.")
		return nil
	}
	fmt.Println()

	width := termWidth()
	for _, m := range msgs {
		display.PrintMessage(m, width)
	}
	return nil
}

func runHistoryList() error {
	cfg, _, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	chapters, err := st.Chapters()
	if err != nil {
		return err
	}

	display.Header(fmt.Sprintf("Saved transcripts (%d)", len(chapters)))
	if len(chapters) == 0 {
		display.Warn("Nothing saved yet.")
		return nil
	}
	for _, c := range chapters {
		marker := " "
		if c.CourseID == cfg.CourseID && c.ChapterID == cfg.ChapterID {
			marker = display.Green + "●" + display.Reset
		}
		fmt.Printf("  %s course %-6s chapter %-6s %s%3d messages  %s%s\n",
			marker, c.CourseID, c.ChapterID, display.Dim, c.Messages, display.FormatTimestamp(c.UpdatedAt), display.Reset)
	}
	fmt.Println()
	return nil
}

func runHistoryForget() error {
	cfg, _, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	if cfg.CourseID == "" || cfg.ChapterID == "" {
		return cfg.ValidateChapter()
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Delete(cfg.CourseID, cfg.ChapterID); err != nil {
		return err
	}
	display.Success(fmt.Sprintf("Deleted the saved transcript of chapter %s", cfg.ChapterID))
	return nil
}

// ─── wait ───────────────────────────────────────────────────────────────────

func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait for the server to finish generating content",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "course [id]",
			Short: "Wait until a course has been generated (defaults to the active course)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id := ""
				if len(args) == 1 {
					id = args[0]
				}
				return runWaitCourse(cmd.Context(), id)
			},
		},
		&cobra.Command{
			Use:   "quiz",
			Short: "Wait until the active chapter's quiz has been generated",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWaitQuiz(cmd.Context())
			},
		},
	)
	return cmd
}

func newPoller(cfg *config.Config, logger *slog.Logger, what string) *poll.Poller {
	p := poll.New(cfg.PollInterval(), cfg.PollMaxAttempts(), logger)
	p.OnAttempt = func(attempt int, err error) {
		display.Spinner(fmt.Sprintf("Waiting for %s... (check %d of %d)", what, attempt, p.MaxAttempts))
	}
	return p
}

func runWaitCourse(ctx context.Context, courseID string) error {
	cfg, logger, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	if err := cfg.Validate(); err != nil {
		return err
	}
	if courseID == "" {
		courseID = cfg.CourseID
	}
	if courseID == "" {
		return fmt.Errorf("no course given. Run: coursechat%s wait course <id>", profileFlag())
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	p := newPoller(cfg, logger, "course "+courseID)
	display.Spinner(fmt.Sprintf("Waiting for course %s...", courseID))
	ci, err := poll.WaitForCourse(ctx, p, api.NewClient(cfg, logger), courseID)
	display.ClearLine()
	if err != nil {
		return waitError("course "+courseID, p, err)
	}

	display.Success(fmt.Sprintf("%s  %s", ci.Title, display.CourseStatusLabel(ci.Status)))
	display.Info("Course:", strconv.Itoa(ci.CourseID))
	display.Info("Chapters:", strconv.Itoa(ci.ChapterCount))
	if ci.TotalTimeHours > 0 {
		display.Info("Study time:", fmt.Sprintf("%dh", ci.TotalTimeHours))
	}
	fmt.Println()
	return nil
}

func runWaitQuiz(ctx context.Context) error {
	cfg, logger, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	if err := cfg.ValidateChapter(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	what := "the quiz of chapter " + cfg.ChapterID
	p := newPoller(cfg, logger, what)
	display.Spinner(fmt.Sprintf("Waiting for %s...", what))
	qs, err := poll.WaitForQuestions(ctx, p, api.NewClient(cfg, logger), cfg.CourseID, cfg.ChapterID)
	display.ClearLine()
	if err != nil {
		return waitError(what, p, err)
	}

	display.Success(fmt.Sprintf("Quiz ready (%d questions)", len(qs)))
	for i, q := range qs {
		fmt.Printf("  %s%d.%s %s\n", display.Cyan, i+1, display.Reset, q.Question)
		for _, a := range q.Answers {
			fmt.Printf("     %s• %s%s\n", display.Gray, a, display.Reset)
		}
	}
	fmt.Println()
	return nil
}

func waitError(what string, p *poll.Poller, err error) error {
	switch {
	case errors.Is(err, poll.ErrGaveUp):
		return fmt.Errorf("%s still not ready after %d checks", what, p.MaxAttempts)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("stopped waiting for %s", what)
	case errors.Is(err, poll.ErrCourseFailed):
		return err
	default:
		return fmt.Errorf("waiting for %s: %s", what, chat.DescribeError(err))
	}
}

// ─── helpers ────────────────────────────────────────────────────────────────

func profileFlag() string {
	if activeProfile == "" {
		return ""
	}
	return " --profile " + activeProfile
}

func orNotSet(v string) string {
	if v == "" {
		return display.Dim + "(not set)" + display.Reset
	}
	return v
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return min(w, 120)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
