package display

import (
	"fmt"
	"os"
	"strings"
	"time"

	"coursechat/internal/chat"
	"coursechat/internal/poll"
)

const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Dim     = "\033[2m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	White   = "\033[37m"
	Gray    = "\033[90m"
)

func Header(text string) {
	fmt.Printf("\n%s%s%s\n", Bold+Cyan, text, Reset)
	fmt.Println(strings.Repeat("─", min(len(text)+4, 80)))
}

func SubHeader(text string) {
	fmt.Printf("%s%s%s\n", Bold+White, text, Reset)
}

func Success(text string) {
	fmt.Printf("%s✓%s %s\n", Green, Reset, text)
}

func Error(text string) {
	fmt.Fprintf(os.Stderr, "%s✗%s %s\n", Red, Reset, text)
}

func Warn(text string) {
	fmt.Printf("%s!%s %s\n", Yellow, Reset, text)
}

func Info(label, value string) {
	fmt.Printf("  %s%-20s%s %s\n", Dim, label, Reset, value)
}

func Spinner(text string) {
	fmt.Printf("\r%s⟳%s %s", Yellow, Reset, text)
}

func ClearLine() {
	fmt.Print("\r\033[K")
}

func CourseStatusLabel(status string) string {
	labels := map[string]string{
		poll.CourseCreating:  Yellow + "⟳ Creating" + Reset,
		poll.CourseFinished:  Green + "✓ Ready" + Reset,
		poll.CourseCompleted: Blue + "★ Completed" + Reset,
		poll.CourseFailed:    Red + "✗ Failed" + Reset,
	}
	if label, ok := labels[status]; ok {
		return label
	}
	return status
}

func SenderLabel(s chat.Sender) string {
	switch s {
	case chat.SenderUser:
		return Bold + Cyan + "You" + Reset
	case chat.SenderAssistant:
		return Bold + Magenta + "Tutor" + Reset
	}
	return Gray + string(s) + Reset
}

// MessageStateLabel is empty for finished replies; only unusual states get
// a marker.
func MessageStateLabel(st chat.State) string {
	switch st {
	case chat.StatePending:
		return Gray + "… waiting" + Reset
	case chat.StateStreaming:
		return Yellow + "⟳ streaming" + Reset
	case chat.StateFailed:
		return Red + "✗ failed" + Reset
	}
	return ""
}

// PrintMessage writes one transcript entry: a sender line, then the
// content rendered as markdown.
func PrintMessage(m chat.Message, width int) {
	head := SenderLabel(m.Sender)
	if !m.Timestamp.IsZero() {
		head += " " + Gray + FormatTimestamp(m.Timestamp) + Reset
	}
	if st := MessageStateLabel(m.State); st != "" {
		head += " " + st
	}
	fmt.Println(head)

	if m.IsError {
		fmt.Printf("  %s%s%s\n\n", Red, m.Content, Reset)
		return
	}
	if m.Sender == chat.SenderUser {
		fmt.Printf("  %s\n\n", m.Content)
		return
	}
	fmt.Println(RenderMarkdown(m.Content, width))
}

func FormatTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return ts
		}
	}
	return FormatTimestamp(t)
}

func FormatTimestamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
