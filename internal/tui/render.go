package tui

import (
	"fmt"
	"strings"

	"coursechat/internal/chat"
	"coursechat/internal/display"
)

// greeting is the tutor's opening line in a fresh panel. It is printed
// only, never stored in the conversation.
const greeting = "Hi! I'm your course assistant. Ask me anything about this chapter and I'll do my best to help."

// ─── Welcome Screen ─────────────────────────────────────────────────────────

func renderWelcome(version, server, courseID, chapterID string, width int) string {
	titleLine := logoTitleStyle.Render("Course Chat") + " " + versionStyle.Render("v"+version)

	var infoLine string
	if server == "" {
		infoLine = welcomeHintStyle.Render("Type /login <url> to get started")
	} else {
		serverDisplay := server
		if len(serverDisplay) > 40 {
			serverDisplay = serverDisplay[:37] + "..."
		}
		where := dimStyle.Render("no chapter set")
		if chapterID != "" {
			where = fmt.Sprintf("course %s · chapter %s", orDash(courseID), chapterID)
		}
		infoLine = welcomeInfoLabel.Render(serverDisplay + " · " + where)
	}

	return fmt.Sprintf("\n%s\n\n%s\n%s\n", renderBookArt(), titleLine, infoLine)
}

const bookASCIIArt = `
   ________   ________
  /        \ /        \
 |  ~~~~~~  |  ~~~~~~  |
 |  ~~~~~   |  ~~~~~~  |
 |  ~~~~~~  |  ~~~~    |
 |  ~~~~    |  ~~~~~~  |
 |__________|__________|
`

func renderBookArt() string {
	lines := trimEmptyEdgeLines(strings.Split(bookASCIIArt, "\n"))
	for i, line := range lines {
		lines[i] = colorizeBookLine(strings.TrimRight(line, " "))
	}
	return strings.Join(lines, "\n")
}

func trimEmptyEdgeLines(lines []string) []string {
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}

	end := len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[start:end]
}

// colorizeBookLine paints the covers and spine in the accent color and the
// page text gray, one style run at a time.
func colorizeBookLine(line string) string {
	spine := func(r rune) bool {
		return r == '|' || r == '/' || r == '\\' || r == '_'
	}

	var out, run strings.Builder
	runIsSpine := false
	flush := func() {
		if run.Len() == 0 {
			return
		}
		if runIsSpine {
			out.WriteString(logoSpineStyle.Render(run.String()))
		} else {
			out.WriteString(logoPageStyle.Render(run.String()))
		}
		run.Reset()
	}

	for i, r := range line {
		if s := spine(r); i == 0 || s != runIsSpine {
			flush()
			runIsSpine = s
		}
		run.WriteRune(r)
	}
	flush()
	return out.String()
}

func renderGreeting() string {
	return tutorLabelStyle.Render("  Tutor") + "\n  " + greeting + "\n"
}

// ─── Transcript ─────────────────────────────────────────────────────────────

func renderUserMessage(text string) string {
	return userPromptStyle.Render("  ❯ " + text)
}

// renderReply renders a finished reply: markdown for a completed one, the
// inline error for a failed one.
func renderReply(m chat.Message, width int) string {
	if m.IsError {
		return errorMsgStyle.Render("  ✗ " + m.Content)
	}
	if strings.TrimSpace(m.Content) == "" {
		return dimStyle.Render("  (empty reply)")
	}
	return strings.TrimRight(display.RenderMarkdown(m.Content, max(width-4, 20)), "\n")
}

func renderTranscript(msgs []chat.Message, source string, width int) string {
	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("  ── %d earlier messages (%s) ──", len(msgs), source)))
	b.WriteString("\n")
	for _, m := range msgs {
		if m.Sender == chat.SenderUser {
			b.WriteString(renderUserMessage(m.Content))
		} else {
			b.WriteString(renderReply(m, width))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ─── Live preview ───────────────────────────────────────────────────────────
//
// While a reply streams, View shows its tail with a cheap line renderer;
// the finished reply is printed once through glamour.

const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiItalic    = "\033[3m"
	ansiUnderline = "\033[4m"

	ansiHeading = "\033[1;97m"     // bold bright white
	ansiInfo    = "\033[38;5;39m"  // cyan: links
	ansiWarning = "\033[38;5;220m" // yellow: inline code
	ansiSuccess = "\033[38;5;78m"  // green: code borders
	ansiAccent  = "\033[38;5;73m"  // teal: rules, quote bars, numbers
	ansiBody    = "\033[38;5;252m" // body text
)

const previewLines = 12

// mdState tracks state across lines (e.g., inside code block)
type mdState struct {
	inCodeBlock bool
}

// renderPreview renders the last previewLines lines of a partial reply.
// Code fence state is tracked from the start so a cut inside a block still
// renders as code.
func renderPreview(content string) string {
	if content == "" {
		return ""
	}
	lines := strings.Split(content, "\n")
	state := &mdState{}
	rendered := make([]string, len(lines))
	for i, line := range lines {
		rendered[i] = "  " + renderMarkdownLine(line, state)
	}
	if len(rendered) > previewLines {
		rendered = rendered[len(rendered)-previewLines:]
	}
	return strings.Join(rendered, "\n")
}

// renderMarkdownLine renders a single line of markdown to styled terminal output.
func renderMarkdownLine(line string, state *mdState) string {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "```") {
		if !state.inCodeBlock {
			state.inCodeBlock = true
			if lang := strings.TrimSpace(trimmed[3:]); lang != "" {
				return fmt.Sprintf("%s┌─ %s ─%s", ansiSuccess, lang, ansiReset)
			}
			return fmt.Sprintf("%s┌──%s", ansiSuccess, ansiReset)
		}
		state.inCodeBlock = false
		return fmt.Sprintf("%s└──%s", ansiSuccess, ansiReset)
	}

	if state.inCodeBlock {
		return fmt.Sprintf("%s│%s %s%s%s", ansiSuccess, ansiReset, ansiBody, line, ansiReset)
	}

	if level := headingLevel(trimmed); level > 0 {
		return fmt.Sprintf("%s%s%s", ansiHeading, trimmed[level+1:], ansiReset)
	}

	if trimmed == "---" || trimmed == "***" || trimmed == "___" {
		return fmt.Sprintf("%s────────────────────────────────────────%s", ansiAccent, ansiReset)
	}

	if strings.HasPrefix(trimmed, "> ") {
		return fmt.Sprintf("%s│%s %s%s%s", ansiAccent, ansiReset, ansiBody, renderInlineMarkdown(trimmed[2:]), ansiReset)
	}

	indent := len(line) - len(strings.TrimLeft(line, " \t"))
	pad := strings.Repeat(" ", indent)

	if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
		return fmt.Sprintf("%s%s• %s%s", pad, ansiBody, renderInlineMarkdown(trimmed[2:]), ansiReset)
	}

	if dotIdx := strings.Index(trimmed, ". "); dotIdx > 0 && dotIdx <= 3 && isDigits(trimmed[:dotIdx]) {
		return fmt.Sprintf("%s%s%s.%s %s%s%s", pad, ansiAccent, trimmed[:dotIdx], ansiReset, ansiBody, renderInlineMarkdown(trimmed[dotIdx+2:]), ansiReset)
	}

	return fmt.Sprintf("%s%s%s", ansiBody, renderInlineMarkdown(line), ansiReset)
}

// headingLevel returns the number of leading #s of an ATX heading, or 0.
func headingLevel(trimmed string) int {
	n := 0
	for n < len(trimmed) && n < 6 && trimmed[n] == '#' {
		n++
	}
	if n == 0 || n >= len(trimmed) || trimmed[n] != ' ' {
		return 0
	}
	return n
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// renderInlineMarkdown handles inline formatting: **bold**, *italic*, `code`, [links](url)
func renderInlineMarkdown(text string) string {
	var out strings.Builder
	i := 0
	for i < len(text) {
		if i+3 < len(text) && text[i] == '*' && text[i+1] == '*' {
			end := strings.Index(text[i+2:], "**")
			if end > 0 {
				out.WriteString(ansiBold)
				out.WriteString(renderInlineMarkdown(text[i+2 : i+2+end]))
				out.WriteString(ansiReset)
				i += 4 + end
				continue
			}
		}

		if text[i] == '*' && (i == 0 || text[i-1] == ' ') {
			end := strings.IndexByte(text[i+1:], '*')
			if end > 0 {
				out.WriteString(ansiItalic)
				out.WriteString(text[i+1 : i+1+end])
				out.WriteString(ansiReset)
				i += 2 + end
				continue
			}
		}

		if text[i] == '`' {
			end := strings.IndexByte(text[i+1:], '`')
			if end >= 0 {
				out.WriteString(ansiWarning)
				out.WriteString(text[i+1 : i+1+end])
				out.WriteString(ansiReset)
				i += 2 + end
				continue
			}
		}

		if text[i] == '[' {
			cb := strings.IndexByte(text[i:], ']')
			if cb > 1 && i+cb+1 < len(text) && text[i+cb+1] == '(' {
				cp := strings.IndexByte(text[i+cb+1:], ')')
				if cp > 0 {
					out.WriteString(ansiUnderline + ansiInfo)
					out.WriteString(text[i+1 : i+cb])
					out.WriteString(ansiReset)
					out.WriteString(ansiInfo + " (" + text[i+cb+2:i+cb+1+cp] + ")" + ansiReset)
					i += cb + 1 + cp + 1
					continue
				}
			}
		}

		out.WriteByte(text[i])
		i++
	}
	return out.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
