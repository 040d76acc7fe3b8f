package display

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
)

const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiDim       = "\033[2m"
	ansiItalic    = "\033[3m"
	ansiUnderline = "\033[4m"
	ansiBoldCyan  = "\033[1;36m"
)

// RenderMarkdown renders a finished reply with glamour, wrapped to width.
// If glamour fails the lightweight line renderer is used instead.
func RenderMarkdown(md string, width int) string {
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err == nil {
		if out, err := r.Render(md); err == nil {
			return out
		}
	}
	return renderLines(md)
}

// RenderPlain renders with glamour's no-color style, for output that is
// not a terminal.
func RenderPlain(md string, width int) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("notty"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}

// Growth returns the part of content not yet printed. ok is false when
// content no longer starts with printed, which happens when a replace-mode
// delta rewrites earlier text.
func Growth(printed, content string) (suffix string, ok bool) {
	if !strings.HasPrefix(content, printed) {
		return "", false
	}
	return content[len(printed):], true
}

// LinePrinter renders streamed markdown one complete line at a time. The
// unfinished tail is held until a newline arrives or Flush is called.
type LinePrinter struct {
	w      io.Writer
	buf    string
	inCode bool
}

func NewLinePrinter(w io.Writer) *LinePrinter {
	return &LinePrinter{w: w}
}

func (m *LinePrinter) Write(text string) {
	m.buf += text
	for {
		idx := strings.IndexByte(m.buf, '\n')
		if idx < 0 {
			break
		}
		line := m.buf[:idx]
		m.buf = m.buf[idx+1:]
		fmt.Fprintln(m.w, m.renderLine(line))
	}
}

func (m *LinePrinter) Flush() {
	if m.buf == "" {
		return
	}
	fmt.Fprintln(m.w, m.renderLine(m.buf))
	m.buf = ""
}

func (m *LinePrinter) renderLine(line string) string {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "```") {
		if !m.inCode {
			m.inCode = true
			lang := strings.TrimSpace(trimmed[3:])
			if lang != "" {
				return fmt.Sprintf("  %s┌─ %s ─%s", ansiDim, lang, ansiReset)
			}
			return fmt.Sprintf("  %s┌──%s", ansiDim, ansiReset)
		}
		m.inCode = false
		return fmt.Sprintf("  %s└──%s", ansiDim, ansiReset)
	}

	if m.inCode {
		return fmt.Sprintf("  %s│%s %s", ansiDim, ansiReset, line)
	}

	for _, h := range []string{"#### ", "### "} {
		if strings.HasPrefix(trimmed, h) {
			return fmt.Sprintf("  %s%s%s", ansiBold, trimmed[len(h):], ansiReset)
		}
	}
	for _, h := range []string{"## ", "# "} {
		if strings.HasPrefix(trimmed, h) {
			return fmt.Sprintf("\n  %s%s%s", ansiBoldCyan, trimmed[len(h):], ansiReset)
		}
	}

	if trimmed == "---" || trimmed == "***" || trimmed == "___" {
		return fmt.Sprintf("  %s────────────────────────────────────────%s", ansiDim, ansiReset)
	}

	if strings.HasPrefix(trimmed, "> ") {
		return fmt.Sprintf("  %s│%s %s", ansiDim, ansiReset, renderInline(trimmed[2:]))
	}

	indent := len(line) - len(strings.TrimLeft(line, " \t"))
	pad := strings.Repeat(" ", indent)

	if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
		return fmt.Sprintf("%s  • %s", pad, renderInline(trimmed[2:]))
	}

	if dotIdx := strings.Index(trimmed, ". "); dotIdx > 0 && dotIdx <= 3 && allDigits(trimmed[:dotIdx]) {
		return fmt.Sprintf("%s  %s. %s", pad, trimmed[:dotIdx], renderInline(trimmed[dotIdx+2:]))
	}

	return "  " + renderInline(line)
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// renderInline handles **bold**, *italic*, `code` and [links](url).
func renderInline(text string) string {
	var out strings.Builder
	i := 0
	for i < len(text) {
		if i+3 < len(text) && text[i] == '*' && text[i+1] == '*' {
			end := strings.Index(text[i+2:], "**")
			if end > 0 {
				out.WriteString(ansiBold)
				out.WriteString(renderInline(text[i+2 : i+2+end]))
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
				out.WriteString(ansiDim)
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
					out.WriteString(ansiUnderline)
					out.WriteString(text[i+1 : i+cb])
					out.WriteString(ansiReset)
					out.WriteString(ansiDim)
					out.WriteString(" (")
					out.WriteString(text[i+cb+2 : i+cb+1+cp])
					out.WriteString(")")
					out.WriteString(ansiReset)
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

func renderLines(md string) string {
	var m LinePrinter
	lines := strings.Split(md, "\n")
	for i, line := range lines {
		lines[i] = m.renderLine(line)
	}
	return strings.Join(lines, "\n")
}
