// ansi.go - escape sequence handling for engine output and status text

package tui

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// cursorSequenceRegex matches ANSI cursor movement and screen control
// sequences. The engine's progress output uses them to redraw in place,
// which corrupts a viewport.
var cursorSequenceRegex = regexp.MustCompile(
	`\x1b\[` + // CSI
		`(?:` +
		`\d*[ABCDEFGH]` + // cursor movement
		`|\d*;\d*[Hf]` + // cursor position (row;col)
		`|[suKJ]` + // save/restore cursor, erase line/screen
		`|\d*[KJ]` + // erase with count
		`|\?(?:25[hl]|\d+[hl])` + // private modes
		`)`,
)

// StripCursorSequences removes cursor movement and erase sequences while
// keeping color codes.
func StripCursorSequences(s string) string {
	return cursorSequenceRegex.ReplaceAllString(s, "")
}

// CleanOutput prepares engine output for a viewport: cursor sequences are
// dropped and carriage-return redraws keep only their final state.
func CleanOutput(s string) string {
	lines := strings.Split(StripCursorSequences(s), "\n")
	for i, line := range lines {
		if idx := strings.LastIndex(strings.TrimRight(line, "\r"), "\r"); idx >= 0 {
			line = line[idx+1:]
		}
		lines[i] = strings.TrimRight(line, "\r")
	}
	return strings.Join(lines, "\n")
}

// FitToWidth pads or truncates s to exactly width cells, preserving color
// codes.
func FitToWidth(s string, width int) string {
	currentWidth := lipgloss.Width(s)
	if currentWidth > width {
		return ansi.Truncate(s, width, "")
	}
	if currentWidth < width {
		return s + strings.Repeat(" ", width-currentWidth)
	}
	return s
}

// FitCellContent is FitToWidth with an ellipsis marking truncation.
func FitCellContent(s string, width int) string {
	if width <= 0 {
		return ""
	}

	currentWidth := lipgloss.Width(s)
	if currentWidth > width {
		if width <= 1 {
			return "…"
		}
		return ansi.Truncate(s, width-1, "") + "…"
	}
	if currentWidth < width {
		return s + strings.Repeat(" ", width-currentWidth)
	}
	return s
}

// StatusLine renders a plain status entry on one line: level, job and the
// first line of the message. Multi-line messages are marked with the
// number of hidden lines.
func StatusLine(entry map[string]any) string {
	level := fmt.Sprint(valueOr(entry["original_level"], "info"))
	msg, _ := entry["msg"].(string)
	msg = ansi.Strip(msg)

	var extra int
	if first, rest, ok := strings.Cut(strings.TrimRight(msg, "\n"), "\n"); ok {
		msg = first
		extra = strings.Count(rest, "\n") + 1
	}
	msg = strings.ReplaceAll(msg, "\t", "    ")

	var b strings.Builder
	b.WriteString("[" + level + "]")
	if job := fmt.Sprint(valueOr(entry["job"], "")); job != "" {
		b.WriteString(" job " + job)
	}
	if msg != "" {
		b.WriteString(" " + msg)
	}
	if extra > 0 {
		fmt.Fprintf(&b, " (+%d lines)", extra)
	}
	return b.String()
}

func valueOr(v, fallback any) any {
	if v == nil {
		return fallback
	}
	return v
}
