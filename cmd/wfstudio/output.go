package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// printMessage renders one conversation message. Errored agent messages show
// their kind; loading placeholders are dimmed.
func printMessage(w io.Writer, m conversation.Message) {
	who := colorize(colorCyan, "you  ")
	if m.Sender == conversation.SenderAgent {
		who = colorize(colorGreen, "agent")
	}
	body := strings.TrimSpace(m.Content)
	switch {
	case m.IsLoading:
		body = colorize(colorDim, body)
	case m.IsError:
		body = colorize(colorRed, fmt.Sprintf("[%s] %s", m.ErrorKind, body))
	}
	fmt.Fprintf(w, "%s %s  %s\n", colorize(colorDim, m.Timestamp.Local().Format("15:04:05")), who, body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
