package main

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"loom/internal/queue"
	"loom/internal/state"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

var titleCaser = cases.Title(language.English)

// stateLabel renders SUBMITTED as "Submitted".
func stateLabel(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Unknown"
	}
	return titleCaser.String(s)
}

func stateColor(s state.State) string {
	switch s {
	case state.Done:
		return ansiGreen
	case state.Failed:
		return ansiRed
	case state.Canceled:
		return ansiYellow
	case state.Initial:
		return ""
	default:
		return ansiBlue
	}
}

func runStatusColor(s queue.RunStatus) string {
	switch s {
	case queue.RunDone:
		return ansiGreen
	case queue.RunFailed:
		return ansiRed
	case queue.RunCanceled:
		return ansiYellow
	default:
		return ansiBlue
	}
}

func paint(text, color string, colorize bool) string {
	if !colorize || color == "" {
		return text
	}
	return color + text + ansiReset
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
