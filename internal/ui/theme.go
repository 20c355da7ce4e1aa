// Package ui renders the CLI's terminal output, from device tables and
// summary cards down to the transfer progress line.
package ui

import (
	"os"

	"golang.org/x/term"
)

const reset = "\033[0m"

// Palette entries, passed to Color.
const (
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	White  = "\033[37m"
)

// Rounded box corners for summary cards.
const (
	BoxTopLeft     = "╭"
	BoxTopRight    = "╮"
	BoxBottomLeft  = "╰"
	BoxBottomRight = "╯"
	BoxHorizontal  = "─"
	BoxVertical    = "│"
)

var (
	stdoutTTY = term.IsTerminal(int(os.Stdout.Fd()))

	// NO_COLOR per https://no-color.org; dumb terminals get plain text too.
	colorOn = stdoutTTY && os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"
)

// SetNoColor forces plain output when disable is true. It never re-enables
// color on a non-terminal.
func SetNoColor(disable bool) {
	if disable {
		colorOn = false
	}
}

// IsTTY reports whether stdout is a terminal. Non-terminal output drops the
// spinner and progress bar and prints plain lines instead.
func IsTTY() bool {
	return stdoutTTY
}

// Color wraps text in the given ANSI code, or returns it untouched when
// color is off.
func Color(code, text string) string {
	if !colorOn {
		return text
	}
	return code + text + reset
}
