package ui

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ShouldUseColor reports whether ANSI colors should be used on stdout.
// NO_COLOR wins over CLICOLOR_FORCE, which wins over CLICOLOR; otherwise
// color is used when stdout is a terminal.
func ShouldUseColor() bool {
	return colorDecision(os.Getenv, term.IsTerminal(int(os.Stdout.Fd())))
}

func colorDecision(getenv func(string) string, isTTY bool) bool {
	// https://no-color.org
	if getenv("NO_COLOR") != "" {
		return false
	}
	if strings.TrimSpace(getenv("CLICOLOR_FORCE")) == "1" {
		return true
	}
	if strings.TrimSpace(getenv("CLICOLOR")) == "0" {
		return false
	}
	return isTTY
}
