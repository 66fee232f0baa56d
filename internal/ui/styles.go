// Package ui renders terminal output for the gridd command line.
package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent = 74  // blue, table ids
	colorCmd    = 250 // light gray, operation ids
	colorMuted  = 245 // medium gray, timestamps
)

var noColor bool

func render(color int, s string) string {
	if noColor || s == "" {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", color, s)
}

// RenderAccent returns s in the accent color.
func RenderAccent(s string) string { return render(colorAccent, s) }

// RenderMuted returns s in the muted color.
func RenderMuted(s string) string { return render(colorMuted, s) }

// RenderCommand returns s in the identifier color.
func RenderCommand(s string) string { return render(colorCmd, s) }

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
