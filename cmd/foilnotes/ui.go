package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// formatter colors text when the terminal allows it and falls back to
// plain decorations otherwise.
type formatter struct {
	color  *color.Color
	prefix string
	suffix string
}

func (f formatter) Sprint(a ...any) string {
	text := fmt.Sprint(a...)
	if noColor() {
		return f.prefix + text + f.suffix
	}
	return f.color.Sprint(text)
}

func (f formatter) Sprintf(format string, a ...any) string {
	return f.Sprint(fmt.Sprintf(format, a...))
}

// noColor honors NO_COLOR (https://no-color.org/) and fatih/color's
// terminal detection.
func noColor() bool {
	if _, exists := os.LookupEnv("NO_COLOR"); exists {
		return true
	}
	return color.NoColor
}

var (
	uiSuccess   = formatter{color.New(color.FgGreen), "", ""}
	uiError     = formatter{color.New(color.FgRed), "", ""}
	uiWarning   = formatter{color.New(color.FgYellow), "", ""}
	uiHighlight = formatter{color.New(color.FgCyan), "'", "'"}
	uiMuted     = formatter{color.New(color.FgHiBlack), "(", ")"}
)
