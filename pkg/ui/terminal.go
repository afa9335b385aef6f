package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

// ASCII logo for the application
const ASCIILogo = `
    ┌─────────────────────────────────────────────────┐
    │  ██████╗ ██╗███╗   ██╗███████╗ ██████╗██████╗   │
    │  ██╔══██╗██║████╗  ██║██╔════╝██╔════╝██╔══██╗  │
    │  ██████╔╝██║██╔██╗ ██║███████╗██║     ██████╔╝  │
    │  ██╔═══╝ ██║██║╚██╗██║╚════██║██║     ██╔══██╗  │
    │  ██║     ██║██║ ╚████║███████║╚██████╗██║  ██║  │
    │  ╚═╝     ╚═╝╚═╝  ╚═══╝╚══════╝ ╚═════╝╚═╝  ╚═╝  │
    │        resumable pin collection and download    │
    └─────────────────────────────────────────────────┘
`

var (
	quiet  atomic.Bool
	color  atomic.Bool
	outMu  sync.Mutex
	output io.Writer = os.Stdout
)

func init() {
	color.Store(os.Getenv("NO_COLOR") == "" && IsTerminal(os.Stdout))
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// SetQuietMode suppresses everything but errors.
func SetQuietMode(q bool) {
	quiet.Store(q)
}

// IsQuietMode reports whether quiet mode is on
func IsQuietMode() bool {
	return quiet.Load()
}

// SetColor turns ANSI colors on or off.
func SetColor(enabled bool) {
	color.Store(enabled)
}

// SetOutput redirects the Print helpers and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outMu.Lock()
	defer outMu.Unlock()
	prev := output
	output = w
	return prev
}

// Output returns the writer used by the Print helpers.
func Output() io.Writer {
	outMu.Lock()
	defer outMu.Unlock()
	return output
}

// Color functions for terminal output
var (
	Cyan    = colorize("\033[36m%s\033[0m")
	Yellow  = colorize("\033[33m%s\033[0m")
	Red     = colorize("\033[31m%s\033[0m")
	Green   = colorize("\033[32m%s\033[0m")
	Magenta = colorize("\033[35m%s\033[0m")
	Dim     = colorize("\033[2m%s\033[0m")
)

func colorize(colorString string) func(string) string {
	return func(text string) string {
		if !color.Load() {
			return text
		}
		return fmt.Sprintf(colorString, text)
	}
}

func printf(format string, args ...interface{}) {
	fmt.Fprintf(Output(), format, args...)
}

// PrintLogo prints the ASCII logo with color
func PrintLogo() {
	if IsQuietMode() {
		return
	}
	printf("%s", Cyan(ASCIILogo))
}

// PrintError prints an error message in red. Errors are shown in quiet mode.
func PrintError(msg string, args ...interface{}) {
	if len(args) > 0 {
		printf("%s\n", Red(msg+": "+fmt.Sprintf("%v", args[0])))
	} else {
		printf("%s\n", Red(msg))
	}
}

// PrintSuccess prints a success message in green
func PrintSuccess(msg string) {
	if IsQuietMode() {
		return
	}
	printf("%s\n", Green(msg))
}

// PrintInfo prints a label and value
func PrintInfo(label string, value string) {
	if IsQuietMode() {
		return
	}
	printf("%s: %s\n", Cyan(label), Yellow(value))
}

// PrintWarning prints a warning message in yellow
func PrintWarning(msg string, args ...interface{}) {
	if IsQuietMode() {
		return
	}
	if len(args) > 0 {
		printf("%s\n", Yellow(msg+": "+fmt.Sprintf("%v", args[0])))
	} else {
		printf("%s\n", Yellow(msg))
	}
}

// PrintHighlight prints a highlighted message in magenta
func PrintHighlight(msg string) {
	if IsQuietMode() {
		return
	}
	printf("%s\n", Magenta(msg))
}
