package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-crm-sync/errors"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // A pass or push failed
	ExitCommandError = 2 // Bad flags or configuration
	ExitAuthError    = 3 // The CRM rejected the credentials
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err, picking ExitAuthError for credential failures
// and ExitCommandError for invalid configuration.
func WrapExitError(message string, err error) *ExitError {
	code := ExitFailure
	switch {
	case errors.IsAuth(err):
		code = ExitAuthError
	case errors.KindOf(err) == errors.KindInvalid:
		code = ExitCommandError
	}
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// printResult writes data as JSON or YAML, or calls text for the text format.
func printResult(w io.Writer, format string, data any, text func(io.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

// palette styles text output when it goes to a terminal.
type palette struct {
	color bool
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	goodStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

func paletteFor(w io.Writer) palette {
	f, ok := w.(*os.File)
	return palette{color: ok && term.IsTerminal(int(f.Fd()))}
}

func (p palette) paint(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p palette) heading(text string) string { return p.paint(headingStyle, text) }
func (p palette) good(text string) string    { return p.paint(goodStyle, text) }
func (p palette) bad(text string) string     { return p.paint(badStyle, text) }
