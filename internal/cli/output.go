package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/denismitr/twinstore"
)

// Exit codes for twinctl.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Store or backend failure
	ExitCommandError = 2 // Bad arguments, payload or config
	ExitNotFound     = 3 // Nothing stored under the requested key
	ExitPartial      = 4 // Write landed on one backend only
)

// Error codes carried in JSON error responses.
const (
	ErrCodeConfig      = "config"
	ErrCodeUsage       = "usage"
	ErrCodeInvalid     = "invalid"
	ErrCodeNotFound    = "not_found"
	ErrCodeUnavailable = "unavailable"
	ErrCodePartial     = "partial"
	ErrCodeGeneric     = "error"
)

// ExitError carries the process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
	// Reason overrides the error code derived from Code and Err.
	Reason string
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

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
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

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *CLIError   `json:"error,omitempty"`
}

type CLIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Success outputs a result in the configured format. Text output uses the
// value's String method when it has one, indented JSON otherwise.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}

	if s, ok := data.(fmt.Stringer); ok {
		_, err := fmt.Fprintln(f.Writer, s.String())
		return err
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f.Writer, string(b))
	return err
}

func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.GetErrWriter(), "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.GetErrWriter(), "Details: %v\n", details)
	}
	return nil
}

// VerboseLog writes to ErrWriter so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// Fail reports err and turns it into an ExitError with a matching code.
func (f *OutputFormatter) Fail(err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.Reason
		if code == "" {
			code = codeFor(exitErr.Code, exitErr.Err)
		}
		_ = f.Error(code, exitErr.Error(), nil)
		return exitErr
	}

	exit := ExitFailure
	switch {
	case errors.Is(err, twinstore.ErrInvalidEntity), errors.Is(err, twinstore.ErrInvalidPath):
		exit = ExitCommandError
	case twinstore.IsNotFound(err):
		exit = ExitNotFound
	}

	_ = f.Error(codeFor(exit, err), err.Error(), nil)
	return WrapExitError(exit, "command failed", err)
}

func codeFor(exit int, err error) string {
	switch exit {
	case ExitCommandError:
		if errors.Is(err, twinstore.ErrInvalidEntity) || errors.Is(err, twinstore.ErrInvalidPath) {
			return ErrCodeInvalid
		}
		return ErrCodeUsage
	case ExitNotFound:
		return ErrCodeNotFound
	case ExitPartial:
		return ErrCodePartial
	}

	if errors.Is(err, twinstore.ErrBackendUnavailable) {
		return ErrCodeUnavailable
	}
	return ErrCodeGeneric
}
