package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is wrapped by drivers for primitives they cannot perform at
// all (for example clipboard images on a bot API). Such failures are not retried.
var ErrUnsupported = errors.New("operation not supported by driver")

// ErrNotFocused is returned by drivers asked to send before any chat was focused.
var ErrNotFocused = errors.New("no chat focused")

// ConfigError reports malformed or missing catalog input. It is always raised
// before any UI action takes place.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "configuration error: " + e.Problems[0]
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

// NewConfigError builds a ConfigError from a formatted single problem.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// DriverError is a failed UI primitive. It is recoverable by retrying.
type DriverError struct {
	Op        string // focus | send_text | attach_file | attach_clipboard_image
	Recipient string
	Err       error
}

func (e *DriverError) Error() string {
	if e.Recipient != "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Recipient, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }
