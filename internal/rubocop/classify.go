package rubocop

import (
	"context"
	"errors"
	"strings"
)

// Failure codes reported to logs, metrics and API clients.
const (
	CodeNotFound      = "not_found"
	CodeCanceled      = "canceled"
	CodeTimeout       = "timeout"
	CodeConfigError   = "config_error"
	CodeParseError    = "parse_error"
	CodeProcessFailed = "process_failed"
)

// Classify maps a run failure to a stable code. Nil maps to "".
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoCommand):
		return CodeNotFound
	case errors.Is(err, ErrEmptyOutput), errors.Is(err, ErrMalformedOutput):
		return CodeParseError
	}

	var perr *ProcessError
	if errors.As(err, &perr) {
		stderr := strings.ToLower(perr.Stderr)
		if strings.Contains(stderr, ".rubocop") || strings.Contains(stderr, "configuration") {
			return CodeConfigError
		}
		return CodeProcessFailed
	}
	return CodeProcessFailed
}
