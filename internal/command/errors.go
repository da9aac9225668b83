package command

import (
	"context"
	"errors"
)

// Connect errors.
var (
	ErrConnectTimeout = errors.New("connect timed out")
	ErrConnectRefused = errors.New("connection refused")
	ErrAuthFailed     = errors.New("authentication failed")
)

// Dispatch errors.
var (
	ErrValidationFailed = errors.New("validation failed")
	ErrNotConnected     = errors.New("not connected")
	ErrTimedOut         = errors.New("command timed out")
	ErrConnectionLost   = errors.New("connection lost")
	ErrCancelled        = errors.New("command cancelled")
)

var tags = []struct {
	err error
	tag string
}{
	{ErrConnectTimeout, "connect_timeout"},
	{ErrConnectRefused, "connect_refused"},
	{ErrAuthFailed, "auth_failed"},
	{ErrValidationFailed, "validation_failed"},
	{ErrNotConnected, "not_connected"},
	{ErrTimedOut, "timed_out"},
	{ErrConnectionLost, "connection_lost"},
	{ErrCancelled, "cancelled"},
}

// Tag returns the discriminant the UI switches on for err.
func Tag(err error) string {
	if err == nil {
		return ""
	}
	for _, t := range tags {
		if errors.Is(err, t.err) {
			return t.tag
		}
	}
	var detail *ErrorDetail
	if errors.As(err, &detail) {
		return detail.Code.String()
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed_out"
	}
	return "internal"
}
