package command

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status uint8

const (
	StatusOk       Status = 1
	StatusFailed   Status = 2
	StatusTimedOut Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) Valid() bool {
	return s >= StatusOk && s <= StatusTimedOut
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ok":
		*s = StatusOk
	case "failed":
		*s = StatusFailed
	case "timed_out":
		*s = StatusTimedOut
	default:
		return fmt.Errorf("invalid status %q", text)
	}
	return nil
}

// ErrorCode is the agent-side failure taxonomy carried inside a failed result.
type ErrorCode uint8

const (
	CodeUnauthorized    ErrorCode = 1
	CodeUnknownCommand  ErrorCode = 2
	CodeExecutionFailed ErrorCode = 3
	CodeInvalidArgument ErrorCode = 4
)

func (c ErrorCode) String() string {
	switch c {
	case CodeUnauthorized:
		return "unauthorized"
	case CodeUnknownCommand:
		return "unknown_command"
	case CodeExecutionFailed:
		return "execution_failed"
	case CodeInvalidArgument:
		return "invalid_argument"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ErrorCode) UnmarshalText(text []byte) error {
	for code := CodeUnauthorized; code <= CodeInvalidArgument; code++ {
		if code.String() == string(text) {
			*c = code
			return nil
		}
	}
	return fmt.Errorf("invalid error code %q", text)
}

// Request is a single command addressed to an agent. It is never mutated
// once handed to a connection.
type Request struct {
	ID       uint32    `json:"request_id"`
	Kind     Kind      `json:"kind"`
	Args     Args      `json:"args"`
	IssuedAt time.Time `json:"issued_at"`
}

// Result resolves a Request. Exactly one of the payload pointers is set for
// a successful command; Error is set for a failed one.
type Result struct {
	RequestID   uint32            `json:"request_id"`
	Kind        Kind              `json:"kind"`
	Status      Status            `json:"status"`
	CompletedAt time.Time         `json:"completed_at"`
	Launch      *AppLaunch        `json:"launch,omitempty"`
	Listing     *DirectoryListing `json:"listing,omitempty"`
	Shutdown    *ShutdownSchedule `json:"shutdown,omitempty"`
	Error       *ErrorDetail      `json:"error,omitempty"`
}

type AppLaunch struct {
	PID     uint32 `json:"pid"`
	Message string `json:"message"`
}

type DirectoryListing struct {
	Path      string     `json:"path"`
	Entries   []DirEntry `json:"entries"`
	Truncated bool       `json:"truncated"`
}

// MarshalJSON renders an empty listing with "entries": [] rather than null.
func (l DirectoryListing) MarshalJSON() ([]byte, error) {
	type plain DirectoryListing
	if l.Entries == nil {
		l.Entries = []DirEntry{}
	}
	return json.Marshal(plain(l))
}

type DirEntry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

type ShutdownSchedule struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Failed builds a failed result for req.
func Failed(req Request, code ErrorCode, message string) Result {
	return Result{
		RequestID:   req.ID,
		Kind:        req.Kind,
		Status:      StatusFailed,
		CompletedAt: time.Now().UTC(),
		Error:       &ErrorDetail{Code: code, Message: message},
	}
}
