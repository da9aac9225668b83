package command

import (
	"fmt"
	"strings"
)

// MaxShutdownDelay mirrors the upper bound Windows accepts for shutdown /t.
const MaxShutdownDelay uint32 = 315360000

// Args carries the kind-specific parameters of a command. Only the fields that
// belong to the command kind may be set.
type Args struct {
	App          string   `json:"app,omitempty"`
	AppArgs      []string `json:"app_args,omitempty"`
	Path         string   `json:"path,omitempty"`
	DelaySeconds *uint32  `json:"delay_seconds,omitempty"`
}

// Compact returns args with empty optional lists set to nil, the form a
// request has after crossing the wire.
func (a Args) Compact() Args {
	if len(a.AppArgs) == 0 {
		a.AppArgs = nil
	}
	return a
}

func Delay(seconds uint32) *uint32 {
	return &seconds
}

// Validate checks args against the schema of kind. The returned error wraps
// ErrValidationFailed.
func (a Args) Validate(kind Kind) error {
	switch kind {
	case KindOpenApp:
		if strings.TrimSpace(a.App) == "" {
			return invalid("open_app requires an app name")
		}
		if strings.ContainsAny(a.App, `/\`) {
			return invalid("app must be a registered name, not a path")
		}
		if a.Path != "" || a.DelaySeconds != nil {
			return invalid("open_app accepts only app and app_args")
		}
	case KindListDirectory:
		if strings.TrimSpace(a.Path) == "" {
			return invalid("list_directory requires a non-empty path")
		}
		if a.App != "" || len(a.AppArgs) > 0 || a.DelaySeconds != nil {
			return invalid("list_directory accepts only path")
		}
	case KindShutdown:
		if a.DelaySeconds != nil && *a.DelaySeconds > MaxShutdownDelay {
			return invalid(fmt.Sprintf("delay_seconds must be <= %d", MaxShutdownDelay))
		}
		if a.App != "" || len(a.AppArgs) > 0 || a.Path != "" {
			return invalid("shutdown accepts only delay_seconds")
		}
	default:
		return invalid(fmt.Sprintf("unknown command kind %s", kind))
	}
	return nil
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, reason)
}
