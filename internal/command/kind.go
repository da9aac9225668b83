package command

import (
	"fmt"
	"strings"
)

// Kind enumerates the commands an agent understands. Values are stable on the wire.
type Kind uint8

const (
	KindUnknown       Kind = 0
	KindOpenApp       Kind = 1
	KindListDirectory Kind = 2
	KindShutdown      Kind = 3
)

var kindNames = map[Kind]string{
	KindOpenApp:       "open_app",
	KindListDirectory: "list_directory",
	KindShutdown:      "shutdown",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	if k == KindUnknown {
		return "unknown"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Idempotent reports whether a command may be re-sent after a lost connection.
func (k Kind) Idempotent() bool {
	return k == KindOpenApp || k == KindListDirectory
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	if string(text) == "unknown" {
		*k = KindUnknown
		return nil
	}
	parsed, _, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind resolves a kind name. The legacy button names of the mobile app
// are accepted too; "open_notepad" additionally implies the app to open.
func ParseKind(name string) (Kind, Args, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "open_app", "openapp", "open":
		return KindOpenApp, Args{}, nil
	case "open_notepad":
		return KindOpenApp, Args{App: "notepad"}, nil
	case "list_directory", "listdirectory", "list_dir", "ls":
		return KindListDirectory, Args{}, nil
	case "shutdown":
		return KindShutdown, Args{}, nil
	default:
		return KindUnknown, Args{}, fmt.Errorf("%w: unknown command kind %q", ErrValidationFailed, name)
	}
}
