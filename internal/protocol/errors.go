package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed     = errors.New("malformed frame")
	ErrUnsupported   = errors.New("unsupported frame")
	ErrFrameTooLarge = errors.New("frame too large")
)

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}
