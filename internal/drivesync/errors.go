package drivesync

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidCursor  = errors.New("invalid change cursor")
	ErrNoChannel      = errors.New("no watch channel registered")
	ErrNotImplemented = errors.New("not implemented")
)

// Logger is the narrow logging surface accepted by long-lived components.
// log.Default() satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}
