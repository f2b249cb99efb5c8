package peerhost

import (
	"errors"
	"fmt"
)

// Common errors returned by the host.
var (
	// ErrLibraryClosed indicates a host was created from a closed Library
	ErrLibraryClosed = errors.New("library closed")

	// ErrHostDestroyed indicates the host has already been destroyed
	ErrHostDestroyed = errors.New("host destroyed")

	// ErrNoAddress indicates name resolution returned no usable address
	ErrNoAddress = errors.New("no address found")

	// ErrInvalidAddress indicates a server host was requested without a bind address
	ErrInvalidAddress = errors.New("invalid address")
)

// Error is a failure reported by the transport's poll or connect calls. Code
// is the raw result code. Code 0 means the operation could not begin at all,
// for example Connect without a free peer slot; it does not mean "no event".
type Error struct {
	Code int
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return "transport operation could not be started"
	}
	return fmt.Sprintf("transport error (code %d)", e.Code)
}

// HostError represents a host-level failure with additional context.
type HostError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *HostError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("peerhost %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("peerhost %s: %v", e.Op, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}
