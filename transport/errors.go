package transport

import (
	"errors"
	"fmt"
)

// Common errors for the transport
var (
	// ErrNotInitialized indicates Create was called without a prior Initialize
	ErrNotInitialized = errors.New("transport not initialized")

	// ErrHostDestroyed indicates the host has been destroyed
	ErrHostDestroyed = errors.New("host destroyed")

	// ErrNotConnected indicates the peer cannot carry packets in its current state
	ErrNotConnected = errors.New("peer not connected")

	// ErrInvalidChannel indicates a channel id outside the negotiated range
	ErrInvalidChannel = errors.New("invalid channel")
)

// NetError represents a socket error with additional context
type NetError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *NetError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *NetError) Unwrap() error {
	return e.Err
}

func newNetError(op, addr string, err error) *NetError {
	return &NetError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}
