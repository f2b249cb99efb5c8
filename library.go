package peerhost

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerhost/transport"
)

// Library is a handle on the process-wide transport. The transport is
// reference counted, so several Library handles and hosts may coexist; it is
// shut down once every handle is closed and every host destroyed.
type Library struct {
	mu     sync.Mutex
	closed bool
}

// Initialize acquires the transport.
func Initialize() (*Library, error) {
	if err := transport.Initialize(); err != nil {
		return nil, &HostError{Op: "initialize", Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"component": "Library",
		"function":  "Initialize",
	}).Debug("Library initialized")

	return &Library{}, nil
}

// Close releases the handle. Hosts created from it remain usable until
// destroyed. Calling Close more than once has no effect.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	transport.Deinitialize()
	return nil
}

func (l *Library) check() error {
	if l == nil {
		return ErrLibraryClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLibraryClosed
	}
	return nil
}
