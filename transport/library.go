package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	libraryMu   sync.Mutex
	libraryRefs int
)

// Initialize acquires a process-wide reference on the transport. Hosts can
// only be created while at least one reference is held. Every call must be
// balanced by Deinitialize.
func Initialize() error {
	libraryMu.Lock()
	defer libraryMu.Unlock()

	libraryRefs++
	if libraryRefs == 1 {
		logrus.WithFields(logrus.Fields{
			"component": "transport",
			"function":  "Initialize",
		}).Debug("Transport initialized")
	}
	return nil
}

// Deinitialize releases a reference acquired by Initialize.
func Deinitialize() {
	libraryMu.Lock()
	defer libraryMu.Unlock()

	if libraryRefs == 0 {
		return
	}
	libraryRefs--
	if libraryRefs == 0 {
		logrus.WithFields(logrus.Fields{
			"component": "transport",
			"function":  "Deinitialize",
		}).Debug("Transport deinitialized")
	}
}

// acquire takes an additional reference for a host if the transport is
// initialized.
func acquire() bool {
	libraryMu.Lock()
	defer libraryMu.Unlock()

	if libraryRefs == 0 {
		return false
	}
	libraryRefs++
	return true
}

func initialized() bool {
	libraryMu.Lock()
	defer libraryMu.Unlock()
	return libraryRefs > 0
}
