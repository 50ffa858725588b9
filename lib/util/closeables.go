package util

import (
	"io"
	"sync"
)

var (
	closeOnExit []io.Closer
	closeMutex  sync.Mutex
)

// RegisterCloser registers c to be closed by CloseAll.
func RegisterCloser(c io.Closer) {
	closeMutex.Lock()
	defer closeMutex.Unlock()
	closeOnExit = append(closeOnExit, c)
	log.WithField("count", len(closeOnExit)).Debug("registered_closer")
}

// CloseAll closes the registered closers in reverse registration order and
// clears the list.
func CloseAll() {
	closeMutex.Lock()
	defer closeMutex.Unlock()

	for i := len(closeOnExit) - 1; i >= 0; i-- {
		if err := closeOnExit[i].Close(); err != nil {
			log.WithError(err).Warn("error_closing_resource")
		}
	}
	log.WithField("count", len(closeOnExit)).Debug("closed_all_closers")
	closeOnExit = nil
}
