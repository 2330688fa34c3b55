// Package safego wraps goroutine launch with panic recovery, adapted from
// backend/pkg/utils/goroutine.go and recover.go: a panic in one accepted
// connection's handler (internal/socks5, internal/httpproxy) or in the
// supervisor's background watchers must not take the whole process down.
package safego

import "log"

// Go starts fn in a new goroutine, logging and recovering from any panic
// instead of letting it crash the process.
func Go(logger *log.Logger, fn func()) {
	go func() {
		defer Recover(logger)
		fn()
	}()
}

// Recover must be called via defer at the top of a goroutine body. It logs
// and swallows a panic, if there was one.
func Recover(logger *log.Logger) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Printf("recovered from panic: %v", r)
		}
	}
}
