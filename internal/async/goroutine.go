// Package async spawns panic-safe goroutines for the relay's background
// pumps. A panicking stream pump or persistence worker must never take the
// whole server down with it.
package async

import "runtime/debug"

// ErrorLogger is the minimal sink panic reports go to.
type ErrorLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on its own goroutine, logging any panic with its stack under
// the given name instead of crashing the process.
func Go(logger ErrorLogger, name string, fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil || logger == nil {
				return
			}
			logger.Error("panic in %s: %v\n%s", name, r, debug.Stack())
		}()
		fn()
	}()
}
