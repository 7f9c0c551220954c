package shared

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a goroutine that recovers and logs panics instead of
// crashing the agent.
func Go(logger *slog.Logger, name string, fn func()) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in background goroutine",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
