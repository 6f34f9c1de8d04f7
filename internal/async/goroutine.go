package async

import (
	"runtime/debug"

	"runtrack/internal/observability"
)

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger *observability.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger *observability.Logger, name string) {
	if r := recover(); r != nil {
		observability.OrNop(logger).Error("goroutine panic",
			"goroutine", name,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}
