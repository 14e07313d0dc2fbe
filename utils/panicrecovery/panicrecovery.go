package panicrecovery

import (
	"os"
	"runtime/debug"

	"go.uber.org/zap"
)

// HandleEventualPanic recovers a panic of the calling goroutine. It logs the
// panic with its stack trace, runs cleanup and exits. It must be deferred.
func HandleEventualPanic(source string, cleanup func()) {

	r := recover()
	if r == nil {
		return
	}

	zap.L().Error("Panic",
		zap.String("source", source),
		zap.Any("panic", r),
		zap.String("stacktrace", string(debug.Stack())),
	)

	if cleanup != nil {
		cleanup()
	}

	zap.L().Sync() // nolint errcheck

	os.Exit(1)
}
