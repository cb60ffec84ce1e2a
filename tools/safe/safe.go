package safe

import (
	"runtime/debug"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// Go starts f in a goroutine that recovers and logs panics.
func Go(name string, f func()) {
	go Run(name, f)
}

// Run calls f in the current goroutine with the same recovery as Go.
func Run(name string, f func()) {
	_ = Try(name, f)
}

// Try is Run for callers that want the recovered panic back as a 500 CodeError.
func Try(name string, f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
			logger.Error("[safe] panic recovered",
				zap.String("task", name),
				zap.Error(err),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	f()
	return nil
}
