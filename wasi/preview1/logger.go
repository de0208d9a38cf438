package preview1

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// Logger returns the default logger for new Systems.
func Logger() *zap.Logger {
	return logger.Load()
}

// SetLogger sets the default logger for Systems created afterwards.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}
