package engine

import (
	"sync"

	"go.uber.org/zap"
)

var (
	loggerMu sync.RWMutex
	logger   = zap.NewNop()
)

// Logger returns the engine's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLogger installs a logger for engine internals. Passing nil restores the
// no-op default.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// Log levels an engine module may pass over the waf.log import.
const (
	guestLogDebug uint32 = iota
	guestLogInfo
	guestLogWarn
	guestLogError
)

// guestLog routes a message from an engine module to the installed logger.
// Unknown levels are treated as errors so they are never silently dropped.
func guestLog(l *zap.Logger, level uint32, msg string) {
	field := zap.String("source", "engine")
	switch level {
	case guestLogDebug:
		l.Debug(msg, field)
	case guestLogInfo:
		l.Info(msg, field)
	case guestLogWarn:
		l.Warn(msg, field)
	default:
		l.Error(msg, field)
	}
}
