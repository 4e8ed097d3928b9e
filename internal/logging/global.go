package logging

import "sync/atomic"

var global atomic.Pointer[Logger]

func init() {
	global.Store(DefaultLogger())
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(l *Logger) {
	global.Store(l)
}

// Global returns the process-wide logger, used where no logger was passed
// in.
func Global() *Logger {
	return global.Load()
}

// Configure builds the process logger from config values and installs it as
// the global one. Debug level also records the caller's file and line.
func Configure(level, format, service string) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{
		Level:     lvl,
		Format:    ParseFormat(format),
		AddCaller: lvl == LevelDebug,
		Service:   service,
	})
	SetGlobal(l)
	return l
}
