package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var debugEnabled atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug toggles debug-level output. Per-frame and per-candidate
// diagnostics route through Debugf so production logs stay readable.
func SetDebug(on bool) {
	debugEnabled.Store(on)
}

// Debugf logs through Logf only when debug output is enabled.
func Debugf(format string, v ...interface{}) {
	if debugEnabled.Load() {
		Logf(format, v...)
	}
}

// Component returns a logger that prefixes every line with "[name]". Long-lived
// managers (workers, matchers, stores) log through this so interleaved output
// from concurrent jobs stays attributable.
func Component(name string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf("["+name+"] "+format, v...)
	}
}

// ComponentDebug is Component gated on the debug toggle.
func ComponentDebug(name string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Debugf("["+name+"] "+format, v...)
	}
}
