package monitoring

import "log"

// Logf is the package-level diagnostic logger used throughout the automation
// core. It defaults to log.Printf; SetLogger can redirect it (the control
// plane points it at the dashboard log stream) or mute it for tests.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
