package monitoring

import "log"

// Logf is the package-level diagnostic logger used by the library packages
// (capture, stream, viewer, session). It defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// Noticef reports conditions the operator has to act on, such as a capture
// device that refused access. It defaults to log.Printf with a prefix.
var Noticef func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	log.Printf("NOTICE: "+format, v...)
}

// SetLogger replaces the diagnostic logger. Passing nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetNoticer replaces the operator notice logger. Passing nil mutes it.
func SetNoticer(f func(format string, v ...interface{})) {
	if f == nil {
		Noticef = func(string, ...interface{}) {}
		return
	}
	Noticef = f
}
