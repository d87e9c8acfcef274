package progress

import (
	"io"
)

type (
	TerminalReporter = terminalReporter
	DebugReporter    = debugReporter
	VerboseReporter  = verboseReporter
)

var (
	NewSyncedWriter = newSyncedWriter
)

func MockOsStderr(w io.Writer) (restore func()) {
	saved := osStderr
	osStderr = func() io.Writer { return w }
	return func() {
		osStderr = saved
	}
}

func MockIsattyIsTerminal(fn func(uintptr) bool) (restore func()) {
	saved := isattyIsTerminal
	isattyIsTerminal = fn
	return func() {
		isattyIsTerminal = saved
	}
}
