// Package logging implements the sink for kernel messages. Messages carry a
// priority; anything below the configured priority is dropped. Output is
// funneled through kfmt so that messages logged before a console device
// exists are captured by the early ring buffer.
package logging

import (
	"runtime"

	"github.com/tristanseifert/kush-os-sub003/kernel/kfmt"
	"github.com/tristanseifert/kush-os-sub003/kernel/platform"
)

// Priority describes the severity of a console message. The console may be
// configured to drop messages below a particular priority.
type Priority int

const (
	// PriorityError is the most severe type of error.
	PriorityError Priority = iota
	// PriorityWarning flags a significant problem in the system.
	PriorityWarning
	// PriorityNotice carries general information.
	PriorityNotice
	// PriorityDebug carries bonus debugging information.
	PriorityDebug
	// PriorityTrace carries even more verbose debugging information.
	PriorityTrace
)

var (
	// gPriority is the lowest priority that is still written out.
	gPriority = PriorityNotice

	// haltAllFn is mocked by tests; a panic must never return.
	haltAllFn = func() { platform.HaltAllFn() }

	// callerFn resolves the call site of Panic; mocked by tests.
	callerFn = func() uintptr {
		pc, _, _, _ := runtime.Caller(2)
		return pc
	}
)

// SetPriority adjusts the priority filter: messages with a priority below
// (numerically above) level are dropped.
func SetPriority(level Priority) {
	gPriority = level
}

// Log writes a message with the given priority to the console output, with a
// trailing newline appended.
func Log(level Priority, format string, args ...interface{}) {
	if level > gPriority {
		return
	}

	kfmt.Printf(format, args...)
	kfmt.Printf("\n")
}

// Error logs a message at the error priority.
func Error(format string, args ...interface{}) { Log(PriorityError, format, args...) }

// Warning logs a message at the warning priority.
func Warning(format string, args ...interface{}) { Log(PriorityWarning, format, args...) }

// Notice logs a message at the notice priority.
func Notice(format string, args ...interface{}) { Log(PriorityNotice, format, args...) }

// Debug logs a message at the debug priority.
func Debug(format string, args ...interface{}) { Log(PriorityDebug, format, args...) }

// Trace logs a message at the trace priority.
func Trace(format string, args ...interface{}) { Log(PriorityTrace, format, args...) }

// maxPanicFrames bounds the backtrace printed by Panic.
const maxPanicFrames = 16

// panicPCBuf backs the backtrace collection in Panic; static so the panic
// path performs no allocation.
var panicPCBuf [maxPanicFrames]uintptr

// Panic writes a formatted message, the call-site program counter and a
// backtrace of the current stack to the console, then halts every processor.
// Calls to Panic never return.
func Panic(format string, args ...interface{}) {
	kfmt.Printf("\n\033[101;97mPANIC: ")
	kfmt.Printf(format, args...)
	kfmt.Printf("\033[0m\nPC = 0x%x\n", callerFn())

	frames := runtime.Callers(2, panicPCBuf[:])
	kfmt.Printf("Backtrace:")
	for i := 0; i < frames; i++ {
		kfmt.Printf("\n%2d: 0x%16x", i, panicPCBuf[i])
	}
	kfmt.Printf("\n")

	hang()
}

// hang halts the machine after a panic. It is a separate function so it
// shows up easier in backtraces.
func hang() {
	haltAllFn()
}
