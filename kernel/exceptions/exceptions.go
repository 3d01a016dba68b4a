// Package exceptions is the entry point from the platform-specific exception
// handler into the rest of the kernel. Generic exceptions correspond roughly
// to the following categories: arithmetic (divide-by-zero, overflow,
// floating point, SIMD), instruction (invalid opcode, protection fault),
// memory (page fault, alignment fault) and debugging (breakpoints).
package exceptions

import (
	"github.com/tristanseifert/kush-os-sub003/kernel/logging"
	"github.com/tristanseifert/kush-os-sub003/kernel/platform"
)

// Type identifies a generic exception. Values at or above PlatformSpecific
// are platform defined and are carried through without interpretation.
type Type uint32

const (
	// DivideByZero is a division by zero.
	DivideByZero Type = 0x00001000
	// Overflow is an arithmetic overflow or explicit overflow check.
	Overflow Type = 0x00001001
	// FloatingPoint is a floating point exception.
	FloatingPoint Type = 0x00001002
	// SIMD is a SIMD floating point error.
	SIMD Type = 0x00001003
	// InvalidOpcode flags an undefined instruction.
	InvalidOpcode Type = 0x00002000
	// ProtectionFault is an access violation.
	ProtectionFault Type = 0x00002001
	// PageFault is raised on a failed memory translation.
	PageFault Type = 0x00003000
	// AlignmentFault is raised on an unaligned access.
	AlignmentFault Type = 0x00003001
	// DebugBreakpoint is raised when a breakpoint or watchpoint hits.
	DebugBreakpoint Type = 0x00004000

	// PlatformSpecific marks the start of the platform defined range.
	PlatformSpecific Type = 0x80000000
)

// HandlerFn handles one exception type. It returns zero if the exception was
// recovered and execution may resume, or a non-zero code if the surrounding
// task should be terminated.
type HandlerFn func(state *platform.ProcessorState, auxData uintptr) int

// handlers holds the registered handler for each exception type. Handlers
// are installed during single-threaded kernel initialization.
var handlers = make(map[Type]HandlerFn)

// InstallHandler registers the handler invoked for the given exception type.
func InstallHandler(t Type, fn HandlerFn) {
	handlers[t] = fn
}

// Dispatch chooses the handler for the given exception type. Exceptions with
// no registered handler are fatal. The return value is zero if execution may
// resume, or a non-zero code that the platform glue uses to terminate the
// offending task.
func Dispatch(t Type, state *platform.ProcessorState, auxData uintptr) int {
	fn := handlers[t]
	if fn == nil {
		AbortWithException(t, state, auxData)
		return -1
	}

	return fn(state, auxData)
}

// Static buffers for the abort path; an aborting kernel must not allocate.
var (
	stateBuf     [512]byte
	backtraceBuf [1024]byte
)

// AbortWithException formats the processor state and a backtrace of the
// faulting context, then panics with a composite message. It never returns.
func AbortWithException(t Type, state *platform.ProcessorState, auxData uintptr) {
	stateLen := state.FormatTo(stateBuf[:])

	frames, btLen := state.BacktraceTo(backtraceBuf[:])
	backtrace := []byte("(no frames)")
	if frames > 0 {
		backtrace = backtraceBuf[:btLen]
	}

	logging.Panic("Unhandled exception $%8x, aux = 0x%x\n%s\nState backtrace: %s",
		uint32(t), auxData, stateBuf[:stateLen], backtrace)
}
