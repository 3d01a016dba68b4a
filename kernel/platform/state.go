package platform

import (
	"github.com/tristanseifert/kush-os-sub003/kernel/kfmt"
)

// ProcessorState is a snapshot of the general purpose register file taken at
// the time an exception or interrupt was delivered. Exception handlers receive
// a pointer to the state and may render it for diagnostics.
type ProcessorState struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RBP, RSP uint64
	RIP      uint64
	RFLAGS   uint64

	// ErrorCode holds the hardware pushed error code, if the exception
	// that captured this state provides one.
	ErrorCode uint64
}

// maxBacktraceFrames bounds the frame pointer walk so a corrupted chain
// cannot spin forever.
const maxBacktraceFrames = 32

// ReadFrameFn resolves a pointer-sized load at the given virtual address
// during a backtrace walk. It returns false if the address cannot be read, in
// which case the walk stops. The default implementation refuses every read;
// the platform boot code installs a real reader once the direct map is up.
var ReadFrameFn = func(addr uintptr) (uintptr, bool) { return 0, false }

// PC returns the program counter at the time the state was captured.
func (s *ProcessorState) PC() uintptr {
	return uintptr(s.RIP)
}

// FormatTo renders the register file into buf and returns the number of bytes
// written. The output is truncated if buf is too small.
func (s *ProcessorState) FormatTo(buf []byte) int {
	fb := kfmt.FixedBuffer{Buf: buf}

	kfmt.Fprintf(&fb, "rax %16x rbx %16x rcx %16x rdx %16x\n", s.RAX, s.RBX, s.RCX, s.RDX)
	kfmt.Fprintf(&fb, "rsi %16x rdi %16x rbp %16x rsp %16x\n", s.RSI, s.RDI, s.RBP, s.RSP)
	kfmt.Fprintf(&fb, "r8  %16x r9  %16x r10 %16x r11 %16x\n", s.R8, s.R9, s.R10, s.R11)
	kfmt.Fprintf(&fb, "r12 %16x r13 %16x r14 %16x r15 %16x\n", s.R12, s.R13, s.R14, s.R15)
	kfmt.Fprintf(&fb, "rip %16x rflags %16x", s.RIP, s.RFLAGS)

	return len(fb.Bytes())
}

// BacktraceTo walks the frame pointer chain rooted at the captured RBP and
// renders one line per return address into buf. It returns the number of
// frames that were resolved and the number of bytes written. Walking stops
// at a nil frame pointer, when a frame cannot be read, or after
// maxBacktraceFrames entries.
func (s *ProcessorState) BacktraceTo(buf []byte) (int, int) {
	var (
		fb     = kfmt.FixedBuffer{Buf: buf}
		fp     = uintptr(s.RBP)
		frames int
	)

	for frames < maxBacktraceFrames && fp != 0 {
		retAddr, ok := ReadFrameFn(fp + 8)
		if !ok || retAddr == 0 {
			break
		}

		kfmt.Fprintf(&fb, "\n%2d: %16x", frames, retAddr)
		frames++

		next, ok := ReadFrameFn(fp)
		if !ok || next <= fp {
			// refuse chains that do not grow towards the stack base
			break
		}
		fp = next
	}

	return frames, len(fb.Bytes())
}
