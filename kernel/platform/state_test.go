package platform

import (
	"strings"
	"testing"
)

func TestProcessorStatePC(t *testing.T) {
	state := &ProcessorState{RIP: 0xffff800000001234}
	if exp, got := uintptr(0xffff800000001234), state.PC(); got != exp {
		t.Fatalf("expected PC 0x%x; got 0x%x", exp, got)
	}
}

func TestProcessorStateFormatTo(t *testing.T) {
	state := &ProcessorState{
		RAX: 0x1111, RBX: 0x2222,
		RIP: 0xffff800000001234, RFLAGS: 0x202,
	}

	var buf [512]byte
	n := state.FormatTo(buf[:])
	out := string(buf[:n])

	for _, want := range []string{"rax", "rbx", "rip", "rflags", "1111", "2222", "202"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected the formatted state to contain %q; got:\n%s", want, out)
		}
	}
}

func TestProcessorStateBacktraceTo(t *testing.T) {
	defer func() { ReadFrameFn = func(addr uintptr) (uintptr, bool) { return 0, false } }()

	// lay out a fake frame pointer chain:
	//   fp0 @ 0x1000 -> {next: 0x2000, ret: 0xaaaa}
	//   fp1 @ 0x2000 -> {next: 0x3000, ret: 0xbbbb}
	//   fp2 @ 0x3000 -> {next: 0,      ret: 0}
	frames := map[uintptr]uintptr{
		0x1000: 0x2000, 0x1008: 0xaaaa,
		0x2000: 0x3000, 0x2008: 0xbbbb,
		0x3000: 0, 0x3008: 0,
	}
	ReadFrameFn = func(addr uintptr) (uintptr, bool) {
		val, ok := frames[addr]
		return val, ok
	}

	state := &ProcessorState{RBP: 0x1000}

	var buf [256]byte
	resolved, n := state.BacktraceTo(buf[:])
	out := string(buf[:n])

	if exp := 2; resolved != exp {
		t.Fatalf("expected %d resolved frames; got %d", exp, resolved)
	}
	for _, want := range []string{"aaaa", "bbbb"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected the backtrace to contain %q; got:\n%s", want, out)
		}
	}

	t.Run("unreadable chain", func(t *testing.T) {
		state := &ProcessorState{RBP: 0x9000}
		var buf [64]byte
		if resolved, _ := state.BacktraceTo(buf[:]); resolved != 0 {
			t.Fatalf("expected no resolved frames; got %d", resolved)
		}
	})

	t.Run("nil frame pointer", func(t *testing.T) {
		state := &ProcessorState{RBP: 0}
		var buf [64]byte
		if resolved, _ := state.BacktraceTo(buf[:]); resolved != 0 {
			t.Fatalf("expected no resolved frames; got %d", resolved)
		}
	})
}
