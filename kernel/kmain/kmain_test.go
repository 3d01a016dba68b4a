package kmain

import (
	"bytes"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/tristanseifert/kush-os-sub003/kernel/hal"
	"github.com/tristanseifert/kush-os-sub003/kernel/handle"
	"github.com/tristanseifert/kush-os-sub003/kernel/kfmt"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm/pmm"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm/vmm"
	"github.com/tristanseifert/kush-os-sub003/kernel/platform"
	"github.com/tristanseifert/kush-os-sub003/kernel/sched"
)

// The structures below mirror the stivale2 tag layouts so the test can
// assemble a boot info block in memory.
type testTagHeader struct {
	identifier uint64
	next       uint64
}

type testInfo struct {
	brand   [64]byte
	version [64]byte
	tags    uint64
}

type testCmdLineTag struct {
	header  testTagHeader
	cmdline uint64
}

type testMemEntry struct {
	base, length uint64
	entryType    uint32
	unused       uint32
}

type testMemMapTag struct {
	header  testTagHeader
	entries uint64
	ents    [3]testMemEntry
}

const (
	tagCmdLineID   = 0xe5e76a1b4597a781
	tagMemoryMapID = 0x2187f79e8612de07

	memUsable           = 1
	memKernelAndModules = 0x1001
)

// TestKmainBoot drives the whole initialization path end to end with a
// crafted boot info block. Singletons initialize once per process, so this
// package carries exactly this one test.
func TestKmainBoot(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	var debugconOut bytes.Buffer
	origOut := platform.OutByteFn
	platform.OutByteFn = func(port uint16, value uint8) {
		if port == 0xe9 {
			debugconOut.WriteByte(value)
		}
	}
	defer func() { platform.OutByteFn = origOut }()

	cmdBytes := append([]byte("-console=debugcon,0xE9 -foo=bar"), 0)
	cmdTag := &testCmdLineTag{
		header:  testTagHeader{identifier: tagCmdLineID},
		cmdline: uint64(uintptr(unsafe.Pointer(&cmdBytes[0]))),
	}

	memTag := &testMemMapTag{
		header:  testTagHeader{identifier: tagMemoryMapID, next: uint64(uintptr(unsafe.Pointer(cmdTag)))},
		entries: 3,
		ents: [3]testMemEntry{
			// too small to survive 1G rounding; dropped with a warning
			{base: 0x1000, length: 0x9f000, entryType: memUsable},
			{base: 0x100000, length: 0x700000, entryType: memKernelAndModules},
			// one full gigabyte page worth of usable RAM
			{base: 0x40000000, length: 0x40000000, entryType: memUsable},
		},
	}

	inf := &testInfo{tags: uint64(uintptr(unsafe.Pointer(memTag)))}

	Kmain(uintptr(unsafe.Pointer(inf)))

	runtime.KeepAlive(cmdBytes)
	runtime.KeepAlive(cmdTag)
	runtime.KeepAlive(memTag)
	runtime.KeepAlive(inf)

	t.Run("physical allocator owns the usable region", func(t *testing.T) {
		if exp, got := uintptr(0x40000000/0x1000), pmm.TotalPages(0); got != exp {
			t.Fatalf("expected %d managed pages; got %d", exp, got)
		}
	})

	t.Run("kernel map exists and is active", func(t *testing.T) {
		if vmm.KernelMap() == nil {
			t.Fatal("expected a kernel map")
		}
		if vmm.CurrentMap() != vmm.KernelMap() {
			t.Fatal("expected the kernel map to be active")
		}
	})

	t.Run("handle manager is up", func(t *testing.T) {
		task := sched.NewTask("rootsrv")
		h := handle.MakeTaskHandle(task)
		if got := handle.GetTask(h); got != task {
			t.Fatalf("expected the handle manager to resolve the task; got %v", got)
		}
		if !handle.ReleaseTaskHandle(h) {
			t.Fatal("expected the handle release to succeed")
		}
	})

	t.Run("console selection was parsed", func(t *testing.T) {
		cfg := hal.ConsoleSettings()
		if cfg.Type != hal.ConsoleDebugcon {
			t.Fatalf("expected the debugcon console; got %d", cfg.Type)
		}
		if exp := uint16(0xe9); cfg.DebugconPort != exp {
			t.Fatalf("expected IO port 0x%x; got 0x%x", exp, cfg.DebugconPort)
		}
	})

	t.Run("boot banner reaches the debugcon", func(t *testing.T) {
		// DetectHardware rewires the output sink to the configured
		// debugcon port, so the final banner lands there
		if !strings.Contains(debugconOut.String(), "kernel core initialized") {
			t.Fatalf("expected the boot banner on the debugcon; got:\n%s", debugconOut.String())
		}
	})
}
