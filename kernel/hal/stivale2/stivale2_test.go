package stivale2

import (
	"runtime"
	"testing"
	"unsafe"
)

// testMemMapTag mirrors memoryMapTag with storage for the entries that
// follow the header in the real info block.
type testMemMapTag struct {
	header  tagHeader
	entries uint64
	ents    [3]MemoryMapEntry
}

// buildBootInfo assembles an in-memory boot info block with a framebuffer, a
// memory map and a command line tag. The returned release function keeps the
// tag storage alive for the duration of the test.
func buildBootInfo(cmdline string) func() {
	cmdBytes := append([]byte(cmdline), 0)

	cmdTag := &cmdLineTag{
		header:  tagHeader{identifier: TagCmdLineID},
		cmdline: uint64(uintptr(unsafe.Pointer(&cmdBytes[0]))),
	}

	memTag := &testMemMapTag{
		header:  tagHeader{identifier: TagMemoryMapID, next: uint64(uintptr(unsafe.Pointer(cmdTag)))},
		entries: 3,
		ents: [3]MemoryMapEntry{
			{Base: 0x1000, Length: 0x9f000, Type: MemUsable},
			{Base: 0x100000, Length: 0x700000, Type: MemKernelAndModules},
			{Base: 0x800000, Length: 0x7800000, Type: MemUsable},
		},
	}

	fbTag := &framebufferTag{
		header:         tagHeader{identifier: TagFramebufferID, next: uint64(uintptr(unsafe.Pointer(memTag)))},
		addr:           0xfd000000,
		width:          1280,
		height:         800,
		pitch:          5120,
		bpp:            32,
		memoryModel:    fbMemoryModelRGB,
		redMaskShift:   16,
		greenMaskShift: 8,
		blueMaskShift:  0,
	}

	inf := &info{tags: uint64(uintptr(unsafe.Pointer(fbTag)))}
	SetInfoPtr(uintptr(unsafe.Pointer(inf)))

	return func() {
		SetInfoPtr(0)
		runtime.KeepAlive(cmdBytes)
		runtime.KeepAlive(cmdTag)
		runtime.KeepAlive(memTag)
		runtime.KeepAlive(fbTag)
		runtime.KeepAlive(inf)
	}
}

func TestVisitMemRegions(t *testing.T) {
	release := buildBootInfo("")
	defer release()

	var visited []MemoryMapEntry
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		visited = append(visited, *entry)
		return true
	})

	if exp, got := 3, len(visited); got != exp {
		t.Fatalf("expected to visit %d regions; got %d", exp, got)
	}
	if visited[1].Type != MemKernelAndModules || visited[1].Base != 0x100000 {
		t.Fatalf("unexpected second region: %+v", visited[1])
	}

	t.Run("early abort", func(t *testing.T) {
		count := 0
		VisitMemRegions(func(*MemoryMapEntry) bool {
			count++
			return false
		})
		if exp := 1; count != exp {
			t.Fatalf("expected the visitor to run %d time(s); got %d", exp, count)
		}
	})
}

func TestGetFramebufferInfo(t *testing.T) {
	release := buildBootInfo("")
	defer release()

	fbInfo := GetFramebufferInfo()
	if fbInfo == nil {
		t.Fatal("expected a framebuffer info")
	}

	if fbInfo.PhysAddr != 0xfd000000 || fbInfo.Width != 1280 || fbInfo.Height != 800 ||
		fbInfo.Pitch != 5120 || fbInfo.Bpp != 32 {
		t.Fatalf("unexpected framebuffer info: %+v", fbInfo)
	}
	if fbInfo.RedShift != 16 || fbInfo.GreenShift != 8 || fbInfo.BlueShift != 0 {
		t.Fatalf("unexpected color layout: %+v", fbInfo)
	}
}

func TestGetBootCmdLine(t *testing.T) {
	release := buildBootInfo("-console=debugcon,0xE9 -foo=bar")
	defer release()

	if exp, got := "-console=debugcon,0xE9 -foo=bar", GetBootCmdLine(); got != exp {
		t.Fatalf("expected command line %q; got %q", exp, got)
	}
}

func TestMissingInfoBlock(t *testing.T) {
	SetInfoPtr(0)

	if got := GetBootCmdLine(); got != "" {
		t.Errorf("expected an empty command line; got %q", got)
	}
	if got := GetFramebufferInfo(); got != nil {
		t.Errorf("expected no framebuffer info; got %+v", got)
	}

	visited := false
	VisitMemRegions(func(*MemoryMapEntry) bool {
		visited = true
		return true
	})
	if visited {
		t.Error("expected no memory regions to be visited")
	}
}

func TestMemoryMapEntryTypeString(t *testing.T) {
	specs := map[MemoryMapEntryType]string{
		MemUsable:           "usable",
		MemReserved:         "reserved",
		MemKernelAndModules: "kernel/modules",
		MemoryMapEntryType(0xbeef): "unknown",
	}

	for entryType, exp := range specs {
		if got := entryType.String(); got != exp {
			t.Errorf("expected %d to stringify as %q; got %q", uint32(entryType), exp, got)
		}
	}
}
