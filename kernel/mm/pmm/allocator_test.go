package pmm

import (
	"testing"

	"github.com/tristanseifert/kush-os-sub003/kernel/mm"
)

// resetAllocator discards the singleton so each test can Init with fresh
// parameters.
func resetAllocator() {
	gShared = nil
	mm.SetFrameProvider(nil, nil)
	mm.SetContiguousProvider(nil, nil)
}

func mustInit(t *testing.T, pageSz uintptr, extraSizes []uint8, bonusPools int) {
	t.Helper()
	resetAllocator()
	if err := Init(pageSz, extraSizes, bonusPools); err != nil {
		t.Fatal(err)
	}
}

func TestInitValidation(t *testing.T) {
	specs := []struct {
		pageSz     uintptr
		extraSizes []uint8
		bonusPools int
	}{
		{0, nil, 0},
		{12345, nil, 0},
		{4096, []uint8{9, 18, 19, 20, 21}, 0},
		{4096, []uint8{9, 9}, 0},
		{4096, []uint8{18, 9}, 0},
		{4096, nil, MaxPools},
		{4096, nil, -1},
	}

	for specIndex, spec := range specs {
		resetAllocator()
		if err := Init(spec.pageSz, spec.extraSizes, spec.bonusPools); err == nil {
			t.Errorf("[spec %d] expected Init to fail", specIndex)
		}
	}
}

func TestDoubleInitPanics(t *testing.T) {
	defer func() {
		resetAllocator()
		if err := recover(); err != errAlreadyInitialized {
			t.Fatalf("expected double Init to panic with errAlreadyInitialized; got %v", err)
		}
	}()

	mustInit(t, 4096, nil, 0)
	_ = Init(4096, nil, 0)
}

func TestAddRegionRounding(t *testing.T) {
	// with a 2M large page size configured, region ends must be rounded
	// inward to 2M alignment
	mustInit(t, 4096, []uint8{9}, 0)
	defer resetAllocator()

	if err := AddRegion(0x1ff000, 0x400000+0x2000, 0); err != nil {
		t.Fatal(err)
	}

	// usable range is [0x200000, 0x600000) -> 1024 base frames
	if exp, got := uintptr(1024), TotalPages(0); got != exp {
		t.Fatalf("expected rounded region to contain %d pages; got %d", exp, got)
	}
}

func TestAddRegionErrors(t *testing.T) {
	mustInit(t, 4096, nil, 1)
	defer resetAllocator()

	if err := AddRegion(0x100000, 0x100000, 0); err != nil {
		t.Fatal(err)
	}

	t.Run("overlap", func(t *testing.T) {
		if err := AddRegion(0x180000, 0x100000, 0); err != errInvalidRegion {
			t.Fatalf("expected errInvalidRegion; got %v", err)
		}

		// overlap across pools is also rejected
		if err := AddRegion(0x180000, 0x100000, 1); err != errInvalidRegion {
			t.Fatalf("expected errInvalidRegion; got %v", err)
		}
	})

	t.Run("empty after rounding", func(t *testing.T) {
		if err := AddRegion(0x300001, 0xfff, 0); err != errInvalidRegion {
			t.Fatalf("expected errInvalidRegion; got %v", err)
		}
	})

	t.Run("bad pool", func(t *testing.T) {
		if err := AddRegion(0x400000, 0x100000, 7); err != errInvalidPool {
			t.Fatalf("expected errInvalidPool; got %v", err)
		}
	})
}

func TestAllocateConservationAndDisjointness(t *testing.T) {
	mustInit(t, 4096, nil, 0)
	defer resetAllocator()

	if err := AddRegion(0x100000, 64*4096, 0); err != nil {
		t.Fatal(err)
	}

	var addrs [32]uintptr
	if err := AllocatePages(32, addrs[:], 0); err != nil {
		t.Fatal(err)
	}

	// conservation: the region free counts must account for every frame
	if exp, got := uintptr(32), AllocatedPages(0); got != exp {
		t.Fatalf("expected %d allocated pages; got %d", exp, got)
	}

	var free uintptr
	for _, reg := range gShared.pools[0].regions {
		free += reg.freeCount
	}
	if exp, got := TotalPages(0), free+AllocatedPages(0); got != exp {
		t.Fatalf("conservation violated: free+allocated = %d; total = %d", got, exp)
	}

	// disjointness: no frame handed out twice
	seen := make(map[uintptr]bool)
	for _, addr := range addrs {
		if seen[addr] {
			t.Fatalf("frame 0x%x was handed out twice", addr)
		}
		seen[addr] = true
	}
}

func TestAllocateRoundTrip(t *testing.T) {
	mustInit(t, 4096, nil, 0)
	defer resetAllocator()

	if err := AddRegion(0x100000, 16*4096, 0); err != nil {
		t.Fatal(err)
	}

	total, allocated := TotalPages(0), AllocatedPages(0)

	var addrs [8]uintptr
	if err := AllocatePages(8, addrs[:], 0); err != nil {
		t.Fatal(err)
	}
	if err := FreePages(8, addrs[:], 0); err != nil {
		t.Fatal(err)
	}

	if got := TotalPages(0); got != total {
		t.Errorf("expected total pages to return to %d; got %d", total, got)
	}
	if got := AllocatedPages(0); got != allocated {
		t.Errorf("expected allocated pages to return to %d; got %d", allocated, got)
	}
}

func TestAllocateAllOrNothing(t *testing.T) {
	mustInit(t, 4096, nil, 0)
	defer resetAllocator()

	if err := AddRegion(0x100000, 4*4096, 0); err != nil {
		t.Fatal(err)
	}

	var addrs [8]uintptr
	if err := AllocatePages(8, addrs[:], 0); err != errInsufficientMemory {
		t.Fatalf("expected errInsufficientMemory; got %v", err)
	}

	if exp, got := uintptr(0), AllocatedPages(0); got != exp {
		t.Fatalf("expected partial failure to allocate nothing; got %d allocated pages", got)
	}
}

func TestDoubleFree(t *testing.T) {
	mustInit(t, 4096, nil, 0)
	defer resetAllocator()

	if err := AddRegion(0x100000, 16*4096, 0); err != nil {
		t.Fatal(err)
	}

	var addrs [1]uintptr
	if err := AllocatePages(1, addrs[:], 0); err != nil {
		t.Fatal(err)
	}

	if err := FreePages(1, addrs[:], 0); err != nil {
		t.Fatal(err)
	}
	if err := FreePages(1, addrs[:], 0); err != errInvalidFree {
		t.Fatalf("expected errInvalidFree on double free; got %v", err)
	}

	// freeing an address outside every region is also invalid
	bogus := [1]uintptr{0xdead0000}
	if err := FreePages(1, bogus[:], 0); err != errInvalidFree {
		t.Fatalf("expected errInvalidFree for unknown frame; got %v", err)
	}
}

func TestBonusPoolsNeverSatisfyAllocations(t *testing.T) {
	mustInit(t, 4096, nil, 2)
	defer resetAllocator()

	if err := AddRegion(0x100000, 16*4096, 1); err != nil {
		t.Fatal(err)
	}

	var addrs [1]uintptr
	if err := AllocatePages(1, addrs[:], 1); err != errPoolNotConsulted {
		t.Fatalf("expected errPoolNotConsulted; got %v", err)
	}
}

func TestLargePageAllocation(t *testing.T) {
	// base 4K pages plus 2M large pages
	mustInit(t, 4096, []uint8{9}, 0)
	defer resetAllocator()

	if err := AddRegion(0x200000, 2*0x200000, 0); err != nil {
		t.Fatal(err)
	}

	addr, err := AllocateLargePage(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if addr&(0x200000-1) != 0 {
		t.Fatalf("expected naturally aligned 2M page; got 0x%x", addr)
	}
	if exp, got := uintptr(512), AllocatedPages(0); got != exp {
		t.Fatalf("expected large page to reserve %d base frames; got %d", exp, got)
	}

	t.Run("free and double free", func(t *testing.T) {
		if err := FreeLargePage(addr, 1, 0); err != nil {
			t.Fatal(err)
		}
		if err := FreeLargePage(addr, 1, 0); err != errInvalidFree {
			t.Fatalf("expected errInvalidFree on double free; got %v", err)
		}
		if exp, got := uintptr(0), AllocatedPages(0); got != exp {
			t.Fatalf("expected no allocated pages; got %d", got)
		}
	})

	t.Run("bad size class", func(t *testing.T) {
		if _, err := AllocateLargePage(2, 0); err != errInvalidSizeClass {
			t.Fatalf("expected errInvalidSizeClass; got %v", err)
		}
	})
}

func TestLargePageConservation(t *testing.T) {
	// a region holding two 2M pages; base page churn that never exhausts
	// the first 2M page must keep the second one obtainable
	mustInit(t, 4096, []uint8{9}, 0)
	defer resetAllocator()

	if err := AddRegion(0x200000, 2*0x200000, 0); err != nil {
		t.Fatal(err)
	}

	var small [4]uintptr
	if err := AllocatePages(4, small[:], 0); err != nil {
		t.Fatal(err)
	}

	addr, err := AllocateLargePage(1, 0)
	if err != nil {
		t.Fatalf("expected a large page to remain obtainable; got %v", err)
	}

	for _, smallAddr := range small {
		if smallAddr >= addr && smallAddr < addr+0x200000 {
			t.Fatalf("base frame 0x%x overlaps the large page at 0x%x", smallAddr, addr)
		}
	}

	// returning everything restores both large pages
	if err := FreeLargePage(addr, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := FreePages(4, small[:], 0); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := AllocateLargePage(1, 0); err != nil {
			t.Fatalf("expected large page %d to be obtainable; got %v", i, err)
		}
	}
}

func TestAllocateContiguous(t *testing.T) {
	mustInit(t, 4096, nil, 0)
	defer resetAllocator()

	if err := AddRegion(0x100000, 32*4096, 0); err != nil {
		t.Fatal(err)
	}

	addr, err := AllocateContiguous(8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := uintptr(8), AllocatedPages(0); got != exp {
		t.Fatalf("expected %d allocated pages; got %d", exp, got)
	}

	if err := FreeContiguous(addr, 8, 0); err != nil {
		t.Fatal(err)
	}
	if exp, got := uintptr(0), AllocatedPages(0); got != exp {
		t.Fatalf("expected %d allocated pages; got %d", exp, got)
	}
}

func TestFrameProviderHooks(t *testing.T) {
	mustInit(t, 4096, nil, 0)
	defer resetAllocator()

	if err := AddRegion(0x100000, 16*4096, 0); err != nil {
		t.Fatal(err)
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := uintptr(1), AllocatedPages(0); got != exp {
		t.Fatalf("expected %d allocated pages; got %d", exp, got)
	}

	if err := mm.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}
	if exp, got := uintptr(0), AllocatedPages(0); got != exp {
		t.Fatalf("expected %d allocated pages; got %d", exp, got)
	}
}

func TestRemapTo(t *testing.T) {
	mustInit(t, 4096, nil, 0)
	defer func() {
		resetAllocator()
		if err := recover(); err != errRemapTwice {
			t.Fatalf("expected second RemapTo to panic with errRemapTwice; got %v", err)
		}
	}()

	if err := RemapTo(fakeAddressSpace{}); err != nil {
		t.Fatal(err)
	}
	_ = RemapTo(fakeAddressSpace{})
}

type fakeAddressSpace struct{}

func (fakeAddressSpace) Activate() {}
