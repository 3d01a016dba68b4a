// Package pmm implements the physical memory allocator. Physical memory is
// spread across one or more pools; inside each pool are one or more regions,
// contiguous physical memory sections from which page frames are allocated.
//
// All kernel requests are satisfied from the default pool (index 0). Any
// bonus pools initialized by the platform code accept regions but are not
// consulted for allocations.
//
// All initialization must take place before any additional processors are
// started; Init and AddRegion are not thread safe. After initialization every
// operation takes the owning pool's spinlock.
package pmm

import (
	"github.com/tristanseifert/kush-os-sub003/kernel"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm"
)

const (
	// MaxExtraSizes is the maximum number of additional page sizes.
	MaxExtraSizes = 4

	// MaxPools is the maximum number of memory pools, including the
	// default pool.
	MaxPools = 4
)

var (
	// gShared is the globally shared instance of the physical allocator.
	gShared *allocator

	errAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "allocator is already initialized"}
	errNotInitialized     = &kernel.Error{Module: "pmm", Message: "allocator is not initialized"}
	errBadPageSize        = &kernel.Error{Module: "pmm", Message: "base page size is not a power of two"}
	errTooManyExtraSizes  = &kernel.Error{Module: "pmm", Message: "too many extra page sizes"}
	errExtraSizesOrder    = &kernel.Error{Module: "pmm", Message: "extra page sizes are not ascending"}
	errTooManyPools       = &kernel.Error{Module: "pmm", Message: "too many bonus pools"}
	errInvalidPool        = &kernel.Error{Module: "pmm", Message: "pool index is out of range"}
	errPoolNotConsulted   = &kernel.Error{Module: "pmm", Message: "bonus pools do not satisfy allocations"}
	errInvalidRegion      = &kernel.Error{Module: "pmm", Message: "region is empty or overlaps an existing region"}
	errInvalidArgument    = &kernel.Error{Module: "pmm", Message: "invalid page count or output buffer"}
	errInvalidSizeClass   = &kernel.Error{Module: "pmm", Message: "page size class is out of range"}
	errInsufficientMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
	errInvalidFree        = &kernel.Error{Module: "pmm", Message: "frame is not allocated or not part of any region"}
	errRemapTwice         = &kernel.Error{Module: "pmm", Message: "allocator bookkeeping was already remapped"}
)

// AddressSpace is the subset of the VM map interface the allocator needs for
// RemapTo. It is declared here to keep the allocator free of a dependency on
// the virtual memory subsystem.
type AddressSpace interface {
	Activate()
}

// allocator dispenses physical memory with page granularity.
type allocator struct {
	// pageSz is the size of a single base page in bytes; a power of two.
	pageSz uintptr

	// extraPageSizes holds the log2 offsets of the additional large page
	// sizes, sorted ascending. A system with 4K base pages that also
	// supports 2M and 1G pages stores {9, 18}.
	extraPageSizes []uint8

	// pools holds the default pool followed by any bonus pools.
	pools []pool

	// bookkeepingMap is the address space passed to RemapTo, or nil before
	// RemapTo has been called.
	bookkeepingMap AddressSpace
}

// Init establishes the physical allocator with the given base page size, the
// log2 offsets of any additional large page sizes (ascending, at most
// MaxExtraSizes) and the number of bonus pools. Calling Init twice is a fatal
// error.
func Init(pageSz uintptr, extraSizes []uint8, numBonusPools int) *kernel.Error {
	if gShared != nil {
		panic(errAlreadyInitialized)
	}

	if pageSz == 0 || pageSz&(pageSz-1) != 0 {
		return errBadPageSize
	}
	if len(extraSizes) > MaxExtraSizes {
		return errTooManyExtraSizes
	}
	for i := 1; i < len(extraSizes); i++ {
		if extraSizes[i] <= extraSizes[i-1] {
			return errExtraSizesOrder
		}
	}
	if numBonusPools < 0 || numBonusPools > MaxPools-1 {
		return errTooManyPools
	}

	alloc := &allocator{
		pageSz:         pageSz,
		extraPageSizes: append([]uint8(nil), extraSizes...),
		pools:          make([]pool, 1+numBonusPools),
	}

	gShared = alloc
	mm.SetFrameProvider(allocFrame, freeFrame)
	mm.SetContiguousProvider(allocContiguous, freeContiguous)
	return nil
}

// largestPageSize returns the size in bytes of the largest configured page
// size class.
func (a *allocator) largestPageSize() uintptr {
	if len(a.extraPageSizes) == 0 {
		return a.pageSz
	}
	return a.pageSz << a.extraPageSizes[len(a.extraPageSizes)-1]
}

// sizeClassBytes returns the page size in bytes for a size class index. Class
// 0 is the base size; class k (k >= 1) corresponds to extraPageSizes[k-1].
func (a *allocator) sizeClassBytes(class int) (uintptr, *kernel.Error) {
	if class == 0 {
		return a.pageSz, nil
	}
	if class < 1 || class > len(a.extraPageSizes) {
		return 0, errInvalidSizeClass
	}
	return a.pageSz << a.extraPageSizes[class-1], nil
}

// AddRegion hands the physical memory range [base, base+length) to the given
// pool. The range is rounded inward so that both ends are aligned to the
// largest configured page size; this keeps large page allocations from the
// region aligned. Ranges that overlap a previously added region are rejected.
func AddRegion(base, length uintptr, poolIdx int) *kernel.Error {
	if gShared == nil {
		return errNotInitialized
	}
	if poolIdx < 0 || poolIdx >= len(gShared.pools) {
		return errInvalidPool
	}

	align := gShared.largestPageSize()
	start := (base + align - 1) &^ (align - 1)
	end := (base + length) &^ (align - 1)
	if end <= start {
		return errInvalidRegion
	}

	// reject overlap with any region in any pool
	for pi := range gShared.pools {
		for ri := range gShared.pools[pi].regions {
			reg := &gShared.pools[pi].regions[ri]
			if start <= reg.end && reg.start < end {
				return errInvalidRegion
			}
		}
	}

	frameCount := (end - start) / gShared.pageSz
	p := &gShared.pools[poolIdx]
	p.regions = append(p.regions, region{
		start:       start,
		end:         end - gShared.pageSz,
		frameCount:  frameCount,
		freeCount:   frameCount,
		allocBitmap: make([]uint64, (frameCount+63)>>6),
	})
	p.totalPages += frameCount

	return nil
}

// AllocatePages reserves count base-size frames from the pool and stores
// their physical addresses into out. The returned frames are not guaranteed
// to be contiguous; callers that need contiguity must request a single large
// page instead. On failure nothing is allocated.
func AllocatePages(count int, out []uintptr, poolIdx int) *kernel.Error {
	p, err := allocationPool(poolIdx)
	if err != nil {
		return err
	}
	if count <= 0 || len(out) < count {
		return errInvalidArgument
	}

	p.lock.Acquire()
	defer p.lock.Release()

	for i := 0; i < count; i++ {
		addr, err := p.allocOne()
		if err != nil {
			// roll back the partial allocation
			for j := 0; j < i; j++ {
				_ = p.freeOne(out[j])
			}
			return err
		}
		out[i] = addr
	}

	return nil
}

// FreePages returns count previously allocated base-size frames to the pool.
// Returning a frame that is not currently allocated fails with an invalid
// free error; frames preceding the offender are still returned.
func FreePages(count int, in []uintptr, poolIdx int) *kernel.Error {
	p, err := allocationPool(poolIdx)
	if err != nil {
		return err
	}
	if count <= 0 || len(in) < count {
		return errInvalidArgument
	}

	p.lock.Acquire()
	defer p.lock.Release()

	for i := 0; i < count; i++ {
		if err := p.freeOne(in[i]); err != nil {
			return err
		}
	}

	return nil
}

// AllocateLargePage reserves a single contiguous, naturally aligned page of
// the given size class and returns its physical address.
func AllocateLargePage(class int, poolIdx int) (uintptr, *kernel.Error) {
	p, err := allocationPool(poolIdx)
	if err != nil {
		return 0, err
	}

	classBytes, err := gShared.sizeClassBytes(class)
	if err != nil {
		return 0, err
	}
	frameCount := classBytes / gShared.pageSz

	p.lock.Acquire()
	defer p.lock.Release()

	for ri := range p.regions {
		reg := &p.regions[ri]
		rel, ok := reg.findFreeRunAt(frameCount, frameCount)
		if !ok {
			continue
		}

		for i := uintptr(0); i < frameCount; i++ {
			reg.markAllocated(rel + i)
		}
		p.allocatedPages += frameCount
		return reg.start + rel*gShared.pageSz, nil
	}

	return 0, errInsufficientMemory
}

// FreeLargePage returns a large page previously obtained from
// AllocateLargePage. The whole run must still be allocated; partially freed
// runs are rejected as a double free without modifying any state.
func FreeLargePage(addr uintptr, class int, poolIdx int) *kernel.Error {
	p, err := allocationPool(poolIdx)
	if err != nil {
		return err
	}

	classBytes, err := gShared.sizeClassBytes(class)
	if err != nil {
		return err
	}
	frameCount := classBytes / gShared.pageSz

	p.lock.Acquire()
	defer p.lock.Release()

	for ri := range p.regions {
		reg := &p.regions[ri]
		if !reg.contains(addr) {
			continue
		}

		rel := (addr - reg.start) / gShared.pageSz
		for i := uintptr(0); i < frameCount; i++ {
			if !reg.isAllocated(rel + i) {
				return errInvalidFree
			}
		}

		for i := uintptr(0); i < frameCount; i++ {
			reg.markFree(rel + i)
		}
		p.allocatedPages -= frameCount
		return nil
	}

	return errInvalidFree
}

// TotalPages returns the number of base frames managed by the pool.
func TotalPages(poolIdx int) uintptr {
	if gShared == nil || poolIdx < 0 || poolIdx >= len(gShared.pools) {
		return 0
	}
	return gShared.pools[poolIdx].totalPages
}

// AllocatedPages returns the number of base frames currently reserved in the
// pool.
func AllocatedPages(poolIdx int) uintptr {
	if gShared == nil || poolIdx < 0 || poolIdx >= len(gShared.pools) {
		return 0
	}

	p := &gShared.pools[poolIdx]
	p.lock.Acquire()
	defer p.lock.Release()
	return p.allocatedPages
}

// PageSize returns the base page size of the allocator.
func PageSize() uintptr {
	if gShared == nil {
		return 0
	}
	return gShared.pageSz
}

// RemapTo records the given address space as the one holding the allocator's
// bookkeeping. The bookkeeping structures themselves are not copied or
// remapped. It must be called at most once; a second call is a fatal error.
func RemapTo(m AddressSpace) *kernel.Error {
	if gShared == nil {
		return errNotInitialized
	}
	if m == nil {
		return errInvalidArgument
	}
	if gShared.bookkeepingMap != nil {
		panic(errRemapTwice)
	}

	gShared.bookkeepingMap = m
	return nil
}

// allocationPool resolves the pool for an allocation request. Only the
// default pool satisfies allocations; bonus pools accept regions but are
// never consulted.
func allocationPool(poolIdx int) (*pool, *kernel.Error) {
	if gShared == nil {
		return nil, errNotInitialized
	}
	if poolIdx < 0 || poolIdx >= len(gShared.pools) {
		return nil, errInvalidPool
	}
	if poolIdx != 0 {
		return nil, errPoolNotConsulted
	}
	return &gShared.pools[poolIdx], nil
}

// AllocateContiguous reserves a run of count physically contiguous base
// frames from the pool and returns the address of the first one.
func AllocateContiguous(count int, poolIdx int) (uintptr, *kernel.Error) {
	p, err := allocationPool(poolIdx)
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		return 0, errInvalidArgument
	}

	p.lock.Acquire()
	defer p.lock.Release()

	frameCount := uintptr(count)
	for ri := range p.regions {
		reg := &p.regions[ri]
		rel, ok := reg.findFreeRunAt(frameCount, 1)
		if !ok {
			continue
		}

		for i := uintptr(0); i < frameCount; i++ {
			reg.markAllocated(rel + i)
		}
		p.allocatedPages += frameCount
		return reg.start + rel*gShared.pageSz, nil
	}

	return 0, errInsufficientMemory
}

// FreeContiguous returns a frame run previously obtained from
// AllocateContiguous.
func FreeContiguous(addr uintptr, count int, poolIdx int) *kernel.Error {
	p, err := allocationPool(poolIdx)
	if err != nil {
		return err
	}
	if count <= 0 {
		return errInvalidArgument
	}

	p.lock.Acquire()
	defer p.lock.Release()

	frameCount := uintptr(count)
	for ri := range p.regions {
		reg := &p.regions[ri]
		if !reg.contains(addr) {
			continue
		}

		rel := (addr - reg.start) / gShared.pageSz
		for i := uintptr(0); i < frameCount; i++ {
			if !reg.isAllocated(rel + i) {
				return errInvalidFree
			}
		}

		for i := uintptr(0); i < frameCount; i++ {
			reg.markFree(rel + i)
		}
		p.allocatedPages -= frameCount
		return nil
	}

	return errInvalidFree
}

// allocFrame adapts the allocator to the mm frame provider hook.
func allocFrame() (mm.Frame, *kernel.Error) {
	var addrs [1]uintptr
	if err := AllocatePages(1, addrs[:], 0); err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addrs[0]), nil
}

// freeFrame adapts the allocator to the mm frame provider hook.
func freeFrame(frame mm.Frame) *kernel.Error {
	addrs := [1]uintptr{frame.Address()}
	return FreePages(1, addrs[:], 0)
}

// allocContiguous adapts the allocator to the mm contiguous provider hook.
func allocContiguous(frameCount int) (mm.Frame, *kernel.Error) {
	addr, err := AllocateContiguous(frameCount, 0)
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// freeContiguous adapts the allocator to the mm contiguous provider hook.
func freeContiguous(first mm.Frame, frameCount int) *kernel.Error {
	return FreeContiguous(first.Address(), frameCount, 0)
}

