package pmm

import (
	"github.com/tristanseifert/kush-os-sub003/kernel"
	"github.com/tristanseifert/kush-os-sub003/kernel/sync"
)

// region is a contiguous run of physical page frames belonging to a pool.
// Frame reservations are tracked by a bitmap with one bit per base frame; a
// set bit marks the frame as allocated. Bitmap blocks use the big-endian bit
// convention: frame (blockIndex*64 + i) maps to bit (63 - i).
type region struct {
	// start and end are the first and last base-frame addresses covered by
	// the region. start, and the address one base page past end, are
	// aligned to the largest configured page size.
	start, end uintptr

	// frameCount is the number of base frames in the region.
	frameCount uintptr

	// freeCount tracks the available frames so fully allocated regions
	// can be skipped without scanning their bitmap.
	freeCount uintptr

	// allocBitmap tracks used frames in the region.
	allocBitmap []uint64

	// scanHint is the frame offset where the next free-frame scan starts.
	// Frees rewind it so that allocation remains O(1) amortized for the
	// common alloc/free churn.
	scanHint uintptr
}

// pool groups one or more regions that share the base page size and the
// configured large page size classes.
type pool struct {
	lock sync.Spinlock

	regions []region

	// totalPages and allocatedPages count base frames across all regions.
	totalPages     uintptr
	allocatedPages uintptr
}

// bitFor returns the bitmap block index and mask for the given frame offset.
func bitFor(relFrame uintptr) (block uintptr, mask uint64) {
	block = relFrame >> 6
	mask = 1 << (63 - (relFrame & 63))
	return block, mask
}

// contains returns true if addr falls inside the region.
func (r *region) contains(addr uintptr) bool {
	return addr >= r.start && addr <= r.end
}

// isAllocated returns the reservation state of the frame at relFrame.
func (r *region) isAllocated(relFrame uintptr) bool {
	block, mask := bitFor(relFrame)
	return r.allocBitmap[block]&mask != 0
}

// markAllocated flags relFrame as reserved and updates the free counter.
func (r *region) markAllocated(relFrame uintptr) {
	block, mask := bitFor(relFrame)
	r.allocBitmap[block] |= mask
	r.freeCount--
}

// markFree clears the reservation flag for relFrame and rewinds the scan
// hint so the frame is found again in O(1).
func (r *region) markFree(relFrame uintptr) {
	block, mask := bitFor(relFrame)
	r.allocBitmap[block] &^= mask
	r.freeCount++
	if relFrame < r.scanHint {
		r.scanHint = relFrame
	}
}

// findFree locates the next free frame offset at or after the scan hint.
// Fully reserved bitmap blocks are skipped 64 frames at a time. Returns false
// if the region is fully allocated.
func (r *region) findFree() (uintptr, bool) {
	if r.freeCount == 0 {
		return 0, false
	}

	for rel := r.scanHint; rel < r.frameCount; {
		block, _ := bitFor(rel)
		if r.allocBitmap[block] == ^uint64(0) {
			rel = (block + 1) << 6
			continue
		}

		if !r.isAllocated(rel) {
			r.scanHint = rel + 1
			return rel, true
		}
		rel++
	}

	// The hint skipped over frames that were freed out of order; restart
	// from the region base.
	for rel := uintptr(0); rel < r.scanHint && rel < r.frameCount; rel++ {
		if !r.isAllocated(rel) {
			r.scanHint = rel + 1
			return rel, true
		}
	}

	return 0, false
}

// findFreeRunAt scans for a run of frameCount free frames whose start is
// aligned to alignFrames relative to the region base. Large page allocations
// pass their own frame count as the alignment; the region base is itself
// aligned to the largest page size class so natural alignment follows.
func (r *region) findFreeRunAt(frameCount, alignFrames uintptr) (uintptr, bool) {
	if r.freeCount < frameCount {
		return 0, false
	}

outer:
	for rel := uintptr(0); rel+frameCount <= r.frameCount; rel += alignFrames {
		for i := uintptr(0); i < frameCount; i++ {
			if r.isAllocated(rel + i) {
				continue outer
			}
		}
		return rel, true
	}

	return 0, false
}

// allocOne reserves the next free base frame of the pool and returns its
// physical address. The caller must hold the pool lock.
func (p *pool) allocOne() (uintptr, *kernel.Error) {
	for ri := range p.regions {
		reg := &p.regions[ri]

		rel, ok := reg.findFree()
		if !ok {
			continue
		}

		reg.markAllocated(rel)
		p.allocatedPages++
		return reg.start + rel*gShared.pageSz, nil
	}

	return 0, errInsufficientMemory
}

// freeOne releases a previously allocated base frame. The caller must hold
// the pool lock.
func (p *pool) freeOne(addr uintptr) *kernel.Error {
	for ri := range p.regions {
		reg := &p.regions[ri]
		if !reg.contains(addr) {
			continue
		}

		rel := (addr - reg.start) / gShared.pageSz
		if !reg.isAllocated(rel) {
			return errInvalidFree
		}

		reg.markFree(rel)
		p.allocatedPages--
		return nil
	}

	return errInvalidFree
}
