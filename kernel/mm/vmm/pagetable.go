// Package vmm implements the virtual memory subsystem: the page-table
// wrapper owned by every address space, the reference-counted maps and map
// entries that describe virtual regions, and the fault-dispatching VM
// manager.
package vmm

import (
	"sync/atomic"
	"unsafe"

	"github.com/tristanseifert/kush-os-sub003/kernel"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm"
	"github.com/tristanseifert/kush-os-sub003/kernel/platform"
)

const (
	// pageLevels is the number of translation levels.
	pageLevels = 4

	// tableEntries is the number of entries per translation table.
	tableEntries = 512

	// kernelHalfSlot is the first top-level slot that belongs to the
	// kernel half of the address space. Slots at or above it translate
	// addresses >= mm.KernelBoundary.
	kernelHalfSlot = tableEntries / 2
)

// PageTableEntryFlag describes the flag bits of a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent marks the entry as installed.
	FlagPresent PageTableEntryFlag = 1 << 0
	// FlagRW makes the page writable.
	FlagRW PageTableEntryFlag = 1 << 1
	// FlagUserAccessible makes the page reachable from user mode.
	FlagUserAccessible PageTableEntryFlag = 1 << 2
	// FlagWriteThrough selects write-through caching.
	FlagWriteThrough PageTableEntryFlag = 1 << 3
	// FlagNoCache disables caching for the page; used for device memory.
	FlagNoCache PageTableEntryFlag = 1 << 4
	// FlagNoExecute forbids instruction fetches from the page.
	FlagNoExecute PageTableEntryFlag = 1 << 63

	// pteFrameMask selects the physical frame bits of an entry.
	pteFrameMask uint64 = 0x0000fffffffff000
)

// pageTableEntry describes an entry in any of the translation levels.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the given flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uint64(pte)&uint64(flags) == uint64(flags)
}

// SetFlags sets the given flags on the entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) | uint64(flags))
}

// ClearFlags clears the given flags from the entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical frame the entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(uintptr(uint64(pte) & pteFrameMask))
}

// SetFrame points the entry at the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry((uint64(*pte) &^ pteFrameMask) | uint64(frame.Address())&pteFrameMask)
}

// tableNode is one translation table. Non-leaf levels use the children
// pointers to reach the next level; the leaf level stores the PTEs.
type tableNode struct {
	entries  [tableEntries]pageTableEntry
	children [tableEntries]*tableNode
}

// PageTable is the platform translation structure owned 1:1 by a Map. If a
// parent table is supplied at construction the kernel half (addresses at or
// above mm.KernelBoundary) is shared by reference: the child's top-level
// entries for those slots alias the parent's next-level tables and are never
// written through the child. This keeps the kernel view of every address
// space identical without per-map synchronization on kernel page installs.
type PageTable struct {
	root   *tableNode
	parent *PageTable
}

var (
	// ErrAlreadyMapped is returned by Map when the target PTE is present.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrNotMapped is returned when no PTE is installed for an address.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual page is not mapped"}
)

// NewPageTable creates a translation table. With a nil parent every
// second-level table for the kernel half is allocated up front so that later
// kernel installs become visible to any child table that aliases these slots.
func NewPageTable(parent *PageTable) *PageTable {
	pt := &PageTable{
		root:   new(tableNode),
		parent: parent,
	}

	if parent != nil {
		for slot := kernelHalfSlot; slot < tableEntries; slot++ {
			pt.root.children[slot] = parent.root.children[slot]
			pt.root.entries[slot] = parent.root.entries[slot]
		}
		return pt
	}

	for slot := kernelHalfSlot; slot < tableEntries; slot++ {
		pt.root.children[slot] = new(tableNode)
		pt.root.entries[slot].SetFlags(FlagPresent | FlagRW)
	}

	return pt
}

// rootToken returns the value handed to the platform when this table is
// activated; it stands in for the physical address of the top-level table.
func (pt *PageTable) rootToken() uintptr {
	return uintptr(unsafe.Pointer(pt.root))
}

// Activate installs this table on the calling processor. It is a no-op if
// the table is already active.
func (pt *PageTable) Activate() {
	if platform.ActivePageTableFn() == pt.rootToken() {
		return
	}
	platform.SwitchPageTableFn(pt.rootToken())
}

// levelIndex breaks a virtual address into the table index for each level,
// most significant level first.
func levelIndex(virtAddr uintptr, level int) int {
	shift := uint(mm.PageShift) + uint(9*(pageLevels-1-level))
	return int((virtAddr >> shift) & (tableEntries - 1))
}

// leafFor walks to the leaf table covering virtAddr. Missing intermediate
// tables are allocated when create is set, otherwise the walk fails with
// ErrNotMapped.
func (pt *PageTable) leafFor(virtAddr uintptr, create bool) (*tableNode, *kernel.Error) {
	node := pt.root
	for level := 0; level < pageLevels-1; level++ {
		idx := levelIndex(virtAddr, level)
		next := node.children[idx]
		if next == nil {
			if !create {
				return nil, ErrNotMapped
			}

			next = new(tableNode)
			node.children[idx] = next
			node.entries[idx].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}
		node = next
	}

	return node, nil
}

// Map installs a single base-size PTE translating virtAddr to physAddr with
// the given access mode. The PTE write is ordered before the TLB invalidation
// that follows it. Returns ErrAlreadyMapped if a PTE is already present.
func (pt *PageTable) Map(virtAddr, physAddr uintptr, mode mm.AccessMode) *kernel.Error {
	leaf, err := pt.leafFor(virtAddr, true)
	if err != nil {
		return err
	}

	pte := &leaf.entries[levelIndex(virtAddr, pageLevels-1)]
	if pte.HasFlags(FlagPresent) {
		return ErrAlreadyMapped
	}

	*pte = 0
	pte.SetFrame(mm.FrameFromAddress(physAddr))
	pte.SetFlags(pteFlagsForMode(mode))
	atomicPTEBarrier()
	pt.Invalidate(virtAddr)

	return nil
}

// Unmap removes the PTE for virtAddr and returns the physical address it
// pointed to, or ErrNotMapped if no translation was installed.
func (pt *PageTable) Unmap(virtAddr uintptr) (uintptr, *kernel.Error) {
	leaf, err := pt.leafFor(virtAddr, false)
	if err != nil {
		return 0, err
	}

	pte := &leaf.entries[levelIndex(virtAddr, pageLevels-1)]
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	physAddr := pte.Frame().Address()
	*pte = 0
	atomicPTEBarrier()
	pt.Invalidate(virtAddr)

	return physAddr, nil
}

// Walk returns the physical address that virtAddr translates to, or
// ErrNotMapped.
func (pt *PageTable) Walk(virtAddr uintptr) (uintptr, *kernel.Error) {
	leaf, err := pt.leafFor(virtAddr, false)
	if err != nil {
		return 0, err
	}

	pte := leaf.entries[levelIndex(virtAddr, pageLevels-1)]
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	return pte.Frame().Address() + (virtAddr & (mm.PageSize - 1)), nil
}

// Invalidate issues a local TLB shootdown for the page containing virtAddr.
func (pt *PageTable) Invalidate(virtAddr uintptr) {
	platform.FlushTLBEntryFn(virtAddr)
}

// pteFlagsForMode converts an access mode to the flag bits of a PTE.
func pteFlagsForMode(mode mm.AccessMode) PageTableEntryFlag {
	flags := FlagPresent

	if mode.Any(mm.ModeWrite) {
		flags |= FlagRW
	}
	if mode.Any(mm.UserMask) {
		flags |= FlagUserAccessible
	}
	if !mode.Any(mm.ModeExecute) {
		flags |= FlagNoExecute
	}
	if mode.Has(mm.CacheWriteThrough) {
		flags |= FlagWriteThrough
	}
	if mode.Has(mm.CacheMMIO) {
		flags |= FlagNoCache
	}

	return flags
}

// pteBarrierSink backs atomicPTEBarrier.
var pteBarrierSink uint32

// atomicPTEBarrier orders a PTE write before the TLB operation that follows
// it.
func atomicPTEBarrier() {
	atomic.AddUint32(&pteBarrierSink, 1)
}
