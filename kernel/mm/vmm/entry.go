package vmm

import (
	"sync/atomic"

	"github.com/tristanseifert/kush-os-sub003/kernel"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm"
	"github.com/tristanseifert/kush-os-sub003/kernel/platform"
	ksync "github.com/tristanseifert/kush-os-sub003/kernel/sync"
)

// Fault handler return codes. Zero resumes the faulting instruction; any
// other value propagates the fault upward.
const (
	// FaultHandled resumes the faulting instruction.
	FaultHandled = 0
	// FaultNotHandled propagates the fault to the exception layer.
	FaultNotHandled = -1
)

// Entry is a VM object: it covers a single contiguous region of virtual
// address space in a map and knows how to populate its pages. Entries may be
// shared between one or more maps and are reference counted; the last release
// destroys the entry and returns any backing memory.
//
// Entries never hold a strong reference to a containing map; maps are always
// passed in per call, which keeps the object graph acyclic.
type Entry interface {
	// Length returns the size of the entry in bytes; always a multiple of
	// the page size.
	Length() uintptr

	// BaseAccessMode returns the access mode the entry was created with.
	BaseAccessMode() mm.AccessMode

	// AccessModeIn returns the access mode for this entry's pages in the
	// given map. The default implementation returns the base mode.
	AccessModeIn(m *Map) mm.AccessMode

	// AddedTo is invoked when the entry is placed into a map at the given
	// virtual base; this is where concrete variants populate the page
	// table, eagerly or lazily.
	AddedTo(base uintptr, m *Map, pt *PageTable) *kernel.Error

	// HandleFault handles a page fault at virtAddr, which falls inside
	// this entry's range in map m. It returns FaultHandled to resume the
	// faulting instruction or a non-zero code to propagate the fault.
	HandleFault(m *Map, virtAddr uintptr, mode mm.AccessMode) int

	common() *entryCommon
	destroy()
}

// entryCommon carries the state shared by every entry variant: the refcount,
// the region geometry and the per-map attachment records.
type entryCommon struct {
	refs refCount

	// length is the number of bytes occupied by this entry in virtual
	// address space; always a multiple of the page size.
	length uintptr

	// accessMode is the base access mode for the entry's pages.
	accessMode mm.AccessMode

	// lock guards the attachment records.
	lock ksync.Spinlock

	// bases records the virtual base of this entry in every map that
	// currently contains it.
	bases map[*Map]uintptr
}

var errBadEntryLength = &kernel.Error{Module: "vmm", Message: "entry length is zero or not a page size multiple"}

// initCommon validates the geometry shared by all entry variants.
func (c *entryCommon) initCommon(length uintptr, mode mm.AccessMode) *kernel.Error {
	if length == 0 || length&(mm.PageSize-1) != 0 {
		return errBadEntryLength
	}

	c.refs.init()
	c.length = length
	c.accessMode = mode
	c.bases = make(map[*Map]uintptr)
	return nil
}

func (c *entryCommon) Length() uintptr                 { return c.length }
func (c *entryCommon) BaseAccessMode() mm.AccessMode   { return c.accessMode }
func (c *entryCommon) AccessModeIn(*Map) mm.AccessMode { return c.accessMode }
func (c *entryCommon) common() *entryCommon            { return c }

// attach records the base of the entry in a containing map.
func (c *entryCommon) attach(m *Map, base uintptr) {
	c.lock.Acquire()
	c.bases[m] = base
	c.lock.Release()
}

// detach drops the attachment record for a map.
func (c *entryCommon) detach(m *Map) {
	c.lock.Acquire()
	delete(c.bases, m)
	c.lock.Release()
}

// baseIn returns the virtual base of the entry in the given map.
func (c *entryCommon) baseIn(m *Map) (uintptr, bool) {
	c.lock.Acquire()
	base, ok := c.bases[m]
	c.lock.Release()
	return base, ok
}

// RetainEntry increments the reference count of an entry.
func RetainEntry(e Entry) Entry {
	e.common().refs.retain()
	return e
}

// ReleaseEntry decrements the reference count of an entry, destroying it and
// returning its backing memory once the count reaches zero.
func ReleaseEntry(e Entry) {
	if e.common().refs.release() {
		e.destroy()
	}
}

// EntryOrphaned returns true if no map currently refers to the entry.
func EntryOrphaned(e Entry) bool {
	c := e.common()
	c.lock.Acquire()
	orphaned := len(c.bases) == 0
	c.lock.Release()
	return orphaned
}

// EntryRefCount returns the current reference count of an entry; a
// diagnostic aid, not a synchronization primitive.
func EntryRefCount(e Entry) int32 {
	return e.common().refs.count()
}

// AnonymousEntry provides zero-initialized pages drawn from the physical
// allocator on first touch. Installation records the base address but maps
// nothing; the fault handler allocates and zeroes one page at a time.
type AnonymousEntry struct {
	entryCommon

	// pagesLock guards frames.
	pagesLock ksync.Spinlock

	// frames maps page-aligned offsets within the entry to the physical
	// frames that back them. Frames are shared by every map containing
	// the entry.
	frames map[uintptr]mm.Frame
}

// NewAnonymousEntry creates a demand-paged zero-fill entry of the given
// length.
func NewAnonymousEntry(length uintptr, mode mm.AccessMode) (*AnonymousEntry, *kernel.Error) {
	e := &AnonymousEntry{frames: make(map[uintptr]mm.Frame)}
	if err := e.initCommon(length, mode); err != nil {
		return nil, err
	}
	return e, nil
}

// AddedTo records the entry's base in the map; no PTEs are installed until
// the first fault.
func (e *AnonymousEntry) AddedTo(base uintptr, m *Map, pt *PageTable) *kernel.Error {
	e.attach(m, base)
	return nil
}

// HandleFault faults in the page containing virtAddr: the backing frame is
// allocated and zeroed on first touch, then installed into the faulting
// map's page table with the entry's access mode.
func (e *AnonymousEntry) HandleFault(m *Map, virtAddr uintptr, mode mm.AccessMode) int {
	base, ok := e.baseIn(m)
	if !ok {
		return FaultNotHandled
	}

	// reject accesses the entry's protection does not allow
	allowed := e.AccessModeIn(m)
	if mode&^allowed != 0 {
		return FaultNotHandled
	}

	offset := (virtAddr - base) &^ (mm.PageSize - 1)

	e.pagesLock.Acquire()
	frame, ok := e.frames[offset]
	if !ok {
		var err *kernel.Error
		frame, err = mm.AllocFrame()
		if err != nil {
			e.pagesLock.Release()
			return FaultNotHandled
		}

		platform.ZeroPhysPage(frame.Address())
		e.frames[offset] = frame
	}
	e.pagesLock.Release()

	err := m.PageTable().Map(base+offset, frame.Address(), allowed)
	if err != nil && err != ErrAlreadyMapped {
		return FaultNotHandled
	}

	return FaultHandled
}

func (e *AnonymousEntry) destroy() {
	e.pagesLock.Acquire()
	for _, frame := range e.frames {
		_ = mm.FreeFrame(frame)
	}
	e.frames = nil
	e.pagesLock.Release()
}

// PhysicalMapEntry covers a fixed range of physical addresses, such as
// device MMIO windows. All PTEs are installed eagerly when the entry is added
// to a map; a fault inside the entry afterwards indicates a protection
// violation and is never recovered.
type PhysicalMapEntry struct {
	entryCommon

	// physBase is the first physical address covered by the entry.
	physBase uintptr
}

var errMisalignedPhysBase = &kernel.Error{Module: "vmm", Message: "physical base is not page aligned"}

// NewPhysicalMapEntry creates an entry translating length bytes starting at
// the page-aligned physical address physBase. The mode carries the cache
// strategy (write-through or MMIO) in addition to the protection bits.
func NewPhysicalMapEntry(physBase, length uintptr, mode mm.AccessMode) (*PhysicalMapEntry, *kernel.Error) {
	if physBase&(mm.PageSize-1) != 0 {
		return nil, errMisalignedPhysBase
	}

	e := &PhysicalMapEntry{physBase: physBase}
	if err := e.initCommon(length, mode); err != nil {
		return nil, err
	}
	return e, nil
}

// AddedTo eagerly installs every PTE for the covered physical range.
func (e *PhysicalMapEntry) AddedTo(base uintptr, m *Map, pt *PageTable) *kernel.Error {
	for offset := uintptr(0); offset < e.length; offset += mm.PageSize {
		if err := pt.Map(base+offset, e.physBase+offset, e.accessMode); err != nil {
			return err
		}
	}

	e.attach(m, base)
	return nil
}

// HandleFault never recovers: the eager installation in AddedTo means any
// fault inside the entry is a protection violation.
func (e *PhysicalMapEntry) HandleFault(m *Map, virtAddr uintptr, mode mm.AccessMode) int {
	return FaultNotHandled
}

func (e *PhysicalMapEntry) destroy() {
	// the physical range is not owned by the entry
}

// ContiguousEntry behaves like AnonymousEntry but is backed by a single
// physically contiguous allocation performed when the entry is first added
// to a map. The pages are mapped eagerly.
type ContiguousEntry struct {
	entryCommon

	// physBase is the first frame of the backing run, InvalidFrame until
	// the first AddedTo performs the allocation.
	physBase mm.Frame

	// backed is set once the contiguous run has been allocated.
	backed uint32
}

// NewContiguousEntry creates a contiguous-backed entry of the given length.
func NewContiguousEntry(length uintptr, mode mm.AccessMode) (*ContiguousEntry, *kernel.Error) {
	e := &ContiguousEntry{physBase: mm.InvalidFrame}
	if err := e.initCommon(length, mode); err != nil {
		return nil, err
	}
	return e, nil
}

// frameCount returns the number of base frames backing the entry.
func (e *ContiguousEntry) frameCount() int {
	return int(e.length / mm.PageSize)
}

// AddedTo allocates the backing run on the first installation, zeroes it and
// eagerly maps every page.
func (e *ContiguousEntry) AddedTo(base uintptr, m *Map, pt *PageTable) *kernel.Error {
	if atomic.CompareAndSwapUint32(&e.backed, 0, 1) {
		first, err := mm.AllocContiguousFrames(e.frameCount())
		if err != nil {
			atomic.StoreUint32(&e.backed, 0)
			return err
		}

		e.physBase = first
		for offset := uintptr(0); offset < e.length; offset += mm.PageSize {
			platform.ZeroPhysPage(e.physBase.Address() + offset)
		}
	}

	for offset := uintptr(0); offset < e.length; offset += mm.PageSize {
		if err := pt.Map(base+offset, e.physBase.Address()+offset, e.accessMode); err != nil {
			return err
		}
	}

	e.attach(m, base)
	return nil
}

// HandleFault installs the PTE for virtAddr if a map shares the entry without
// having it mapped yet; the backing memory always exists after AddedTo.
func (e *ContiguousEntry) HandleFault(m *Map, virtAddr uintptr, mode mm.AccessMode) int {
	base, ok := e.baseIn(m)
	if !ok || atomic.LoadUint32(&e.backed) == 0 {
		return FaultNotHandled
	}

	allowed := e.AccessModeIn(m)
	if mode&^allowed != 0 {
		return FaultNotHandled
	}

	offset := (virtAddr - base) &^ (mm.PageSize - 1)
	err := m.PageTable().Map(base+offset, e.physBase.Address()+offset, allowed)
	if err != nil && err != ErrAlreadyMapped {
		return FaultNotHandled
	}

	return FaultHandled
}

func (e *ContiguousEntry) destroy() {
	if atomic.LoadUint32(&e.backed) != 0 {
		_ = mm.FreeContiguousFrames(e.physBase, e.frameCount())
	}
}
