package vmm

import (
	"sort"

	"github.com/tristanseifert/kush-os-sub003/kernel"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm"
	ksync "github.com/tristanseifert/kush-os-sub003/kernel/sync"
)

var (
	// kernelMap is the map object for the kernel address space. The first
	// map created is automatically registered here and becomes the
	// implicit parent of every map created afterwards. Written once;
	// read-only after initialization.
	kernelMap *Map

	// activeMap tracks the map whose page table is installed on the
	// (single) processor.
	activeMap *Map

	// ErrOverlap is returned when a new entry's range intersects an
	// existing entry.
	ErrOverlap = &kernel.Error{Module: "vmm", Message: "entry range overlaps an existing entry"}

	// ErrMisaligned is returned when the base address of a new entry is
	// not page aligned.
	ErrMisaligned = &kernel.Error{Module: "vmm", Message: "entry base is not page aligned"}

	// ErrOutOfRange is returned when an entry does not fit entirely in
	// the user or kernel half of the address space.
	ErrOutOfRange = &kernel.Error{Module: "vmm", Message: "entry range is outside the permitted address ranges"}

	// ErrNoEntry is returned when no entry covers the requested address.
	ErrNoEntry = &kernel.Error{Module: "vmm", Message: "no entry at the given address"}

	errNilEntry = &kernel.Error{Module: "vmm", Message: "entry is nil"}
)

// mapEntrySlot associates an installed entry with its virtual base address.
type mapEntrySlot struct {
	base  uintptr
	entry Entry
}

// Map is a virtual memory map: a reference-counted address space with a 1:1
// correspondence to a set of hardware page tables. Each map consists of
// multiple map entries kept ordered by base address.
//
// The parent map supplies the kernel-half mappings; see NewPageTable. The
// parent is retained for the lifetime of the map.
type Map struct {
	refs refCount

	parent *Map
	pt     *PageTable

	// lock guards the entry list: read for lookups and the fault path,
	// write for entry installation and removal.
	lock    ksync.RWLock
	entries []mapEntrySlot
}

// NewMap creates an address space. If parent is nil and a kernel map already
// exists, the kernel map is used as the parent; if no kernel map exists yet,
// the new map is registered as the kernel map.
func NewMap(parent *Map) *Map {
	if parent == nil {
		parent = kernelMap
	}

	m := &Map{parent: parent}
	m.refs.init()

	if parent != nil {
		parent.Retain()
		m.pt = NewPageTable(parent.pt)
	} else {
		m.pt = NewPageTable(nil)
	}

	if kernelMap == nil {
		kernelMap = m
	}

	return m
}

// KernelMap returns the kernel address space, or nil before the first map
// has been created.
func KernelMap() *Map {
	return kernelMap
}

// CurrentMap returns the map installed on the calling processor.
func CurrentMap() *Map {
	return activeMap
}

// PageTable returns the platform translation structure backing this map. It
// is manipulated directly by VM objects only; all other code should go
// through the higher level map API.
func (m *Map) PageTable() *PageTable {
	return m.pt
}

// Retain increments the map's reference count.
func (m *Map) Retain() *Map {
	m.refs.retain()
	return m
}

// Release decrements the map's reference count. When the count reaches zero
// every contained entry is released exactly once, then the parent reference
// is dropped.
func (m *Map) Release() {
	if !m.refs.release() {
		return
	}

	m.lock.AcquireWrite()
	entries := m.entries
	m.entries = nil
	m.lock.ReleaseWrite()

	for _, slot := range entries {
		slot.entry.common().detach(m)
		ReleaseEntry(slot.entry)
	}

	if m.parent != nil {
		m.parent.Release()
	}

	if activeMap == m {
		activeMap = nil
	}
}

// RefCount returns the current reference count; a diagnostic aid only.
func (m *Map) RefCount() int32 {
	return m.refs.count()
}

// Activate installs this map's page table on the calling processor.
func (m *Map) Activate() {
	m.pt.Activate()
	activeMap = m
}

// rangeFor validates that [base, base+length) lies entirely within the user
// or the kernel half of the address space.
func rangeFor(base, length uintptr) *kernel.Error {
	end := base + length
	if end < base {
		return ErrOutOfRange
	}

	// the first page is never mapped; it traps null dereferences
	if base < mm.PageSize {
		return ErrOutOfRange
	}

	if base < mm.KernelBoundary && end > mm.KernelBoundary {
		return ErrOutOfRange
	}

	return nil
}

// Add places entry at the given virtual base. The entry is retained on
// success and its AddedTo hook is invoked so the concrete variant can
// populate the page table.
func (m *Map) Add(base uintptr, entry Entry) *kernel.Error {
	if entry == nil {
		return errNilEntry
	}
	if base&(mm.PageSize-1) != 0 {
		return ErrMisaligned
	}
	if err := rangeFor(base, entry.Length()); err != nil {
		return err
	}

	m.lock.AcquireWrite()

	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].base > base
	})

	// the preceding entry must end at or before base; the following entry
	// must start at or after our end
	if idx > 0 {
		prev := m.entries[idx-1]
		if prev.base+prev.entry.Length() > base {
			m.lock.ReleaseWrite()
			return ErrOverlap
		}
	}
	if idx < len(m.entries) && base+entry.Length() > m.entries[idx].base {
		m.lock.ReleaseWrite()
		return ErrOverlap
	}

	m.entries = append(m.entries, mapEntrySlot{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = mapEntrySlot{base: base, entry: entry}

	m.lock.ReleaseWrite()

	RetainEntry(entry)
	if err := entry.AddedTo(base, m, m.pt); err != nil {
		// undo the installation; the entry never became part of the map
		m.removeSlot(base)
		ReleaseEntry(entry)
		return err
	}

	return nil
}

// Find returns the entry covering addr together with its base address.
func (m *Map) Find(addr uintptr) (Entry, uintptr, *kernel.Error) {
	m.lock.AcquireRead()
	defer m.lock.ReleaseRead()

	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].base > addr
	})
	if idx == 0 {
		return nil, 0, ErrNoEntry
	}

	slot := m.entries[idx-1]
	if addr >= slot.base+slot.entry.Length() {
		return nil, 0, ErrNoEntry
	}

	return slot.entry, slot.base, nil
}

// Remove detaches the entry installed at base and releases it.
func (m *Map) Remove(base uintptr) *kernel.Error {
	entry := m.removeSlot(base)
	if entry == nil {
		return ErrNoEntry
	}

	entry.common().detach(m)
	ReleaseEntry(entry)
	return nil
}

// removeSlot detaches and returns the entry at exactly base, or nil.
func (m *Map) removeSlot(base uintptr) Entry {
	m.lock.AcquireWrite()
	defer m.lock.ReleaseWrite()

	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].base >= base
	})
	if idx >= len(m.entries) || m.entries[idx].base != base {
		return nil
	}

	entry := m.entries[idx].entry
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	return entry
}
