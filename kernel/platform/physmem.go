package platform

import (
	"sync/atomic"
	"unsafe"

	"github.com/tristanseifert/kush-os-sub003/kernel"
)

// PageSize is the size of the base physical page on this platform.
const PageSize = 4 << 10

// The backing store for physical memory. The boot shim hands the kernel a
// higher-half direct map of all RAM; this table plays that role by lending out
// the 4 KiB page that backs any page-aligned physical address. Pages are
// materialized zero-filled on first touch, matching RAM that the boot shim has
// already cleared.
var (
	physPages     map[uintptr]*[PageSize]byte
	physPagesLock uint32
)

// PhysPage returns the backing bytes for the physical page containing
// physAddr. The same slice is returned for every address within one page.
func PhysPage(physAddr uintptr) []byte {
	base := physAddr &^ uintptr(PageSize-1)

	lockPhysPages()
	if physPages == nil {
		physPages = make(map[uintptr]*[PageSize]byte)
	}

	pg := physPages[base]
	if pg == nil {
		pg = new([PageSize]byte)
		physPages[base] = pg
	}
	unlockPhysPages()

	return pg[:]
}

// ZeroPhysPage clears the physical page containing physAddr.
func ZeroPhysPage(physAddr uintptr) {
	pg := PhysPage(physAddr)
	kernel.Memset(uintptr(unsafe.Pointer(&pg[0])), 0, PageSize)
}

// ResetPhysPages drops every materialized page. Only used by tests to obtain
// a pristine memory image.
func ResetPhysPages() {
	lockPhysPages()
	physPages = nil
	unlockPhysPages()
}

func lockPhysPages() {
	for !atomic.CompareAndSwapUint32(&physPagesLock, 0, 1) {
	}
}

func unlockPhysPages() {
	atomic.StoreUint32(&physPagesLock, 0)
}
