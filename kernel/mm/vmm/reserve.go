package vmm

import (
	"github.com/tristanseifert/kush-os-sub003/kernel"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm"
)

// kernelReserveTop is the upper end of the kernel virtual region handed out
// by EarlyReserveRegion. Reservations grow downwards from here.
const kernelReserveTop = uintptr(0xffffffff00000000)

var (
	// earlyReserveLastUsed tracks the last reserved address and is
	// decreased after each reservation request.
	earlyReserveLastUsed = kernelReserveTop

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory
// region with the requested size in the kernel address space and returns its
// base address. If size is not a multiple of the page size it is rounded up.
// Reservations are never returned; this is intended for long-lived kernel
// windows such as device mappings.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	if size > earlyReserveLastUsed-mm.KernelBoundary {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}
