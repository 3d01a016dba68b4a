// Package kmain contains the kernel entry point: it brings the core
// subsystems up in dependency order and hands control to the HAL.
package kmain

import (
	"github.com/tristanseifert/kush-os-sub003/kernel/hal"
	"github.com/tristanseifert/kush-os-sub003/kernel/hal/stivale2"
	"github.com/tristanseifert/kush-os-sub003/kernel/handle"
	"github.com/tristanseifert/kush-os-sub003/kernel/logging"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm/pmm"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm/vmm"
)

// extraPageSizes lists the log2 offsets of the large page sizes the
// allocator manages on this platform: 2M and 1G pages over the 4K base.
var extraPageSizes = []uint8{9, 18}

// Kmain is the kernel entry point. It receives the address of the stivale2
// boot info block from the boot shim, which has already established the
// higher-half mappings for the kernel image.
//
// Kmain is invoked exactly once with interrupts disabled on the bootstrap
// processor; any initialization failure is fatal.
func Kmain(bootInfoPtr uintptr) {
	stivale2.SetInfoPtr(bootInfoPtr)

	if err := pmm.Init(mm.PageSize, extraPageSizes, 0); err != nil {
		logging.Panic("pmm init failed: %s", err.Message)
	}

	// hand every usable RAM region to the default pool
	stivale2.VisitMemRegions(func(region *stivale2.MemoryMapEntry) bool {
		if region.Type != stivale2.MemUsable {
			return true
		}

		if err := pmm.AddRegion(uintptr(region.Base), uintptr(region.Length), 0); err != nil {
			logging.Warning("pmm: dropped region 0x%x - 0x%x: %s",
				region.Base, region.Base+region.Length, err.Message)
		}
		return true
	})

	// the first map becomes the kernel map
	kernelMap := vmm.NewMap(nil)
	kernelMap.Activate()

	if err := vmm.InitManager(); err != nil {
		logging.Panic("vmm init failed: %s", err.Message)
	}

	if err := pmm.RemapTo(kernelMap); err != nil {
		logging.Panic("pmm remap failed: %s", err.Message)
	}

	if err := handle.Init(); err != nil {
		logging.Panic("handle manager init failed: %s", err.Message)
	}

	hal.DetectHardware()

	logging.Notice("kernel core initialized: %d pages managed, %d allocated",
		uint64(pmm.TotalPages(0)), uint64(pmm.AllocatedPages(0)))
}
