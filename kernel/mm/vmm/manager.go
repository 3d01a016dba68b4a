package vmm

import (
	"github.com/tristanseifert/kush-os-sub003/kernel"
	"github.com/tristanseifert/kush-os-sub003/kernel/exceptions"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm"
	"github.com/tristanseifert/kush-os-sub003/kernel/platform"
)

// manager is the virtual memory manager; it is primarily responsible for
// satisfying page faults by routing them to the map entry covering the
// faulting address.
type manager struct{}

var (
	// gManager is the shared VM manager instance.
	gManager *manager

	// abortFn is mocked by tests; AbortWithException never returns.
	abortFn = exceptions.AbortWithException

	errManagerReinit  = &kernel.Error{Module: "vmm", Message: "cannot re-initialize VM manager"}
	errManagerNoModel = &kernel.Error{Module: "vmm", Message: "VM manager requires the kernel map"}
)

// Page fault error code bits as pushed by the processor.
const (
	faultPresent = 1 << 0
	faultWrite   = 1 << 1
	faultUser    = 1 << 2
	faultIFetch  = 1 << 4
)

// InitManager initializes the global VM manager and installs the page fault
// handler. The kernel map must exist. Calling InitManager twice is fatal.
func InitManager() *kernel.Error {
	if gManager != nil {
		panic(errManagerReinit)
	}
	if kernelMap == nil {
		return errManagerNoModel
	}

	gManager = &manager{}
	exceptions.InstallHandler(exceptions.PageFault, func(state *platform.ProcessorState, aux uintptr) int {
		return HandleFault(state, aux)
	})

	return nil
}

// accessModeForFault derives the access mode of the faulting access from the
// hardware error code.
func accessModeForFault(errorCode uint64) mm.AccessMode {
	var mode mm.AccessMode

	switch {
	case errorCode&faultUser != 0:
		mode = mm.UserRead
		if errorCode&faultWrite != 0 {
			mode = mm.UserWrite
		}
		if errorCode&faultIFetch != 0 {
			mode = mm.UserExec
		}
	default:
		mode = mm.KernelRead
		if errorCode&faultWrite != 0 {
			mode = mm.KernelWrite
		}
		if errorCode&faultIFetch != 0 {
			mode = mm.KernelExec
		}
	}

	return mode
}

// HandleFault satisfies a page fault at faultAddr. The entry covering the
// address in the current map is located and its fault handler invoked.
// Unsatisfied faults raised by kernel code are fatal; unsatisfied user
// faults return a non-zero status so the caller can terminate the offending
// task.
func HandleFault(state *platform.ProcessorState, faultAddr uintptr) int {
	fromKernel := state.PC() >= mm.KernelBoundary

	m := CurrentMap()
	if m == nil {
		if fromKernel {
			abortFn(exceptions.PageFault, state, faultAddr)
		}
		return FaultNotHandled
	}

	entry, _, err := m.Find(faultAddr)
	if err != nil {
		if fromKernel {
			abortFn(exceptions.PageFault, state, faultAddr)
		}
		return FaultNotHandled
	}

	if rc := entry.HandleFault(m, faultAddr, accessModeForFault(state.ErrorCode)); rc != FaultHandled {
		if fromKernel {
			abortFn(exceptions.PageFault, state, faultAddr)
		}
		return rc
	}

	return FaultHandled
}
