// Package platform provides the architecture-specific primitives that the
// kernel core depends on: interrupt priority management, TLB and page-table
// control, processor state capture and the halt/idle paths.
//
// The real implementations of the CPU-touching primitives live behind
// package-level function variables so that the memory-management and
// exception code can be exercised without ring-0 privileges.
package platform

import "github.com/tristanseifert/kush-os-sub003/kernel"

// Irql describes the interrupt priority of a processor core. Lower priority
// interrupts (whether they come from devices or are generated in software)
// are pended until higher priority interrupts return.
type Irql uint8

const (
	// IrqlPassive permits all higher priority interrupts.
	IrqlPassive Irql = 0
	// IrqlDpc indicates deferred procedure calls are executing.
	IrqlDpc Irql = 1
	// IrqlScheduler is the highest level from which the scheduler may be
	// entered.
	IrqlScheduler Irql = 3
	// IrqlDeviceIrq masks device interrupts.
	IrqlDeviceIrq Irql = 4
	// IrqlClock masks the time keeping interrupt.
	IrqlClock Irql = 5
	// IrqlIPI masks general interprocessor interrupts.
	IrqlIPI Irql = 6
	// IrqlCriticalSection masks everything; used for critical sections.
	IrqlCriticalSection Irql = 7
)

var (
	// currentIrql tracks the interrupt priority of the (single) processor.
	currentIrql Irql

	errIrqlRaiseBelow = &kernel.Error{Module: "platform", Message: "RaiseIrql target is below the current irql"}
	errIrqlLowerAbove = &kernel.Error{Module: "platform", Message: "LowerIrql target is above the current irql"}
)

// RaiseIrql raises the interrupt priority level of the current processor and
// returns the previous level. Requesting a level below the current one is a
// hard programming error.
func RaiseIrql(to Irql) Irql {
	if to < currentIrql {
		panic(errIrqlRaiseBelow)
	}

	prev := currentIrql
	currentIrql = to
	return prev
}

// LowerIrql lowers the interrupt priority level of the current processor,
// typically back to the value returned by an earlier RaiseIrql call.
func LowerIrql(to Irql) {
	if to > currentIrql {
		panic(errIrqlLowerAbove)
	}

	currentIrql = to
}

// CurrentIrql returns the interrupt priority of the current processor.
func CurrentIrql() Irql {
	return currentIrql
}

var (
	// FlushTLBEntryFn invalidates the TLB entry for a single virtual
	// address on the current processor. Page-table code always orders the
	// PTE write before invoking this hook.
	FlushTLBEntryFn = func(virtAddr uintptr) {}

	// SwitchPageTableFn installs the page-table root identified by the
	// given token on the current processor.
	SwitchPageTableFn = func(rootToken uintptr) { activePageTable = rootToken }

	// ActivePageTableFn returns the root token of the page table that is
	// installed on the current processor.
	ActivePageTableFn = func() uintptr { return activePageTable }

	// IdleFn relaxes the processor until the next interrupt.
	IdleFn = func() {}

	// HaltFn stops instruction execution on the current processor and
	// never returns.
	HaltFn = func() {
		for {
		}
	}

	// HaltAllFn stops every processor in the system and never returns. It
	// is the final step of a kernel panic.
	HaltAllFn = func() {
		for {
		}
	}

	// activePageTable backs the default Switch/Active hooks.
	activePageTable uintptr

	// OutByteFn writes a byte to an IO port.
	OutByteFn = func(port uint16, value uint8) {}
)
