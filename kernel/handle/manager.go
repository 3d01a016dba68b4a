package handle

import (
	"github.com/tristanseifert/kush-os-sub003/kernel"
	"github.com/tristanseifert/kush-os-sub003/kernel/ipc"
	"github.com/tristanseifert/kush-os-sub003/kernel/mm/vmm"
	"github.com/tristanseifert/kush-os-sub003/kernel/sched"
	ksync "github.com/tristanseifert/kush-os-sub003/kernel/sync"
)

// slot wraps one handle table row with its epoch counter. A slot is free
// while present is unset. The epoch is incremented on every release so later
// re-allocations of the same slot yield handles that compare unequal to any
// previously valid one. Once the epoch exceeds the width of the handle epoch
// field the slot is retired and never reused; a stale handle could otherwise
// alias a recycled slot after the counter wraps.
type slot[T any] struct {
	object  T
	present bool
	epoch   uint32
}

// table is one growable handle table. Lookups take the read lock; allocation
// and release take the write lock.
type table[T any] struct {
	lock  ksync.RWLock
	slots []slot[T]
}

// allocate stores object in the first free slot, appending a new slot when
// the table is full or every free slot is retired. The slot's existing epoch
// is kept so the returned handle differs from every handle the slot issued
// before.
func (tb *table[T]) allocate(t Type, object T) Handle {
	tb.lock.AcquireWrite()
	defer tb.lock.ReleaseWrite()

	for i := range tb.slots {
		s := &tb.slots[i]
		if s.present || s.epoch > epochMask {
			continue
		}

		s.object = object
		s.present = true
		return makeHandle(t, uintptr(i), s.epoch)
	}

	index := uintptr(len(tb.slots))
	tb.slots = append(tb.slots, slot[T]{object: object, present: true})
	return makeHandle(t, index, 0)
}

// get returns the object the handle refers to. The caller has already
// validated the type code; get validates the index and epoch.
func (tb *table[T]) get(h Handle) (T, bool) {
	var zero T

	tb.lock.AcquireRead()
	defer tb.lock.ReleaseRead()

	index := h.index()
	if index >= uintptr(len(tb.slots)) {
		return zero, false
	}

	s := &tb.slots[index]
	if !s.present || s.epoch > epochMask || s.epoch&epochMask != h.epoch() {
		return zero, false
	}

	return s.object, true
}

// release frees the handle's slot and increments its epoch so stale handles
// are detected. Returns whether the handle was valid.
func (tb *table[T]) release(h Handle) bool {
	tb.lock.AcquireWrite()
	defer tb.lock.ReleaseWrite()

	index := h.index()
	if index >= uintptr(len(tb.slots)) {
		return false
	}

	s := &tb.slots[index]
	if !s.present || s.epoch > epochMask || s.epoch&epochMask != h.epoch() {
		return false
	}

	var zero T
	s.object = zero
	s.present = false
	s.epoch++
	return true
}

// manager owns one handle table per object kind.
type manager struct {
	tasks     table[*sched.Task]
	threads   table[*sched.Thread]
	ports     table[*ipc.Port]
	vmRegions table[vmm.Entry]
}

var (
	// gShared is the globally shared handle manager instance.
	gShared *manager

	errAlreadyInitialized = &kernel.Error{Module: "handle", Message: "cannot re-initialize handle manager"}
	errNotInitialized     = &kernel.Error{Module: "handle", Message: "handle manager is not initialized"}
)

// Init sets up the handle manager. Calling Init twice is a fatal error.
func Init() *kernel.Error {
	if gShared != nil {
		panic(errAlreadyInitialized)
	}

	gShared = &manager{}
	return nil
}

// shared returns the manager instance; use of the manager before Init is a
// fatal error.
func shared() *manager {
	if gShared == nil {
		panic(errNotInitialized)
	}
	return gShared
}

// MakeTaskHandle allocates a new handle for the given task.
func MakeTaskHandle(task *sched.Task) Handle {
	return shared().tasks.allocate(TypeTask, task)
}

// GetTask returns the task the given handle points to, or nil if the handle
// is stale, of the wrong type or otherwise invalid.
func GetTask(h Handle) *sched.Task {
	if h.typeCode() != TypeTask {
		return nil
	}

	task, ok := shared().tasks.get(h)
	if !ok {
		return nil
	}
	return task
}

// ReleaseTaskHandle releases a previously allocated task handle.
func ReleaseTaskHandle(h Handle) bool {
	if h.typeCode() != TypeTask {
		return false
	}
	return shared().tasks.release(h)
}

// MakeThreadHandle allocates a new handle for the given thread.
func MakeThreadHandle(thread *sched.Thread) Handle {
	return shared().threads.allocate(TypeThread, thread)
}

// GetThread returns the thread the given handle points to, or nil.
func GetThread(h Handle) *sched.Thread {
	if h.typeCode() != TypeThread {
		return nil
	}

	thread, ok := shared().threads.get(h)
	if !ok {
		return nil
	}
	return thread
}

// ReleaseThreadHandle releases a previously allocated thread handle.
func ReleaseThreadHandle(h Handle) bool {
	if h.typeCode() != TypeThread {
		return false
	}
	return shared().threads.release(h)
}

// MakePortHandle allocates a new handle for the given port.
func MakePortHandle(port *ipc.Port) Handle {
	return shared().ports.allocate(TypePort, port)
}

// GetPort returns the port the given handle points to, or nil.
func GetPort(h Handle) *ipc.Port {
	if h.typeCode() != TypePort {
		return nil
	}

	port, ok := shared().ports.get(h)
	if !ok {
		return nil
	}
	return port
}

// ReleasePortHandle releases a previously allocated port handle.
func ReleasePortHandle(h Handle) bool {
	if h.typeCode() != TypePort {
		return false
	}
	return shared().ports.release(h)
}

// MakeVmRegionHandle allocates a new handle for the given VM map entry.
func MakeVmRegionHandle(entry vmm.Entry) Handle {
	return shared().vmRegions.allocate(TypeVmRegion, entry)
}

// GetVmRegion returns the VM map entry the given handle points to, or nil.
func GetVmRegion(h Handle) vmm.Entry {
	if h.typeCode() != TypeVmRegion {
		return nil
	}

	entry, ok := shared().vmRegions.get(h)
	if !ok {
		return nil
	}
	return entry
}

// ReleaseVmRegionHandle releases a previously allocated VM region handle.
func ReleaseVmRegionHandle(h Handle) bool {
	if h.typeCode() != TypeVmRegion {
		return false
	}
	return shared().vmRegions.release(h)
}
