// Package sync provides the synchronization primitives used inside the
// kernel: IRQL-raising spinlocks and a spinning readers-writer lock. None of
// the primitives sleep; mutual exclusion is achieved by raising the interrupt
// priority of the processor and busy-waiting.
package sync

import (
	"sync/atomic"

	"github.com/tristanseifert/kush-os-sub003/kernel/platform"
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. While the lock is held the processor runs
// at IrqlCriticalSection so the holder cannot be preempted.
type Spinlock struct {
	state     uint32
	savedIrql platform.Irql
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	prev := platform.RaiseIrql(platform.IrqlCriticalSection)
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
	}
	l.savedIrql = prev
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	prev := platform.RaiseIrql(platform.IrqlCriticalSection)
	if atomic.SwapUint32(&l.state, 1) != 0 {
		platform.LowerIrql(prev)
		return false
	}

	l.savedIrql = prev
	return true
}

// Release relinquishes a held lock allowing other tasks to acquire it and
// restores the interrupt priority that was in effect before Acquire.
func (l *Spinlock) Release() {
	prev := l.savedIrql
	atomic.StoreUint32(&l.state, 0)
	platform.LowerIrql(prev)
}
