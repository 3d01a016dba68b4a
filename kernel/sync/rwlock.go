package sync

import "sync/atomic"

// rwWriterBit is set in the lock word while a writer holds the lock.
const rwWriterBit uint32 = 1 << 31

// RWLock is a spinning readers-writer lock. Any number of readers may hold
// the lock concurrently; writers get exclusive access. Writers take priority
// over new readers so a stream of lookups cannot starve a table update.
//
// The lock word packs the active reader count in the low bits and the writer
// flag in the top bit.
type RWLock struct {
	state uint32
}

// AcquireRead blocks until the lock can be taken for shared (read) access.
func (l *RWLock) AcquireRead() {
	for {
		cur := atomic.LoadUint32(&l.state)
		if cur&rwWriterBit != 0 {
			continue
		}

		if atomic.CompareAndSwapUint32(&l.state, cur, cur+1) {
			return
		}
	}
}

// ReleaseRead drops a shared hold on the lock.
func (l *RWLock) ReleaseRead() {
	atomic.AddUint32(&l.state, ^uint32(0))
}

// AcquireWrite blocks until the lock can be taken for exclusive (write)
// access. The writer bit is claimed first so that no new readers can slip in
// while the current readers drain.
func (l *RWLock) AcquireWrite() {
	for {
		cur := atomic.LoadUint32(&l.state)
		if cur&rwWriterBit != 0 {
			continue
		}

		if atomic.CompareAndSwapUint32(&l.state, cur, cur|rwWriterBit) {
			break
		}
	}

	// wait for the remaining readers to drain
	for atomic.LoadUint32(&l.state) != rwWriterBit {
	}
}

// ReleaseWrite drops an exclusive hold on the lock. Readers never touch the
// lock word while the writer bit is set, so a plain store is sufficient.
func (l *RWLock) ReleaseWrite() {
	atomic.StoreUint32(&l.state, 0)
}
