package vmm

import (
	"math"
	"sync/atomic"
)

// refCount implements the reference counting shared by maps and map entries.
// Objects are created with the count set to 1. Retains saturate at the
// maximum count instead of wrapping; a wrapped count would allow a stale
// reference to resurrect a destroyed object.
type refCount struct {
	refs int32
}

// init sets the initial reference owned by the creator.
func (r *refCount) init() {
	atomic.StoreInt32(&r.refs, 1)
}

// retain increments the count, saturating at the maximum value.
func (r *refCount) retain() {
	for {
		cur := atomic.LoadInt32(&r.refs)
		if cur == math.MaxInt32 {
			return
		}

		if atomic.CompareAndSwapInt32(&r.refs, cur, cur+1) {
			return
		}
	}
}

// release decrements the count and reports whether it reached zero, at which
// point the caller must destroy the object. The atomic decrement provides the
// release/acquire pairing that orders the destructor after every prior
// retain and release.
func (r *refCount) release() bool {
	return atomic.AddInt32(&r.refs, -1) == 0
}

// count returns the current reference count; a diagnostic aid only.
func (r *refCount) count() int32 {
	return atomic.LoadInt32(&r.refs)
}
