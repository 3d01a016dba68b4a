package sync

import (
	"testing"

	"github.com/tristanseifert/kush-os-sub003/kernel/platform"
)

func TestSpinlockRaisesIrql(t *testing.T) {
	var l Spinlock

	l.Acquire()
	if exp, got := platform.IrqlCriticalSection, platform.CurrentIrql(); got != exp {
		t.Fatalf("expected irql %d while holding the lock; got %d", exp, got)
	}

	l.Release()
	if exp, got := platform.IrqlPassive, platform.CurrentIrql(); got != exp {
		t.Fatalf("expected irql to drop back to %d; got %d", exp, got)
	}
}

func TestSpinlockTryToAcquire(t *testing.T) {
	var l Spinlock

	if !l.TryToAcquire() {
		t.Fatal("expected TryToAcquire on a free lock to succeed")
	}
	if l.TryToAcquire() {
		t.Fatal("expected TryToAcquire on a held lock to fail")
	}

	// the failed attempt must restore the irql
	if exp, got := platform.IrqlCriticalSection, platform.CurrentIrql(); got != exp {
		t.Fatalf("expected irql %d; got %d", exp, got)
	}

	l.Release()
	if exp, got := platform.IrqlPassive, platform.CurrentIrql(); got != exp {
		t.Fatalf("expected irql %d after release; got %d", exp, got)
	}

	if !l.TryToAcquire() {
		t.Fatal("expected TryToAcquire after release to succeed")
	}
	l.Release()
}

func TestRWLockReadersAreShared(t *testing.T) {
	var l RWLock

	l.AcquireRead()
	l.AcquireRead()

	if exp, got := uint32(2), l.state; got != exp {
		t.Fatalf("expected %d active readers; got %d", exp, got)
	}

	l.ReleaseRead()
	l.ReleaseRead()

	if exp, got := uint32(0), l.state; got != exp {
		t.Fatalf("expected the lock to be free; got state 0x%x", got)
	}
}

func TestRWLockWriterIsExclusive(t *testing.T) {
	var l RWLock

	l.AcquireWrite()
	if exp, got := rwWriterBit, l.state; got != exp {
		t.Fatalf("expected the writer bit to be held; got state 0x%x", got)
	}

	l.ReleaseWrite()
	if exp, got := uint32(0), l.state; got != exp {
		t.Fatalf("expected the lock to be free; got state 0x%x", got)
	}

	// the lock must be reusable after a writer
	l.AcquireRead()
	l.ReleaseRead()
}

func TestRWLockConcurrentReaders(t *testing.T) {
	var l RWLock

	done := make(chan struct{})
	l.AcquireRead()

	go func() {
		// a second reader must not block behind the first
		l.AcquireRead()
		l.ReleaseRead()
		close(done)
	}()

	<-done
	l.ReleaseRead()
}
