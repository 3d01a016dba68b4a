package platform

import "testing"

func TestIrqlRaiseLower(t *testing.T) {
	if exp, got := IrqlPassive, CurrentIrql(); got != exp {
		t.Fatalf("expected initial irql %d; got %d", exp, got)
	}

	prev := RaiseIrql(IrqlDeviceIrq)
	if exp := IrqlPassive; prev != exp {
		t.Fatalf("expected RaiseIrql to return %d; got %d", exp, prev)
	}
	if exp, got := IrqlDeviceIrq, CurrentIrql(); got != exp {
		t.Fatalf("expected irql %d; got %d", exp, got)
	}

	inner := RaiseIrql(IrqlCriticalSection)
	LowerIrql(inner)
	LowerIrql(prev)

	if exp, got := IrqlPassive, CurrentIrql(); got != exp {
		t.Fatalf("expected irql to return to %d; got %d", exp, got)
	}
}

func TestIrqlViolationsPanic(t *testing.T) {
	t.Run("raise below current", func(t *testing.T) {
		prev := RaiseIrql(IrqlClock)
		defer func() {
			if err := recover(); err != errIrqlRaiseBelow {
				t.Fatalf("expected errIrqlRaiseBelow; got %v", err)
			}
			currentIrql = prev
		}()
		RaiseIrql(IrqlDpc)
	})

	t.Run("lower above current", func(t *testing.T) {
		defer func() {
			if err := recover(); err != errIrqlLowerAbove {
				t.Fatalf("expected errIrqlLowerAbove; got %v", err)
			}
			currentIrql = IrqlPassive
		}()
		LowerIrql(IrqlIPI)
	})
}

func TestPhysPageStore(t *testing.T) {
	defer ResetPhysPages()

	pg := PhysPage(0x1234)
	if exp, got := PageSize, len(pg); got != exp {
		t.Fatalf("expected a %d byte page; got %d", exp, got)
	}

	// pages are materialized zero filled
	for i, b := range pg {
		if b != 0 {
			t.Fatalf("expected byte %d to be zero; got 0x%x", i, b)
		}
	}

	// the same page is returned for every address within it
	pg[0] = 0xaa
	if got := PhysPage(0x1000)[0]; got != 0xaa {
		t.Fatalf("expected aliased page access; got 0x%x", got)
	}

	// distinct pages have distinct storage
	if got := PhysPage(0x2000)[0]; got != 0 {
		t.Fatalf("expected a fresh page; got 0x%x", got)
	}

	ZeroPhysPage(0x1234)
	if got := PhysPage(0x1000)[0]; got != 0 {
		t.Fatalf("expected the page to be cleared; got 0x%x", got)
	}
}

func TestDefaultPageTableHooks(t *testing.T) {
	SwitchPageTableFn(0xcafe000)
	if exp, got := uintptr(0xcafe000), ActivePageTableFn(); got != exp {
		t.Fatalf("expected active page table 0x%x; got 0x%x", exp, got)
	}
	SwitchPageTableFn(0)
}
