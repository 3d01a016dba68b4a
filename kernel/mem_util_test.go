package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	var buf [64]byte

	Memset(uintptr(unsafe.Pointer(&buf[0])), 0xaa, uintptr(len(buf)))
	for i, b := range buf {
		if b != 0xaa {
			t.Fatalf("expected byte %d to be 0xaa; got 0x%x", i, b)
		}
	}

	// zero size is a no-op
	Memset(uintptr(unsafe.Pointer(&buf[0])), 0x55, 0)
	if buf[0] != 0xaa {
		t.Fatalf("expected a zero sized Memset to leave memory untouched; got 0x%x", buf[0])
	}
}

func TestMemcopy(t *testing.T) {
	src := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	var dst [8]byte

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), uintptr(len(src)))
	if dst != src {
		t.Fatalf("expected %v; got %v", src, dst)
	}

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), 0)
}

func TestErrorInterface(t *testing.T) {
	err := &Error{Module: "test", Message: "something broke"}
	if got := err.Error(); got != "something broke" {
		t.Fatalf("expected the message to be returned; got %q", got)
	}
}
