package arena

import "testing"

func TestAllocateBytesRoundTrip(t *testing.T) {
	buf := Allocate(16)
	data := buf.Bytes()
	if len(data) != 16 {
		t.Fatalf("got %d usable bytes, want 16", len(data))
	}
	for i := range data {
		data[i] = byte(i)
	}
	buf.Release() // must not panic: canaries untouched
}

func TestReleasePanicsOnFrontCorruption(t *testing.T) {
	buf := Allocate(8)
	buf.raw[0] ^= 0xff
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on corrupted front canary")
		}
	}()
	buf.Release()
}

func TestReleasePanicsOnBackCorruption(t *testing.T) {
	buf := Allocate(8)
	buf.raw[len(buf.raw)-1] ^= 0xff
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on corrupted back canary")
		}
	}()
	buf.Release()
}

func TestAllocateZeroLength(t *testing.T) {
	buf := Allocate(0)
	if len(buf.Bytes()) != 0 {
		t.Fatalf("got %d usable bytes, want 0", len(buf.Bytes()))
	}
	buf.Release()
}
