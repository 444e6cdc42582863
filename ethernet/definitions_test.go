package ethernet

import "testing"

func TestAppendAddr(t *testing.T) {
	got := string(AppendAddr(nil, [6]byte{0xde, 0xad, 0x00, 0xbe, 0xef, 0x01}))
	want := "de:ad:00:be:ef:01"
	if got != want {
		t.Fatalf("AppendAddr = %q, want %q", got, want)
	}
}

func TestAppendAddrAppendsToExistingPrefix(t *testing.T) {
	dst := append([]byte(nil), "mac="...)
	got := string(AppendAddr(dst, [6]byte{1, 2, 3, 4, 5, 6}))
	want := "mac=01:02:03:04:05:06"
	if got != want {
		t.Fatalf("AppendAddr = %q, want %q", got, want)
	}
}
