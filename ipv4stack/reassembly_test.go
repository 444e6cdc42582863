package ipv4stack

import (
	"testing"

	"github.com/vkernel/ikevpn/ipv4"
)

func buildFragment(t *testing.T, src, dst [4]byte, id uint16, offsetUnits uint16, more bool, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 20+len(payload))
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	ifrm.SetID(id)
	ifrm.SetFlags(ipv4.NewFlags(false, more, offsetUnits))
	ifrm.SetTTL(64)
	*ifrm.SourceAddr() = src
	*ifrm.DestinationAddr() = dst
	copy(buf[20:], payload)
	return buf
}

func TestReassemblyInOrder(t *testing.T) {
	r := newReassembler()
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{10, 0, 0, 1}

	p1 := make([]byte, 8)
	for i := range p1 {
		p1[i] = byte(i)
	}
	p2 := []byte{0xAA, 0xBB, 0xCC}

	f1, _ := ipv4.NewFrame(buildFragment(t, src, dst, 42, 0, true, p1))
	out, complete := r.insert(f1, 0)
	if complete {
		t.Fatal("reassembly completed after first fragment")
	}
	if out != nil {
		t.Fatal("expected nil output before completion")
	}

	f2, _ := ipv4.NewFrame(buildFragment(t, src, dst, 42, 1, false, p2))
	out, complete = r.insert(f2, 1000)
	if !complete {
		t.Fatal("reassembly did not complete after terminal fragment")
	}
	ofrm, _ := ipv4.NewFrame(out)
	want := append(append([]byte{}, p1...), p2...)
	got := ofrm.Payload()
	if len(got) != len(want) {
		t.Fatalf("payload length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestReassemblyOverlapOverwrite(t *testing.T) {
	r := newReassembler()
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{10, 0, 0, 1}

	f1, _ := ipv4.NewFrame(buildFragment(t, src, dst, 7, 0, true, []byte{1, 1, 1, 1, 1, 1, 1, 1}))
	r.insert(f1, 0)

	// Second fragment overlaps bytes [0,8) with new data and extends to
	// the terminal fragment; the overlapping region must reflect the
	// later write.
	f2, _ := ipv4.NewFrame(buildFragment(t, src, dst, 7, 0, false, []byte{2, 2, 2, 2, 2, 2, 2, 2, 9}))
	out, complete := r.insert(f2, 0)
	if !complete {
		t.Fatal("expected completion after overlapping terminal fragment")
	}
	ofrm, _ := ipv4.NewFrame(out)
	got := ofrm.Payload()
	if got[0] != 2 || got[8] != 9 {
		t.Fatalf("unexpected reassembled payload %v", got)
	}
}

func TestReassemblyExpiry(t *testing.T) {
	r := newReassembler()
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{10, 0, 0, 1}
	f1, _ := ipv4.NewFrame(buildFragment(t, src, dst, 9, 0, true, []byte{1, 2, 3, 4}))
	r.insert(f1, 0)
	if len(r.entries) != 1 {
		t.Fatal("expected one pending reassembly entry")
	}
	if changed := r.expire(reassemblyDeadlineMS + 1); !changed {
		t.Fatal("expected expiry to report a change")
	}
	if len(r.entries) != 0 {
		t.Fatal("expected expired entry to be removed")
	}
}

func TestUnfragmentedPassesThrough(t *testing.T) {
	r := newReassembler()
	dgram := buildFragment(t, [4]byte{1, 2, 3, 4}, [4]byte{5, 6, 7, 8}, 1, 0, false, []byte{0xDE, 0xAD})
	ifrm, _ := ipv4.NewFrame(dgram)
	out, complete := r.insert(ifrm, 0)
	if !complete {
		t.Fatal("unfragmented datagram should complete immediately")
	}
	if &out[0] != &dgram[0] {
		t.Fatal("unfragmented datagram should pass through without copying")
	}
}
