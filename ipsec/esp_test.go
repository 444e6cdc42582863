package ipsec

import (
	"bytes"
	"testing"

	"github.com/vkernel/ikevpn/ike"
)

func tableWithSAs(t *testing.T) *Table {
	t.Helper()
	parent := &ike.SA{}
	parent.SPIOut = [4]byte{0xde, 0xad, 0xbe, 0xef}
	parent.SPIIn = [4]byte{0xde, 0xad, 0xbe, 0xef}
	key := bytes.Repeat([]byte{0x42}, 8)
	hmacKey := bytes.Repeat([]byte{0x24}, 20)
	parent.EncryptKeyOut = key
	parent.HMACKeyOut = hmacKey
	parent.EncryptKeyIn = key
	parent.HMACKeyIn = hmacKey

	tbl := NewTable([4]byte{203, 0, 113, 1})
	out := NewOutgoing(parent, tbl.peer, 0)
	in := NewIncoming(parent, tbl.peer, 0)
	tbl.Install(out)
	tbl.Install(in)
	return tbl
}

func TestESPEgressPacketShape(t *testing.T) {
	tbl := tableWithSAs(t)
	datagram := make([]byte, 100)
	for i := range datagram {
		datagram[i] = byte(i)
	}
	pkt, err := tbl.Transmit(datagram, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := 4 + 4 + 8 + 104 + 12
	if len(pkt) != want {
		t.Fatalf("want %d byte packet, got %d", want, len(pkt))
	}
	if !bytes.Equal(pkt[0:4], []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("SPI field mismatch: %x", pkt[0:4])
	}
	if pkt[7] != 1 {
		t.Fatalf("want seq=1 on first packet, got %d", pkt[4:8])
	}
}

func TestESPRoundTrip(t *testing.T) {
	tbl := tableWithSAs(t)
	datagram := []byte("the quick brown fox jumps over the lazy dog, thirty-six bytes more")
	pkt, err := tbl.Transmit(datagram, 4)
	if err != nil {
		t.Fatal(err)
	}

	inner, nextHeader, err := tbl.Receive(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if nextHeader != 4 {
		t.Fatalf("want next_header=4, got %d", nextHeader)
	}
	if !bytes.Equal(inner, datagram) {
		t.Fatalf("decapsulated datagram mismatch:\n got  %q\n want %q", inner, datagram)
	}
}

func TestESPReceiveRejectsTamperedICV(t *testing.T) {
	tbl := tableWithSAs(t)
	pkt, err := tbl.Transmit([]byte("hello"), 4)
	if err != nil {
		t.Fatal(err)
	}
	pkt[len(pkt)-1] ^= 0xFF
	if _, _, err := tbl.Receive(pkt); err != errHMACMismatch {
		t.Fatalf("want errHMACMismatch, got %v", err)
	}
}

func TestESPReceiveRejectsUnknownSPI(t *testing.T) {
	tbl := tableWithSAs(t)
	pkt, err := tbl.Transmit([]byte("hello"), 4)
	if err != nil {
		t.Fatal(err)
	}
	pkt[3] ^= 0xFF // corrupt the SPI so lookup misses
	if _, _, err := tbl.Receive(pkt); err != errUnknownSPI {
		t.Fatalf("want errUnknownSPI, got %v", err)
	}
}

func TestESPSequenceNumberIncrements(t *testing.T) {
	tbl := tableWithSAs(t)
	for i := uint32(1); i <= 3; i++ {
		pkt, err := tbl.Transmit([]byte("payload"), 4)
		if err != nil {
			t.Fatal(err)
		}
		seq := uint32(pkt[4])<<24 | uint32(pkt[5])<<16 | uint32(pkt[6])<<8 | uint32(pkt[7])
		if seq != i {
			t.Fatalf("packet %d: want seq=%d, got %d", i, i, seq)
		}
	}
}
