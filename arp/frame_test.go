package arp

import (
	"bytes"
	"testing"

	"github.com/vkernel/ikevpn"
	"github.com/vkernel/ikevpn/ethernet"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf [28]byte
	afrm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(OpRequest)
	senderHW, senderProto := afrm.Sender4()
	*senderHW = [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}
	*senderProto = [4]byte{192, 168, 1, 1}
	targetHW, targetProto := afrm.Target4()
	*targetHW = [6]byte{0, 0, 0, 0, 0, 0}
	*targetProto = [4]byte{192, 168, 1, 2}

	clipped, err := NewFrame(afrm.Clip().RawData())
	if err != nil {
		t.Fatal(err)
	}
	htype, hlen := clipped.Hardware()
	if htype != 1 || hlen != 6 {
		t.Fatalf("hardware field mismatch: %d/%d", htype, hlen)
	}
	ptype, plen := clipped.Protocol()
	if ptype != ethernet.TypeIPv4 || plen != 4 {
		t.Fatalf("protocol field mismatch: %v/%d", ptype, plen)
	}
	if clipped.Operation() != OpRequest {
		t.Fatalf("operation mismatch: %v", clipped.Operation())
	}
	gotSenderHW, gotSenderProto := clipped.Sender()
	if !bytes.Equal(gotSenderHW, senderHW[:]) || !bytes.Equal(gotSenderProto, senderProto[:]) {
		t.Fatal("sender fields did not round-trip")
	}
	_, gotTargetProto := clipped.Target()
	if !bytes.Equal(gotTargetProto, targetProto[:]) {
		t.Fatal("target protocol address did not round-trip")
	}

	var vld ikevpn.Validator
	clipped.ValidateSize(&vld)
	if vld.HasError() {
		t.Fatalf("unexpected validation error: %s", vld.ErrPop())
	}
}

func TestFrameSwapTargetSender(t *testing.T) {
	var buf [28]byte
	afrm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	senderHW, senderProto := afrm.Sender4()
	*senderHW = [6]byte{1, 2, 3, 4, 5, 6}
	*senderProto = [4]byte{10, 0, 0, 1}
	targetHW, targetProto := afrm.Target4()
	*targetHW = [6]byte{6, 5, 4, 3, 2, 1}
	*targetProto = [4]byte{10, 0, 0, 2}

	afrm.SwapTargetSender()

	newSenderHW, newSenderProto := afrm.Sender4()
	if *newSenderHW != [6]byte{6, 5, 4, 3, 2, 1} || *newSenderProto != [4]byte{10, 0, 0, 2} {
		t.Fatal("swap did not move target into sender")
	}
	newTargetHW, newTargetProto := afrm.Target4()
	if *newTargetHW != [6]byte{1, 2, 3, 4, 5, 6} || *newTargetProto != [4]byte{10, 0, 0, 1} {
		t.Fatal("swap did not move sender into target")
	}
}

func TestNewFrameShortBuffer(t *testing.T) {
	_, err := NewFrame(make([]byte, 4))
	if err == nil {
		t.Fatal("expected error on short buffer")
	}
}
