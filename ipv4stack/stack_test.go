package ipv4stack

import (
	"testing"

	"github.com/vkernel/ikevpn/arp"
	"github.com/vkernel/ikevpn/ethernet"
)

func buildARPRequest(senderHW [6]byte, senderIP [4]byte, targetIP [4]byte) []byte {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = senderHW
	efrm.SetEtherType(ethernet.TypeARP)
	afrm, _ := arp.NewFrame(buf[14:])
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	hw, ip := afrm.Sender4()
	*hw, *ip = senderHW, senderIP
	_, tip := afrm.Target4()
	*tip = targetIP
	return buf
}

func newTestStack(emitted *[][]byte) *Stack {
	cfg := Config{
		LocalIP:    [4]byte{10, 0, 0, 1},
		LocalMAC:   [6]byte{0, 1, 2, 3, 4, 5},
		SubnetMask: [4]byte{255, 255, 255, 0},
		MTU:        1500,
		ProxyArp:   true,
	}
	return New(cfg, func(f []byte) error {
		*emitted = append(*emitted, append([]byte{}, f...))
		return nil
	}, nil)
}

func TestProxyARPAnswersForOtherHosts(t *testing.T) {
	var emitted [][]byte
	s := newTestStack(&emitted)
	s.cfg.ProxyArpExceptIP = [4]byte{10, 0, 0, 2}

	peerHW := [6]byte{9, 9, 9, 9, 9, 9}
	req := buildARPRequest(peerHW, [4]byte{10, 0, 0, 50}, [4]byte{10, 0, 0, 77})
	if err := s.HandleFrame(req, 0); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one proxy-ARP reply, got %d", len(emitted))
	}
	afrm, _ := arp.NewFrame(emitted[0][14:])
	if afrm.Operation() != arp.OpReply {
		t.Fatal("expected an ARP reply")
	}
	hw, ip := afrm.Sender4()
	if *hw != s.cfg.LocalMAC || *ip != [4]byte{10, 0, 0, 77} {
		t.Fatalf("proxy reply answered as %v/%v", *hw, *ip)
	}
}

func TestProxyARPSkipsExceptionAddress(t *testing.T) {
	var emitted [][]byte
	s := newTestStack(&emitted)
	s.cfg.ProxyArpExceptIP = [4]byte{10, 0, 0, 77}

	req := buildARPRequest([6]byte{9, 9, 9, 9, 9, 9}, [4]byte{10, 0, 0, 50}, [4]byte{10, 0, 0, 77})
	if err := s.HandleFrame(req, 0); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 0 {
		t.Fatalf("expected no reply for excepted address, got %d", len(emitted))
	}
}

func TestSendQueuesUntilARPResolves(t *testing.T) {
	var emitted [][]byte
	s := newTestStack(&emitted)

	dst := [4]byte{10, 0, 0, 99}
	if err := s.SendIPv4(dst, 17, 64, []byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one ARP request emitted, got %d", len(emitted))
	}
	afrm, _ := arp.NewFrame(emitted[0][14:])
	if afrm.Operation() != arp.OpRequest {
		t.Fatal("expected the queued send to trigger an ARP request")
	}
	if w := s.findWaiter(dst); w == nil || len(w.pendingFrame) != 1 {
		t.Fatal("expected the IP send to be parked on the wait-list")
	}

	peerMAC := [6]byte{1, 1, 1, 1, 1, 1}
	reply := buildARPRequest(peerMAC, dst, s.cfg.LocalIP)
	afrm2, _ := arp.NewFrame(reply[14:])
	afrm2.SetOperation(arp.OpReply)
	if err := s.HandleFrame(reply, 10); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 2 {
		t.Fatalf("expected the parked IP frame to drain after ARP reply, got %d frames", len(emitted))
	}
	if mac, ok := s.arpLookup(dst, 10); !ok || mac != peerMAC {
		t.Fatal("expected ARP cache to hold the resolved entry")
	}
	if w := s.findWaiter(dst); w != nil {
		t.Fatal("expected wait-list entry to be removed after resolving")
	}
}

func TestArpWaiterDroppedAfterMaxRetries(t *testing.T) {
	var emitted [][]byte
	s := newTestStack(&emitted)
	dst := [4]byte{10, 0, 0, 200}
	if err := s.SendIPv4(dst, 17, 64, []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	now := uint64(0)
	for i := 0; i < arpMaxRetries; i++ {
		now += arpRetryIntervalMS
		s.Process(now)
	}
	if w := s.findWaiter(dst); w != nil {
		t.Fatal("expected waiter to be dropped after exhausting retries")
	}
}
