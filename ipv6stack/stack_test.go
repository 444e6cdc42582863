package ipv6stack

import (
	"testing"

	"github.com/vkernel/ikevpn/ethernet"
	"github.com/vkernel/ikevpn/ipv6"
	"github.com/vkernel/ikevpn/ipv6/icmpv6"
)

func buildNS(senderHW [6]byte, senderIP, targetIP [16]byte) []byte {
	buf := make([]byte, 14+40+24+8)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = senderHW
	efrm.SetEtherType(ethernet.TypeIPv6)
	ifrm, _ := ipv6.NewFrame(buf[14:])
	ifrm.SetVersionTrafficAndFlow(6, 0, 0)
	ifrm.SetPayloadLength(24 + 8)
	ifrm.SetNextHeader(58) // ICMPv6
	ifrm.SetHopLimit(255)
	*ifrm.SourceAddr() = senderIP
	*ifrm.DestinationAddr() = solicitedNodeMulticast(targetIP)
	cfrm, _ := icmpv6.NewFrame(ifrm.Payload())
	cfrm.SetType(icmpv6.TypeNeighborSolicitation)
	nfrm := icmpv6.FrameNeighborSolicitation{Frame: cfrm}
	*nfrm.TargetAddr() = targetIP
	icmpv6.OptSourceLinkLayerAddress(nfrm.Options(), senderHW)
	return buf
}

func newTestStack(emitted *[][]byte) *Stack {
	cfg := Config{
		LocalIP:   [16]byte{0x20, 0x01, 0xd, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		LocalMAC:  [6]byte{0, 1, 2, 3, 4, 5},
		PrefixLen: 64,
		MTU:       1500,
		ProxyNdp:  true,
	}
	return New(cfg, func(f []byte) error {
		*emitted = append(*emitted, append([]byte{}, f...))
		return nil
	}, nil)
}

func addrWithSuffix(prefix [16]byte, last byte) [16]byte {
	a := prefix
	a[15] = last
	return a
}

func TestProxyNDPAnswersForOtherHosts(t *testing.T) {
	var emitted [][]byte
	s := newTestStack(&emitted)
	s.cfg.ProxyNdpExceptIP = addrWithSuffix(s.cfg.LocalIP, 2)

	peerHW := [6]byte{9, 9, 9, 9, 9, 9}
	peerIP := addrWithSuffix(s.cfg.LocalIP, 50)
	target := addrWithSuffix(s.cfg.LocalIP, 77)
	req := buildNS(peerHW, peerIP, target)
	if err := s.HandleFrame(req, 0); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one proxy-NDP reply, got %d", len(emitted))
	}
	ifrm, _ := ipv6.NewFrame(emitted[0][14:])
	cfrm, _ := icmpv6.NewFrame(ifrm.Payload())
	if cfrm.Type() != icmpv6.TypeNeighborAdvertisement {
		t.Fatal("expected a neighbor advertisement")
	}
	nafrm := icmpv6.FrameNeighborAdvertisement{Frame: cfrm}
	if *nafrm.TargetAddr() != target {
		t.Fatalf("advertisement answered for %v, want %v", *nafrm.TargetAddr(), target)
	}
}

func TestProxyNDPSkipsExceptionAddress(t *testing.T) {
	var emitted [][]byte
	s := newTestStack(&emitted)
	target := addrWithSuffix(s.cfg.LocalIP, 77)
	s.cfg.ProxyNdpExceptIP = target

	req := buildNS([6]byte{9, 9, 9, 9, 9, 9}, addrWithSuffix(s.cfg.LocalIP, 50), target)
	if err := s.HandleFrame(req, 0); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 0 {
		t.Fatalf("expected no reply for excepted address, got %d", len(emitted))
	}
}

func TestSendQueuesUntilNDPResolves(t *testing.T) {
	var emitted [][]byte
	s := newTestStack(&emitted)

	dst := addrWithSuffix(s.cfg.LocalIP, 99)
	if err := s.SendIPv6(dst, 17, 64, []byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one neighbor solicitation emitted, got %d", len(emitted))
	}
	ifrm, _ := ipv6.NewFrame(emitted[0][14:])
	cfrm, _ := icmpv6.NewFrame(ifrm.Payload())
	if cfrm.Type() != icmpv6.TypeNeighborSolicitation {
		t.Fatal("expected the queued send to trigger a neighbor solicitation")
	}
	if w := s.findWaiter(dst); w == nil || len(w.pendingFrame) != 1 {
		t.Fatal("expected the IPv6 send to be parked on the wait-list")
	}

	peerMAC := [6]byte{1, 1, 1, 1, 1, 1}
	adv := make([]byte, 14+40+24+8)
	efrm, _ := ethernet.NewFrame(adv)
	*efrm.SourceHardwareAddr() = peerMAC
	efrm.SetEtherType(ethernet.TypeIPv6)
	iafrm, _ := ipv6.NewFrame(adv[14:])
	iafrm.SetVersionTrafficAndFlow(6, 0, 0)
	iafrm.SetPayloadLength(24 + 8)
	iafrm.SetNextHeader(58)
	iafrm.SetHopLimit(255)
	*iafrm.SourceAddr() = dst
	*iafrm.DestinationAddr() = s.cfg.LocalIP
	cafrm, _ := icmpv6.NewFrame(iafrm.Payload())
	cafrm.SetType(icmpv6.TypeNeighborAdvertisement)
	nafrm := icmpv6.FrameNeighborAdvertisement{Frame: cafrm}
	nafrm.SetFlags(false, true, true)
	*nafrm.TargetAddr() = dst
	icmpv6.OptTargetLinkLayerAddress(nafrm.Options(), peerMAC)

	if err := s.HandleFrame(adv, 10); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 2 {
		t.Fatalf("expected the parked IPv6 frame to drain after the advertisement, got %d frames", len(emitted))
	}
	if mac, ok := s.neighborLookup(dst, 10); !ok || mac != peerMAC {
		t.Fatal("expected neighbor cache to hold the resolved entry")
	}
	if w := s.findWaiter(dst); w != nil {
		t.Fatal("expected wait-list entry to be removed after resolving")
	}
}

func TestNdpWaiterDroppedAfterMaxRetries(t *testing.T) {
	var emitted [][]byte
	s := newTestStack(&emitted)
	dst := addrWithSuffix(s.cfg.LocalIP, 200)
	if err := s.SendIPv6(dst, 17, 64, []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	now := uint64(0)
	for i := 0; i < ndpMaxRetries; i++ {
		now += ndpRetryIntervalMS
		s.Process(now)
	}
	if w := s.findWaiter(dst); w != nil {
		t.Fatal("expected waiter to be dropped after exhausting retries")
	}
}

func TestRouterSolicitationGetsAdvertisementWithPrefix(t *testing.T) {
	var emitted [][]byte
	s := newTestStack(&emitted)
	s.cfg.RaEnable = true
	s.cfg.RaPrefix = [16]byte{0x20, 0x01, 0xd, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	s.cfg.RaPrefixLen = 64
	s.cfg.RaLifetimeSeconds = 1800

	buf := make([]byte, 14+40+8)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = [6]byte{9, 9, 9, 9, 9, 9}
	efrm.SetEtherType(ethernet.TypeIPv6)
	ifrm, _ := ipv6.NewFrame(buf[14:])
	ifrm.SetVersionTrafficAndFlow(6, 0, 0)
	ifrm.SetPayloadLength(8)
	ifrm.SetNextHeader(58)
	ifrm.SetHopLimit(255)
	*ifrm.SourceAddr() = addrWithSuffix(s.cfg.LocalIP, 55)
	*ifrm.DestinationAddr() = allNodesMulticast
	cfrm, _ := icmpv6.NewFrame(ifrm.Payload())
	cfrm.SetType(icmpv6.TypeRouterSolicitation)

	if err := s.HandleFrame(buf, 0); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one router advertisement, got %d", len(emitted))
	}
	oifrm, _ := ipv6.NewFrame(emitted[0][14:])
	ocfrm, _ := icmpv6.NewFrame(oifrm.Payload())
	if ocfrm.Type() != icmpv6.TypeRouterAdvertisement {
		t.Fatal("expected a router advertisement reply")
	}
	rafrm := icmpv6.FrameRouterAdvertisement{Frame: ocfrm}
	opts := rafrm.Options()
	// Source Link-Layer Address option (8 bytes) precedes Prefix
	// Information (type 3).
	if len(opts) < 8+32 || opts[8] != 3 {
		t.Fatal("expected a Prefix Information option after the link-layer option")
	}
	var gotPrefix [16]byte
	copy(gotPrefix[:], opts[8+16:8+32])
	if gotPrefix != s.cfg.RaPrefix {
		t.Fatalf("advertised prefix = %v, want %v", gotPrefix, s.cfg.RaPrefix)
	}
}
