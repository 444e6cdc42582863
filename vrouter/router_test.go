package vrouter

import (
	"bytes"
	"testing"

	"github.com/vkernel/ikevpn/config"
	"github.com/vkernel/ikevpn/ethernet"
)

func buildEthernetFrame(t *testing.T, src, dst [6]byte, etype ethernet.Type, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 14+len(payload))
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	*efrm.SourceHardwareAddr() = src
	*efrm.DestinationHardwareAddr() = dst
	efrm.SetEtherType(etype)
	copy(efrm.Payload(), payload)
	return buf
}

// TestL2TransparentBridgesVerbatim exercises spec.md §4.9's L2-Transparent
// mode: every frame received on one link is forwarded untouched to the
// other, with no IP stack involvement.
func TestL2TransparentBridgesVerbatim(t *testing.T) {
	var toGuest, toHost [][]byte
	r := New(config.VPN{Mode: config.L2Transparent}, nil,
		func(f []byte) error { toHost = append(toHost, f); return nil },
		func(f []byte) error { toGuest = append(toGuest, f); return nil },
		nil,
	)

	frame := buildEthernetFrame(t,
		[6]byte{1, 2, 3, 4, 5, 6}, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		ethernet.TypeIPv4, []byte("hello"))

	if err := r.HandleHostFrame(frame, 0); err != nil {
		t.Fatalf("HandleHostFrame: %v", err)
	}
	if len(toGuest) != 1 || !bytes.Equal(toGuest[0], frame) {
		t.Fatalf("expected frame bridged to guest verbatim, got %v", toGuest)
	}
	if len(toHost) != 0 {
		t.Fatalf("did not expect any frame sent to host, got %d", len(toHost))
	}

	if err := r.HandleGuestFrame(frame, 0); err != nil {
		t.Fatalf("HandleGuestFrame: %v", err)
	}
	if len(toHost) != 1 || !bytes.Equal(toHost[0], frame) {
		t.Fatalf("expected frame bridged to host verbatim, got %v", toHost)
	}
}

// TestL2TransparentHasNoIPStacks checks that no IPv4/IPv6 stacks are built
// in L2Transparent mode, per spec.md §4.9 ("IP stacks are disabled").
func TestL2TransparentHasNoIPStacks(t *testing.T) {
	r := New(config.VPN{Mode: config.L2Transparent}, nil,
		func([]byte) error { return nil }, func([]byte) error { return nil }, nil)
	if r.hostV4 != nil || r.guestV4 != nil || r.hostV6 != nil || r.guestV6 != nil {
		t.Fatal("L2Transparent mode must not build any IP stack")
	}
}

func TestMssForRespectsAdjustTCPMss(t *testing.T) {
	if got := mssFor(config.V4{AdjustTCPMss: false, TCPMssValue: 1200}); got != 0 {
		t.Fatalf("expected 0 when AdjustTCPMss is false, got %d", got)
	}
	if got := mssFor(config.V4{AdjustTCPMss: true, TCPMssValue: 1200}); got != 1200 {
		t.Fatalf("expected configured MSS value, got %d", got)
	}
}

func TestMaskBits(t *testing.T) {
	cases := []struct {
		mask [4]byte
		want int
	}{
		{[4]byte{255, 255, 255, 0}, 24},
		{[4]byte{255, 255, 255, 255}, 32},
		{[4]byte{255, 255, 0, 0}, 16},
		{[4]byte{0, 0, 0, 0}, 0},
	}
	for _, c := range cases {
		if got := maskBits(c.mask); got != c.want {
			t.Fatalf("maskBits(%v) = %d, want %d", c.mask, got, c.want)
		}
	}
}

// TestL3IPsecBuildsIPsecTable checks that the IPsec data-plane table is
// only constructed in L3IPsec mode, per spec.md §4.9.
func TestL3IPsecBuildsIPsecTable(t *testing.T) {
	cfg := config.VPN{
		Mode: config.L3IPsec,
		V4: config.V4{
			HostIP:              [4]byte{203, 0, 113, 1},
			GuestVirtualGateway: [4]byte{10, 0, 0, 1},
			GuestSubnetMask:     [4]byte{255, 255, 255, 0},
			GuestMTU:            1500,
			HostMTU:             1500,
		},
		IPsec: config.IPsec{GatewayAddress: [4]byte{198, 51, 100, 1}},
	}
	r := New(cfg, nil, func([]byte) error { return nil }, func([]byte) error { return nil }, nil)
	if r.ipsecTable == nil {
		t.Fatal("expected ipsecTable to be built in L3IPsec mode")
	}
	if r.hostV4 == nil || r.guestV4 == nil {
		t.Fatal("expected both IPv4 stacks to be built in L3IPsec mode")
	}
}

func TestL3TransparentBuildsNoIPsecTable(t *testing.T) {
	cfg := config.VPN{
		Mode: config.L3Transparent,
		V4: config.V4{
			HostIP:              [4]byte{203, 0, 113, 1},
			GuestVirtualGateway: [4]byte{10, 0, 0, 1},
			GuestSubnetMask:     [4]byte{255, 255, 255, 0},
			GuestMTU:            1500,
			HostMTU:             1500,
		},
	}
	r := New(cfg, nil, func([]byte) error { return nil }, func([]byte) error { return nil }, nil)
	if r.ipsecTable != nil {
		t.Fatal("did not expect an ipsecTable outside L3IPsec mode")
	}
}
