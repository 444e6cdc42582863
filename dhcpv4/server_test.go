package dhcpv4

import (
	"net/netip"
	"testing"
)

func testServerConfig() ServerConfig {
	return ServerConfig{
		ServerAddr:   [4]byte{10, 0, 0, 1},
		Gateway:      [4]byte{10, 0, 0, 1},
		DNS:          [4]byte{10, 0, 0, 53},
		Domain:       "vkernel.lan",
		Subnet:       netip.PrefixFrom(netip.AddrFrom4([4]byte{10, 0, 0, 0}), 24),
		LeaseSeconds: 1800,
		MTU:          1400,
		Port:         DefaultServerPort,
	}
}

// buildDiscoverOrRequest writes a minimal DHCPv4 DISCOVER or REQUEST
// datagram into buf, standing in for what a guest's DHCP client would send
// over the wire; it exercises Server.Demux the same way the real ingress
// path does, without keeping an unwired client state machine in the tree.
func buildDiscoverOrRequest(buf []byte, xid uint32, msgType MessageType, chaddr [6]byte, clientID, hostname string) (int, error) {
	frm, err := NewFrame(buf)
	if err != nil {
		return 0, err
	}
	frm.ClearHeader()
	frm.SetOp(OpRequest)
	frm.SetXID(xid)
	frm.SetHardware(1, 6, 0)
	frm.SetSecs(1)
	copy(frm.CHAddrAs6()[:], chaddr[:])
	frm.SetMagicCookie(MagicCookie)

	opts := frm.OptionsPayload()
	n, err := EncodeOption(opts, OptMessageType, byte(msgType))
	if err != nil {
		return 0, err
	}
	if clientID == "" {
		clientID = string(chaddr[:])
	}
	m, err := EncodeOption(opts[n:], OptClientIdentifier, []byte(clientID)...)
	if err != nil {
		return 0, err
	}
	n += m
	if hostname != "" {
		m, err = EncodeOptionString(opts[n:], OptHostName, hostname)
		if err != nil {
			return 0, err
		}
		n += m
	}
	opts[n] = byte(OptEnd)
	n++
	return OptionsOffset + n, nil
}

// TestServerConfigValidation checks that Configure rejects a zero Subnet
// and a ServerAddr that falls outside Subnet, and fills in the lease
// time/port defaults when left zero.
func TestServerConfigValidation(t *testing.T) {
	var sv Server

	cfg := testServerConfig()
	cfg.Subnet = netip.Prefix{}
	if err := sv.Configure(cfg); err == nil {
		t.Error("expected error for zero subnet")
	}

	cfg = testServerConfig()
	cfg.ServerAddr = [4]byte{192, 168, 1, 1}
	if err := sv.Configure(cfg); err == nil {
		t.Error("expected error for server address outside subnet")
	}

	cfg = testServerConfig()
	cfg.LeaseSeconds = 0
	cfg.Port = 0
	if err := sv.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if sv.cfg.LeaseSeconds != defaultLeaseSeconds {
		t.Errorf("want default lease %d, got %d", defaultLeaseSeconds, sv.cfg.LeaseSeconds)
	}
	if sv.cfg.Port != DefaultServerPort {
		t.Errorf("want default port %d, got %d", DefaultServerPort, sv.cfg.Port)
	}
}

// TestServerOfferContainsOptions runs one client through DISCOVER/OFFER
// and checks that the OFFER carries the gateway, DNS, domain, MTU and
// lease-time options Configure was given.
func TestServerOfferContainsOptions(t *testing.T) {
	cfg := testServerConfig()
	var sv Server
	if err := sv.Configure(cfg); err != nil {
		t.Fatal(err)
	}

	var buf [1024]byte
	n, err := buildDiscoverOrRequest(buf[:], 7, MsgDiscover, [6]byte{1, 2, 3, 4, 5, 6}, "", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	if err := sv.Demux(buf[:n], 0); err != nil {
		t.Fatal(err)
	}

	n, err = sv.Encapsulate(buf[:], -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("no offer from server")
	}

	frm, err := NewFrame(buf[:n])
	if err != nil {
		t.Fatal(err)
	}

	var gotRouter, gotDNS, gotDomain, gotMTU, gotLease, gotMask bool
	err = frm.ForEachOption(func(_ int, opt OptNum, data []byte) error {
		switch opt {
		case OptRouter:
			gotRouter = len(data) == 4 && [4]byte(data) == cfg.Gateway
		case OptDNSServers:
			gotDNS = len(data) == 4 && [4]byte(data) == cfg.DNS
		case OptDomainName:
			gotDomain = string(data) == cfg.Domain
		case OptInterfaceMTUSize:
			gotMTU = len(data) == 2
		case OptIPAddressLeaseTime:
			gotLease = len(data) == 4
		case OptSubnetMask:
			gotMask = len(data) == 4 && [4]byte(data) == [4]byte{255, 255, 255, 0}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !gotRouter {
		t.Error("offer missing OptRouter with configured gateway")
	}
	if !gotDNS {
		t.Error("offer missing OptDNSServers with configured DNS")
	}
	if !gotDomain {
		t.Error("offer missing OptDomainName with configured domain")
	}
	if !gotMTU {
		t.Error("offer missing OptInterfaceMTUSize")
	}
	if !gotLease {
		t.Error("offer missing OptIPAddressLeaseTime")
	}
	if !gotMask {
		t.Error("offer subnet mask does not match configured /24")
	}
}

// TestServerRediscoverAfterBound verifies that a client already in
// StateBound is re-served from scratch on a fresh DISCOVER (a reboot or
// lost-lease case), rather than rejected outright the way a client still
// mid-DORA is.
func TestServerRediscoverAfterBound(t *testing.T) {
	cfg := testServerConfig()
	var sv Server
	if err := sv.Configure(cfg); err != nil {
		t.Fatal(err)
	}

	chaddr := [6]byte{9, 9, 9, 9, 9, 9}
	const clientID = "reboot-client"
	var clientIDRaw [36]byte
	copy(clientIDRaw[:], clientID)

	var buf [1024]byte
	n, err := buildDiscoverOrRequest(buf[:], 55, MsgDiscover, chaddr, clientID, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sv.Demux(buf[:n], 0); err != nil {
		t.Fatal(err)
	}
	if _, err := sv.Encapsulate(buf[:], -1, 0); err != nil {
		t.Fatal(err)
	}

	n, err = buildDiscoverOrRequest(buf[:], 55, MsgRequest, chaddr, clientID, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sv.Demux(buf[:n], 0); err != nil {
		t.Fatal(err)
	}
	if _, err := sv.Encapsulate(buf[:], -1, 0); err != nil {
		t.Fatal(err)
	}
	if got := sv.hosts[clientIDRaw].state; got != StateBound {
		t.Fatalf("want StateBound after first DORA, got %d", got)
	}

	// Client reboots and begins a fresh DISCOVER with the same identifier.
	n, err = buildDiscoverOrRequest(buf[:], 56, MsgDiscover, chaddr, clientID, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sv.Demux(buf[:n], 0); err != nil {
		t.Fatalf("rediscover after bound should be accepted, got: %v", err)
	}
}

// TestServerRejectsDiscoverMidDORA verifies that a second DISCOVER for a
// client still mid-exchange (not yet StateBound) is rejected.
func TestServerRejectsDiscoverMidDORA(t *testing.T) {
	cfg := testServerConfig()
	var sv Server
	if err := sv.Configure(cfg); err != nil {
		t.Fatal(err)
	}

	var buf [1024]byte
	n, err := buildDiscoverOrRequest(buf[:], 1, MsgDiscover, [6]byte{1, 1, 1, 1, 1, 1}, "dup", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sv.Demux(buf[:n], 0); err != nil {
		t.Fatalf("first discover: %v", err)
	}
	if err := sv.Demux(buf[:n], 0); err == nil {
		t.Error("expected error re-discovering a client still mid-DORA")
	}
}

// TestServerSequentialAddressAllocation verifies that successive clients
// get distinct addresses out of the configured pool.
func TestServerSequentialAddressAllocation(t *testing.T) {
	cfg := testServerConfig()
	var sv Server
	if err := sv.Configure(cfg); err != nil {
		t.Fatal(err)
	}

	var seen [3][4]byte
	for i := range seen {
		var buf [1024]byte
		n, err := buildDiscoverOrRequest(buf[:], uint32(300+i), MsgDiscover,
			[6]byte{0, 0, 0, 0, 0, byte(i + 1)}, string([]byte{byte(i + 1)}), "")
		if err != nil {
			t.Fatal(err)
		}
		if err := sv.Demux(buf[:n], 0); err != nil {
			t.Fatal(err)
		}
		n, err = sv.Encapsulate(buf[:], -1, 0)
		if err != nil {
			t.Fatal(err)
		}
		frm, err := NewFrame(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		seen[i] = *frm.YIAddr()
	}
	for i := 0; i < len(seen); i++ {
		for j := i + 1; j < len(seen); j++ {
			if seen[i] == seen[j] {
				t.Errorf("clients %d and %d both got address %v", i, j, seen[i])
			}
		}
	}
}

// TestServerEncapsulateNoPending verifies Encapsulate returns 0 bytes and
// no error when there is nothing queued to send.
func TestServerEncapsulateNoPending(t *testing.T) {
	var sv Server
	if err := sv.Configure(testServerConfig()); err != nil {
		t.Fatal(err)
	}
	var buf [512]byte
	n, err := sv.Encapsulate(buf[:], -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("want 0 bytes with nothing pending, got %d", n)
	}
}
