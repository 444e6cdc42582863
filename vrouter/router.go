// Package vrouter implements the virtual router that sits between the
// engine's two NIC links: mode dispatch (L2 bridge, L3 forward with the
// guest address rewritten to the host's, full L3 IPsec tunnel), ARP/NDP-aware IPv4/IPv6 delivery via ipv4stack/
// ipv6stack, DHCPv4 leasing, TCP MSS clamping, and the IKE/ESP data path
// that ties the guest-side link to the IPsec tunnel.
//
// It is grounded on internet/stack-ip.go's dispatch-by-protocol shape,
// generalized from a single link to the two-link, mode-selectable router
// spec.md §4.9 describes.
package vrouter

import (
	"encoding/binary"
	"log/slog"
	"net/netip"

	"github.com/vkernel/ikevpn"
	"github.com/vkernel/ikevpn/config"
	"github.com/vkernel/ikevpn/credential"
	"github.com/vkernel/ikevpn/dhcpv4"
	"github.com/vkernel/ikevpn/ethernet"
	"github.com/vkernel/ikevpn/ike"
	"github.com/vkernel/ikevpn/internal"
	"github.com/vkernel/ikevpn/ipsec"
	"github.com/vkernel/ikevpn/ipv4"
	"github.com/vkernel/ikevpn/ipv4stack"
	"github.com/vkernel/ikevpn/ipv6"
	"github.com/vkernel/ikevpn/ipv6stack"
	"github.com/vkernel/ikevpn/udp"
)

const ikePort = 500

// ikeConn pairs a live ike.SA with the bookkeeping the router needs to
// notice its Phase-2-established transition exactly once.
type ikeConn struct {
	sa              *ike.SA
	installedPhase2 bool
	quickStartTick  uint64 // when Phase-2 negotiation is allowed to begin
}

// Router owns both network links of one engine instance and everything
// that routes traffic between them.
type Router struct {
	cfg   config.VPN
	creds *credential.Credentials

	hostV4  *ipv4stack.Stack
	guestV4 *ipv4stack.Stack
	hostV6  *ipv6stack.Stack
	guestV6 *ipv6stack.Stack

	dhcp *dhcpv4.Server

	ipsecTable *ipsec.Table
	conn       *ikeConn

	reconnectDeadline uint64
	lastNow           uint64

	pingSeq  uint16
	lastPing uint64

	emitHost, emitGuest func([]byte) error

	log *slog.Logger
}

// New builds a Router for cfg. emitHost/emitGuest send a fully-formed
// Ethernet frame out the physical and virtual links respectively
// (typically nic.Adapter.Send). creds is nil unless cfg.IPsec.AuthMethod
// is config.AuthCert.
func New(cfg config.VPN, creds *credential.Credentials, emitHost, emitGuest func([]byte) error, log *slog.Logger) *Router {
	r := &Router{cfg: cfg, creds: creds, emitHost: emitHost, emitGuest: emitGuest, log: log}

	if cfg.Mode == config.L2Transparent {
		return r
	}

	r.hostV4 = ipv4stack.New(ipv4stack.Config{
		LocalIP:          cfg.V4.HostIP,
		LocalMAC:         cfg.VirtualGatewayMacAddress,
		SubnetMask:       [4]byte{255, 255, 255, 255},
		DefaultGatewayIP: cfg.V4.HostIPDefaultGateway,
		MTU:              cfg.V4.HostMTU,
		ArpExpireMS:      cfg.V4.OptionArpExpires,
		ArpDontUpdateExp: cfg.V4.OptionArpDontUpdateExp,
	}, emitHost, log)

	r.guestV4 = ipv4stack.New(ipv4stack.Config{
		LocalIP:          cfg.V4.GuestVirtualGateway,
		LocalMAC:         cfg.VirtualGatewayMacAddress,
		SubnetMask:       cfg.V4.GuestSubnetMask,
		MTU:              cfg.V4.GuestMTU,
		ArpExpireMS:      cfg.V4.OptionArpExpires,
		ArpDontUpdateExp: cfg.V4.OptionArpDontUpdateExp,
		ProxyArp:         cfg.Proxy.UseProxyArp,
		ProxyArpExceptIP: cfg.Proxy.ProxyArpExcept,
	}, emitGuest, log)

	if cfg.V4.DhcpEnable {
		r.dhcp = &dhcpv4.Server{}
		r.dhcp.Configure(dhcpv4.ServerConfig{
			ServerAddr:   cfg.V4.GuestVirtualGateway,
			Gateway:      cfg.V4.GuestVirtualGateway,
			DNS:          cfg.V4.DhcpDNS,
			Domain:       cfg.V4.DhcpDomain,
			Subnet:       netip.PrefixFrom(netip.AddrFrom4(cfg.V4.GuestVirtualGateway), maskBits(cfg.V4.GuestSubnetMask)),
			LeaseSeconds: cfg.V4.DhcpLeaseSeconds,
			MTU:          uint16(cfg.V4.GuestMTU),
		})
		r.guestV4.EnableDHCP(r.dhcp)
	}

	if cfg.V6.GuestIP != ([16]byte{}) {
		r.guestV6 = ipv6stack.New(ipv6stack.Config{
			LocalIP:           cfg.V6.GuestVirtualGateway,
			LocalMAC:          cfg.VirtualGatewayMacAddress,
			PrefixLen:         cfg.V6.GuestPrefixLen,
			MTU:               cfg.V6.GuestMTU,
			NeighborExpireMS:  cfg.V6.OptionNeighborExpires,
			ProxyNdp:          cfg.V6.UseProxyNdp,
			RaEnable:          cfg.V6.RaEnable,
			RaPrefix:          cfg.V6.RaPrefix,
			RaPrefixLen:       cfg.V6.RaPrefixLen,
			RaLifetimeSeconds: cfg.V6.RaLifetimeSeconds,
			RaMTU:             cfg.V6.RaMTU,
			RaDNS:             cfg.V6.RaDNS,
		}, emitGuest, log)
	}

	if cfg.Mode == config.L3IPsec {
		r.ipsecTable = ipsec.NewTable(cfg.IPsec.GatewayAddress)
		r.ipsecTable.SetLogger(log)
	}

	r.guestV4.OnDatagram = r.onGuestV4Datagram
	r.hostV4.OnDatagram = r.onHostV4Datagram
	if r.guestV6 != nil {
		r.guestV6.OnDatagram = r.onGuestV6Datagram
	}
	return r
}

// Tick records the engine's current clock, consulted by the datagram
// callbacks (which ipv4stack/ipv6stack invoke without a timestamp
// parameter) and by Process. The run_handler loop calls this once per
// entry, mirroring nic.Adapter.Tick.
func (r *Router) Tick(now uint64) { r.lastNow = now }

// HandleHostFrame processes one Ethernet frame arriving on the physical
// link.
func (r *Router) HandleHostFrame(frame []byte, now uint64) error {
	r.lastNow = now
	if r.cfg.Mode == config.L2Transparent {
		return r.bridgeToGuest(frame)
	}
	return r.dispatchFrame(frame, now, r.hostV4, r.hostV6)
}

// HandleGuestFrame processes one Ethernet frame arriving on the virtual
// (guest-facing) link.
func (r *Router) HandleGuestFrame(frame []byte, now uint64) error {
	r.lastNow = now
	if r.cfg.Mode == config.L2Transparent {
		return r.bridgeToHost(frame)
	}
	return r.dispatchFrame(frame, now, r.guestV4, r.guestV6)
}

func (r *Router) bridgeToGuest(frame []byte) error { return r.emitGuest(frame) }
func (r *Router) bridgeToHost(frame []byte) error  { return r.emitHost(frame) }

// maskBits converts a dotted-decimal subnet mask into its CIDR prefix
// length.
func maskBits(mask [4]byte) int {
	v := binary.BigEndian.Uint32(mask[:])
	bits := 0
	for v&0x8000_0000 != 0 {
		bits++
		v <<= 1
	}
	return bits
}

func (r *Router) dispatchFrame(frame []byte, now uint64, v4 *ipv4stack.Stack, v6 *ipv6stack.Stack) error {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return err
	}
	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		return v4.HandleFrame(frame, now)
	case ethernet.TypeIPv4:
		return v4.HandleFrame(frame, now)
	case ethernet.TypeIPv6:
		if v6 != nil {
			return v6.HandleFrame(frame, now)
		}
	}
	return nil
}

// Process runs every link's periodic maintenance plus, in L3IPsec mode,
// the IKE/ESP control-plane tick. It returns true if anything changed,
// for the engine's fixed-point run_handler loop.
func (r *Router) Process(now uint64) bool {
	r.lastNow = now
	changed := false
	if r.hostV4 != nil {
		changed = r.hostV4.Process(now) || changed
	}
	if r.guestV4 != nil {
		changed = r.guestV4.Process(now) || changed
	}
	if r.hostV6 != nil {
		changed = r.hostV6.Process(now) || changed
	}
	if r.guestV6 != nil {
		changed = r.guestV6.Process(now) || changed
	}
	if r.cfg.Mode == config.L3IPsec {
		changed = r.tickIKE(now) || changed
		changed = r.tickKeepalive(now) || changed
		if r.ipsecTable != nil {
			r.ipsecTable.Prune(now, uint64(r.cfg.IPsec.IdleTimeout)*1000)
		}
	}
	return changed
}

func (r *Router) logf(level slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(r.log, level, msg, attrs...)
}

// onGuestV4Datagram routes a reassembled IPv4 datagram from the guest
// link that ipv4stack did not consume locally (not DHCP, not an echo to
// the guest-side gateway address).
func (r *Router) onGuestV4Datagram(dgram []byte) {
	now := r.lastNow
	ifrm, err := ipv4.NewFrame(dgram)
	if err != nil {
		return
	}
	clampTCPMSSv4(ifrm, mssFor(r.cfg.V4))

	switch r.cfg.Mode {
	case config.L3IPsec:
		r.egressIPsec(dgram, 4)
	case config.L3Transparent:
		*ifrm.SourceAddr() = r.cfg.V4.HostIP
		fixTransportChecksum(ifrm)
		if err := r.hostV4.SendRawIPv4(dgram, now); err != nil {
			r.logf(slog.LevelError, "vrouter: forward guest->host failed", slog.String("err", err.Error()))
		}
	}
}

func (r *Router) onGuestV6Datagram(dgram []byte) {
	if r.cfg.Mode != config.L3IPsec {
		return
	}
	r.egressIPsec(dgram, 41)
}

// egressIPsec encrypts a guest-originated datagram under the current
// outgoing SA and transmits the resulting ESP packet to the gateway.
func (r *Router) egressIPsec(dgram []byte, nextHeader uint8) {
	now := r.lastNow
	if r.ipsecTable == nil {
		return
	}
	esp, err := r.ipsecTable.Transmit(dgram, nextHeader)
	if err != nil {
		r.logf(slog.LevelError, "vrouter: esp transmit failed", slog.String("err", err.Error()))
		return
	}
	if r.conn != nil {
		r.conn.sa.AddBytesTransferred(uint64(len(esp)))
	}
	if err := r.hostV4.SendIPv4(r.cfg.IPsec.GatewayAddress, ikevpn.IPProtoESP, 64, esp, now); err != nil {
		r.logf(slog.LevelError, "vrouter: esp send failed", slog.String("err", err.Error()))
	}
}

// onHostV4Datagram routes a reassembled IPv4 datagram from the physical
// link not consumed locally: ESP traffic from the gateway, IKE traffic
// on UDP/500, or (in L3Transparent mode) a reply destined for the guest.
func (r *Router) onHostV4Datagram(dgram []byte) {
	now := r.lastNow
	ifrm, err := ipv4.NewFrame(dgram)
	if err != nil {
		return
	}
	switch ifrm.Protocol() {
	case ikevpn.IPProtoESP:
		r.ingressIPsec(dgram, now)
	case ikevpn.IPProtoUDP:
		ufrm, err := udp.NewFrame(ifrm.Payload())
		if err != nil {
			return
		}
		if ufrm.DestinationPort() == ikePort && r.conn != nil {
			r.demuxIKE(ufrm.Payload(), now)
			return
		}
		if r.cfg.Mode == config.L3Transparent {
			r.forwardToGuestV4(ifrm, now)
		}
	default:
		if r.cfg.Mode == config.L3Transparent {
			r.forwardToGuestV4(ifrm, now)
		}
	}
}

func (r *Router) ingressIPsec(dgram []byte, now uint64) {
	if r.ipsecTable == nil {
		return
	}
	inner, nextHeader, err := r.ipsecTable.Receive(dgram)
	if err != nil {
		r.logf(slog.LevelInfo, "vrouter: esp receive dropped", slog.String("err", err.Error()))
		return
	}
	if r.conn != nil {
		r.conn.sa.AddBytesTransferred(uint64(len(dgram)))
	}
	switch nextHeader {
	case 4:
		if err := r.guestV4.SendRawIPv4(inner, now); err != nil {
			r.logf(slog.LevelError, "vrouter: deliver inner v4 failed", slog.String("err", err.Error()))
		}
	case 41:
		if r.guestV6 != nil {
			ifrm6, err := ipv6.NewFrame(inner)
			if err == nil {
				if err := r.guestV6.SendRawIPv6(ifrm6.RawData(), now); err != nil {
					r.logf(slog.LevelError, "vrouter: deliver inner v6 failed", slog.String("err", err.Error()))
				}
			}
		}
	}
}

func (r *Router) forwardToGuestV4(ifrm ipv4.Frame, now uint64) {
	if *ifrm.DestinationAddr() != r.cfg.V4.HostIP {
		return
	}
	*ifrm.DestinationAddr() = r.cfg.V4.GuestIP
	fixTransportChecksum(ifrm)
	if err := r.guestV4.SendRawIPv4(ifrm.RawData(), now); err != nil {
		r.logf(slog.LevelError, "vrouter: forward host->guest failed", slog.String("err", err.Error()))
	}
}

func mssFor(v4 config.V4) uint16 {
	if !v4.AdjustTCPMss {
		return 0
	}
	return v4.TCPMssValue
}
