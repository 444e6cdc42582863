// Package ipv6stack implements the virtual router's IPv6-side plumbing,
// mirroring ipv4stack's shape (sorted address cache with a retry
// wait-list, proxy responses, ICMPv6 echo) but resolving link addresses
// via Neighbor Discovery (RFC 4861) instead of ARP.
//
// Extension headers (hop-by-hop options, routing, fragment headers) are
// not walked: NextHeader is read directly as the upper-layer protocol.
// The guest-side traffic this engine forwards does not originate
// extension headers, so this mirrors the IPv4 side's lack of IP option
// support rather than dropping a feature guest traffic would exercise.
package ipv6stack

import (
	"bytes"
	"errors"
	"log/slog"
	"sort"

	"github.com/vkernel/ikevpn"
	"github.com/vkernel/ikevpn/ethernet"
	"github.com/vkernel/ikevpn/internal"
	"github.com/vkernel/ikevpn/ipv6"
	"github.com/vkernel/ikevpn/ipv6/icmpv6"
	"github.com/vkernel/ikevpn/udp"
)

const (
	defaultNeighborExpireMS = 60_000
	ndpRetryIntervalMS      = 1_000
	ndpMaxRetries           = 3
	ndpMaxWaiters           = 32
)

var (
	errNoRoute      = errors.New("ipv6stack: no route to host")
	errWaitlistFull = errors.New("ipv6stack: NDP wait-list full")
)

// Config carries the per-link IPv6 parameters, translated from
// config.V6/config.ProxyOptions by the caller.
type Config struct {
	LocalIP           [16]byte
	LocalMAC          [6]byte
	PrefixLen         uint8
	DefaultGatewayIP  [16]byte // zero if this link has no default route
	MTU               int
	NeighborExpireMS  uint32
	ProxyNdp          bool
	ProxyNdpExceptIP  [16]byte
	RaEnable          bool
	RaPrefix          [16]byte
	RaPrefixLen       uint8
	RaLifetimeSeconds uint32
	RaMTU             int
	RaDNS             [16]byte // zero suppresses the RDNSS option
}

type neighborEntry struct {
	ip      [16]byte
	mac     [6]byte
	expires uint64
}

type ndpWaiter struct {
	ip           [16]byte
	deadline     uint64
	retries      uint8
	pendingFrame [][]byte
}

// Stack dispatches Ethernet-framed IPv6/ICMPv6 traffic for one NIC link.
type Stack struct {
	cfg Config

	cache  []neighborEntry // sorted by ip
	waiter []*ndpWaiter

	// OnDatagram delivers a fully-parsed IPv6 datagram not consumed
	// locally (RA/RS/NS/NA, echo to us) to the virtual router.
	OnDatagram func(dgram []byte)

	emit func(ethFrame []byte) error
	log  *slog.Logger
}

func New(cfg Config, emit func(ethFrame []byte) error, log *slog.Logger) *Stack {
	if cfg.NeighborExpireMS == 0 {
		cfg.NeighborExpireMS = defaultNeighborExpireMS
	}
	return &Stack{cfg: cfg, emit: emit, log: log}
}

// EUI64 derives a modified-EUI-64 interface identifier from a MAC
// address per RFC 4291 Appendix A: insert 0xFFFE in the middle and flip
// the universal/local bit.
func EUI64(mac [6]byte) (id [8]byte) {
	id[0] = mac[0] ^ 0x02
	id[1] = mac[1]
	id[2] = mac[2]
	id[3] = 0xff
	id[4] = 0xfe
	id[5] = mac[3]
	id[6] = mac[4]
	id[7] = mac[5]
	return id
}

// LinkLocalAddr builds an fe80::/64 address from a MAC's EUI-64.
func LinkLocalAddr(mac [6]byte) [16]byte {
	var addr [16]byte
	addr[0] = 0xfe
	addr[1] = 0x80
	eui := EUI64(mac)
	copy(addr[8:], eui[:])
	return addr
}

func ipLess(a, b [16]byte) bool { return bytes.Compare(a[:], b[:]) < 0 }

func (s *Stack) isLocal(ip [16]byte) bool {
	bits := int(s.cfg.PrefixLen)
	return samePrefix(s.cfg.LocalIP, ip, bits)
}

func (s *Stack) nextHop(dst [16]byte) [16]byte {
	if s.isLocal(dst) || s.cfg.DefaultGatewayIP == ([16]byte{}) {
		return dst
	}
	return s.cfg.DefaultGatewayIP
}

func samePrefix(a, b [16]byte, bits int) bool {
	full := bits / 8
	for i := 0; i < full; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	rem := bits % 8
	if rem == 0 || full >= 16 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return a[full]&mask == b[full]&mask
}

func (s *Stack) neighborLookup(ip [16]byte, now uint64) ([6]byte, bool) {
	idx := sort.Search(len(s.cache), func(i int) bool { return !ipLess(s.cache[i].ip, ip) })
	if idx >= len(s.cache) || s.cache[idx].ip != ip {
		return [6]byte{}, false
	}
	e := &s.cache[idx]
	if e.expires <= now {
		return [6]byte{}, false
	}
	return e.mac, true
}

func (s *Stack) neighborInsert(ip [16]byte, mac [6]byte, now uint64) {
	idx := sort.Search(len(s.cache), func(i int) bool { return !ipLess(s.cache[i].ip, ip) })
	entry := neighborEntry{ip: ip, mac: mac, expires: now + uint64(s.cfg.NeighborExpireMS)}
	if idx < len(s.cache) && s.cache[idx].ip == ip {
		s.cache[idx] = entry
		return
	}
	s.cache = append(s.cache, neighborEntry{})
	copy(s.cache[idx+1:], s.cache[idx:])
	s.cache[idx] = entry
}

func (s *Stack) findWaiter(ip [16]byte) *ndpWaiter {
	for _, w := range s.waiter {
		if w.ip == ip {
			return w
		}
	}
	return nil
}

func solicitedNodeMulticast(target [16]byte) [16]byte {
	var m [16]byte
	m[0], m[1] = 0xff, 0x02
	m[11] = 0x01
	m[12] = 0xff
	m[13], m[14], m[15] = target[13], target[14], target[15]
	return m
}

func multicastMAC(ip [16]byte) [6]byte {
	return [6]byte{0x33, 0x33, ip[12], ip[13], ip[14], ip[15]}
}

func (s *Stack) queueForResolve(nextHop [16]byte, ethFrame []byte, now uint64) error {
	if mac, ok := s.neighborLookup(nextHop, now); ok {
		*(*[6]byte)(ethFrame[0:6]) = mac
		return s.emit(ethFrame)
	}
	w := s.findWaiter(nextHop)
	if w == nil {
		if len(s.waiter) >= ndpMaxWaiters {
			return errWaitlistFull
		}
		w = &ndpWaiter{ip: nextHop}
		s.waiter = append(s.waiter, w)
	}
	w.pendingFrame = append(w.pendingFrame, ethFrame)
	if w.deadline == 0 {
		s.sendNeighborSolicitation(nextHop)
		w.deadline = now + ndpRetryIntervalMS
		w.retries = 1
	}
	return nil
}

func (s *Stack) sendNeighborSolicitation(target [16]byte) {
	dgram := s.buildICMPv6(solicitedNodeMulticast(target), icmpv6.TypeNeighborSolicitation, 24+8)
	ifrm, _ := ipv6.NewFrame(dgram)
	nfrm := icmpv6.FrameNeighborSolicitation{Frame: frameFromPayload(ifrm)}
	*nfrm.TargetAddr() = target
	icmpv6.OptSourceLinkLayerAddress(nfrm.Options(), s.cfg.LocalMAC)
	s.finalizeAndSend(ifrm, multicastMAC(solicitedNodeMulticast(target)))
}

func frameFromPayload(ifrm ipv6.Frame) icmpv6.Frame {
	f, _ := icmpv6.NewFrame(ifrm.Payload())
	return f
}

// buildICMPv6 allocates an IPv6 datagram with dst as destination, hop
// limit 255 (required for all NDP messages per RFC 4861), and an
// ICMPv6 payload of icmpLen bytes, leaving the checksum to be filled by
// finalizeAndSend.
func (s *Stack) buildICMPv6(dst [16]byte, typ icmpv6.Type, icmpLen int) []byte {
	dgram := make([]byte, 40+icmpLen)
	ifrm, _ := ipv6.NewFrame(dgram)
	ifrm.SetVersionTrafficAndFlow(6, 0, 0)
	ifrm.SetPayloadLength(uint16(icmpLen))
	ifrm.SetNextHeader(ikevpn.IPProtoIPv6ICMP)
	ifrm.SetHopLimit(255)
	*ifrm.SourceAddr() = s.cfg.LocalIP
	*ifrm.DestinationAddr() = dst
	cfrm, _ := icmpv6.NewFrame(ifrm.Payload())
	cfrm.SetType(typ)
	return dgram
}

func (s *Stack) finalizeAndSend(ifrm ipv6.Frame, dstMAC [6]byte) error {
	cfrm, _ := icmpv6.NewFrame(ifrm.Payload())
	var crc ikevpn.CRC791
	ifrm.CRCWritePseudo(&crc)
	cfrm.SetCRC(0)
	cfrm.CRCWrite(&crc)
	cfrm.SetCRC(ikevpn.NeverZeroChecksum(crc.Sum16()))

	buf := make([]byte, 14+len(ifrm.RawData()))
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = s.cfg.LocalMAC
	*efrm.DestinationHardwareAddr() = dstMAC
	efrm.SetEtherType(ethernet.TypeIPv6)
	copy(buf[14:], ifrm.RawData())
	return s.emit(buf)
}

// HandleFrame dispatches one Ethernet frame: IPv6 payloads are either
// consumed locally (NDP, echo to us) or delivered to OnDatagram.
func (s *Stack) HandleFrame(ethFrame []byte, now uint64) error {
	efrm, err := ethernet.NewFrame(ethFrame)
	if err != nil {
		return err
	}
	if efrm.EtherTypeOrSize() != ethernet.TypeIPv6 {
		return nil
	}
	ifrm, err := ipv6.NewFrame(efrm.Payload())
	if err != nil {
		return err
	}
	var vld ikevpn.Validator
	ifrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.ErrPop()
	}
	if ifrm.NextHeader() == ikevpn.IPProtoIPv6ICMP {
		return s.handleICMPv6(ifrm, *efrm.SourceHardwareAddr(), now)
	}
	if s.OnDatagram != nil {
		s.OnDatagram(ifrm.RawData())
	}
	return nil
}

func (s *Stack) handleICMPv6(ifrm ipv6.Frame, srcMAC [6]byte, now uint64) error {
	cfrm, err := icmpv6.NewFrame(ifrm.Payload())
	if err != nil {
		return err
	}
	switch cfrm.Type() {
	case icmpv6.TypeNeighborSolicitation:
		return s.handleNS(ifrm, srcMAC, now)
	case icmpv6.TypeNeighborAdvertisement:
		return s.handleNA(ifrm, now)
	case icmpv6.TypeRouterSolicitation:
		return s.handleRS(ifrm)
	case icmpv6.TypeEchoRequest:
		echo := icmpv6.FrameEcho{Frame: cfrm}
		return s.sendEcho(*ifrm.SourceAddr(), icmpv6.TypeEchoReply, echo.Identifier(), echo.SequenceNumber(), echo.Data())
	}
	return nil
}

func (s *Stack) handleNS(ifrm ipv6.Frame, srcMAC [6]byte, now uint64) error {
	payload := ifrm.Payload()
	cfrm, _ := icmpv6.NewFrame(payload)
	nfrm := icmpv6.FrameNeighborSolicitation{Frame: cfrm}
	target := *nfrm.TargetAddr()
	isOurs := target == s.cfg.LocalIP
	isProxied := s.cfg.ProxyNdp && s.isLocal(target) && target != s.cfg.ProxyNdpExceptIP
	if !isOurs && !isProxied {
		return nil
	}
	adv := s.buildICMPv6(*ifrm.SourceAddr(), icmpv6.TypeNeighborAdvertisement, 24+8)
	advfrm, _ := ipv6.NewFrame(adv)
	nafrm := icmpv6.FrameNeighborAdvertisement{Frame: frameFromPayload(advfrm)}
	nafrm.SetFlags(false, true, true)
	*nafrm.TargetAddr() = target
	icmpv6.OptTargetLinkLayerAddress(nafrm.Options(), s.cfg.LocalMAC)
	return s.finalizeAndSend(advfrm, srcMAC)
}

func (s *Stack) handleNA(ifrm ipv6.Frame, now uint64) error {
	cfrm, _ := icmpv6.NewFrame(ifrm.Payload())
	nafrm := icmpv6.FrameNeighborAdvertisement{Frame: cfrm}
	target := *nafrm.TargetAddr()
	opts := nafrm.Options()
	if len(opts) < 8 || opts[0] != 2 {
		return nil
	}
	var mac [6]byte
	copy(mac[:], opts[2:8])
	s.neighborInsert(target, mac, now)
	if w := s.findWaiter(target); w != nil {
		for _, frame := range w.pendingFrame {
			*(*[6]byte)(frame[0:6]) = mac
			if err := s.emit(frame); err != nil && s.log != nil {
				internal.LogAttrs(s.log, slog.LevelWarn, "ipv6stack:ndp-drain-send", slog.String("err", err.Error()))
			}
		}
		s.removeWaiter(target)
	}
	return nil
}

func (s *Stack) handleRS(ifrm ipv6.Frame) error {
	if !s.cfg.RaEnable {
		return nil
	}
	return s.sendRA(*ifrm.SourceAddr())
}

// sendRA builds and transmits a Router Advertisement to dst (a specific
// requester, or the all-nodes multicast address for periodic RAs).
func (s *Stack) sendRA(dst [16]byte) error {
	optsLen := 8 + 32 // Source Link-Layer Address + Prefix Information
	if s.cfg.RaMTU != 0 {
		optsLen += 8
	}
	if s.cfg.RaDNS != ([16]byte{}) {
		optsLen += 24
	}
	dgram := s.buildICMPv6(dst, icmpv6.TypeRouterAdvertisement, 16+optsLen)
	ifrm, _ := ipv6.NewFrame(dgram)
	rafrm := icmpv6.FrameRouterAdvertisement{Frame: frameFromPayload(ifrm)}
	rafrm.SetCurHopLimit(64)
	rafrm.SetManagedFlags(false, false)
	rafrm.SetRouterLifetime(uint16(s.cfg.RaLifetimeSeconds))
	rafrm.SetReachableTime(0)
	rafrm.SetRetransTimer(0)
	opts := rafrm.Options()
	n := icmpv6.OptSourceLinkLayerAddress(opts, s.cfg.LocalMAC)
	n += icmpv6.OptPrefixInformation(opts[n:], s.cfg.RaPrefixLen, true, true, s.cfg.RaLifetimeSeconds, s.cfg.RaLifetimeSeconds, s.cfg.RaPrefix)
	if s.cfg.RaMTU != 0 {
		n += icmpv6.OptMTU(opts[n:], uint32(s.cfg.RaMTU))
	}
	if s.cfg.RaDNS != ([16]byte{}) {
		n += icmpv6.OptRecursiveDNSServer(opts[n:], s.cfg.RaLifetimeSeconds, s.cfg.RaDNS)
	}

	dstMAC := ethernet.BroadcastAddr()
	if dst != allNodesMulticast {
		dstMAC = multicastMAC(dst)
	}
	return s.finalizeAndSend(ifrm, dstMAC)
}

var allNodesMulticast = [16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}

func (s *Stack) sendEcho(dst [16]byte, typ icmpv6.Type, id, seq uint16, data []byte) error {
	dgram := s.buildICMPv6(dst, typ, 8+len(data))
	ifrm, _ := ipv6.NewFrame(dgram)
	echo := icmpv6.FrameEcho{Frame: frameFromPayload(ifrm)}
	echo.SetIdentifier(id)
	echo.SetSequenceNumber(seq)
	copy(echo.Data(), data)
	return s.finalizeAndSend(ifrm, ethernet.BroadcastAddr())
}

func (s *Stack) removeWaiter(ip [16]byte) {
	for i, w := range s.waiter {
		if w.ip == ip {
			s.waiter = append(s.waiter[:i], s.waiter[i+1:]...)
			return
		}
	}
}

// SendUDP builds and transmits a UDP datagram to dst:dstPort from
// srcPort over IPv6.
func (s *Stack) SendUDP(dst [16]byte, srcPort, dstPort uint16, payload []byte, now uint64) error {
	buf := make([]byte, 8+len(payload))
	ufrm, _ := udp.NewFrame(buf)
	ufrm.SetSourcePort(srcPort)
	ufrm.SetDestinationPort(dstPort)
	ufrm.SetLength(uint16(len(buf)))
	copy(buf[8:], payload)
	return s.SendIPv6(dst, ikevpn.IPProtoUDP, 64, buf, now)
}

// SendIPv6 builds an IPv6 header around payload and transmits it.
// Outbound fragmentation is not implemented (mirroring the package's
// extension-header simplification): payload plus the 40-byte header
// must already fit this link's MTU.
func (s *Stack) SendIPv6(dst [16]byte, proto ikevpn.IPProto, hopLimit uint8, payload []byte, now uint64) error {
	const headerLen = 40
	dgram := make([]byte, headerLen+len(payload))
	ifrm, _ := ipv6.NewFrame(dgram)
	ifrm.SetVersionTrafficAndFlow(6, 0, 0)
	ifrm.SetPayloadLength(uint16(len(payload)))
	ifrm.SetNextHeader(proto)
	ifrm.SetHopLimit(hopLimit)
	*ifrm.SourceAddr() = s.cfg.LocalIP
	*ifrm.DestinationAddr() = dst
	copy(dgram[headerLen:], payload)
	if proto == ikevpn.IPProtoUDP {
		if ufrm, err := udp.NewFrame(dgram[headerLen:]); err == nil && ufrm.CRC() == 0 {
			var crc ikevpn.CRC791
			ifrm.CRCWritePseudo(&crc)
			crc.AddUint16(ufrm.Length())
			ufrm.SetCRC(ikevpn.NeverZeroChecksum(crc.PayloadSum16(ufrm.RawData())))
		}
	}
	return s.SendRawIPv6(dgram, now)
}

// SendRawIPv6 transmits a fully-built IPv6 datagram, used by the virtual
// router to re-emit a decrypted ESP inner datagram or a guest datagram
// forwarded without crypto.
func (s *Stack) SendRawIPv6(dgram []byte, now uint64) error {
	ifrm, err := ipv6.NewFrame(dgram)
	if err != nil {
		return err
	}
	mtu := s.cfg.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	if len(dgram) > mtu {
		return errors.New("ipv6stack: datagram exceeds link MTU, fragmentation not supported")
	}
	dst := *ifrm.DestinationAddr()
	hop := s.nextHop(dst)
	if hop == ([16]byte{}) {
		return errNoRoute
	}
	buf := make([]byte, 14+len(dgram))
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = s.cfg.LocalMAC
	efrm.SetEtherType(ethernet.TypeIPv6)
	copy(buf[14:], dgram)
	if isMulticastAddr(hop) {
		*efrm.DestinationHardwareAddr() = multicastMAC(hop)
		return s.emit(buf)
	}
	return s.queueForResolve(hop, buf, now)
}

func isMulticastAddr(ip [16]byte) bool { return ip[0] == 0xff }

// Process runs this link's periodic maintenance: NDP wait-list retries
// and neighbor-cache expiry, mirroring ipv4stack.Stack.Process.
func (s *Stack) Process(now uint64) bool {
	changed := false
	kept := s.waiter[:0]
	for _, w := range s.waiter {
		if now < w.deadline {
			kept = append(kept, w)
			continue
		}
		if w.retries >= ndpMaxRetries {
			changed = true
			continue
		}
		s.sendNeighborSolicitation(w.ip)
		w.retries++
		w.deadline = now + ndpRetryIntervalMS
		kept = append(kept, w)
		changed = true
	}
	s.waiter = kept

	keptCache := s.cache[:0]
	for _, e := range s.cache {
		if e.expires > now {
			keptCache = append(keptCache, e)
		} else {
			changed = true
		}
	}
	s.cache = keptCache
	return changed
}
