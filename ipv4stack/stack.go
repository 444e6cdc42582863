// Package ipv4stack implements the virtual router's IPv4-side plumbing:
// ARP resolution with a sorted cache and retry wait-list, on-demand
// fragmentation, reassembly, ICMP echo, UDP send, and DHCPv4 server
// wiring. It is grounded on internet/stack-ip.go's isLocal/ARP-query
// shape and arp/frame.go's wire-level ARP accessors, generalized to the
// proxy-ARP and fragmentation/reassembly behavior a link of the virtual
// router requires that StackIP does not implement.
package ipv4stack

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sort"

	"github.com/vkernel/ikevpn"
	"github.com/vkernel/ikevpn/arp"
	"github.com/vkernel/ikevpn/dhcpv4"
	"github.com/vkernel/ikevpn/ethernet"
	"github.com/vkernel/ikevpn/internal"
	"github.com/vkernel/ikevpn/ipv4"
	"github.com/vkernel/ikevpn/ipv4/icmpv4"
	"github.com/vkernel/ikevpn/udp"
)

const (
	defaultArpExpireMS = 60_000
	arpRetryIntervalMS = 1_000
	arpMaxRetries      = 5
	arpMaxWaiters      = 32
)

var (
	errNoRoute      = errors.New("ipv4stack: no route to host")
	errWaitlistFull = errors.New("ipv4stack: ARP wait-list full")
)

// Config carries the per-link parameters a Stack needs, translated from
// config.V4 by the caller (engine/vrouter).
type Config struct {
	LocalIP           [4]byte
	LocalMAC          [6]byte
	SubnetMask        [4]byte
	DefaultGatewayIP  [4]byte // zero if this link has no default route
	MTU               int
	ArpExpireMS       uint32
	ArpDontUpdateExp  bool
	ProxyArp          bool
	ProxyArpExceptIP  [4]byte
}

type arpEntry struct {
	ip      [4]byte
	mac     [6]byte
	expires uint64
}

type arpWaiter struct {
	ip           [4]byte
	deadline     uint64 // next retry time
	retries      uint8
	pendingFrame [][]byte // full ethernet frames with dst MAC still zeroed
}

// Stack dispatches Ethernet-framed ARP and IPv4 traffic for one NIC link.
type Stack struct {
	cfg Config

	cache  []arpEntry // sorted by ip, ascending
	waiter []*arpWaiter

	reasm *reassembler

	idSeed uint16

	dhcp *dhcpv4.Server

	// OnDatagram is invoked for every reassembled IPv4 datagram that is
	// not consumed locally (not DHCP, not an ICMP echo request to
	// LocalIP). The virtual router uses this to route guest traffic into
	// the IPsec engine or vice versa.
	OnDatagram func(dgram []byte)

	emit func(ethFrame []byte) error
	log  *slog.Logger
}

// New builds a Stack for one NIC link. emit sends a fully-formed Ethernet
// frame out that link (typically nic.Adapter.Send).
func New(cfg Config, emit func(ethFrame []byte) error, log *slog.Logger) *Stack {
	if cfg.ArpExpireMS == 0 {
		cfg.ArpExpireMS = defaultArpExpireMS
	}
	return &Stack{
		cfg:   cfg,
		reasm: newReassembler(),
		emit:  emit,
		log:   log,
	}
}

// EnableDHCP wires a configured *dhcpv4.Server into this stack so that
// DHCP requests addressed to it are served without reaching OnDatagram.
func (s *Stack) EnableDHCP(sv *dhcpv4.Server) { s.dhcp = sv }

func ipLess(a, b [4]byte) bool {
	return binary.BigEndian.Uint32(a[:]) < binary.BigEndian.Uint32(b[:])
}

func (s *Stack) isLocal(ip [4]byte) bool {
	mask := binary.BigEndian.Uint32(s.cfg.SubnetMask[:])
	return (binary.BigEndian.Uint32(s.cfg.LocalIP[:])^binary.BigEndian.Uint32(ip[:]))&mask == 0
}

func (s *Stack) nextHop(dst [4]byte) [4]byte {
	if s.isLocal(dst) || internal.IsZeroed(s.cfg.DefaultGatewayIP[:]...) {
		return dst
	}
	return s.cfg.DefaultGatewayIP
}

// arpLookup finds a live cache entry via binary search over the
// IP-sorted slice.
func (s *Stack) arpLookup(ip [4]byte, now uint64) ([6]byte, bool) {
	idx := sort.Search(len(s.cache), func(i int) bool { return !ipLess(s.cache[i].ip, ip) })
	if idx >= len(s.cache) || s.cache[idx].ip != ip {
		return [6]byte{}, false
	}
	e := &s.cache[idx]
	if e.expires <= now {
		return [6]byte{}, false
	}
	if !s.cfg.ArpDontUpdateExp {
		e.expires = now + uint64(s.cfg.ArpExpireMS)
	}
	return e.mac, true
}

func (s *Stack) arpInsert(ip [4]byte, mac [6]byte, now uint64) {
	idx := sort.Search(len(s.cache), func(i int) bool { return !ipLess(s.cache[i].ip, ip) })
	entry := arpEntry{ip: ip, mac: mac, expires: now + uint64(s.cfg.ArpExpireMS)}
	if idx < len(s.cache) && s.cache[idx].ip == ip {
		s.cache[idx] = entry
		return
	}
	s.cache = append(s.cache, arpEntry{})
	copy(s.cache[idx+1:], s.cache[idx:])
	s.cache[idx] = entry
}

func (s *Stack) findWaiter(ip [4]byte) *arpWaiter {
	for _, w := range s.waiter {
		if w.ip == ip {
			return w
		}
	}
	return nil
}

// queueForResolve either sends ethFrame immediately (cache hit) or parks
// it on that IP's wait-list entry, creating one (and firing the first
// ARP request) if none exists yet.
func (s *Stack) queueForResolve(nextHop [4]byte, ethFrame []byte, now uint64) error {
	if mac, ok := s.arpLookup(nextHop, now); ok {
		*(*[6]byte)(ethFrame[0:6]) = mac
		return s.emit(ethFrame)
	}
	w := s.findWaiter(nextHop)
	if w == nil {
		if len(s.waiter) >= arpMaxWaiters {
			return errWaitlistFull
		}
		w = &arpWaiter{ip: nextHop}
		s.waiter = append(s.waiter, w)
	}
	w.pendingFrame = append(w.pendingFrame, ethFrame)
	if w.deadline == 0 {
		s.sendARPRequest(nextHop)
		w.deadline = now + arpRetryIntervalMS
		w.retries = 1
	}
	return nil
}

func (s *Stack) sendARPRequest(target [4]byte) {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = s.cfg.LocalMAC
	efrm.SetEtherType(ethernet.TypeARP)
	afrm, _ := arp.NewFrame(buf[14:])
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	senderHW, senderIP := afrm.Sender4()
	*senderHW = s.cfg.LocalMAC
	*senderIP = s.cfg.LocalIP
	_, targetIP := afrm.Target4()
	*targetIP = target
	if err := s.emit(buf); err != nil && s.log != nil {
		internal.LogAttrs(s.log, slog.LevelWarn, "ipv4stack:arp-request-send", slog.String("err", err.Error()))
	}
}

// replyARP answers a request for targetIP with our MAC, used both for
// genuine ownership (targetIP == LocalIP) and proxy-ARP (any other IP in
// the subnet except ProxyArpExceptIP) per spec.md's proxy-ARP behavior.
func (s *Stack) replyARP(reqFrame []byte, senderHW [6]byte, senderIP, targetIP [4]byte) error {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = senderHW
	*efrm.SourceHardwareAddr() = s.cfg.LocalMAC
	efrm.SetEtherType(ethernet.TypeARP)
	afrm, _ := arp.NewFrame(buf[14:])
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpReply)
	replyHW, replyIP := afrm.Sender4()
	*replyHW = s.cfg.LocalMAC
	*replyIP = targetIP
	dstHW, dstIP := afrm.Target4()
	*dstHW = senderHW
	*dstIP = senderIP
	return s.emit(buf)
}

// HandleFrame dispatches one Ethernet frame received on this link: ARP
// requests/replies update the cache, drain the wait-list, or (when
// ProxyArp is set) get answered on behalf of the rest of the subnet;
// IPv4 payloads are reassembled and, once complete, either consumed
// locally (DHCP, ICMP echo to us) or handed to OnDatagram.
func (s *Stack) HandleFrame(ethFrame []byte, now uint64) error {
	efrm, err := ethernet.NewFrame(ethFrame)
	if err != nil {
		return err
	}
	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		return s.handleARP(efrm, now)
	case ethernet.TypeIPv4:
		return s.handleIPv4(efrm.Payload(), now)
	default:
		return nil
	}
}

func (s *Stack) handleARP(efrm ethernet.Frame, now uint64) error {
	afrm, err := arp.NewFrame(efrm.Payload())
	if err != nil {
		return err
	}
	var vld ikevpn.Validator
	afrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.ErrPop()
	}
	senderHW, senderIP4 := afrm.Sender4()
	_, targetIP4 := afrm.Target4()
	switch afrm.Operation() {
	case arp.OpRequest:
		if *targetIP4 == s.cfg.LocalIP {
			return s.replyARP(efrm.RawData(), *senderHW, *senderIP4, *targetIP4)
		}
		if s.cfg.ProxyArp && s.isLocal(*targetIP4) && *targetIP4 != s.cfg.ProxyArpExceptIP {
			return s.replyARP(efrm.RawData(), *senderHW, *senderIP4, *targetIP4)
		}
	case arp.OpReply:
		s.arpInsert(*senderIP4, *senderHW, now)
		if w := s.findWaiter(*senderIP4); w != nil {
			for _, frame := range w.pendingFrame {
				*(*[6]byte)(frame[0:6]) = *senderHW
				if err := s.emit(frame); err != nil && s.log != nil {
					internal.LogAttrs(s.log, slog.LevelWarn, "ipv4stack:arp-drain-send", slog.String("err", err.Error()))
				}
			}
			s.removeWaiter(*senderIP4)
		}
	}
	return nil
}

func (s *Stack) removeWaiter(ip [4]byte) {
	for i, w := range s.waiter {
		if w.ip == ip {
			s.waiter = append(s.waiter[:i], s.waiter[i+1:]...)
			return
		}
	}
}

func (s *Stack) handleIPv4(frame []byte, now uint64) error {
	ifrm, err := ipv4.NewFrame(frame)
	if err != nil {
		return err
	}
	var vld ikevpn.Validator
	ifrm.ValidateExceptCRC(&vld)
	if vld.HasError() {
		return vld.ErrPop()
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		return errors.New("ipv4stack: IP header CRC mismatch")
	}
	dgram, complete := s.reasm.insert(ifrm, now)
	if !complete {
		return nil
	}
	ifrm, err = ipv4.NewFrame(dgram)
	if err != nil {
		return err
	}
	return s.deliver(ifrm, now)
}

func (s *Stack) deliver(ifrm ipv4.Frame, now uint64) error {
	dst := *ifrm.DestinationAddr()
	local := dst == s.cfg.LocalIP || dst == broadcastIP
	proto := ifrm.Protocol()
	switch {
	case proto == ikevpn.IPProtoICMP && local:
		return s.handleICMP(ifrm, now)
	case proto == ikevpn.IPProtoUDP && local && s.dhcp != nil:
		ufrm, err := udp.NewFrame(ifrm.Payload())
		if err != nil {
			return err
		}
		if ufrm.DestinationPort() == s.dhcp.Port() {
			const udpHeaderLen = 8
			if err := s.dhcp.Demux(ifrm.RawData(), ifrm.HeaderLength()+udpHeaderLen); err != nil {
				return err
			}
			return s.flushDHCP(now)
		}
	}
	if s.OnDatagram != nil {
		s.OnDatagram(ifrm.RawData())
	}
	return nil
}

var broadcastIP = [4]byte{255, 255, 255, 255}

const (
	dhcpIPOffset  = 0
	dhcpUDPOffset = 20
	dhcpOffset    = 28
	dhcpBufSize   = 1024
	maxDHCPFlush  = 8
)

// flushDHCP drains whatever lease replies s.dhcp.Demux queued (an OFFER
// after a Discover, an ACK after a Request), broadcasting each as a full
// IPv4/UDP datagram on this link. A client this early in the handshake
// has no address of its own to ARP-resolve a unicast reply against, so
// these go out at the Ethernet and IP broadcast address, matching
// RFC 2131 §4.1's server broadcast behavior for an unconfigured client.
func (s *Stack) flushDHCP(now uint64) error {
	if s.dhcp == nil {
		return nil
	}
	for i := 0; i < maxDHCPFlush; i++ {
		buf := make([]byte, dhcpBufSize)
		buf[dhcpIPOffset] = 0x45 // version 4, IHL 5: dhcpv4.Server.Encapsulate requires this set before it rewrites src/dst.
		n, err := s.dhcp.Encapsulate(buf, dhcpIPOffset, dhcpOffset)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := s.sendDHCPDatagram(buf[:dhcpOffset+n], now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stack) sendDHCPDatagram(dgram []byte, now uint64) error {
	ifrm, err := ipv4.NewFrame(dgram)
	if err != nil {
		return err
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetToS(0)
	ifrm.SetTotalLength(uint16(len(dgram)))
	s.idSeed = internal.Prand16(s.idSeed + 1)
	ifrm.SetID(s.idSeed)
	ifrm.SetFlags(0)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(ikevpn.IPProtoUDP)
	*ifrm.SourceAddr() = s.cfg.LocalIP
	*ifrm.DestinationAddr() = broadcastIP

	ufrm, err := udp.NewFrame(dgram[dhcpUDPOffset:])
	if err != nil {
		return err
	}
	ufrm.SetSourcePort(s.dhcp.Port())
	ufrm.SetDestinationPort(dhcpv4.DefaultClientPort)
	ufrm.SetLength(uint16(len(dgram) - dhcpUDPOffset))
	ufrm.SetCRC(0)
	var crc ikevpn.CRC791
	ifrm.CRCWriteUDPPseudo(&crc)
	crc.AddUint16(ufrm.Length())
	ufrm.SetCRC(ikevpn.NeverZeroChecksum(crc.PayloadSum16(ufrm.RawData())))

	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	buf := make([]byte, 14+len(dgram))
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = s.cfg.LocalMAC
	efrm.SetEtherType(ethernet.TypeIPv4)
	copy(buf[14:], dgram)
	return s.emit(buf)
}

func (s *Stack) handleICMP(ifrm ipv4.Frame, now uint64) error {
	cfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return err
	}
	var crc ikevpn.CRC791
	cfrm.CRCWrite(&crc)
	if crc.Sum16() != cfrm.CRC() {
		return errors.New("ipv4stack: ICMP checksum mismatch")
	}
	if cfrm.Type() != icmpv4.TypeEcho {
		return nil
	}
	echo := icmpv4.FrameEcho{Frame: cfrm}
	return s.SendICMPEchoReply(*ifrm.SourceAddr(), echo.Identifier(), echo.SequenceNumber(), echo.Data(), now)
}

// SendICMPEchoReply builds and transmits an ICMP echo reply to dst.
func (s *Stack) SendICMPEchoReply(dst [4]byte, id, seq uint16, data []byte, now uint64) error {
	return s.sendICMPEcho(dst, icmpv4.TypeEchoReply, id, seq, data, now)
}

// SendICMPEchoRequest builds and transmits an ICMP echo request to dst,
// used for the virtual router's tunnel keepalive.
func (s *Stack) SendICMPEchoRequest(dst [4]byte, id, seq uint16, data []byte, now uint64) error {
	return s.sendICMPEcho(dst, icmpv4.TypeEcho, id, seq, data, now)
}

func (s *Stack) sendICMPEcho(dst [4]byte, typ icmpv4.Type, id, seq uint16, data []byte, now uint64) error {
	payload := make([]byte, 8+len(data))
	cfrm, _ := icmpv4.NewFrame(payload)
	cfrm.SetType(typ)
	cfrm.SetCode(0)
	echo := icmpv4.FrameEcho{Frame: cfrm}
	echo.SetIdentifier(id)
	echo.SetSequenceNumber(seq)
	copy(echo.Data(), data)
	var crc ikevpn.CRC791
	cfrm.CRCWrite(&crc)
	cfrm.SetCRC(crc.Sum16())
	return s.SendIPv4(dst, ikevpn.IPProtoICMP, 64, payload, now)
}

// SendUDP builds and transmits a UDP datagram to dst:dstPort from
// srcPort, fragmenting on send if the resulting datagram exceeds MTU.
func (s *Stack) SendUDP(dst [4]byte, srcPort, dstPort uint16, payload []byte, now uint64) error {
	buf := make([]byte, 8+len(payload))
	ufrm, _ := udp.NewFrame(buf)
	ufrm.SetSourcePort(srcPort)
	ufrm.SetDestinationPort(dstPort)
	ufrm.SetLength(uint16(len(buf)))
	copy(buf[8:], payload)
	if err := s.SendIPv4(dst, ikevpn.IPProtoUDP, 64, buf, now); err != nil {
		return err
	}
	return nil
}

// SendIPv4 builds an IPv4 header around payload and transmits it,
// fragmenting across multiple datagrams if it exceeds this link's MTU.
// UDP/TCP checksums in payload, if any, must already be final: SendIPv4
// only computes the IPv4 header checksum and (for UDP) the pseudo-header
// checksum when proto is IPProtoUDP and the checksum field is still zero.
func (s *Stack) SendIPv4(dst [4]byte, proto ikevpn.IPProto, ttl uint8, payload []byte, now uint64) error {
	const headerLen = 20
	total := headerLen + len(payload)
	dgram := make([]byte, total)
	ifrm, _ := ipv4.NewFrame(dgram)
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetToS(0)
	ifrm.SetTotalLength(uint16(total))
	s.idSeed = internal.Prand16(s.idSeed + 1)
	ifrm.SetID(s.idSeed)
	ifrm.SetFlags(0)
	ifrm.SetTTL(ttl)
	ifrm.SetProtocol(proto)
	*ifrm.SourceAddr() = s.cfg.LocalIP
	*ifrm.DestinationAddr() = dst
	copy(dgram[headerLen:], payload)
	if proto == ikevpn.IPProtoUDP {
		if ufrm, err := udp.NewFrame(dgram[headerLen:]); err == nil && ufrm.CRC() == 0 {
			var crc ikevpn.CRC791
			ifrm.CRCWriteUDPPseudo(&crc)
			crc.AddUint16(ufrm.Length())
			ufrm.SetCRC(ikevpn.NeverZeroChecksum(crc.PayloadSum16(ufrm.RawData())))
		}
	}
	return s.SendRawIPv4(dgram, now)
}

// SendRawIPv4 transmits a fully-built IPv4 datagram (header CRC not yet
// required to be set), fragmenting it across this link's MTU. Used by
// the virtual router to re-emit a decrypted ESP inner datagram, or a
// guest datagram forwarded without crypto.
func (s *Stack) SendRawIPv4(dgram []byte, now uint64) error {
	ifrm, err := ipv4.NewFrame(dgram)
	if err != nil {
		return err
	}
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	dst := *ifrm.DestinationAddr()
	hop := s.nextHop(dst)
	if hop == ([4]byte{}) {
		return errNoRoute
	}
	mtu := s.cfg.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	if len(dgram) <= mtu {
		return s.sendEthernet(hop, dgram, now)
	}
	frags := fragment(dgram, mtu)
	for _, f := range frags {
		if err := s.sendEthernet(hop, f, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stack) sendEthernet(hop [4]byte, dgram []byte, now uint64) error {
	buf := make([]byte, 14+len(dgram))
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = s.cfg.LocalMAC
	efrm.SetEtherType(ethernet.TypeIPv4)
	copy(buf[14:], dgram)
	if hop == broadcastIP {
		*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
		return s.emit(buf)
	}
	return s.queueForResolve(hop, buf, now)
}

// fragment splits dgram (header+payload) into MTU-sized fragments
// aligned to an 8-byte fragment-offset unit, per RFC 791 §3.2.
func fragment(dgram []byte, mtu int) [][]byte {
	ifrm, _ := ipv4.NewFrame(dgram)
	hl := ifrm.HeaderLength()
	payload := dgram[hl:]
	maxChunk := ((mtu - hl) / 8) * 8
	if maxChunk <= 0 {
		maxChunk = 8
	}
	var out [][]byte
	for off := 0; off < len(payload); off += maxChunk {
		end := off + maxChunk
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		frag := make([]byte, hl+end-off)
		copy(frag, dgram[:hl])
		copy(frag[hl:], payload[off:end])
		ffrm, _ := ipv4.NewFrame(frag)
		ffrm.SetTotalLength(uint16(len(frag)))
		ffrm.SetFlags(ipv4.NewFlags(false, more, uint16(off/8)))
		ffrm.SetCRC(0)
		ffrm.SetCRC(ffrm.CalculateHeaderCRC())
		out = append(out, frag)
	}
	return out
}

// Process runs this link's periodic maintenance: ARP wait-list retries
// (dropping waiters that exhaust arpMaxRetries), ARP cache expiry, and
// reassembly-table expiry. It returns true if anything changed, for the
// engine's fixed-point run_handler loop.
func (s *Stack) Process(now uint64) bool {
	changed := false
	kept := s.waiter[:0]
	for _, w := range s.waiter {
		if now < w.deadline {
			kept = append(kept, w)
			continue
		}
		if w.retries >= arpMaxRetries {
			changed = true
			if s.log != nil {
				internal.LogAttrs(s.log, slog.LevelWarn, "ipv4stack:arp-resolve-timeout",
					slog.String("ip", ipString(w.ip)))
			}
			continue // drop w and its pending frames.
		}
		s.sendARPRequest(w.ip)
		w.retries++
		w.deadline = now + arpRetryIntervalMS
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

	if s.reasm.expire(now) {
		changed = true
	}
	if err := s.flushDHCP(now); err != nil && s.log != nil {
		internal.LogAttrs(s.log, slog.LevelWarn, "ipv4stack:dhcp-flush", slog.String("err", err.Error()))
	}
	return changed
}

func ipString(ip [4]byte) string {
	b := make([]byte, 0, 15)
	for i, o := range ip {
		if i != 0 {
			b = append(b, '.')
		}
		b = appendUint(b, uint(o))
	}
	return string(b)
}

func appendUint(dst []byte, v uint) []byte {
	if v >= 100 {
		dst = append(dst, byte('0'+v/100))
		v %= 100
		dst = append(dst, byte('0'+v/10))
		v %= 10
	} else if v >= 10 {
		dst = append(dst, byte('0'+v/10))
		v %= 10
	}
	return append(dst, byte('0'+v))
}
