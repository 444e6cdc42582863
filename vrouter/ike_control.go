package vrouter

import (
	"log/slog"

	"github.com/vkernel/ikevpn"
	"github.com/vkernel/ikevpn/ike"
	"github.com/vkernel/ikevpn/ipsec"
	"github.com/vkernel/ikevpn/ipv4"
	"github.com/vkernel/ikevpn/ipv4/icmpv4"
)

const ikeBufSize = 4096

// tickIKE drives the IKE control plane forward by one engine tick:
// (re)connecting when idle, starting Quick Mode once Phase-1 has settled
// past the configured blank span, installing the IPsec SA pair the
// instant Phase-2 completes, and tearing down on timeout or expiry so
// the next tick reconnects. It mirrors the connect/idle/rekey trigger
// shape of ike.SA's own timeout methods.
func (r *Router) tickIKE(now uint64) bool {
	if r.conn == nil {
		if now < r.reconnectDeadline {
			return false
		}
		sa, err := ike.NewInitiator(&r.cfg.IPsec, r.creds, now)
		if err != nil {
			r.logf(slog.LevelError, "vrouter: ike init failed", slog.String("err", err.Error()))
			r.reconnectDeadline = now + uint64(r.cfg.IPsec.ConnectTimeout)*1000
			return false
		}
		r.conn = &ikeConn{sa: sa}
		r.flushIKE(now)
		return true
	}

	sa := r.conn.sa
	switch {
	case sa.ConnectTimedOut(now), sa.IdleTimedOut(now):
		r.teardownIKE(now, "timeout")
		return true
	case sa.Phase1Expired(now), sa.Phase2Expired(now):
		r.teardownIKE(now, "rekey")
		return true
	}

	changed := false
	if sa.State() == ike.StatePhase1Established && r.conn.quickStartTick == 0 {
		r.conn.quickStartTick = now + uint64(r.cfg.IPsec.WaitPhase2Blank)
		changed = true
	}
	if r.conn.quickStartTick != 0 && now >= r.conn.quickStartTick && sa.State() == ike.StatePhase1Established {
		var buf [ikeBufSize]byte
		n, err := sa.StartQuickMode(now, buf[:])
		if err != nil {
			r.logf(slog.LevelError, "vrouter: quick mode start failed", slog.String("err", err.Error()))
		} else if n > 0 {
			r.sendIKE(buf[:n], now)
		}
		changed = true
	}
	if sa.State() == ike.StatePhase2Established && !r.conn.installedPhase2 {
		r.installPhase2(now)
		changed = true
	}
	return changed
}

// demuxIKE feeds one inbound UDP/500 datagram to the current IKE SA and
// flushes whatever reply it stages.
func (r *Router) demuxIKE(msg []byte, now uint64) {
	sa := r.conn.sa
	if err := sa.Demux(now, msg); err != nil {
		r.logf(slog.LevelInfo, "vrouter: ike demux dropped", slog.String("err", err.Error()))
		return
	}
	r.flushIKE(now)
	if sa.State() == ike.StatePhase2Established && !r.conn.installedPhase2 {
		r.installPhase2(now)
	}
}

// flushIKE sends any message ike.SA.Encapsulate has staged (a reply
// built by the last Demux call, or the first Phase-1 message).
func (r *Router) flushIKE(now uint64) {
	var buf [ikeBufSize]byte
	n, err := r.conn.sa.Encapsulate(now, buf[:])
	if err != nil {
		r.logf(slog.LevelError, "vrouter: ike encapsulate failed", slog.String("err", err.Error()))
		return
	}
	if n == 0 {
		return
	}
	r.sendIKE(buf[:n], now)
}

func (r *Router) sendIKE(msg []byte, now uint64) {
	if err := r.hostV4.SendUDP(r.cfg.IPsec.GatewayAddress, ikePort, ikePort, msg, now); err != nil {
		r.logf(slog.LevelError, "vrouter: ike send failed", slog.String("err", err.Error()))
	}
}

// installPhase2 installs the outgoing and incoming ESP SAs a completed
// Quick Mode negotiation produced, exactly once per negotiation.
func (r *Router) installPhase2(now uint64) {
	sa := r.conn.sa
	out := ipsec.NewOutgoing(sa, r.cfg.IPsec.GatewayAddress, now)
	in := ipsec.NewIncoming(sa, r.cfg.IPsec.GatewayAddress, now)
	r.ipsecTable.Install(out)
	r.ipsecTable.Install(in)
	r.conn.installedPhase2 = true
}

// teardownIKE sends a best-effort Delete for the current child SA (if
// Phase-2 ever completed) and drops the IKE SA so the next tickIKE
// starts a fresh negotiation after a short backoff.
func (r *Router) teardownIKE(now uint64, reason string) {
	sa := r.conn.sa
	if sa.State() == ike.StatePhase2Established {
		var buf [512]byte
		spi := sa.SPIOut
		if n, err := sa.BuildDelete(now, buf[:], ike.ProtoIPsecESP, [][]byte{spi[:]}); err == nil && n > 0 {
			r.sendIKE(buf[:n], now)
		}
	}
	r.logf(slog.LevelInfo, "vrouter: ike teardown", slog.String("reason", reason))
	r.conn = nil
	r.reconnectDeadline = now + 1000
}

// Stop tears down any live IKE/IPsec state, best-effort, for an orderly
// client_stop. The caller is responsible for flushing the resulting
// Delete message via the host NIC before discarding the Router.
func (r *Router) Stop(now uint64) {
	if r.conn != nil {
		r.teardownIKE(now, "stop")
	}
}

// tickKeepalive emits a periodic ICMP Echo into the tunnel to a
// configured target, keeping NAT/firewall state on the path warm, per
// spec.md §4.9.
func (r *Router) tickKeepalive(now uint64) bool {
	interval := uint64(r.cfg.IPsec.PingInterval) * 1000
	if interval == 0 || r.cfg.IPsec.PingTarget == ([4]byte{}) {
		return false
	}
	if r.conn == nil || r.conn.sa.State() != ike.StatePhase2Established {
		return false
	}
	if now-r.lastPing < interval {
		return false
	}
	r.lastPing = now
	r.pingSeq++

	size := r.cfg.IPsec.PingMsgSize
	if size <= 0 {
		size = 32
	}
	payload := make([]byte, 8+size)
	cfrm, _ := icmpv4.NewFrame(payload)
	cfrm.SetType(icmpv4.TypeEcho)
	cfrm.SetCode(0)
	echo := icmpv4.FrameEcho{Frame: cfrm}
	echo.SetIdentifier(1)
	echo.SetSequenceNumber(r.pingSeq)
	var crc ikevpn.CRC791
	cfrm.CRCWrite(&crc)
	cfrm.SetCRC(crc.Sum16())

	const headerLen = 20
	dgram := make([]byte, headerLen+len(payload))
	ifrm, _ := ipv4.NewFrame(dgram)
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(dgram)))
	ifrm.SetTTL(64)
	ifrm.SetProtocol(ikevpn.IPProtoICMP)
	*ifrm.SourceAddr() = r.cfg.V4.GuestIP
	*ifrm.DestinationAddr() = r.cfg.IPsec.PingTarget
	copy(dgram[headerLen:], payload)
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	r.egressIPsec(dgram, 4)
	return true
}
