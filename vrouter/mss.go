package vrouter

import (
	"encoding/binary"

	"github.com/vkernel/ikevpn"
	"github.com/vkernel/ikevpn/ipv4"
	"github.com/vkernel/ikevpn/tcp"
	"github.com/vkernel/ikevpn/udp"
)

var optCodec tcp.OptionCodec

// clampTCPMSSv4 rewrites a TCP SYN or SYN-ACK's MSS option down to maxMSS
// in place, if the segment advertises a larger value, per spec.md §4.9's
// "adjusts outbound TCPv4 SYN/SYN-ACK MSS to avoid fragmentation across
// the tunnel". The TCP checksum is recomputed to match; the IP header is
// not modified.
func clampTCPMSSv4(ifrm ipv4.Frame, maxMSS uint16) {
	if maxMSS == 0 || ifrm.Protocol() != ikevpn.IPProtoTCP {
		return
	}
	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		return
	}
	_, flags := tfrm.OffsetAndFlags()
	if !flags.HasAny(tcp.FlagSYN) {
		return
	}
	hl := tfrm.HeaderLength()
	if hl <= 20 || hl > len(tfrm.RawData()) {
		return
	}
	opts := tfrm.RawData()[20:hl]
	clamped := false
	optCodec.ForEachOption(opts, func(kind tcp.OptionKind, data []byte) error {
		if kind == tcp.OptMaxSegmentSize && len(data) == 2 {
			cur := binary.BigEndian.Uint16(data)
			if cur > maxMSS {
				binary.BigEndian.PutUint16(data, maxMSS)
				clamped = true
			}
		}
		return nil
	})
	if !clamped {
		return
	}
	fixTCPChecksum(ifrm, tfrm)
}

// fixTCPChecksum recomputes a TCP segment's checksum over ifrm's current
// pseudo-header and tfrm's current bytes, the same pattern ipv4stack.
// SendIPv4 uses for UDP.
func fixTCPChecksum(ifrm ipv4.Frame, tfrm tcp.Frame) {
	tfrm.SetCRC(0)
	var crc ikevpn.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	crc.AddUint16(uint16(len(tfrm.RawData())))
	tfrm.SetCRC(ikevpn.NeverZeroChecksum(crc.PayloadSum16(tfrm.RawData())))
}

// fixTransportChecksum recomputes whichever transport checksum ifrm's
// payload carries, after its IP addresses have been rewritten by a NAT
// forward in L3Transparent mode. ICMP's checksum does not cover the IP
// addresses and needs no fixup.
func fixTransportChecksum(ifrm ipv4.Frame) {
	switch ifrm.Protocol() {
	case ikevpn.IPProtoUDP:
		fixUDPChecksum(ifrm)
	case ikevpn.IPProtoTCP:
		if tfrm, err := tcp.NewFrame(ifrm.Payload()); err == nil {
			fixTCPChecksum(ifrm, tfrm)
		}
	}
}

// fixUDPChecksum recomputes a UDP datagram's checksum after the IP
// addresses surrounding it have been rewritten (NAT rewrite in
// L3Transparent mode).
func fixUDPChecksum(ifrm ipv4.Frame) {
	ufrm, err := udp.NewFrame(ifrm.Payload())
	if err != nil {
		return
	}
	ufrm.SetCRC(0)
	var crc ikevpn.CRC791
	ifrm.CRCWriteUDPPseudo(&crc)
	crc.AddUint16(ufrm.Length())
	ufrm.SetCRC(ikevpn.NeverZeroChecksum(crc.PayloadSum16(ufrm.RawData())))
}
