// Package icmpv6 mirrors ipv4/icmpv4's Frame-over-[]byte accessor
// pattern, extended with the Neighbor Discovery (RFC 4861) message
// types and options this engine's IPv6 link needs: Router Solicitation/
// Advertisement and Neighbor Solicitation/Advertisement.
package icmpv6

import (
	"encoding/binary"
	"errors"

	"github.com/vkernel/ikevpn"
)

type Type uint8

const (
	TypeDestinationUnreachable Type = 1
	TypePacketTooBig           Type = 2
	TypeTimeExceeded           Type = 3
	TypeParameterProblem       Type = 4
	TypeEchoRequest            Type = 128
	TypeEchoReply              Type = 129
	TypeRouterSolicitation     Type = 133
	TypeRouterAdvertisement    Type = 134
	TypeNeighborSolicitation   Type = 135
	TypeNeighborAdvertisement  Type = 136
)

var errShortFrame = errors.New("icmpv6: short frame")

// Frame is the common 4-byte ICMPv6 header: Type, Code, Checksum.
type Frame struct {
	buf []byte
}

func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < 4 {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

func (f Frame) RawData() []byte  { return f.buf }
func (f Frame) Type() Type       { return Type(f.buf[0]) }
func (f Frame) SetType(t Type)   { f.buf[0] = byte(t) }
func (f Frame) Code() uint8      { return f.buf[1] }
func (f Frame) SetCode(c uint8)  { f.buf[1] = c }
func (f Frame) CRC() uint16      { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetCRC(c uint16)  { binary.BigEndian.PutUint16(f.buf[2:4], c) }
func (f Frame) Payload() []byte  { return f.buf[4:] }

// CRCWrite folds the ICMPv6 message (checksum field treated as zero) into
// crc; the caller must have already added the IPv6 pseudo-header via
// ipv6.Frame.CRCWritePseudo.
func (f Frame) CRCWrite(crc *ikevpn.CRC791) {
	crc.AddUint16(binary.BigEndian.Uint16(f.buf[0:2]))
	crc.Write(f.buf[4:])
}

// FrameEcho is an Echo Request/Reply message, laid out identically to
// ICMPv4's.
type FrameEcho struct{ Frame }

func (f FrameEcho) Identifier() uint16     { return binary.BigEndian.Uint16(f.buf[4:6]) }
func (f FrameEcho) SetIdentifier(id uint16) { binary.BigEndian.PutUint16(f.buf[4:6], id) }
func (f FrameEcho) SequenceNumber() uint16  { return binary.BigEndian.Uint16(f.buf[6:8]) }
func (f FrameEcho) SetSequenceNumber(seq uint16) {
	binary.BigEndian.PutUint16(f.buf[6:8], seq)
}
func (f FrameEcho) Data() []byte { return f.buf[8:] }

// FrameRouterSolicitation is sent by the guest to request a Router
// Advertisement; it carries no fields of its own beyond a reserved word.
type FrameRouterSolicitation struct{ Frame }

// FrameRouterAdvertisement is the Router Advertisement this engine sends
// in reply to RS (or unsolicited, periodically), per RFC 4861 §4.2. Only
// the fixed fields and a single Prefix Information option are modeled;
// other options (MTU, Source Link-Layer Address) are appended manually
// by the caller after the fixed 16-byte header.
type FrameRouterAdvertisement struct{ Frame }

const sizeRAFixed = 16

func (f FrameRouterAdvertisement) SetCurHopLimit(h uint8) { f.buf[4] = h }
func (f FrameRouterAdvertisement) SetManagedFlags(managed, other bool) {
	var v uint8
	if managed {
		v |= 0x80
	}
	if other {
		v |= 0x40
	}
	f.buf[5] = v
}
func (f FrameRouterAdvertisement) SetRouterLifetime(secs uint16) {
	binary.BigEndian.PutUint16(f.buf[6:8], secs)
}
func (f FrameRouterAdvertisement) SetReachableTime(ms uint32) {
	binary.BigEndian.PutUint32(f.buf[8:12], ms)
}
func (f FrameRouterAdvertisement) SetRetransTimer(ms uint32) {
	binary.BigEndian.PutUint32(f.buf[12:16], ms)
}

// Options returns the variable-length options area following the fixed
// RA header.
func (f FrameRouterAdvertisement) Options() []byte { return f.buf[sizeRAFixed:] }

// OptPrefixInformation writes a Prefix Information option (type 3,
// length 4 in 8-byte units, 32 bytes) into dst, returning the bytes written.
func OptPrefixInformation(dst []byte, prefixLen uint8, onLink, autonomous bool, validSecs, preferredSecs uint32, prefix [16]byte) int {
	dst[0] = 3  // type
	dst[1] = 4  // length in 8-byte units
	dst[2] = prefixLen
	var flags uint8
	if onLink {
		flags |= 0x80
	}
	if autonomous {
		flags |= 0x40
	}
	dst[3] = flags
	binary.BigEndian.PutUint32(dst[4:8], validSecs)
	binary.BigEndian.PutUint32(dst[8:12], preferredSecs)
	// dst[12:16] reserved2.
	copy(dst[16:32], prefix[:])
	return 32
}

// OptSourceLinkLayerAddress writes a Source Link-Layer Address option
// (type 1) carrying a 6-byte Ethernet MAC.
func OptSourceLinkLayerAddress(dst []byte, mac [6]byte) int {
	dst[0] = 1 // type
	dst[1] = 1 // length in 8-byte units
	copy(dst[2:8], mac[:])
	return 8
}

// OptTargetLinkLayerAddress writes a Target Link-Layer Address option
// (type 2), used in Neighbor Advertisement.
func OptTargetLinkLayerAddress(dst []byte, mac [6]byte) int {
	dst[0] = 2
	dst[1] = 1
	copy(dst[2:8], mac[:])
	return 8
}

// OptMTU writes an MTU option (type 5, RFC 4861 §4.6.4), advertising the
// link MTU a Router Advertisement recipient should use.
func OptMTU(dst []byte, mtu uint32) int {
	dst[0] = 5
	dst[1] = 1
	// dst[2:4] reserved.
	binary.BigEndian.PutUint32(dst[4:8], mtu)
	return 8
}

// OptRecursiveDNSServer writes a Recursive DNS Server option (type 25,
// RFC 8106) carrying a single resolver address.
func OptRecursiveDNSServer(dst []byte, lifetimeSecs uint32, dns [16]byte) int {
	dst[0] = 25
	dst[1] = 3 // length in 8-byte units: 1 header word + 2 address words
	// dst[2:4] reserved.
	binary.BigEndian.PutUint32(dst[4:8], lifetimeSecs)
	copy(dst[8:24], dns[:])
	return 24
}

// FrameNeighborSolicitation carries the 4-byte reserved field followed
// by the 16-byte target address, per RFC 4861 §4.3.
type FrameNeighborSolicitation struct{ Frame }

func (f FrameNeighborSolicitation) TargetAddr() *[16]byte { return (*[16]byte)(f.buf[8:24]) }
func (f FrameNeighborSolicitation) Options() []byte       { return f.buf[24:] }

// FrameNeighborAdvertisement mirrors FrameNeighborSolicitation with
// Router/Solicited/Override flags in the reserved word, per RFC 4861 §4.4.
type FrameNeighborAdvertisement struct{ Frame }

func (f FrameNeighborAdvertisement) SetFlags(router, solicited, override bool) {
	var v uint8
	if router {
		v |= 0x80
	}
	if solicited {
		v |= 0x40
	}
	if override {
		v |= 0x20
	}
	f.buf[4] = v
}
func (f FrameNeighborAdvertisement) TargetAddr() *[16]byte { return (*[16]byte)(f.buf[8:24]) }
func (f FrameNeighborAdvertisement) Options() []byte       { return f.buf[24:] }
