// Package ike implements the IKEv1 (RFC 2409) wire codec and the IKE SA
// state machine: Phase-1 Main/Aggressive mode, Phase-2 Quick Mode,
// Informational exchanges, rekey and delete. Grounded in the teacher's
// Frame-over-[]byte parsing style (ethernet/frame.go, ipv4/frame.go) and
// its enum-driven DHCP state machine (dhcpv4/server.go's ClientState).
package ike

import (
	"encoding/binary"
	"errors"
)

const HeaderSize = 28

// ExchangeType is the ISAKMP header's exchange-type field.
type ExchangeType uint8

const (
	ExchangeBase               ExchangeType = 1
	ExchangeIdentityProtection ExchangeType = 2 // Main mode
	ExchangeAuthOnly           ExchangeType = 3
	ExchangeAggressive         ExchangeType = 4
	ExchangeInformational      ExchangeType = 5
	ExchangeQuickMode          ExchangeType = 32
)

// HeaderFlags are the ISAKMP header's flag bits.
type HeaderFlags uint8

const (
	FlagEncryption HeaderFlags = 1 << 0
	FlagCommit     HeaderFlags = 1 << 1
	FlagAuthOnly   HeaderFlags = 1 << 2
)

var errShortHeader = errors.New("ike: short ISAKMP header")

// Header wraps a 28-byte buffer as the ISAKMP header: InitCookie(8) |
// RespCookie(8) | NextPayload(1) | Version(1) | ExchType(1) | Flags(1) |
// MessageID(4) | Length(4).
type Header struct {
	buf []byte
}

// NewHeader wraps buf as a Header. buf must be at least HeaderSize bytes.
func NewHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errShortHeader
	}
	return Header{buf: buf}, nil
}

func (h Header) RawData() []byte { return h.buf }

func (h Header) InitiatorCookie() *[8]byte { return (*[8]byte)(h.buf[0:8]) }
func (h Header) ResponderCookie() *[8]byte { return (*[8]byte)(h.buf[8:16]) }

func (h Header) NextPayload() PayloadKind { return PayloadKind(h.buf[16]) }
func (h Header) SetNextPayload(k PayloadKind) { h.buf[16] = byte(k) }

func (h Header) Version() uint8    { return h.buf[17] }
func (h Header) SetVersion(v uint8) { h.buf[17] = v }

func (h Header) ExchangeType() ExchangeType     { return ExchangeType(h.buf[18]) }
func (h Header) SetExchangeType(e ExchangeType) { h.buf[18] = byte(e) }

func (h Header) Flags() HeaderFlags     { return HeaderFlags(h.buf[19]) }
func (h Header) SetFlags(f HeaderFlags) { h.buf[19] = byte(f) }

func (h Header) MessageID() uint32     { return binary.BigEndian.Uint32(h.buf[20:24]) }
func (h Header) SetMessageID(id uint32) { binary.BigEndian.PutUint32(h.buf[20:24], id) }

func (h Header) Length() uint32     { return binary.BigEndian.Uint32(h.buf[24:28]) }
func (h Header) SetLength(l uint32) { binary.BigEndian.PutUint32(h.buf[24:28], l) }

// ClearHeader zeros out the fixed header contents.
func (h Header) ClearHeader() {
	for i := range h.buf[:HeaderSize] {
		h.buf[i] = 0
	}
}

// ValidateSize reports whether Length is consistent with the supplied
// buffer; it does not validate payload contents.
func (h Header) ValidateSize() error {
	if int(h.Length()) > len(h.buf) {
		return errors.New("ike: header length exceeds buffer")
	}
	if h.Length() < HeaderSize {
		return errors.New("ike: header length too small")
	}
	return nil
}

// DefaultVendorID is the exact vendor-ID bytes spec.md §6 requires this
// engine to emit, with no null terminator.
const DefaultVendorID = "UNIVERSITYOF TSUKUBA"
