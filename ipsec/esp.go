package ipsec

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/vkernel/ikevpn/ikecrypto"
	"github.com/vkernel/ikevpn/internal/arena"
)

var (
	errNoOutgoingSA = errors.New("ipsec: no current outgoing SA for peer")
	errUnknownSPI   = errors.New("ipsec: unknown incoming SPI")
	errHMACMismatch = errors.New("ipsec: HMAC-SHA-1-96 verification failed")
	errTooShort     = errors.New("ipsec: ESP packet too short")
)

const icvSize = 12

// Transmit builds one ESP tunnel-mode packet encapsulating rawIPDatagram
// under the peer's current outgoing SA, per spec.md §4.8: inner_IP |
// pad(0..7) | pad_length | next_header, then SPI | seq | IV | ciphertext |
// ICV. nextHeader is the encapsulated datagram's IP version protocol
// number (4 or 41) as the original implementation records it.
func (t *Table) Transmit(rawIPDatagram []byte, nextHeader uint8) ([]byte, error) {
	sa := t.Current(DirOutgoing)
	if sa == nil {
		return nil, errNoOutgoingSA
	}

	t.mu.Lock()
	var iv [8]byte
	copy(iv[:], sa.NextIV[:])
	sa.Seq++
	seq := sa.Seq
	t.mu.Unlock()

	padded := padESP(rawIPDatagram, nextHeader)
	ciphertext, nextIV, err := ikecrypto.EncryptCBC(sa.EncryptKey, iv[:], padded)
	if err != nil {
		return nil, err
	}

	buf := arena.Allocate(4 + 4 + 8 + len(ciphertext) + icvSize)
	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[0:4], spiUint32(sa.SPI))
	binary.BigEndian.PutUint32(out[4:8], seq)
	copy(out[8:16], iv[:])
	copy(out[16:16+len(ciphertext)], ciphertext)
	icv := ikecrypto.HMACSHA1_96(sa.HMACKey, out[:16+len(ciphertext)])
	copy(out[16+len(ciphertext):], icv)
	buf.Release()

	t.mu.Lock()
	copy(sa.NextIV[:], nextIV)
	sa.BytesTransferred += uint64(len(out))
	t.mu.Unlock()
	return out, nil
}

func spiUint32(spi [4]byte) uint32 { return binary.BigEndian.Uint32(spi[:]) }

// padESP appends 0..7 zero bytes (enough to make the total a multiple of
// the cipher block size), followed by the pad-length byte and the
// next-header byte, per spec.md §4.8 step 2.
func padESP(inner []byte, nextHeader uint8) []byte {
	// total after padding must satisfy (len(inner)+padLen+2) % BlockSize == 0
	padLen := ikecrypto.BlockSize - (len(inner)+2)%ikecrypto.BlockSize
	if padLen == ikecrypto.BlockSize {
		padLen = 0
	}
	out := make([]byte, len(inner)+padLen+2)
	copy(out, inner)
	// padding bytes themselves are unspecified content; zero is as valid
	// as the conventional 1,2,3... counter RFC 4303 suggests; only the
	// byte count is recorded, in the pad-length byte.
	out[len(out)-2] = byte(padLen)
	out[len(out)-1] = nextHeader
	return out
}

// unpadESP strips ESP padding given the trailing pad_length/next_header
// bytes and returns the inner datagram and next-header value.
func unpadESP(data []byte) (inner []byte, nextHeader uint8, err error) {
	if len(data) < 2 {
		return nil, 0, errTooShort
	}
	nextHeader = data[len(data)-1]
	padLen := int(data[len(data)-2])
	if padLen+2 > len(data) {
		return nil, 0, errors.New("ipsec: invalid ESP pad length")
	}
	return data[:len(data)-padLen-2], nextHeader, nil
}

// Receive parses and authenticates an ESP tunnel-mode packet, returning
// the decapsulated inner IP datagram and its next-header (IP version)
// byte. No replay-window is enforced on the sequence number, a
// documented limitation (spec.md §9).
func (t *Table) Receive(espPacket []byte) (inner []byte, nextHeader uint8, err error) {
	if len(espPacket) < 4+4+8+icvSize {
		return nil, 0, errTooShort
	}
	var spi [4]byte
	copy(spi[:], espPacket[0:4])
	sa := t.Lookup(spi)
	if sa == nil {
		t.logger.info("esp:drop unknown SPI", slog.Uint64("spi", uint64(spiUint32(spi))))
		return nil, 0, errUnknownSPI
	}

	signed := espPacket[:len(espPacket)-icvSize]
	gotICV := espPacket[len(espPacket)-icvSize:]
	wantICV := ikecrypto.HMACSHA1_96(sa.HMACKey, signed)
	if !hmac.Equal(gotICV, wantICV) {
		t.logger.error("esp:drop HMAC mismatch", slog.Uint64("spi", uint64(spiUint32(spi))))
		return nil, 0, errHMACMismatch
	}

	iv := espPacket[8:16]
	ciphertext := espPacket[16 : len(espPacket)-icvSize]
	plain, err := ikecrypto.DecryptCBC(sa.EncryptKey, iv, ciphertext)
	if err != nil {
		return nil, 0, err
	}
	inner, nextHeader, err = unpadESP(plain)
	if err != nil {
		return nil, 0, err
	}

	t.mu.Lock()
	sa.BytesTransferred += uint64(len(espPacket))
	t.mu.Unlock()
	return inner, nextHeader, nil
}
