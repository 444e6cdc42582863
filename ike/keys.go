package ike

import (
	"encoding/binary"

	"github.com/vkernel/ikevpn/ikecrypto"
)

// DeriveSKEYIDPSK implements spec.md §4.7's PSK branch:
// SKEYID = prf(psk, Ni | Nr).
func DeriveSKEYIDPSK(psk, ni, nr []byte) []byte {
	return ikecrypto.PRF(psk, concat(ni, nr))
}

// DeriveSKEYIDRSA implements spec.md §4.7's RSA-SIG branch:
// SKEYID = prf(Ni | Nr, g^xy).
func DeriveSKEYIDRSA(ni, nr, gxy []byte) []byte {
	return ikecrypto.PRF(concat(ni, nr), gxy)
}

// DerivedKeys holds SKEYID and the three keys derived from it.
type DerivedKeys struct {
	SKEYID   []byte
	SKEYIDd  []byte
	SKEYIDa  []byte
	SKEYIDe  []byte
}

// DeriveKeys computes SKEYID_d/_a/_e from SKEYID per spec.md §4.7, then
// expands SKEYID_e to cipherKeyLen bytes if the cipher needs more bits
// than a single PRF block supplies.
func DeriveKeys(skeyid, gxy, ckyI, ckyR []byte, cipherKeyLen int) DerivedKeys {
	d := ikecrypto.PRF(skeyid, gxy, ckyI, ckyR, []byte{0})
	a := ikecrypto.PRF(skeyid, d, gxy, ckyI, ckyR, []byte{1})
	e := ikecrypto.PRF(skeyid, a, gxy, ckyI, ckyR, []byte{2})
	if len(e) < cipherKeyLen {
		e = ikecrypto.PRFExpand(e, e, cipherKeyLen)
	}
	return DerivedKeys{SKEYID: skeyid, SKEYIDd: d, SKEYIDa: a, SKEYIDe: e}
}

// Phase1IV computes the Phase-1 IV: SHA-1(g^x | g^y) truncated to the
// cipher block size.
func Phase1IV(gx, gy []byte) []byte {
	return ikecrypto.SHA1Sum(gx, gy)[:ikecrypto.BlockSize]
}

// Phase2IV computes the IV for a Phase-2/Informational exchange keyed on
// message ID: SHA-1(lastPhase1IV | MessageID) truncated to block size.
func Phase2IV(lastIV []byte, messageID uint32) []byte {
	var midBuf [4]byte
	binary.BigEndian.PutUint32(midBuf[:], messageID)
	return ikecrypto.SHA1Sum(lastIV, midBuf[:])[:ikecrypto.BlockSize]
}

// HashI computes HASH_I = prf(SKEYID, g^x | g^y | CKY-I | CKY-R | SAi_b | IDii_b).
func HashI(skeyid, gx, gy, ckyI, ckyR, saiB, idiiB []byte) []byte {
	return ikecrypto.PRF(skeyid, gx, gy, ckyI, ckyR, saiB, idiiB)
}

// HashR computes HASH_R, the symmetric responder counterpart to HashI:
// prf(SKEYID, g^y | g^x | CKY-R | CKY-I | SAi_b | IDir_b).
func HashR(skeyid, gy, gx, ckyR, ckyI, saiB, idirB []byte) []byte {
	return ikecrypto.PRF(skeyid, gy, gx, ckyR, ckyI, saiB, idirB)
}

// QuickHash1 computes HASH(1) = prf(SKEYID_a, M-ID | SA | Ni' | [KE'] | [IDci | IDcr]).
func QuickHash1(skeyidA []byte, messageID uint32, rest ...[]byte) []byte {
	return ikecrypto.PRF(skeyidA, append([][]byte{midBytes(messageID)}, rest...)...)
}

// QuickHash2 computes HASH(2) = prf(SKEYID_a, M-ID | Ni' | SA | Nr' | [KE'] | [IDci | IDcr]).
func QuickHash2(skeyidA []byte, messageID uint32, rest ...[]byte) []byte {
	return ikecrypto.PRF(skeyidA, append([][]byte{midBytes(messageID)}, rest...)...)
}

// QuickHash3 computes HASH(3) = prf(SKEYID_a, 0 | M-ID | Ni' | Nr').
func QuickHash3(skeyidA []byte, messageID uint32, ni, nr []byte) []byte {
	return ikecrypto.PRF(skeyidA, []byte{0}, midBytes(messageID), ni, nr)
}

func midBytes(id uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b[:]
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// KeymatDirection holds the key material for one direction of IPsec SA.
type KeymatDirection struct {
	EncryptKey []byte
	HMACKey    []byte
}

// DeriveKeymat computes KEYMAT = prf(SKEYID_d, protocol | SPI | Ni' | Nr'),
// iterated by prepending the previous block, then splits the result into
// encryption and HMAC keys (spec.md §4.7/§4.8).
func DeriveKeymat(skeyidD []byte, protocol uint8, spi, niPrime, nrPrime []byte, encKeyLen, hmacKeyLen int) KeymatDirection {
	seed := concat([]byte{protocol}, spi, niPrime, nrPrime)
	total := encKeyLen + hmacKeyLen
	block := ikecrypto.PRF(skeyidD, seed)
	material := append([]byte{}, block...)
	for len(material) < total {
		block = ikecrypto.PRF(skeyidD, concat(block, seed))
		material = append(material, block...)
	}
	return KeymatDirection{
		EncryptKey: material[:encKeyLen],
		HMACKey:    material[encKeyLen : encKeyLen+hmacKeyLen],
	}
}
