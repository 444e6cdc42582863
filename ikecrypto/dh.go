// Package ikecrypto implements the fixed set of legacy primitives RFC 2409
// IKEv1 Phase-1/Phase-2 requires: Oakley Group 2 Diffie-Hellman, DES-CBC
// and 3DES-CBC, SHA-1 and HMAC-SHA-1(-96), MD5, X.509 certificate
// handling and RSA-PKCS1-v1_5 signatures. See DESIGN.md for why these stay
// on the standard library rather than a third-party crypto package.
package ikecrypto

import (
	"crypto/rand"
	"math/big"
)

// group2Prime is the Oakley Group 2 (1024-bit MODP) prime from RFC 2409
// Appendix 6.2, the only DH group this engine negotiates.
var group2Prime = mustHexBig(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD" +
		"129024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
		"FFFFFFFFFFFFFFFF")

var group2Generator = big.NewInt(2)

func mustHexBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("ikecrypto: bad constant")
	}
	return n
}

// DHKeyPair holds one side's Oakley Group 2 Diffie-Hellman state.
type DHKeyPair struct {
	private *big.Int
	Public  []byte // g^x, fixed-width big-endian, 128 bytes
}

// GenerateDH creates a fresh Group 2 keypair.
func GenerateDH() (*DHKeyPair, error) {
	priv, err := rand.Int(rand.Reader, new(big.Int).Sub(group2Prime, big.NewInt(2)))
	if err != nil {
		return nil, err
	}
	priv.Add(priv, big.NewInt(1))
	pub := new(big.Int).Exp(group2Generator, priv, group2Prime)
	return &DHKeyPair{private: priv, Public: fixedWidth(pub, 128)}, nil
}

// SharedSecret computes g^xy given the peer's public value g^y.
func (kp *DHKeyPair) SharedSecret(peerPublic []byte) []byte {
	peer := new(big.Int).SetBytes(peerPublic)
	shared := new(big.Int).Exp(peer, kp.private, group2Prime)
	return fixedWidth(shared, 128)
}

func fixedWidth(n *big.Int, width int) []byte {
	b := n.Bytes()
	if len(b) == width {
		return b
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}
