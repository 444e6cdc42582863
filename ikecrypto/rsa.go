package ikecrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
)

// SignRaw signs hashed (already-computed HASH_I/HASH_R) using raw
// PKCS#1 v1.5 padding with no DigestInfo prefix, as RFC 2409 §5
// (SIG_I/SIG_R = RSA_private_encrypt(PKCS1, HASH)) requires. This is why
// crypto.Hash(0) is passed: it tells the stdlib the input is already the
// exact bytes to pad and encrypt, not a named digest algorithm's output.
func SignRaw(key *rsa.PrivateKey, hashed []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.Hash(0), hashed)
}

// VerifyRaw verifies a signature produced by SignRaw against a public key.
func VerifyRaw(pub *rsa.PublicKey, hashed, sig []byte) error {
	return rsa.VerifyPKCS1v15(pub, crypto.Hash(0), hashed, sig)
}
