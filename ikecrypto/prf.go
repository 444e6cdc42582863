package ikecrypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
)

// PRF computes HMAC-SHA-1(key, data...), the pseudo-random function RFC
// 2409 fixes for SKEYID/SKEYID_d/_a/_e, HASH_I/HASH_R and HASH(1..3).
func PRF(key []byte, data ...[]byte) []byte {
	mac := hmac.New(sha1.New, key)
	for _, d := range data {
		mac.Write(d)
	}
	return mac.Sum(nil)
}

// PRFExpand iterates PRF to produce exactly n bytes of key material,
// per spec.md §4.7's "Ka_{n+1} = prf(SKEYID_e, Ka_n)" construction.
func PRFExpand(key []byte, seed []byte, n int) []byte {
	out := make([]byte, 0, n+sha1.Size)
	block := PRF(key, seed)
	out = append(out, block...)
	for len(out) < n {
		block = PRF(key, block)
		out = append(out, block...)
	}
	return out[:n]
}

// SHA1Sum returns the SHA-1 digest of the concatenation of data.
func SHA1Sum(data ...[]byte) []byte {
	h := sha1.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// MD5Sum returns the MD5 digest of the concatenation of data, used only
// where a peer's vendor/hash negotiation requires MD5 compatibility.
func MD5Sum(data ...[]byte) []byte {
	h := md5.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// HMACSHA1_96 computes the 96-bit (12-byte) truncated HMAC-SHA-1 ESP uses
// as its ICV (spec.md §4.8).
func HMACSHA1_96(key []byte, data ...[]byte) []byte {
	full := PRF(key, data...)
	return full[:12]
}
