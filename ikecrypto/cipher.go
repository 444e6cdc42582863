package ikecrypto

import (
	"crypto/cipher"
	"crypto/des"
	"errors"
)

// BlockSize is the cipher block size for both DES-CBC and 3DES-CBC, and
// therefore the IV size and padding granularity used throughout Phase-1/
// Phase-2 framing and ESP.
const BlockSize = 8

var errBlockAlign = errors.New("ikecrypto: input not a multiple of the block size")

// NewCBCCodec returns CBC encrypter/decrypter pair for the given key.
// keyLen 8 selects DES-CBC; keyLen 24 selects 3DES-CBC (config.CryptoAlg
// maps directly to one of these two key lengths).
func NewCBCCodec(key, iv []byte) (enc cipher.BlockMode, dec cipher.BlockMode, err error) {
	var block cipher.Block
	switch len(key) {
	case 8:
		block, err = des.NewCipher(key)
	case 24:
		block, err = des.NewTripleDESCipher(key)
	default:
		return nil, nil, errors.New("ikecrypto: key must be 8 (DES) or 24 (3DES) bytes")
	}
	if err != nil {
		return nil, nil, err
	}
	return cipher.NewCBCEncrypter(block, iv), cipher.NewCBCDecrypter(block, iv), nil
}

// EncryptCBC encrypts plaintext (which must already be block-aligned)
// into a newly allocated slice using key/iv and returns the ciphertext,
// leaving plaintext unchanged, along with the final
// ciphertext block (used as the next IV per spec.md §4.8 "subsequent uses
// the last ciphertext block").
func EncryptCBC(key, iv, plaintext []byte) (ciphertext []byte, nextIV []byte, err error) {
	if len(plaintext)%BlockSize != 0 {
		return nil, nil, errBlockAlign
	}
	enc, _, err := NewCBCCodec(key, iv)
	if err != nil {
		return nil, nil, err
	}
	out := make([]byte, len(plaintext))
	enc.CryptBlocks(out, plaintext)
	next := make([]byte, BlockSize)
	copy(next, out[len(out)-BlockSize:])
	return out, next, nil
}

// DecryptCBC decrypts ciphertext (which must be block-aligned) using
// key/iv and returns the plaintext.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%BlockSize != 0 {
		return nil, errBlockAlign
	}
	_, dec, err := NewCBCCodec(key, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	dec.CryptBlocks(out, ciphertext)
	return out, nil
}

// PadPKCS: the engine uses last-byte-length padding (spec.md §4.6): zero
// pad bytes followed by one byte counting them, not counting itself. This
// differs from PKCS#7, whose pad bytes all equal the pad length including
// the last, so it is implemented directly rather than pulled in from a
// padding library.

// PadToBlock appends 0..BlockSize-1 padding bytes so len(out) is a
// multiple of BlockSize, followed by a final length byte equal to the
// number of padding bytes added before it (spec.md §4.6/§4.8 framing).
func PadToBlock(data []byte) []byte {
	padLen := BlockSize - (len(data)+1)%BlockSize
	if padLen == BlockSize {
		padLen = 0
	}
	out := make([]byte, len(data)+padLen+1)
	copy(out, data)
	for i := 0; i < padLen; i++ {
		out[len(data)+i] = 0
	}
	out[len(out)-1] = byte(padLen)
	return out
}

// UnpadLastByte strips padding using the trailing length byte and returns
// the remaining payload, or an error if the declared length exceeds the
// buffer.
func UnpadLastByte(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("ikecrypto: empty padded buffer")
	}
	padLen := int(data[len(data)-1])
	if padLen+1 > len(data) {
		return nil, errors.New("ikecrypto: invalid pad length")
	}
	return data[:len(data)-padLen-1], nil
}
