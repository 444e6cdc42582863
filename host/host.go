// Package host declares the interfaces the engine expects the surrounding
// hypervisor to provide: the syscall table of spec.md §6, and the opaque
// blob store used by the credential provider.
package host

import (
	"context"
	"crypto/rsa"
)

// NICInfo mirrors the "NIC info" record of spec.md §6: MAC address, MTU,
// media type, speed.
type NICInfo struct {
	MAC   [6]byte
	MTU   int
	Media string
	Speed uint64
}

// NIC is one of the two NIC families the host exposes (physical or
// virtual). Frames are raw Ethernet frames, owned by the caller on Send
// and owned by the callee (copied or retained) on delivery to the
// receive callback.
type NIC interface {
	Info() NICInfo
	Send(frames [][]byte) error
	SetReceiveCallback(cb func(frame []byte))
}

// Timer is the host's one-shot timer primitive. Set replaces any
// previously armed deadline, per spec.md §6 "Timer semantics".
type Timer interface {
	Set(intervalMS uint32)
	Cancel()
}

// Lock is the host's mutual-exclusion primitive, used to express the
// single engine-wide mutex of spec.md §5.
type Lock interface {
	Lock()
	Unlock()
}

// BlobStore is the opaque blob store named in spec.md §6's syscall table;
// it is where certificate, key and CA material is kept.
type BlobStore interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
}

// RSASigner signs with a key known to the host only by name — the engine
// never needs to see the private key material when the host signs on its
// behalf (spec.md §6, "RSA signing by key-name"). Implementations backed
// by an in-process *rsa.PrivateKey (as produced by the credential
// provider) are also valid.
type RSASigner interface {
	SignPKCS1v15(keyName string, hashed []byte) ([]byte, error)
}

// LocalRSASigner adapts an in-process RSA key to RSASigner, for the
// common case where the credential provider has already loaded the key
// from the blob store.
type LocalRSASigner struct {
	Key *rsa.PrivateKey
}

// SignPKCS1v15 signs the already-hashed input with the raw PKCS#1 v1.5
// padding RFC 2409 expects (no DigestInfo prefix), matching the
// signature scheme IKEv1 RSA-SIG authentication uses over HASH_I/HASH_R.
func (s LocalRSASigner) SignPKCS1v15(keyName string, hashed []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(nil, s.Key, 0, hashed)
}

// SyscallTable is the full host-provided dependency table the engine
// consumes, per spec.md §6.
type SyscallTable struct {
	NewLock   func() Lock
	NewTimer  func(fire func()) Timer
	TickMS    func() uint64
	Blobs     BlobStore
	Signer    RSASigner
	Log       Logger
}

// Logger is the minimal logging surface the engine requires of the host,
// independent of whichever structured logging library the host embeds
// its own process with.
type Logger interface {
	Printf(format string, args ...any)
}
