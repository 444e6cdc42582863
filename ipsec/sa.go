// Package ipsec implements the IPsec SA table and the ESP tunnel-mode
// data-plane transform that sits on top of it. An SA here is always a
// uni-directional ESP association; Table tracks the current and
// soft-deleted SAs per peer so in-flight packets survive a rekey.
package ipsec

import (
	"crypto/rand"
	"log/slog"
	"sync"

	"github.com/vkernel/ikevpn/ike"
	"github.com/vkernel/ikevpn/internal"
)

// Direction distinguishes the two uni-directional SAs that make up one
// IPsec tunnel.
type Direction uint8

const (
	DirOutgoing Direction = iota
	DirIncoming
)

func (d Direction) String() string {
	if d == DirIncoming {
		return "incoming"
	}
	return "outgoing"
}

// SA is one uni-directional ESP association, keyed by (peer, SPI).
type SA struct {
	Peer      [4]byte
	Direction Direction
	SPI       [4]byte

	// NextIV is the IV to use for the next egress packet on this SA: random
	// for the first packet, the previous packet's last ciphertext block
	// thereafter. Unused on incoming SAs, whose IV arrives on the wire.
	NextIV [8]byte

	Parent *ike.SA

	EstablishedTick uint64
	BytesTransferred uint64

	// Seq is the monotonically increasing egress sequence number. Ingress
	// does not enforce a replay window (documented limitation).
	Seq uint32

	HMACKey    []byte
	EncryptKey []byte

	Deleted bool
}

// LifetimeExceeded reports whether the SA has outlived its configured
// byte or wall-time budget, the same two independent triggers the
// parent ike.SA checks for Phase-2.
func (sa *SA) LifetimeExceeded(now uint64, lifeSecs, lifeKB uint32) bool {
	if lifeSecs != 0 && now-sa.EstablishedTick >= uint64(lifeSecs)*1000 {
		return true
	}
	if lifeKB != 0 && sa.BytesTransferred >= uint64(lifeKB)*1024 {
		return true
	}
	return false
}

// Table holds every live and soft-deleted SA for a single peer. At most
// one current (non-deleted) SA per direction exists at a time; older SAs
// remain in the table, marked Deleted, until evicted by Prune, so packets
// already in flight across a rekey still decrypt.
type Table struct {
	mu      sync.Mutex
	peer    [4]byte
	entries []*SA

	logger logger
}

// NewTable creates an empty SA table for the given peer address.
func NewTable(peer [4]byte) *Table {
	return &Table{peer: peer}
}

// SetLogger installs the slog logger used for drop/rekey diagnostics.
func (t *Table) SetLogger(l *slog.Logger) {
	t.logger.log = l
}

// Install adds sa as the new current SA for its direction, marking any
// previous current SA of the same direction Deleted (soft-delete, not
// removed: it stays usable for ingress until Prune evicts it).
func (t *Table) Install(sa *SA) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.entries {
		if existing.Direction == sa.Direction && !existing.Deleted {
			existing.Deleted = true
		}
	}
	t.entries = append(t.entries, sa)
}

// Current returns the newest established && !deleted SA for dir, or nil
// if none exists.
func (t *Table) Current(dir Direction) *SA {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best *SA
	for _, sa := range t.entries {
		if sa.Direction != dir || sa.Deleted {
			continue
		}
		if best == nil || sa.EstablishedTick >= best.EstablishedTick {
			best = sa
		}
	}
	return best
}

// Lookup finds an incoming SA by SPI, including soft-deleted ones still
// inside their ingress grace period (callers decide eviction via Prune).
func (t *Table) Lookup(spi [4]byte) *SA {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sa := range t.entries {
		if sa.Direction == DirIncoming && sa.SPI == spi {
			return sa
		}
	}
	return nil
}

// MarkDeleted flags every SA whose SPI is in spis (only ESP SAs live in
// this table) as Deleted, for an Informational Delete received from the
// peer.
func (t *Table) MarkDeleted(spis [][4]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	want := make(map[[4]byte]bool, len(spis))
	for _, s := range spis {
		want[s] = true
	}
	for _, sa := range t.entries {
		if want[sa.SPI] {
			sa.Deleted = true
		}
	}
}

// Prune removes deleted SAs older than graceMS, keeping at least the
// current SA of each direction untouched regardless of age.
func (t *Table) Prune(now uint64, graceMS uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	for _, sa := range t.entries {
		if sa.Deleted && now-sa.EstablishedTick > graceMS {
			continue
		}
		kept = append(kept, sa)
	}
	t.entries = kept
}

// NewOutgoing builds the outgoing SA half of a freshly completed Quick
// Mode exchange, reading keys and SPI straight off the parent ike.SA.
func NewOutgoing(parent *ike.SA, peer [4]byte, now uint64) *SA {
	var iv [8]byte
	rand.Read(iv[:])
	return &SA{
		Peer:             peer,
		Direction:        DirOutgoing,
		SPI:              parent.SPIOut,
		NextIV:           iv,
		Parent:           parent,
		EstablishedTick:  now,
		HMACKey:          parent.HMACKeyOut,
		EncryptKey:       parent.EncryptKeyOut,
	}
}

// NewIncoming builds the incoming SA half.
func NewIncoming(parent *ike.SA, peer [4]byte, now uint64) *SA {
	return &SA{
		Peer:            peer,
		Direction:       DirIncoming,
		SPI:             parent.SPIIn,
		Parent:          parent,
		EstablishedTick: now,
		HMACKey:         parent.HMACKeyIn,
		EncryptKey:      parent.EncryptKeyIn,
	}
}

type logger struct {
	log *slog.Logger
}

func (l logger) error(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}
func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}
