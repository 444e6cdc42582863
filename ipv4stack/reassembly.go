package ipv4stack

import (
	"github.com/vkernel/ikevpn/ipv4"
)

// Reassembly limits mirror spec.md §4.3's fragmentation/reassembly
// testable property: a 60s per-datagram deadline and a 256-entry/1MB
// global cap with eldest-entry eviction, so that a flood of partial
// fragments cannot exhaust memory.
const (
	reassemblyDeadlineMS = 60_000
	reassemblyMaxEntries = 256
	reassemblyMaxBytes   = 1 << 20
)

type fragKey struct {
	src, dst [4]byte
	id       uint16
	proto    uint8
}

type interval struct{ lo, hi int }

// fragEntry accumulates fragments of one IPv4 datagram. buf grows to the
// largest offset seen; overlapping fragments overwrite earlier data per
// spec.md's overlap semantics (a later-arriving fragment always wins in
// its overlapping region).
type fragEntry struct {
	key      fragKey
	buf      []byte
	header   [20]byte
	have     []interval // merged, sorted, non-overlapping
	total    int        // -1 until the terminal fragment is seen
	deadline uint64
	size     int // bytes currently held in buf, for the global byte cap
}

type reassembler struct {
	entries    map[fragKey]*fragEntry
	order      []fragKey // insertion order, for eldest eviction
	totalBytes int
}

func newReassembler() *reassembler {
	return &reassembler{entries: make(map[fragKey]*fragEntry)}
}

// insert folds ifrm into its datagram's reassembly entry and returns the
// full datagram once every byte in [0,total) has been received. Returns
// (nil, true) for an unfragmented packet (MF=0 and offset=0).
func (r *reassembler) insert(ifrm ipv4.Frame, now uint64) ([]byte, bool) {
	flags := ifrm.Flags()
	if !flags.MoreFragments() && flags.FragmentOffset() == 0 {
		return ifrm.RawData(), true
	}
	key := fragKey{src: *ifrm.SourceAddr(), dst: *ifrm.DestinationAddr(), id: ifrm.ID(), proto: uint8(ifrm.Protocol())}
	e, ok := r.entries[key]
	if !ok {
		e = &fragEntry{key: key, total: -1, deadline: now + reassemblyDeadlineMS}
		copy(e.header[:], ifrm.RawData()[:20])
		r.admit(key, e)
	}
	e.deadline = now + reassemblyDeadlineMS

	payload := ifrm.Payload()
	lo := int(flags.FragmentOffset()) * 8
	hi := lo + len(payload)
	if hi > len(e.buf) {
		grown := make([]byte, hi)
		copy(grown, e.buf)
		r.totalBytes += hi - len(e.buf)
		e.buf = grown
	}
	copy(e.buf[lo:hi], payload)
	e.merge(lo, hi)
	if !flags.MoreFragments() {
		e.total = hi
	}
	r.evictOverBudget()

	if e.total < 0 || !e.complete() {
		return nil, false
	}
	out := make([]byte, 20+e.total)
	copy(out, e.header[:])
	copy(out[20:], e.buf[:e.total])
	ifrm2, _ := ipv4.NewFrame(out)
	ifrm2.SetFlags(0)
	ifrm2.SetTotalLength(uint16(len(out)))
	ifrm2.SetCRC(0)
	ifrm2.SetCRC(ifrm2.CalculateHeaderCRC())
	r.remove(key)
	return out, true
}

func (e *fragEntry) merge(lo, hi int) {
	var merged []interval
	inserted := false
	for _, iv := range e.have {
		if iv.hi < lo && !inserted {
			merged = append(merged, iv)
			continue
		}
		if iv.lo > hi {
			if !inserted {
				merged = append(merged, interval{lo, hi})
				inserted = true
			}
			merged = append(merged, iv)
			continue
		}
		// Overlapping or adjacent: absorb into [lo,hi).
		if iv.lo < lo {
			lo = iv.lo
		}
		if iv.hi > hi {
			hi = iv.hi
		}
	}
	if !inserted {
		merged = append(merged, interval{lo, hi})
	}
	e.have = merged
}

func (e *fragEntry) complete() bool {
	return len(e.have) == 1 && e.have[0].lo == 0 && e.have[0].hi == e.total
}

func (r *reassembler) admit(key fragKey, e *fragEntry) {
	r.entries[key] = e
	r.order = append(r.order, key)
	for len(r.order) > reassemblyMaxEntries {
		r.remove(r.order[0])
	}
}

func (r *reassembler) remove(key fragKey) {
	e, ok := r.entries[key]
	if !ok {
		return
	}
	r.totalBytes -= len(e.buf)
	delete(r.entries, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *reassembler) evictOverBudget() {
	for r.totalBytes > reassemblyMaxBytes && len(r.order) > 0 {
		r.remove(r.order[0])
	}
}

// expire drops datagrams that have not completed within their deadline,
// returning true if anything was dropped.
func (r *reassembler) expire(now uint64) bool {
	changed := false
	for _, key := range append([]fragKey{}, r.order...) {
		if e := r.entries[key]; e != nil && e.deadline <= now {
			r.remove(key)
			changed = true
		}
	}
	return changed
}
