// Package timer implements the engine's single "soonest-deadline" timer,
// grounded on the teacher's internal/backoff.go priority-ordering idea but
// built around container/heap since no pack repo ships a timer wheel (see
// DESIGN.md).
package timer

import "container/heap"

// entry is one armed deadline. Ticks are in the same unit the host's
// TickMS syscall returns (milliseconds since an arbitrary epoch).
type entry struct {
	tick uint64
}

type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].tick < h[j].tick }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Wheel holds every pending deadline the engine has requested and tracks
// which single tick is currently armed on the host timer.
//
// The zero value is ready to use.
type Wheel struct {
	entries entryHeap
	armed   uint64
	hasArm  bool
}

// Set inserts a new deadline at now+intervalMS. Duplicate ticks already
// present are not re-inserted (spec.md §3 "Timer entry" dedup invariant).
// It returns the tick that should now be armed on the host timer.
func (w *Wheel) Set(now uint64, intervalMS uint32) (armTick uint64) {
	tick := now + uint64(intervalMS)
	for _, e := range w.entries {
		if e.tick == tick {
			return w.soonest()
		}
	}
	heap.Push(&w.entries, entry{tick: tick})
	return w.soonest()
}

func (w *Wheel) soonest() uint64 {
	if len(w.entries) == 0 {
		w.hasArm = false
		return 0
	}
	w.armed = w.entries[0].tick
	w.hasArm = true
	return w.armed
}

// Armed reports the currently-armed tick, if any.
func (w *Wheel) Armed() (tick uint64, ok bool) { return w.armed, w.hasArm }

// Expire removes and returns every entry with tick <= now, and recomputes
// the soonest remaining arm-point (available via Armed after the call).
// Expiry is best-effort and edge-triggered: entries that were never
// popped because the host failed to invoke the handler in time are not
// specially retried, matching spec.md §4.2's coalescing semantics.
func (w *Wheel) Expire(now uint64) (fired int) {
	for len(w.entries) > 0 && w.entries[0].tick <= now {
		heap.Pop(&w.entries)
		fired++
	}
	w.soonest()
	return fired
}

// Len returns the number of pending (unfired) entries.
func (w *Wheel) Len() int { return len(w.entries) }
