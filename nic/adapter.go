// Package nic wraps a host.NIC with the loopback-suppression and MTU
// enforcement spec.md §3/§4.1 require of the "NIC descriptor", grounded
// on internet/stack-ethernet.go's dest-MAC filtering and frame handling.
package nic

import (
	"errors"

	"github.com/vkernel/ikevpn/ethernet"
	"github.com/vkernel/ikevpn/host"
)

// loopbackWindowMS is how long a source MAC we just sent from is
// suppressed on ingress, per spec.md §3's NIC descriptor invariant and
// §8 testable property 1.
const loopbackWindowMS = 60_000

var errFrameTooLarge = errors.New("nic: frame exceeds MTU")

// sentMAC records one source MAC we transmitted and when the
// suppression window over it expires.
type sentMAC struct {
	addr    [6]byte
	expires uint64
}

// Adapter sits between the host.NIC and the engine's packet parser. It
// enqueues outgoing frames for a batched Flush, and filters ingress
// frames per spec.md §4.1: drop on parse failure, drop if the source MAC
// is one we recently sent from (guards against a hypervisor echoing our
// own traffic back), drop if the destination MAC is neither
// broadcast/multicast nor ours, unless Promiscuous is set.
type Adapter struct {
	nic         host.NIC
	info        host.NICInfo
	Promiscuous bool

	outbox  [][]byte
	sent    []sentMAC
	lastNow uint64

	onFrame func(frame []byte)
}

// New wraps nic, registering its own receive callback. The caller
// supplies onFrame to receive filtered ingress frames; it is invoked
// synchronously from within the host's receive callback, under whatever
// lock the caller already holds.
func New(n host.NIC, onFrame func(frame []byte)) *Adapter {
	a := &Adapter{nic: n, info: n.Info(), onFrame: onFrame}
	n.SetReceiveCallback(a.demux)
	return a
}

// Info returns the NIC descriptor the host reported at construction.
func (a *Adapter) Info() host.NICInfo { return a.info }

// Tick records the engine's current clock, read by demux to evaluate the
// loopback-suppression window. The run_handler loop calls this once per
// entry, before it delivers the triggering frame, per spec.md §4.1 step 1
// ("timestamp capture").
func (a *Adapter) Tick(now uint64) { a.lastNow = now }

// Send enqueues frame for the next Flush. Frames larger than the NIC's
// MTU (plus the 14-byte Ethernet header) are rejected rather than
// silently truncated.
func (a *Adapter) Send(frame []byte) error {
	if len(frame) > a.info.MTU+14 {
		return errFrameTooLarge
	}
	a.outbox = append(a.outbox, frame)
	return nil
}

// Flush hands every frame enqueued since the last Flush to the host NIC
// in one batch, recording each frame's source MAC for loopback
// suppression, and clears the outbox.
func (a *Adapter) Flush(now uint64) error {
	if len(a.outbox) == 0 {
		return nil
	}
	for _, f := range a.outbox {
		efrm, err := ethernet.NewFrame(f)
		if err != nil {
			continue
		}
		a.recordSent(*efrm.SourceHardwareAddr(), now)
	}
	err := a.nic.Send(a.outbox)
	a.outbox = a.outbox[:0]
	return err
}

func (a *Adapter) recordSent(src [6]byte, now uint64) {
	a.expireSent(now)
	for i := range a.sent {
		if a.sent[i].addr == src {
			a.sent[i].expires = now + loopbackWindowMS
			return
		}
	}
	a.sent = append(a.sent, sentMAC{addr: src, expires: now + loopbackWindowMS})
}

func (a *Adapter) expireSent(now uint64) {
	kept := a.sent[:0]
	for _, s := range a.sent {
		if s.expires > now {
			kept = append(kept, s)
		}
	}
	a.sent = kept
}

func (a *Adapter) isLoopback(src [6]byte, now uint64) bool {
	a.expireSent(now)
	for _, s := range a.sent {
		if s.addr == src {
			return true
		}
	}
	return false
}

// demux is installed as the host NIC's receive callback and applies
// spec.md §4.1's ingress filter chain in order: parse failure, loopback
// suppression against Tick's clock, then destination-MAC filtering
// unless Promiscuous. Broadcast and multicast destinations (NDP/RA
// solicited-node and all-routers groups among them) always pass.
func (a *Adapter) demux(frame []byte) {
	if a.onFrame == nil {
		return
	}
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return
	}
	src := *efrm.SourceHardwareAddr()
	if src == ([6]byte{}) || src == broadcastMAC {
		return
	}
	if a.isLoopback(src, a.lastNow) {
		return
	}
	dst := *efrm.DestinationHardwareAddr()
	if !a.Promiscuous && !efrm.IsMulticast() && dst != a.info.MAC {
		return
	}
	a.onFrame(frame)
}

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
