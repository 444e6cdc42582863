package engine

import (
	"context"
	"testing"

	"github.com/vkernel/ikevpn/config"
	"github.com/vkernel/ikevpn/ethernet"
	"github.com/vkernel/ikevpn/host"
)

// fakeNIC is a minimal host.NIC that records what was sent and lets the
// test drive ingress by calling its recv field directly.
type fakeNIC struct {
	info host.NICInfo
	recv func(frame []byte)
	sent [][]byte
}

func (n *fakeNIC) Info() host.NICInfo { return n.info }
func (n *fakeNIC) Send(frames [][]byte) error {
	n.sent = append(n.sent, frames...)
	return nil
}
func (n *fakeNIC) SetReceiveCallback(cb func(frame []byte)) { n.recv = cb }

// fakeTimer records the last armed interval; it never fires on its own,
// the test calls its fire function directly to simulate expiry.
type fakeTimer struct {
	fire     func()
	lastSet  uint32
	canceled bool
}

func (t *fakeTimer) Set(intervalMS uint32) { t.lastSet = intervalMS; t.canceled = false }
func (t *fakeTimer) Cancel()               { t.canceled = true }

// fakeLock is a no-op mutex sufficient for single-goroutine tests.
type fakeLock struct{ locked bool }

func (l *fakeLock) Lock()   { l.locked = true }
func (l *fakeLock) Unlock() { l.locked = false }

func newTestEngine(t *testing.T) (*Engine, *fakeNIC, *fakeNIC, *fakeTimer) {
	t.Helper()
	phys := &fakeNIC{info: host.NICInfo{MAC: [6]byte{1, 1, 1, 1, 1, 1}, MTU: 1500}}
	virt := &fakeNIC{info: host.NICInfo{MAC: [6]byte{2, 2, 2, 2, 2, 2}, MTU: 1500}}
	var tm *fakeTimer
	tools := host.SyscallTable{
		NewLock: func() host.Lock { return &fakeLock{} },
		NewTimer: func(fire func()) host.Timer {
			tm = &fakeTimer{fire: fire}
			return tm
		},
		TickMS: func() uint64 { return 0 },
	}
	e, err := New(context.Background(), tools, phys, virt, config.VPN{Mode: config.L2Transparent})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, phys, virt, tm
}

func buildFrame(src, dst [6]byte) []byte {
	buf := make([]byte, 14)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = src
	*efrm.DestinationHardwareAddr() = dst
	efrm.SetEtherType(ethernet.TypeIPv4)
	return buf
}

// TestEngineRejectsInvalidConfig checks the "client_start returning a null
// handle when config is invalid" contract of spec.md §7.
func TestEngineRejectsInvalidConfig(t *testing.T) {
	phys := &fakeNIC{info: host.NICInfo{MAC: [6]byte{1, 1, 1, 1, 1, 1}, MTU: 1500}}
	virt := &fakeNIC{info: host.NICInfo{MAC: [6]byte{2, 2, 2, 2, 2, 2}, MTU: 1500}}
	_, err := New(context.Background(), host.SyscallTable{}, phys, virt, config.VPN{Mode: 99})
	if err == nil {
		t.Fatal("expected error constructing engine from invalid config")
	}
}

// TestEngineBridgesL2Transparent drives a frame through the physical NIC's
// receive callback and checks it reaches the virtual NIC's send queue
// after run_handler's fixed-point convergence, per spec.md §4.1/§4.9.
func TestEngineBridgesL2Transparent(t *testing.T) {
	_, phys, virt, _ := newTestEngine(t)

	frame := buildFrame([6]byte{0xaa, 0xbb, 0xcc, 0, 0, 1}, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	phys.recv(frame)

	if len(virt.sent) != 1 {
		t.Fatalf("expected 1 frame bridged to virtual NIC, got %d", len(virt.sent))
	}
	if len(phys.sent) != 0 {
		t.Fatalf("did not expect any frame echoed back on physical NIC, got %d", len(phys.sent))
	}
}

// TestEngineReArmsTimerEachHandlerEntry checks that run_handler re-arms the
// host timer to the 1-second heartbeat on every entry (spec.md's
// DESIGN.md "Timer wheel heartbeat" decision).
func TestEngineReArmsTimerEachHandlerEntry(t *testing.T) {
	_, phys, _, tm := newTestEngine(t)
	if tm == nil {
		t.Fatal("expected engine to construct a timer")
	}
	phys.recv(buildFrame([6]byte{1, 2, 3, 4, 5, 6}, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}))
	if tm.lastSet == 0 {
		t.Fatal("expected the timer to be (re)armed after a handler entry")
	}
}

// TestEngineStopCancelsTimer checks client_stop's teardown contract:
// the timer is released and further callbacks no-op.
func TestEngineStopCancelsTimer(t *testing.T) {
	e, phys, virt, tm := newTestEngine(t)
	e.Stop()
	if !tm.canceled {
		t.Fatal("expected Stop to cancel the armed timer")
	}

	before := len(virt.sent)
	phys.recv(buildFrame([6]byte{9, 9, 9, 9, 9, 9}, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}))
	if len(virt.sent) != before {
		t.Fatal("expected no further forwarding after Stop")
	}
}
