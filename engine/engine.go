// Package engine wires up one running instance of the client: the two
// NIC adapters, the timer wheel, and the virtual router, driven by the
// single run_handler fixed-point loop spec.md §4.1/§5 describes. This is
// the host-facing entry point: client_start/client_stop/free.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vkernel/ikevpn/config"
	"github.com/vkernel/ikevpn/credential"
	"github.com/vkernel/ikevpn/host"
	"github.com/vkernel/ikevpn/nic"
	"github.com/vkernel/ikevpn/timer"
	"github.com/vkernel/ikevpn/vrouter"
)

// Engine is one running client instance: two NIC links, a shared timer,
// and the virtual router tying them together. All exported methods are
// meant to be called only through run_handler, under lock.
type Engine struct {
	cfg   config.VPN
	tools host.SyscallTable

	phys *nic.Adapter
	virt *nic.Adapter

	wheel timer.Wheel
	timer host.Timer
	lock  host.Lock

	router *vrouter.Router

	log *slog.Logger

	stopped bool
}

// slogHostLogger adapts a host.Logger to an slog.Handler so the rest of
// the engine can use the ambient log/slog convention regardless of what
// logging library the embedding hypervisor itself uses.
type slogHostLogger struct{ host.Logger }

func (h slogHostLogger) Enabled(context.Context, slog.Level) bool { return true }
func (h slogHostLogger) Handle(_ context.Context, r slog.Record) error {
	h.Printf("%s: %s", r.Level, r.Message)
	return nil
}
func (h slogHostLogger) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h slogHostLogger) WithGroup(string) slog.Handler      { return h }

// New constructs an Engine from the host's syscall table, the two NIC
// handles, and a validated configuration. Credential loading for
// config.AuthCert happens here, synchronously, before the engine is
// considered started — a failure here is the "client_start returning a
// null handle" case spec.md §7 describes.
func New(ctx context.Context, tools host.SyscallTable, physNIC, virtNIC host.NIC, cfg config.VPN) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var log *slog.Logger
	if tools.Log != nil {
		log = slog.New(slogHostLogger{tools.Log})
	}

	var creds *credential.Credentials
	if cfg.Mode == config.L3IPsec && cfg.IPsec.AuthMethod == config.AuthCert {
		provider := credential.Provider{Blobs: tools.Blobs}
		c, err := provider.Load(ctx, cfg.IPsec.CertName, cfg.IPsec.RsaKeyName, cfg.IPsec.CaCertName)
		if err != nil {
			return nil, fmt.Errorf("engine: loading credentials: %w", err)
		}
		creds = c
	}

	e := &Engine{cfg: cfg, tools: tools, log: log}
	e.phys = nic.New(physNIC, e.onPhysFrame)
	e.virt = nic.New(virtNIC, e.onVirtFrame)
	e.router = vrouter.New(cfg, creds, e.phys.Send, e.virt.Send, log)

	if tools.NewLock != nil {
		e.lock = tools.NewLock()
	}
	if tools.NewTimer != nil {
		e.timer = tools.NewTimer(e.onTimerFire)
	}
	return e, nil
}

// onPhysFrame is registered as the physical NIC's receive callback.
func (e *Engine) onPhysFrame(frame []byte) {
	e.runHandler(func(now uint64) bool {
		return e.router.HandleHostFrame(frame, now) == nil
	})
}

// onVirtFrame is registered as the virtual NIC's receive callback.
func (e *Engine) onVirtFrame(frame []byte) {
	e.runHandler(func(now uint64) bool {
		return e.router.HandleGuestFrame(frame, now) == nil
	})
}

// onTimerFire is the host timer's fire callback, re-entering
// run_handler with no frame of its own to process — only the fixed-point
// convergence pass and the timer's own expiry.
func (e *Engine) onTimerFire() {
	e.runHandler(nil)
}

// runHandler is the engine's single entry point, per spec.md §4.1: lock,
// timestamp, ingest (by calling deliver, when non-nil, for the frame that
// triggered entry), then converge by calling
// every component's process() once, draining receive queues and
// flushing egress, until nothing changes.
func (e *Engine) runHandler(deliver func(now uint64) bool) {
	if e.lock != nil {
		e.lock.Lock()
		defer e.lock.Unlock()
	}
	if e.stopped {
		return
	}

	now := e.tickMS()
	e.phys.Tick(now)
	e.virt.Tick(now)

	if deliver != nil {
		deliver(now)
	}

	for {
		changed := false
		if e.wheel.Expire(now) > 0 {
			changed = true
		}
		if e.router.Process(now) {
			changed = true
		}
		if err := e.phys.Flush(now); err != nil {
			e.logf("engine: phys flush: %v", err)
		}
		if err := e.virt.Flush(now); err != nil {
			e.logf("engine: virt flush: %v", err)
		}
		if !changed {
			break
		}
	}
	// Nothing else arms the wheel: ipv4stack/ipv6stack run their ARP/NDP
	// retry and reassembly expiry off Process(), and the IKE control
	// plane's connect retry, rekey checks and tunnel keepalive all live
	// in vrouter.Router.Process too. Re-arming a fixed heartbeat here is
	// what lets run_handler make progress on all of that without an
	// incoming frame to trigger it.
	e.wheel.Set(now, heartbeatMS)
	e.rearmTimer(now)
}

const heartbeatMS = 1000

func (e *Engine) tickMS() uint64 {
	if e.tools.TickMS != nil {
		return e.tools.TickMS()
	}
	return 0
}

func (e *Engine) rearmTimer(now uint64) {
	if e.timer == nil {
		return
	}
	tick, ok := e.wheel.Armed()
	if !ok {
		e.timer.Cancel()
		return
	}
	if tick <= now {
		e.timer.Set(1)
		return
	}
	e.timer.Set(uint32(tick - now))
}

func (e *Engine) logf(format string, args ...any) {
	if e.tools.Log != nil {
		e.tools.Log.Printf(format, args...)
	}
}

// Stop tears down any live IKE/IPsec state (best-effort Delete) and
// marks the engine so further callbacks no-op, matching client_stop's
// "free resources, attempt a clean teardown" contract.
func (e *Engine) Stop() {
	e.runHandler(func(now uint64) bool {
		e.router.Stop(now)
		return true
	})
	if e.lock != nil {
		e.lock.Lock()
		defer e.lock.Unlock()
	}
	e.stopped = true
	if e.timer != nil {
		e.timer.Cancel()
	}
}
