// Package stpropnci implements Core Entry (C) and the Passthrough Gate
// (G): the public, serialized entry points that wire the Frame Codec,
// Scratch Buffer, Callback Registry, Pump, Standard Dispatcher, Vendor
// Dispatcher, and Android Translator together (spec §4.8-4.9). It is the
// only package an embedder calls into directly.
package stpropnci

import (
	"errors"
	"log"
	"sync"

	"stpropnci.dev/nci"
	"stpropnci.dev/nci/android"
	"stpropnci.dev/nci/diag"
	"stpropnci.dev/nci/pump"
	"stpropnci.dev/nci/registry"
	"stpropnci.dev/nci/state"
	"stpropnci.dev/nci/stdmod"
	"stpropnci.dev/nci/vendmod"
)

// Outbound delivers a frame to the NFCC (toNFCC=true) or the host NFC
// stack (toNFCC=false). Matches the source's outbound_cb.
type Outbound func(toNFCC bool, payload []byte)

// Config mirrors the source's halconfig struct, stored by ConfigSettings.
type Config struct {
	FieldTimerMS    int
	ActiveRWTimerMS int
	TraceLevel      int
}

// log levels accepted by ChangeLogLevel, matching the source's
// stpropnci_change_log_level(0/1/2).
const (
	LogError = 0
	LogDebug = 1
	LogInfo  = 2
)

// Context holds one instance of the message processor: its own state,
// pump, registry, and dispatchers. The zero value is not usable; create
// one with NewContext. Most embedders use the package-level singleton API
// (Init, Process, ...) instead of constructing a Context directly, per
// spec.md §9's "library with exactly one active context per process"
// design note.
type Context struct {
	// mu is the re-entry lock (spec §5): held across the full body of
	// Process and Inform, never across an outbound delivery the pump
	// makes from its own worker goroutine.
	mu          sync.Mutex
	initialized bool

	logLevel int
	log      *log.Logger

	state *state.State
	pump  *pump.Pump
	reg   *registry.Registry
	std   *stdmod.Dispatcher
	vend  *vendmod.Dispatcher
	andr  *android.Dispatcher
}

// NewContext returns an uninitialized Context. Call Init before using it.
func NewContext() *Context {
	return &Context{log: log.Default()}
}

// Init zeroes global state and installs out as the outbound callback,
// starting the pump and registry. Reentrant: a Context already
// initialized is first torn down via deinit's obligations, then
// reinitialized, so repeated calls are idempotent (spec §4.8).
func (c *Context) Init(logLevel int, out Outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		c.teardownLocked()
	}

	c.logLevel = logLevel
	c.state = state.New()
	c.reg = &registry.Registry{}
	c.pump = pump.New(pump.Outbound(out), c.log)
	c.std = stdmod.New(c.state, c.pump, c.log)
	c.vend = vendmod.New(c.state, c.pump, c.reg, c.log)
	c.andr = android.New(c.state, c.pump, c.reg, c.log)
	c.pump.Start()
	c.initialized = true
	c.logf(LogInfo, "stpropnci: init (log level %d)", logLevel)
	return true
}

// ChangeLogLevel adjusts which of this Context's own diagnostic lines
// reach the logger (0: errors only, 1: +debug, 2: +info), matching the
// source's stpropnci_change_log_level. Per-component dispatcher logging
// (S/V/A) is unconditional, as documented in SPEC_FULL.md §7a.
func (c *Context) ChangeLogLevel(level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLevel = level
}

// ConfigSettings stores cfg and, if a Context is initialized, applies the
// watchdog timer fields immediately so a later FIELD_ON_TOO_LONG /
// ACTIVE_RW_TOO_LONG arm uses the new delay.
func (c *Context) ConfigSettings(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return
	}
	c.state.Lock()
	if cfg.FieldTimerMS > 0 {
		c.state.FieldTimerMS = cfg.FieldTimerMS
	}
	if cfg.ActiveRWTimerMS > 0 {
		c.state.ActiveRWTimerMS = cfg.ActiveRWTimerMS
	}
	c.state.TraceLevel = cfg.TraceLevel
	c.state.Unlock()
}

// passthroughToggleCmd is the byte-exact enable-passthrough CMD SetPassthrough
// synthesizes: GIDProp/OIDPropST, sub-opcode STSubSetLibPassthrough, param 1
// (enable). Matches scenario S5 (`2F 01 02 00 01`).
var passthroughToggleCmd = []byte{0x2F, 0x01, 0x02, 0x00, 0x01}

// setPassthrough emits the vendor CMD that toggles passthrough mode,
// processing it through the same path a stack-originated toggle would
// take (vendmod's STSubSetLibPassthrough handler both flips
// state.State.Passthrough and replies to the stack). Only valid in a
// product build; see passthrough_debug.go.
func (c *Context) setPassthrough() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return false
	}
	return c.processLocked(false, true, passthroughToggleCmd)
}

// Deinit sets must-exit, wakes and joins the pump, frees every queued
// message and watchdog, and clears the registry, leaving the Context
// ready for a subsequent Init to start from empty queues.
func (c *Context) Deinit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Context) teardownLocked() {
	if !c.initialized {
		return
	}
	c.pump.Stop()
	c.reg.Reset()
	c.state = nil
	c.pump = nil
	c.reg = nil
	c.std = nil
	c.vend = nil
	c.andr = nil
	c.initialized = false
}

// Process handles one frame (spec §4.8): on from-NFCC traffic, ack-
// matching runs in the pump first; if passthrough is active, only the
// passthrough-toggle CMD is dispatched, everything else from the stack is
// reported not-handled and from-NFCC traffic is pump-posted for
// bookkeeping only; otherwise the frame is offered to the registry, then
// to the one dispatcher its gid and opcode select (see dispatchLocked);
// anything neither consumes is enqueued as plain passthrough so it is still sent and
// ack-tracked. The return value distinguishes "consumed" (the caller must
// not also forward the frame itself) from "not handled" (the caller must
// forward it).
func (c *Context) Process(dirFromUpper bool, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		c.log.Printf("stpropnci: process called before init")
		return false
	}
	return c.processLocked(false, dirFromUpper, payload)
}

// Inform mirrors Process in read-only mode: only identity-capturing state
// updates (CORE_RESET_NTF's manufacturer/CLF-mode capture, in the standard
// dispatcher) run; nothing is synthesized, registered, or posted.
func (c *Context) Inform(dirFromUpper bool, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	c.processLocked(true, dirFromUpper, payload)
}

// processLocked implements both Process and Inform. Caller holds c.mu.
func (c *Context) processLocked(informOnly, dirFromUpper bool, payload []byte) bool {
	hdr, err := nci.ParseHeader(payload)
	if err != nil {
		c.logf(LogError, "stpropnci: %v", err)
		return false
	}
	mt, gid, oid := hdr.MT, hdr.GID, hdr.OID

	if informOnly {
		c.dispatchLocked(true, dirFromUpper, payload, mt, gid, oid)
		return false
	}

	if !dirFromUpper {
		if c.pump.Got(payload, mt, gid, oid) {
			return true
		}
	}

	c.state.Lock()
	passthrough := c.state.Passthrough
	c.state.Unlock()

	if passthrough {
		if !dirFromUpper {
			// Still pump-posted so ack/credit bookkeeping stays consistent.
			return c.pump.Post(false, payload, nil)
		}
		if !isPassthroughToggle(payload, mt, gid, oid) {
			return false
		}
		// Fall through: the toggle CMD is dispatched normally so vendmod
		// can flip the flag (including back off) and reply to the stack.
	}

	if c.reg.Process(dirFromUpper, payload, mt, gid, oid) {
		return true
	}
	if c.dispatchLocked(false, dirFromUpper, payload, mt, gid, oid) {
		return true
	}

	// Nothing consumed it: forward as plain passthrough, to whichever side
	// did not originate it.
	return c.pump.Post(dirFromUpper, payload, nil)
}

// dispatchLocked offers the frame to the appropriate dispatcher: under
// GIDProp, OIDPropAndroid frames go to the Android dispatcher and every
// other opcode to the vendor dispatcher (which passes through, as
// handled, any CMD it does not own); every other gid (GIDCore,
// GIDRFManage, GIDEEManage, and DATA frames, which carry a connection id
// in the gid field) belongs to the standard dispatcher. Routing by gid,
// rather than trying all three unconditionally, avoids feeding vendor
// frames to the standard dispatcher's unrecognized-gid warning. Caller
// holds c.mu.
func (c *Context) dispatchLocked(informOnly, dirFromUpper bool, payload []byte, mt, gid, oid uint8) bool {
	if gid == nci.GIDProp {
		if nci.IsVendorPropAndroid(gid, oid) {
			return c.andr.Process(informOnly, dirFromUpper, payload, mt, gid, oid)
		}
		return c.vend.Process(informOnly, dirFromUpper, payload, mt, gid, oid)
	}
	return c.std.Process(informOnly, dirFromUpper, payload, mt, gid, oid)
}

// isPassthroughToggle reports whether payload is the STSubSetLibPassthrough
// CMD under GIDProp/OIDPropST, the one frame the passthrough gate still
// dispatches while passthrough is active (spec §4.9).
func isPassthroughToggle(payload []byte, mt, gid, oid uint8) bool {
	return mt == nci.MTCmd && gid == nci.GIDProp && oid == nci.OIDPropST &&
		len(payload) > 3 && payload[3] == nci.STSubSetLibPassthrough
}

// Dump returns a point-in-time diagnostic snapshot of this Context's
// shared state, pump queue depths, and registry size, for an embedder's
// bug reports or a `cmd/ncisim dump` invocation (SPEC_FULL.md §7b).
func (c *Context) Dump() (diag.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return diag.Snapshot{}, errors.New("stpropnci: dump called before init")
	}

	c.state.Lock()
	snap := diag.Snapshot{
		Passthrough:      c.state.Passthrough,
		CLFMode:          int(c.state.CLFMode),
		HWVersion:        c.state.HWVersion,
		FWMajor:          c.state.FWMajor,
		FWMinor:          c.state.FWMinor(),
		FWRev:            c.state.FWRev,
		ObservePerTech:   c.state.ObservePerTech,
		ObserveSuspended: c.state.ObserveSuspended,
		ActiveNFCEEIDs:   append([]uint8(nil), c.state.ActiveNFCEEIDs...),
		ESEStuck:         c.state.ESEStuck,
		HCILentCredits:   c.state.HCILentCredits,
	}
	for _, e := range c.state.EEInfo {
		snap.EEInfo = append(snap.EEInfo, diag.NFCEEEntry{
			NFCEEID: e.NFCEEID, LA: e.LA, LB: e.LB, LF: e.LF,
		})
	}
	c.state.Unlock()

	snap.PoolDepth, snap.ToSendDepth, snap.ToAckDepth, snap.WatchdogCount = c.pump.QueueDepths()
	snap.RegistryCount = c.reg.Count()
	return snap, nil
}

// logf emits a Core Entry diagnostic line if level is enabled by the
// current log level, matching the source's LOG_E/LOG_D/LOG_I severity
// gating (stpropnci_change_log_level). Caller holds c.mu.
func (c *Context) logf(level int, format string, args ...any) {
	if level > c.logLevel {
		return
	}
	c.log.Printf(format, args...)
}
