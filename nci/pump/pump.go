// Package pump implements the Pump (P): the outbound scheduler owning the
// to-send/awaiting-ack/pool message queues, the watchdog list, and the
// background worker goroutine that drains them, retransmits unacknowledged
// commands and data once, and synthesizes recovery notifications on
// timeout (spec §4.4).
package pump

import (
	"log"
	"sync"
	"time"

	"stpropnci.dev/nci"
)

// DelayForAck is the time an outstanding CMD/DATA is given to be
// acknowledged before the pump retransmits it once.
const DelayForAck = 700 * time.Millisecond

// Pool/queue depth thresholds above which Post logs a warning, matching
// the source's diagnostic heuristic for a misbehaving peer.
const (
	warnPoolDepth  = 20
	warnSendDepth  = 10
	warnAckDepth   = 10
)

// AbnormalCoreResetNTF is the byte-exact synthesized recovery notification
// this pump emits to the stack on an unrecoverable timeout.
var AbnormalCoreResetNTF = []byte{0x60, 0x00, 0x05, 0x00, 0x01, 0x20, 0x02, 0x00}

// WatchdogKind identifies which liveness invariant a watchdog protects.
type WatchdogKind int

const (
	FieldOnTooLong WatchdogKind = iota + 1
	ActiveRWTooLong
)

// RspCallback is attached to a CMD sent to the NFCC; it is invoked with
// the matching RSP when it arrives, and its return value becomes the
// "handled" status reported to the caller of Process.
type RspCallback func(payload []byte, mt, gid, oid uint8) bool

// Outbound delivers a frame to the stack (toNFCC=false) or to the NFCC
// (toNFCC=true). It must not block on anything the pump itself would
// need to make progress.
type Outbound func(toNFCC bool, payload []byte)

type message struct {
	payload        [nci.MaxMessageLen]byte
	n              int
	toNFCC         bool
	sentAt         time.Time
	retried        bool
	rspcb          RspCallback
	mt, gidOrCid, oid uint8
}

func (m *message) bytes() []byte { return m.payload[:m.n] }

type watchdog struct {
	expiry time.Time
	kind   WatchdogKind
}

// Pump is the outbound scheduler. The zero value is not usable; create
// one with New.
type Pump struct {
	mu   sync.Mutex
	cond *sync.Cond

	toSend []*message
	toAck  []*message
	pool   []*message

	toWatch []*watchdog

	mustExit bool
	worker   chan struct{} // closed when the worker goroutine returns

	out      Outbound
	log      *log.Logger
	ackDelay time.Duration // DelayForAck, overridable by tests in this package
}

// New creates a Pump that delivers frames through out and logs
// diagnostics to logger (nil uses log.Default()).
func New(out Outbound, logger *log.Logger) *Pump {
	if logger == nil {
		logger = log.Default()
	}
	p := &Pump{out: out, log: logger, ackDelay: DelayForAck}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the background worker. Calling Start twice without an
// intervening Stop is a programming error.
func (p *Pump) Start() {
	p.mu.Lock()
	p.mustExit = false
	p.worker = make(chan struct{})
	worker := p.worker
	p.mu.Unlock()
	go func() {
		defer close(worker)
		p.run()
	}()
}

// Stop sets the must-exit flag, wakes the worker, joins it, then frees
// every message and watchdog still queued, matching deinit's obligation
// that every resource is reclaimed and a subsequent Start begins empty.
func (p *Pump) Stop() {
	p.mu.Lock()
	p.mustExit = true
	worker := p.worker
	p.cond.Broadcast()
	p.mu.Unlock()

	if worker != nil {
		<-worker
	}

	p.mu.Lock()
	p.toSend = nil
	p.toAck = nil
	p.pool = nil
	p.toWatch = nil
	p.mu.Unlock()
}

// Post enqueues payload for delivery in direction toNFCC (true: to the
// NFCC; false: to the stack) with an optional response callback (only
// meaningful for to-NFCC CMD frames). It returns false if payload exceeds
// the maximum frame size.
func (p *Pump) Post(toNFCC bool, payload []byte, rspcb RspCallback) bool {
	if len(payload) > nci.MaxMessageLen {
		p.log.Printf("pump: post rejected, payload too large (%d bytes)", len(payload))
		return false
	}
	hdr, err := nci.ParseHeader(payload)
	if err != nil {
		p.log.Printf("pump: post rejected, %v", err)
		return false
	}

	m := p.getMessage()
	m.n = copy(m.payload[:], payload)
	m.toNFCC = toNFCC
	m.retried = false
	m.sentAt = time.Time{}
	m.rspcb = rspcb
	m.mt = hdr.MT
	m.gidOrCid = hdr.GID
	m.oid = hdr.OID

	p.mu.Lock()
	p.toSend = append(p.toSend, m)
	nPool, nSend, nAck := len(p.pool), len(p.toSend), len(p.toAck)
	p.cond.Broadcast()
	p.mu.Unlock()

	if nPool > warnPoolDepth || nSend > warnSendDepth || nAck > warnAckDepth {
		p.log.Printf("pump: queue depths growing (pool=%d toSend=%d toAck=%d)", nPool, nSend, nAck)
	}
	return true
}

// WatchdogAdd arms a watchdog of the given kind, expiring after delay.
func (p *Pump) WatchdogAdd(kind WatchdogKind, delay time.Duration) bool {
	w := p.getWatchdog()
	w.kind = kind
	w.expiry = time.Now().Add(delay)

	p.mu.Lock()
	defer p.mu.Unlock()
	i := 0
	for ; i < len(p.toWatch); i++ {
		if p.toWatch[i].expiry.After(w.expiry) {
			break
		}
	}
	p.toWatch = append(p.toWatch, nil)
	copy(p.toWatch[i+1:], p.toWatch[i:])
	p.toWatch[i] = w
	p.cond.Broadcast()
	return true
}

// WatchdogRemove deletes every armed watchdog of the given kind.
func (p *Pump) WatchdogRemove(kind WatchdogKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.toWatch[:0]
	for _, w := range p.toWatch {
		if w.kind == kind {
			p.putWatchdog(w)
			continue
		}
		kept = append(kept, w)
	}
	p.toWatch = kept
}

// QueueDepths reports the current pool/to-send/to-ack/watchdog list
// lengths, for diagnostic snapshots (see nci/diag).
func (p *Pump) QueueDepths() (pool, toSend, toAck, watchdogs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pool), len(p.toSend), len(p.toAck), len(p.toWatch)
}

// Got implements the pump's ack-matching on reception (spec §4.4): called
// before any dispatcher sees a from-NFCC frame, it releases the awaiting
// CMD or DATA the frame acknowledges, if any, and returns whether a
// registered response callback handled it.
func (p *Pump) Got(payload []byte, mt, gid, oid uint8) (handled bool) {
	switch {
	case mt == nci.MTRsp:
		p.mu.Lock()
		idx := -1
		for i, e := range p.toAck {
			if e.toNFCC && e.mt == nci.MTCmd && e.gidOrCid == gid && e.oid == oid {
				idx = i
				break
			}
		}
		if idx < 0 {
			p.mu.Unlock()
			return false
		}
		e := p.toAck[idx]
		p.toAck = append(p.toAck[:idx:idx], p.toAck[idx+1:]...)
		cb := e.rspcb
		p.putMessage(e)
		p.mu.Unlock()
		if cb != nil {
			return cb(payload, mt, gid, oid)
		}
		return false

	case mt == nci.MTNtf && gid == nci.GIDCore && oid == oidConnCredits && len(payload) == 6:
		connid := payload[4]
		p.mu.Lock()
		idx := -1
		for i, e := range p.toAck {
			if e.toNFCC && e.mt == nci.MTData && e.gidOrCid == connid {
				idx = i
				break
			}
		}
		if idx >= 0 {
			e := p.toAck[idx]
			p.toAck = append(p.toAck[:idx:idx], p.toAck[idx+1:]...)
			p.putMessage(e)
		}
		p.mu.Unlock()
		return false

	default:
		return false
	}
}

// oidConnCredits is NCI_MSG_CORE_CONN_CREDITS under GIDCore.
const oidConnCredits = 0x06

func (p *Pump) getMessage() *message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.pool); n > 0 {
		m := p.pool[n-1]
		p.pool = p.pool[:n-1]
		*m = message{}
		return m
	}
	return &message{}
}

func (p *Pump) putMessage(m *message) {
	// Caller holds p.mu.
	p.pool = append(p.pool, m)
}

func (p *Pump) getWatchdog() *watchdog {
	return &watchdog{}
}

func (p *Pump) putWatchdog(w *watchdog) {
	// No pool for watchdogs: Go's GC makes the source's wdPool free-list
	// unnecessary; only the ordering contract in WatchdogAdd matters.
	_ = w
}

// run is the pump worker loop (spec §4.4 steps 1-6).
func (p *Pump) run() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.mustExit {
			return
		}

		skipCmd, skipData := false, false
		for _, e := range p.toAck {
			if e.mt == nci.MTCmd {
				skipCmd = true
			}
			if e.mt == nci.MTData {
				skipData = true
			}
		}

		dispatched := false
		for {
			m, rest := popFirstExcept(p.toSend, skipCmd, skipData)
			if m == nil {
				break
			}
			p.toSend = rest
			dispatched = true
			if m.toNFCC {
				p.out(true, m.bytes())
				m.sentAt = time.Now()
				p.toAck = append(p.toAck, m)
				if m.mt == nci.MTCmd {
					skipCmd = true
				}
				if m.mt == nci.MTData {
					skipData = true
				}
			} else {
				p.mu.Unlock()
				p.out(false, m.bytes())
				p.mu.Lock()
				p.putMessage(m)
			}
		}

		if len(p.toAck) > 0 {
			head := p.toAck[0]
			if time.Since(head.sentAt) > p.ackDelay {
				if !head.retried {
					head.retried = true
					p.toAck = p.toAck[1:]
					p.toSend = append([]*message{head}, p.toSend...)
					continue
				}
				p.toAck = p.toAck[1:]
				if head.mt == nci.MTData {
					p.mu.Unlock()
					p.out(false, AbnormalCoreResetNTF)
					p.mu.Lock()
				}
				p.putMessage(head)
				dispatched = true
			}
		}

		if len(p.toWatch) > 0 {
			head := p.toWatch[0]
			if !time.Now().Before(head.expiry) {
				p.toWatch = p.toWatch[1:]
				p.mu.Unlock()
				p.out(false, AbnormalCoreResetNTF)
				p.mu.Lock()
				p.putWatchdog(head)
				dispatched = true
			}
		}

		if p.mustExit {
			return
		}

		if dispatched {
			continue
		}

		if len(p.toSend) == 0 {
			deadline, have := p.deadlineLocked()
			if !have {
				p.cond.Wait()
			} else {
				p.waitUntilLocked(deadline)
			}
		} else {
			// Entries remain but both CMD and DATA are blocked; poll.
			p.mu.Unlock()
			time.Sleep(time.Millisecond)
			p.mu.Lock()
		}
	}
}

// deadlineLocked computes the earliest time the worker must wake even
// without a signal: either the head of awaiting-ack reaching its
// retransmit deadline, or the head of the watchdog list expiring.
// Caller holds p.mu.
func (p *Pump) deadlineLocked() (time.Time, bool) {
	var deadline time.Time
	have := false
	if len(p.toAck) > 0 {
		d := p.toAck[0].sentAt.Add(p.ackDelay)
		deadline, have = d, true
	}
	if len(p.toWatch) > 0 {
		d := p.toWatch[0].expiry
		if !have || d.Before(deadline) {
			deadline, have = d, true
		}
	}
	return deadline, have
}

// waitUntilLocked blocks on p.cond until deadline or a signal, whichever
// comes first. Caller holds p.mu; it is released while waiting and
// reacquired before returning, per sync.Cond.Wait's contract.
func (p *Pump) waitUntilLocked(deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()
	p.cond.Wait()
}

// popFirstExcept returns the first entry in q that is dispatchable (a
// to-stack entry is always dispatchable; a to-NFCC CMD is blocked while
// skipCmd, a to-NFCC DATA while skipData) and q with that entry removed,
// preserving the relative order of the rest.
func popFirstExcept(q []*message, skipCmd, skipData bool) (*message, []*message) {
	for i, m := range q {
		if m.toNFCC {
			if m.mt == nci.MTCmd && skipCmd {
				continue
			}
			if m.mt == nci.MTData && skipData {
				continue
			}
		}
		rest := append(append([]*message{}, q[:i]...), q[i+1:]...)
		return m, rest
	}
	return nil, q
}
