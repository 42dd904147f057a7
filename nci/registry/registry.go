// Package registry implements the Callback Registry (R): an unordered
// collection of sub-module interceptors matched on (mt, gid, oid, suboid),
// with snapshot-then-call dispatch so the registry lock is never held
// across user callback code (spec §4.3).
package registry

import (
	"sync"

	"stpropnci.dev/nci"
)

// Callback is invoked for a frame matching a registration. It returns
// true if it handled the frame (dispatch stops at the first such
// callback).
type Callback func(dirFromUpper bool, payload []byte, mt, gid, oid uint8) bool

// maxSnapshot bounds how many matching callbacks are collected per
// dispatch, mirroring the source's fixed-size MAX_CBS stack array.
const maxSnapshot = 10

// Handle identifies a registration for a later Unregister call. The
// source identifies registrations by callback function pointer; Go has
// no equivalent function identity, so Register returns an opaque Handle
// instead.
type Handle uint64

type entry struct {
	id                                        Handle
	cb                                        Callback
	matchMT, matchGID, matchOID, matchSuboid bool
	mt, gid, oid, suboid                     uint8
}

// Registry holds the current set of registered interceptors.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	nextID  Handle
}

// Match describes which fields of an interceptor must match for a
// registration. A nil field means "don't care" for that position.
type Match struct {
	MT     *uint8
	GID    *uint8
	OID    *uint8
	Suboid *uint8
}

// Register adds cb with the given match fields and returns a Handle for
// a later Unregister call.
func (r *Registry) Register(cb Callback, m Match) Handle {
	e := entry{cb: cb}
	if m.MT != nil {
		e.matchMT, e.mt = true, *m.MT
	}
	if m.GID != nil {
		e.matchGID, e.gid = true, *m.GID
	}
	if m.OID != nil {
		e.matchOID, e.oid = true, *m.OID
	}
	if m.Suboid != nil {
		e.matchSuboid, e.suboid = true, *m.Suboid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.id = r.nextID
	// Unordered list; add at head like the source, for O(1) insert.
	r.entries = append([]entry{e}, r.entries...)
	return e.id
}

// Unregister removes the registration identified by h, if still present.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == h {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Count reports the number of active registrations, for diagnostic
// snapshots (see nci/diag).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset removes every registration, matching the deinit-time behavior of
// freeing every interceptor record back to its pool.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// Process derives the sub-opcode for (mt, gid, oid, payload) per the
// vendor-group sub-opcode convention in spec §4.3, then dispatches to
// every matching callback in turn until one reports handled.
func (r *Registry) Process(dirFromUpper bool, payload []byte, mt, gid, oid uint8) bool {
	suboid := deriveSuboid(payload, mt, gid, oid)

	r.mu.Lock()
	var snap [maxSnapshot]Callback
	n := 0
	for _, e := range r.entries {
		if e.matchMT && e.mt != mt {
			continue
		}
		if e.matchGID && e.gid != gid {
			continue
		}
		if e.matchOID && e.oid != oid {
			continue
		}
		if e.matchSuboid && e.suboid != suboid {
			continue
		}
		if n == maxSnapshot {
			break
		}
		snap[n] = e.cb
		n++
	}
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		if snap[i](dirFromUpper, payload, mt, gid, oid) {
			return true
		}
	}
	return false
}

// deriveSuboid extracts the sub-opcode byte per the convention in
// spec §4.3: CMD carries it at payload[3], NTF at payload[4] (after a
// status byte), RSP has none (0), and the android wrapper opcode carries
// it at payload[3] regardless of mt.
func deriveSuboid(payload []byte, mt, gid, oid uint8) uint8 {
	if gid != nci.GIDProp {
		return 0
	}
	switch {
	case oid == nci.OIDPropAndroid:
		return at(payload, 3)
	case mt == nci.MTCmd:
		return at(payload, 3)
	case mt == nci.MTNtf:
		return at(payload, 4)
	default:
		return 0
	}
}

func at(payload []byte, i int) uint8 {
	if i >= len(payload) {
		return 0
	}
	return payload[i]
}
