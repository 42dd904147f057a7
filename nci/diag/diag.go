// Package diag implements a point-in-time diagnostic snapshot of the
// message processor's global state, encoded with CBOR for a compact,
// wire-stable dump an embedder can log or ship off-device. Grounded on
// the teacher's bc/urtypes package, which uses the same
// github.com/fxamacker/cbor/v2 library with deterministic encoding
// options for compact, stable-byte-order binary records.
package diag

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// NFCEEEntry mirrors state.NFCEEEntry for the wire snapshot, keeping
// nci/diag free of a direct dependency on nci/state's internal layout.
type NFCEEEntry struct {
	NFCEEID uint8 `cbor:"1,keyasint"`
	LA      uint8 `cbor:"2,keyasint"`
	LB      uint8 `cbor:"3,keyasint"`
	LF      uint8 `cbor:"4,keyasint"`
}

// Snapshot is a CBOR-encodable dump of the fields an embedder or a bug
// report most often needs: chip identity, mode, NFCEE table, and queue
// depths. It deliberately omits per-frame history and the raw HCI
// reassembly buffer, which are transient and unbounded in size.
type Snapshot struct {
	Passthrough bool `cbor:"1,keyasint"`
	CLFMode     int  `cbor:"2,keyasint"`

	HWVersion uint8  `cbor:"3,keyasint"`
	FWMajor   uint8  `cbor:"4,keyasint"`
	FWMinor   uint8  `cbor:"5,keyasint"`
	FWRev     uint16 `cbor:"6,keyasint"`

	ObservePerTech   bool `cbor:"7,keyasint"`
	ObserveSuspended bool `cbor:"8,keyasint"`

	ActiveNFCEEIDs []uint8      `cbor:"9,keyasint,omitempty"`
	EEInfo         []NFCEEEntry `cbor:"10,keyasint,omitempty"`

	ESEStuck bool `cbor:"11,keyasint"`

	HCILentCredits int `cbor:"12,keyasint"`

	// Pump queue depths at the time of the dump.
	PoolDepth     int `cbor:"13,keyasint"`
	ToSendDepth   int `cbor:"14,keyasint"`
	ToAckDepth    int `cbor:"15,keyasint"`
	WatchdogCount int `cbor:"16,keyasint"`
	RegistryCount int `cbor:"17,keyasint"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

// Encode returns the deterministic CBOR encoding of s.
func (s Snapshot) Encode() ([]byte, error) {
	enc, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("diag: encode: %w", err)
	}
	return enc, nil
}

// Parse decodes a Snapshot previously produced by Encode.
func Parse(enc []byte) (Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(enc, &s); err != nil {
		return Snapshot{}, fmt.Errorf("diag: parse: %w", err)
	}
	return s, nil
}
