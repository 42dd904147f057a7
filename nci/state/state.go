// Package state holds the shared global state (spec §3) read and mutated
// by the standard dispatcher, the vendor dispatcher, and the Android
// translator. It is split out of those packages to avoid an import cycle:
// all three observe fields the others set (for example, the Android
// translator's GET_CAPS reply reads the firmware identity the standard
// dispatcher captures from CORE_RESET_NTF), and Core Entry wires one shared
// *State into all three rather than having them import each other.
package state

import (
	"sync"
	"time"
)

// CLFMode is the controller's current operating mode, set from
// CORE_RESET_NTF's trigger byte.
type CLFMode int

const (
	CLFUnknown CLFMode = iota
	CLFLoader
	CLFRouterDisabled
	CLFRouterEnabled
	CLFRouterUSBCharging
)

// Hardware version bytes, the first byte of manufacturer-specific-info.
const (
	HWVersionST21NFCD uint8 = 0x04
	HWVersionST54J    uint8 = 0x05
	HWVersionST54L    uint8 = 0x06
	HWVersionST21NFCL uint8 = 0x07
)

// ManufacturerIDST identifies an ST CORE_RESET_NTF; manufacturer info from
// any other vendor id is ignored.
const ManufacturerIDST uint8 = 0x02

// Protocol-mask bits folded into an NFCEEEntry by rf/ee-discovery-req.
const (
	ProtoT2TMask uint8 = 0x01
	ProtoT4TMask uint8 = 0x02
	ProtoT3TMask uint8 = 0x04
)

// NFCEEEntry tracks the listen-A/B/F protocol mask discovered for one
// NFCEE id.
type NFCEEEntry struct {
	NFCEEID    uint8
	LA, LB, LF uint8
}

// State is the process-wide mutable state described in spec §3. All
// fields are protected by the embedded mutex; callers must Lock/Unlock
// around any read-modify-write sequence that spans more than one field.
type State struct {
	mu sync.Mutex

	Passthrough bool
	CLFMode     CLFMode

	// Chip identity, captured from CORE_RESET_NTF.
	ManufInfo  [40]byte
	ManufLen   int
	HWVersion  uint8
	FWMajor    uint8
	fwMinorRaw uint8 // byte 3 of manuf info; bit 7 is FWMinorBis
	FWRev      uint16

	// Observe mode.
	ObservePerTech   bool
	ObserveSuspended bool

	// Polling-frame synthesis.
	InsideCardEmulation bool

	// Power monitor.
	PowerMonActiveRW   bool
	PowerMonErrorCount int

	// NFCEE tracking.
	ActiveNFCEEIDs []uint8
	WaitingNFCEE   bool
	WaitingNFCEEID uint8
	EEInfo         []NFCEEEntry

	// APDU gate.
	APDUGateReady      bool
	APDUGatePipe       uint8
	APDUTransmitWaitMS int

	// HCI reassembly.
	HCIBuf         [1024]byte
	HCIWritePos    int
	HCILentCredits int

	// Deactivation pacing.
	LastRFTx time.Time

	// UID/SAK command.
	UIDSAKGetConfig bool // true: awaiting get-config rsp; false: awaiting set-config rsp
	UID             []byte
	SAK             uint8

	// Reader activation.
	IsReaderActivation bool
	IsTxEmptyIFrame    bool

	// Felica routing.
	ESEFelicaEnabled bool

	// Card emulation routing (set by the vendor "emulate-nfc-a" command).
	EmulateCardA bool

	// Custom polling.
	CustPollFrameSet bool
	RFIntfCustTx     bool

	// Secure-element stuck-frame detector.
	SELastTx         [5]byte
	SELastTxLen      int
	SERepeatCount    int
	SEPipeIsFragment [4]bool
	SELastRxParam    [30]byte
	SELastRxParamLen int
	ESEStuck         bool

	// Configuration, set by stpropnci.Context.ConfigSettings (the source's
	// halconfig struct).
	FieldWatchdogEnabled    bool
	ActiveRWWatchdogEnabled bool
	FieldTimerMS            int
	ActiveRWTimerMS         int
	TraceLevel              int
}

// DefaultFieldTimerMS and DefaultActiveRWTimerMS are the watchdog delays in
// effect absent an explicit ConfigSettings call, matching the source's
// halconfig defaults.
const (
	DefaultFieldTimerMS    = 20000
	DefaultActiveRWTimerMS = 5000
)

// New returns a State with the watchdogs enabled and their delays defaulted,
// matching the source's halconfig defaults absent an explicit config_settings
// call.
func New() *State {
	return &State{
		FieldWatchdogEnabled:    true,
		ActiveRWWatchdogEnabled: true,
		FieldTimerMS:            DefaultFieldTimerMS,
		ActiveRWTimerMS:         DefaultActiveRWTimerMS,
	}
}

func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// Reset zeroes every field except the watchdog enable flags and delays,
// which keep their current values, matching deinit's obligation to leave
// a clean slate for a subsequent init.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.FieldWatchdogEnabled
	rwCfg := s.ActiveRWWatchdogEnabled
	fieldMS := s.FieldTimerMS
	rwMS := s.ActiveRWTimerMS
	*s = State{}
	s.FieldWatchdogEnabled = cfg
	s.ActiveRWWatchdogEnabled = rwCfg
	s.FieldTimerMS = fieldMS
	s.ActiveRWTimerMS = rwMS
}

// FWMinor and FWMinorBis split the manufacturer-info minor-version byte.
func (s *State) FWMinor() uint8     { return s.fwMinorRaw & 0x7F }
func (s *State) FWMinorBis() bool   { return s.fwMinorRaw&0x80 != 0 }
func (s *State) SetFWMinorRaw(v uint8) { s.fwMinorRaw = v }

// IsHW54LFamily reports whether the captured hardware version is one of
// the 54L-family parts (ST21NFCL, ST54L).
func (s *State) IsHW54LFamily() bool {
	return s.HWVersion == HWVersionST21NFCL || s.HWVersion == HWVersionST54L
}

// FirmwareGeneration returns the firmware generation (1, 2, or 3) implied
// by the captured hardware/firmware version, or 0 if unrecognized. See
// SPEC_FULL.md §7c.
func (s *State) FirmwareGeneration() int {
	switch {
	case s.IsHW54LFamily() && s.FWMajor == 0x02:
		return 3
	case (s.HWVersion == HWVersionST21NFCD && s.FWMajor == 0x13) ||
		(s.HWVersion == HWVersionST54J && s.FWMajor == 0x03):
		return 2
	case (s.HWVersion == HWVersionST21NFCD && s.FWMajor == 0x01) ||
		(s.HWVersion == HWVersionST54J && (s.FWMajor == 0x01 || s.FWMajor == 0x02)) ||
		(s.IsHW54LFamily() && s.FWMajor == 0x01):
		return 1
	default:
		return 0
	}
}

// EEInfoIndex returns the index of the NFCEEEntry for id, creating one if
// absent. Caller holds the lock.
func (s *State) EEInfoIndex(id uint8) int {
	for i := range s.EEInfo {
		if s.EEInfo[i].NFCEEID == id {
			return i
		}
	}
	s.EEInfo = append(s.EEInfo, NFCEEEntry{NFCEEID: id})
	return len(s.EEInfo) - 1
}
