// Package stdmod implements the Standard Dispatcher (S): the rules keyed
// on the standard NCI groups (core, rf-management, nfcee-management, and
// DATA) — routing-table rewriting, watchdog arming, deactivation pacing,
// EE-action remapping, and activation-notification splitting (spec §4.5).
// Grounded directly on stpropnci_std.cc's stpropnci_process_std.
package stdmod

import (
	"log"
	"time"

	"stpropnci.dev/nci"
	"stpropnci.dev/nci/pump"
	"stpropnci.dev/nci/scratch"
	"stpropnci.dev/nci/state"
)

// Dispatcher handles standard-group frames. The zero value is not usable;
// create one with New.
type Dispatcher struct {
	st  *state.State
	p   *pump.Pump
	log *log.Logger
	buf scratch.Buffer
}

// New creates a Dispatcher sharing st and p with the rest of the core.
func New(st *state.State, p *pump.Pump, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{st: st, p: p, log: logger}
}

// Process handles one standard-group frame (full is the whole NCI frame,
// header included). informOnly mirrors Core Entry's inform path: only
// identity-capturing state updates run, nothing is synthesized or posted.
// It returns true if the frame was fully handled (the caller must not
// forward it upstream).
func (d *Dispatcher) Process(informOnly, dirFromUpper bool, full []byte, mt, gid, oid uint8) bool {
	if informOnly {
		if mt == nci.MTNtf && gid == nci.GIDCore && oid == nci.OIDCoreReset {
			d.processCoreResetNTF(full)
		}
		return false
	}

	if mt == nci.MTData {
		return d.processData(dirFromUpper, full, gid)
	}

	switch gid {
	case nci.GIDCore:
		return d.processCore(mt, oid, full)
	case nci.GIDRFManage:
		return d.processRF(mt, oid, full)
	case nci.GIDEEManage:
		return d.processEE(mt, oid, full)
	default:
		d.log.Printf("stdmod: unexpected gid 0x%02x", gid)
		return false
	}
}

func (d *Dispatcher) processData(dirFromUpper bool, full []byte, connID uint8) bool {
	switch connID {
	case nci.ConnIDRF:
		d.st.Lock()
		defer d.st.Unlock()
		if dirFromUpper {
			d.st.LastRFTx = time.Now()
			if d.st.IsReaderActivation && len(full) == 3 {
				d.st.IsTxEmptyIFrame = true
			}
			return false
		}
		d.st.LastRFTx = time.Time{}
		if d.st.IsReaderActivation && len(full) == 3 {
			if d.st.IsTxEmptyIFrame {
				d.st.IsTxEmptyIFrame = false
				return false
			}
			// Discard the extra empty I-frame the firmware emits after a
			// presence-check exchange; not a real response to forward.
			return true
		}
		return false
	default:
		return false
	}
}

func (d *Dispatcher) processCore(mt, oid uint8, full []byte) bool {
	switch oid {
	case nci.OIDCoreReset:
		if mt == nci.MTNtf {
			d.processCoreResetNTF(full)
		}
		return false

	case nci.OIDCoreGenericError:
		if mt != nci.MTNtf || len(full) <= 3 {
			return false
		}
		status := full[3]
		switch status {
		case nci.StatusActivationFailed:
			d.p.WatchdogRemove(pump.FieldOnTooLong)
		case nci.STStatusPropBufferOverflow:
			d.log.Printf("stdmod: NFCC overflow, triggering recovery")
			return d.sendCoreResetNTFRecovery(nci.STStatusPropBufferOverflow)
		case nci.STStatusPropPLLLockIssue:
			d.st.Lock()
			hw := d.st.HWVersion
			d.st.Unlock()
			if hw == state.HWVersionST21NFCD {
				d.log.Printf("stdmod: PLL lock error on ST21NFCD, triggering recovery")
				return d.sendCoreResetNTFRecovery(nci.STStatusPropPLLLockIssue)
			}
		}
		return false

	case nci.OIDCoreSetPowerSubState:
		if mt != nci.MTCmd || len(full) <= 3 {
			return false
		}
		target := full[3]
		d.st.Lock()
		armIt := d.st.ActiveRWWatchdogEnabled && d.st.PowerMonActiveRW && (target == 0x01 || target == 0x03)
		delayMS := d.st.ActiveRWTimerMS
		d.st.Unlock()
		if armIt {
			if !d.p.WatchdogAdd(pump.ActiveRWTooLong, time.Duration(delayMS)*time.Millisecond) {
				d.log.Printf("stdmod: failed to arm ACTIVE_RW_TOO_LONG watchdog")
			}
		}
		return false

	case nci.OIDCoreConnCredits:
		if mt != nci.MTNtf || len(full) < 6 {
			return false
		}
		connID := full[4]
		if connID != nci.ConnIDHCI {
			return false
		}
		granted := full[5]
		d.st.Lock()
		lent := d.st.HCILentCredits
		d.st.Unlock()
		if lent == 0 {
			return false
		}
		d.st.Lock()
		d.st.HCILentCredits--
		d.st.Unlock()
		if granted <= 1 {
			return true // absorb: do not forward to the stack
		}
		return d.forwardConnCreditsDecremented(granted - 1)

	default:
		return false
	}
}

// processCoreResetNTF captures manufacturer identity and CLF mode from a
// CORE_RESET_NTF, grounded on stpropnci_process_core_reset_ntf.
func (d *Dispatcher) processCoreResetNTF(full []byte) {
	if len(full) <= 8 {
		d.log.Printf("stdmod: CORE_RESET_NTF too short (%d bytes)", len(full))
		return
	}
	trigger := full[3]
	manufID := full[6]
	manufLen := int(full[7])
	if manufID != state.ManufacturerIDST {
		d.log.Printf("stdmod: CORE_RESET_NTF ignored, not ST (manuf id 0x%02x)", manufID)
		return
	}

	d.st.Lock()
	defer d.st.Unlock()

	captureInfo := func() {
		n := manufLen
		if n > len(d.st.ManufInfo) {
			n = len(d.st.ManufInfo)
		}
		d.st.ManufLen = n
		copy(d.st.ManufInfo[:], full[8:8+n])
		if n > 0 {
			d.st.HWVersion = d.st.ManufInfo[0]
		}
		if n > 2 {
			d.st.FWMajor = d.st.ManufInfo[2]
		}
		if n > 3 {
			d.st.SetFWMinorRaw(d.st.ManufInfo[3])
		}
		if n > 5 {
			d.st.FWRev = uint16(d.st.ManufInfo[4])<<8 | uint16(d.st.ManufInfo[5])
		}
	}

	switch trigger {
	case 0x00:
		// Unrecoverable error trigger on an unsolicited NTF; may be a
		// forged message, ignore it.
	case 0xA0: // after PROP_SET_NFC_MODE
		if 7+manufLen < len(full) {
			switch full[7+manufLen] {
			case 0x00:
				d.st.CLFMode = state.CLFRouterDisabled
			case 0x01:
				d.st.CLFMode = state.CLFRouterEnabled
			case 0x02:
				d.st.CLFMode = state.CLFRouterUSBCharging
			default:
				d.log.Printf("stdmod: unexpected CLF mode byte 0x%02x", full[7+manufLen])
			}
		}
		captureInfo()
	case 0x01, 0x02: // end of boot, or after CORE_RESET_CMD
		captureInfo()
	case 0xA2: // loader mode
		d.st.CLFMode = state.CLFLoader
	default:
		d.log.Printf("stdmod: unexpected CORE_RESET_NTF trigger 0x%02x", trigger)
	}
}

// sendCoreResetNTFRecovery builds and posts a synthesized CORE_RESET_NTF
// carrying hint as its trigger byte (if hint falls in the proprietary
// 0xA0+ range) or 0x00 otherwise, so the stack treats it as an abnormal
// reset requiring recovery.
func (d *Dispatcher) sendCoreResetNTFRecovery(hint uint8) bool {
	d.log.Printf("stdmod: generating CORE_RESET_NTF (hint 0x%02x)", hint)
	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTNtf, false, nci.GIDCore, nci.OIDCoreReset)
	trigger := uint8(0x00)
	if hint >= 0xA0 {
		trigger = hint
	}
	d.buf.AppendU8(trigger)
	d.buf.AppendU8(0x01) // configuration status
	d.buf.AppendU8(0x20) // NCI version
	d.buf.AppendU8(state.ManufacturerIDST)
	d.buf.AppendU8(0x00) // manufacturer data len
	d.buf.PatchLength(lenPos)
	return d.p.Post(false, d.buf.Bytes(), nil)
}

// forwardConnCreditsDecremented re-synthesizes a single-entry
// core/conn-credits NTF for the HCI connection carrying remaining credits,
// for the case where a lent credit absorbs only part of a multi-credit
// grant (spec §6's "pass it through with the credit count decremented by
// 1").
func (d *Dispatcher) forwardConnCreditsDecremented(remaining uint8) bool {
	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTNtf, false, nci.GIDCore, nci.OIDCoreConnCredits)
	d.buf.AppendU8(1) // number of entries
	d.buf.AppendU8(nci.ConnIDHCI)
	d.buf.AppendU8(remaining)
	d.buf.PatchLength(lenPos)
	return d.p.Post(false, d.buf.Bytes(), nil)
}

func (d *Dispatcher) processRF(mt, oid uint8, full []byte) bool {
	switch oid {
	case nci.OIDRFSetRouting:
		if mt != nci.MTCmd {
			return false
		}
		return d.rewriteSetRouting(full)

	case nci.OIDRFDiscover:
		if mt == nci.MTNtf {
			d.p.WatchdogRemove(pump.FieldOnTooLong)
			d.p.WatchdogRemove(pump.ActiveRWTooLong)
			d.st.Lock()
			d.st.PowerMonErrorCount = 0
			d.st.Unlock()
		}
		return false

	case nci.OIDRFIntfActivated:
		if mt != nci.MTNtf {
			return false
		}
		return d.handleIntfActivated(full)

	case nci.OIDRFDeactivate:
		if mt == nci.MTCmd {
			d.paceDeactivate()
		}
		return false

	case nci.OIDRFFieldInfo:
		if mt != nci.MTNtf || len(full) <= 3 {
			return false
		}
		d.handleFieldInfo(full[3])
		return false

	case nci.OIDRFEEAction:
		if mt != nci.MTNtf {
			return false
		}
		return d.handleEEAction(full)

	case nci.OIDRFEEDiscoveryReq:
		if mt == nci.MTNtf {
			d.handleEEDiscoveryReq(full)
		}
		return false

	default:
		return false
	}
}

// rewriteSetRouting implements the routing-table rewriting rule of
// spec §4.5. Entry layout per NCI: at full[5], nb_entries = full[4] fixed
// entries of (type|1, length|1, power-states|1, ...data); tech-routing
// entries (type nibble 0) carry the technology at data offset +4 and the
// route target at data offset +2, relative to the entry's start index.
func (d *Dispatcher) rewriteSetRouting(full []byte) bool {
	if len(full) < 5 {
		return false
	}
	nbEntries := int(full[4])
	idx := 5
	var idxA, idxB, idxF int
	var routeA, routeB, routeF uint8
	for n := 0; n < nbEntries && idx+4 < len(full); n++ {
		if full[idx]&0x0F == 0x00 {
			switch full[idx+4] {
			case nci.RFTechA:
				idxA, routeA = idx, full[idx+2]
			case nci.RFTechB:
				idxB, routeB = idx, full[idx+2]
			case nci.RFTechF:
				idxF, routeF = idx, full[idx+2]
			}
		}
		idx += int(full[idx+1]) + 2
	}

	d.st.Lock()
	cardA := d.st.EmulateCardA
	eseFelica := d.st.ESEFelicaEnabled
	d.st.Unlock()

	cp := append([]byte(nil), full...)
	if cardA && idxA != 0 && idxB != 0 {
		cp[idxA+2], cp[idxA+3] = 0x10, 0x3B
		cp[idxB+2], cp[idxB+3] = 0x10, 0x3B
	} else {
		if routeA != routeB && idxA != 0 && idxB != 0 {
			block := idxB
			if routeA == 0x00 {
				block = idxA
			}
			cp[block] |= 0x40
			cp[block+3] = 0x00
		}
		if !eseFelica && routeF == 0x86 && idxF != 0 {
			cp[idxF+2], cp[idxF+3] = 0x00, 0x11
		}
	}
	return d.p.Post(true, cp, nil)
}

// handleIntfActivated clears the liveness watchdogs, tracks reader-vs-card
// activation, and on a custom-passive-poll activation splits the frame
// into a one-shot proprietary notification plus a standard, rewritten
// RF_INTF_ACTIVATED_NTF (spec §4.5).
func (d *Dispatcher) handleIntfActivated(full []byte) bool {
	d.p.WatchdogRemove(pump.FieldOnTooLong)
	d.p.WatchdogRemove(pump.ActiveRWTooLong)

	if len(full) <= 6 {
		return false
	}
	discoveryType := full[6]

	d.st.Lock()
	d.st.PowerMonErrorCount = 0
	d.st.IsReaderActivation = discoveryType < nci.DiscoverTypeListenA
	custom := discoveryType == custPassivePollMode
	alreadySent := d.st.RFIntfCustTx
	if custom && !alreadySent {
		d.st.RFIntfCustTx = true
	}
	d.st.Unlock()

	if !custom {
		return false
	}

	if len(full) <= 10 {
		return false
	}

	if !alreadySent {
		d.buf.Reset()
		lenPos := d.buf.BuildHeader(nci.MTNtf, false, nci.GIDProp, nci.OIDPropST)
		d.buf.AppendU8(stPropRFIntfActivCustPollNTF)
		d.buf.AppendArray(full[3:3+int(full[2])])
		d.buf.PatchLength(lenPos)
		d.p.Post(false, d.buf.Bytes(), nil)
	}

	// Build the standard RF_INTF_ACTIVATED_NTF with the custom-poll
	// technology/protocol fields folded back onto standard encodings.
	lenTP := int(full[9]) - 2
	if lenTP < 0 || 13+lenTP > len(full) {
		return false
	}
	rfTechMode := uint8(nci.DiscoverTypePollA)
	if full[5] != nci.ProtocolUnknown {
		rfTechMode = full[10]
	} else {
		switch full[10] {
		case propAPoll:
			rfTechMode = nci.DiscoverTypePollA
		case propBPoll, propBNoEOFSOFPoll, propBNoSOFPoll:
			rfTechMode = nci.DiscoverTypePollB
		case propFPoll:
			rfTechMode = nci.DiscoverTypePollF
		case propVPoll:
			rfTechMode = nci.DiscoverTypePollV
		default:
			d.log.Printf("stdmod: unknown custom-poll rf tech mode 0x%02x", full[10])
		}
	}

	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTNtf, false, nci.GIDRFManage, nci.OIDRFIntfActivated)
	d.buf.AppendU8(full[3]) // RF discovery id
	d.buf.AppendU8(full[4]) // RF interface
	d.buf.AppendU8(full[5]) // RF protocol
	d.buf.AppendU8(rfTechMode)
	d.buf.AppendU8(full[7]) // max data payload size
	d.buf.AppendU8(full[8]) // initial credits
	d.buf.AppendU8(uint8(lenTP))
	d.buf.AppendArray(full[12 : 12+lenTP])
	d.buf.AppendU8(rfTechMode)
	remStart := 13 + lenTP
	if remStart <= len(full) {
		d.buf.AppendArray(full[remStart:])
	}
	d.buf.PatchLength(lenPos)
	return d.p.Post(false, d.buf.Bytes(), nil)
}

// custPassivePollMode is the vendor discovery-type byte marking a
// custom-poll activation in RF_INTF_ACTIVATED_NTF, in the proprietary
// poll-mode range below DiscoverTypeListenA.
const custPassivePollMode = 0x70

// stPropRFIntfActivCustPollNTF and the custom-poll technology-byte
// encodings, under OIDPropST.
const (
	stPropRFIntfActivCustPollNTF = 0x14
	propAPoll                    = 0x01
	propBPoll                    = 0x02
	propFPoll                    = 0x03
	propVPoll                    = 0x04
	propBNoEOFSOFPoll            = 0x05
	propBNoSOFPoll               = 0x06
)

// paceDeactivate blocks the calling thread for whatever remains of a 10ms
// window after the last RF DATA transmission, so the deactivate command
// never races a just-sent frame (spec §4.5).
func (d *Dispatcher) paceDeactivate() {
	d.st.Lock()
	last := d.st.LastRFTx
	d.st.Unlock()
	if last.IsZero() {
		return
	}
	remaining := time.Until(last.Add(10 * time.Millisecond))
	if remaining > 0 {
		time.Sleep(remaining)
	}
	d.st.Lock()
	d.st.LastRFTx = time.Time{}
	d.st.Unlock()
}

func (d *Dispatcher) handleFieldInfo(status uint8) {
	d.st.Lock()
	hw := d.st.HWVersion
	enabled := d.st.FieldWatchdogEnabled
	delayMS := d.st.FieldTimerMS
	d.st.Unlock()

	if status == 0x01 { // field on
		if hw >= state.HWVersionST54J && enabled {
			if !d.p.WatchdogAdd(pump.FieldOnTooLong, time.Duration(delayMS)*time.Millisecond) {
				d.log.Printf("stdmod: failed to arm FIELD_ON_TOO_LONG watchdog")
			}
		}
		return
	}
	d.p.WatchdogRemove(pump.FieldOnTooLong)
}

// stPropNFCEEActionAIDWithSW carries the full trigger payload of a
// custom AID+SW EE-action event, under OIDPropST.
const stPropNFCEEActionAIDWithSW = 0x06

// custTriggerAIDWithSW is the vendor-specific EE-action trigger byte
// carrying both AID and status-word, remapped to the standard AID
// trigger (0x00) for the stack.
const custTriggerAIDWithSW = 0x11

func (d *Dispatcher) handleEEAction(full []byte) bool {
	if len(full) < 6 {
		return false
	}
	if full[4] != custTriggerAIDWithSW {
		return false
	}

	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTNtf, false, nci.GIDProp, nci.OIDPropST)
	d.buf.AppendU8(stPropNFCEEActionAIDWithSW)
	d.buf.AppendArray(full[3:])
	d.buf.PatchLength(lenPos)
	if !d.p.Post(false, d.buf.Bytes(), nil) {
		d.log.Printf("stdmod: failed to post custom EE-action notification, dropping remap")
		return false
	}

	if len(full) <= 7 {
		return false
	}
	// AID length byte plus AID bytes: full[7] is the length, full[7:7+n+1]
	// is the length byte followed by the AID itself.
	aidSpan := int(full[7]) + 1
	if 7+aidSpan > len(full) {
		return false
	}
	d.buf.Reset()
	lenPos = d.buf.BuildHeader(nci.MTNtf, false, nci.GIDRFManage, nci.OIDRFEEAction)
	d.buf.AppendU8(full[3]) // NFCEE id
	d.buf.AppendU8(0x00)    // trigger: force AID
	d.buf.AppendArray(full[7 : 7+aidSpan])
	d.buf.PatchLength(lenPos)
	return d.p.Post(false, d.buf.Bytes(), nil)
}

func (d *Dispatcher) handleEEDiscoveryReq(full []byte) {
	const entryLen = 5
	if len(full) <= 3+entryLen {
		d.log.Printf("stdmod: RF_EE_DISCOVERY_REQ too short (%d bytes)", len(full))
		return
	}
	n := int(full[3])
	d.st.Lock()
	defer d.st.Unlock()
	for i := 0; i < n; i++ {
		base := 4 + i*entryLen
		if base+4 >= len(full) {
			break
		}
		op := full[base]
		nfceeID := full[base+2]
		discType := full[base+3]
		proto := full[base+4]
		idx := d.st.EEInfoIndex(nfceeID)
		add := op == nci.EEDiscOpAdd

		switch discType {
		case nci.DiscoverTypeListenA:
			d.foldMask(&d.st.EEInfo[idx].LA, proto, add)
		case nci.DiscoverTypeListenB:
			if add {
				d.st.EEInfo[idx].LB |= state.ProtoT4TMask
			} else {
				d.st.EEInfo[idx].LB &^= state.ProtoT4TMask
			}
		case nci.DiscoverTypeListenF:
			if add {
				d.st.EEInfo[idx].LF |= state.ProtoT3TMask
			} else {
				d.st.EEInfo[idx].LF &^= state.ProtoT3TMask
			}
		}
	}
}

func (d *Dispatcher) foldMask(mask *uint8, proto uint8, add bool) {
	var bit uint8
	switch proto {
	case nci.ProtocolT2T:
		bit = state.ProtoT2TMask
	case nci.ProtocolISODep:
		bit = state.ProtoT4TMask
	default:
		return
	}
	if add {
		*mask |= bit
	} else {
		*mask &^= bit
	}
}

func (d *Dispatcher) processEE(mt, oid uint8, full []byte) bool {
	switch oid {
	case nci.OIDNFCEEModeSet:
		return d.handleNFCEEModeSet(mt, full)
	case nci.OIDNFCEEPowerLinkCtrl:
		if mt == nci.MTCmd {
			return d.replyPowerLinkCtrlOK()
		}
		return false
	default:
		return false
	}
}

// ndefNFCEEID is the NFCEE id that, once activated, needs its SWP link
// forced always-on via a synthesized NFCEE_POWER_AND_LINK_CTRL_CMD.
const ndefNFCEEID = 0x86

func (d *Dispatcher) handleNFCEEModeSet(mt uint8, full []byte) bool {
	if mt == nci.MTCmd {
		if len(full) < 5 {
			return false
		}
		d.st.Lock()
		d.st.WaitingNFCEE = full[4] == 0x01
		d.st.WaitingNFCEEID = full[3]
		d.st.Unlock()
		return false
	}
	if mt != nci.MTNtf || len(full) < 4 {
		return false
	}
	status := full[3]
	d.st.Lock()
	waiting := d.st.WaitingNFCEE
	waitingID := d.st.WaitingNFCEEID
	stuck := d.st.ESEStuck
	if status == nci.StatusOK {
		if waiting {
			d.st.ActiveNFCEEIDs = append(d.st.ActiveNFCEEIDs, waitingID)
		} else {
			kept := d.st.ActiveNFCEEIDs[:0]
			for _, id := range d.st.ActiveNFCEEIDs {
				if id != waitingID {
					kept = append(kept, id)
				}
			}
			d.st.ActiveNFCEEIDs = kept
		}
	}
	d.st.WaitingNFCEE = false
	d.st.Unlock()

	if status == nci.StatusOK && waiting && waitingID == ndefNFCEEID {
		d.buf.Reset()
		lenPos := d.buf.BuildHeader(nci.MTCmd, false, nci.GIDEEManage, nci.OIDNFCEEPowerLinkCtrl)
		d.buf.AppendU8(waitingID)
		d.buf.AppendU8(0x03) // always-on link
		d.buf.PatchLength(lenPos)
		d.p.Post(true, d.buf.Bytes(), blockRsp)
	}

	return stuck // drop the NTF while a stuck-element recovery is in flight
}

// blockRsp discards the response to a command this dispatcher generated
// behind the scenes, so the stack never sees it.
func blockRsp(payload []byte, mt, gid, oid uint8) bool { return true }

func (d *Dispatcher) replyPowerLinkCtrlOK() bool {
	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTRsp, false, nci.GIDEEManage, nci.OIDNFCEEPowerLinkCtrl)
	d.buf.AppendU8(nci.StatusOK)
	d.buf.PatchLength(lenPos)
	return d.p.Post(false, d.buf.Bytes(), nil)
}
