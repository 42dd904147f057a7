// Package android implements the Android Translator (A): the NCI_GID_PROP
// "android" opcode wrapper (OIDPropAndroid) Android's NFC stack uses to
// query/configure observe mode, exit frames, custom polling-loop
// annotations, and UID/SAK overrides, plus the firmware-log-driven
// polling-loop-frame notification synthesis. Grounded directly on
// stpropnci_prop_android.cc's stpropnci_process_prop_android and its
// helpers.
package android

import (
	"log"
	"sync"

	"stpropnci.dev/nci"
	"stpropnci.dev/nci/iso14443"
	"stpropnci.dev/nci/pump"
	"stpropnci.dev/nci/registry"
	"stpropnci.dev/nci/scratch"
	"stpropnci.dev/nci/state"
)

// Passive-observe-mode support levels reported in GET_CAPS's first TLV,
// grounded on stpropnci_prop_android.cc lines 343-346.
const (
	observeModeNotSupported        = 0x00
	observeModeSupportWithDeact    = 0x01
	observeModeSupportWithoutDeact = 0x02
)

// Polling-frame-notification support levels, TLV tag 0x01.
const (
	pollingFrameNotSupported = 0x00
	pollingFrameSupported    = 0x01
)

// Autotransact-polling-loop-filter (exit frame) support levels, TLV tag
// 0x03.
const (
	exitFrameNotSupported = 0x00
	exitFrameSupported    = 0x01
)

// GET_CAPS TLV tags.
const (
	tlvPassiveObserveMode             = 0x00
	tlvPollingFrameNTF                = 0x01
	tlvPowerSavingMode                = 0x02
	tlvAutotransactPollingLoopFilter  = 0x03
	tlvNumberOfExitFramesSupported    = 0x04
	tlvReaderModeAnnotationsSupported = 0x05
)

// maxExitFrameEntries bounds the exit-frame table this translator reports
// support for (the firmware table is limited to 10 entries).
const maxExitFrameEntries = 10

// stNciPropGetConfig/SetConfig and the NDEF-NFCEE config-blob param id used
// by the UID/SAK two-step exchange, grounded on
// stpropnci_build_get_prop_config_cmd and stpropnci_process_uid_and_sak_steps.
// Duplicated from vendmod's equivalents rather than imported, per the
// stdmod/vendmod/android no-cross-import constraint (see nci/state's
// DESIGN.md entry).
const (
	stNciPropGetConfig = 0x03
	stNciPropSetConfig = 0x04
	ndefNFCEESubsetID  = 0x04
)

// Polling-frame tag bytes (Android-facing) and firmware-log chip-family
// format bits, grounded on stpropnci_prop_android.cc lines 655-664.
const (
	tagFieldChange = 0
	tagNFCA        = 1
	tagNFCB        = 2
	tagNFCF        = 3
	tagNFCV        = 4
	tagNFCUnknown  = 7
)

func formatIsST21NFCD(f uint8) bool { return f&0xF0 == 0x10 }
func formatIsST54J(f uint8) bool    { return f&0xF0 == 0x20 }
func formatIsST54L(f uint8) bool    { return f&0xF0 == 0x30 }

// Firmware-log TLV type bytes this translator cares about, grounded on
// stpropnci_prop_st.h's FWLOG_T_* values (shared ground truth with
// vendmod's own eseMonitor, which reads a disjoint subset of the same
// constant space).
const (
	fwlogTCETx       = 0x08
	fwlogTCERx       = 0x09
	fwlogTActiveA    = 0x0C
	fwlogTSleepA     = 0x0E
	fwlogTFieldOn    = 0x10
	fwlogTFieldOff   = 0x11
	fwlogTFieldLevel = 0x18
	fwlogTCERxError  = 0x19
	fwlogTIdle       = 0x45
)

// Dispatcher handles NCI_GID_PROP frames carried under OIDPropAndroid, and
// synthesizes NCI_ANDROID_POLLING_FRAME_NTF from firmware-log NTFs that
// arrive on OIDPropSTConfig (registered with the shared callback registry,
// since that path must not claim the frame: other modules, notably
// vendmod's stuck-frame detector, also need to see the same logs).
type Dispatcher struct {
	st  *state.State
	p   *pump.Pump
	reg *registry.Registry
	log *log.Logger
	buf scratch.Buffer

	mu                     sync.Mutex
	pollingFrameRegistered bool
	pollingFrameHandle     registry.Handle
}

// New creates a Dispatcher sharing st, p, and reg with the rest of the
// core.
func New(st *state.State, p *pump.Pump, reg *registry.Registry, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{st: st, p: p, reg: reg, log: logger}
}

// Process handles one NCI_GID_PROP frame carried under OIDPropAndroid.
// informOnly mirrors Core Entry's inform path: this dispatcher has no
// identity-capturing state of its own, so it is a no-op on that path.
func (d *Dispatcher) Process(informOnly, dirFromUpper bool, full []byte, mt, gid, oid uint8) bool {
	if informOnly || !nci.IsVendorPropAndroid(gid, oid) {
		return false
	}

	switch mt {
	case nci.MTCmd:
		if len(full) < 4 {
			return false
		}
		return d.processCmd(full[3], full)

	case nci.MTRsp, nci.MTNtf:
		if !dirFromUpper {
			// A legacy HAL answering its own android-opcode traffic; this
			// translator generates its own, so the NFCC's copy is discarded.
			d.log.Printf("android: discarding ANDROID_NCI received from NFCC")
			return true
		}
		d.log.Printf("android: unexpected RSP or NTF in android wrapper")
		return false

	default:
		return false
	}
}

func (d *Dispatcher) processCmd(suboid uint8, full []byte) bool {
	switch suboid {
	case nci.AndroidGetCaps:
		return d.handleGetCaps()

	case nci.AndroidQueryPassiveObserve:
		return d.handleQueryPassiveObserve()

	case nci.AndroidPassiveObserve:
		return d.handlePassiveObserve(full)

	case nci.AndroidSetPassiveObserverTech:
		return d.handleSetPassiveObserverTech(full)

	case nci.AndroidSetPassiveObserverExitFrame:
		return d.handleSetExitFrame(full)

	case nci.AndroidSetTechAPollingLoopAnnot:
		return d.handleSetCustomPollAnnotation(full)

	case nci.AndroidSetUIDAndSAK:
		return d.handleSetUIDAndSAK(full)

	default:
		// AndroidGetPassiveObserverExitFrame (not yet used by AOSP),
		// AndroidPowerSaving (not used for ST), AndroidBlankNCI (not
		// supposed to reach this layer), and anything unrecognized.
		d.log.Printf("android: unsupported sub-opcode 0x%02x", suboid)
		return d.replyStatus(suboid, nci.StatusNotSupported)
	}
}

// replyStatus builds and posts an OIDPropAndroid RSP carrying just the
// sub-opcode and a status byte.
func (d *Dispatcher) replyStatus(suboid, status uint8) bool {
	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTRsp, false, nci.GIDProp, nci.OIDPropAndroid)
	d.buf.AppendU8(suboid)
	d.buf.AppendU8(status)
	d.buf.PatchLength(lenPos)
	return d.p.Post(false, d.buf.Bytes(), nil)
}

// handleGetCaps synthesizes the capability TLV set from the captured
// manufacturer info, gated on firmware generation and hardware family,
// grounded on stpropnci_build_get_caps_rsp.
func (d *Dispatcher) handleGetCaps() bool {
	d.st.Lock()
	initialized := d.st.ManufLen != 0
	fwGen := d.st.FirmwareGeneration()
	is54LFamily := d.st.IsHW54LFamily()
	fwMajor := d.st.FWMajor
	fwMinor := d.st.FWMinor()
	d.st.Unlock()

	if !initialized {
		d.log.Printf("android: GET_CAPS received but no firmware information available yet")
		return d.replyStatus(nci.AndroidGetCaps, nci.StatusNotInitialized)
	}
	if fwGen < 2 {
		d.log.Printf("android: no support for Android NCI feats in this FW (gen %d)", fwGen)
		return d.replyStatus(nci.AndroidGetCaps, nci.StatusNotSupported)
	}

	obsMode := observeModeSupportWithoutDeact
	switch {
	case fwGen == 2:
		obsMode = observeModeSupportWithDeact
	case is54LFamily && fwMajor == 0x02:
		switch {
		case fwMinor == 0x01:
			obsMode = observeModeNotSupported
		case fwMinor <= 0x04:
			obsMode = observeModeSupportWithDeact
		default:
			obsMode = observeModeSupportWithoutDeact
		}
	}
	if obsMode == observeModeSupportWithoutDeact {
		d.st.Lock()
		d.st.ObservePerTech = true
		d.st.Unlock()
	}

	pfSupport := pollingFrameSupported
	if obsMode != observeModeNotSupported {
		// The original conditions polling-frame support on a successful
		// callback registration against the firmware-log NTF; in this port
		// that registration can never contend with anything else (vendmod
		// owns OIDPropSTConfig NTFs directly, not through the registry), so
		// it always succeeds and is folded into d.ensurePollingFrameRegistered.
		d.ensurePollingFrameRegistered()
	} else {
		pfSupport = pollingFrameNotSupported
	}

	exitFrame := exitFrameSupported
	switch {
	case fwGen == 2:
		exitFrame = exitFrameNotSupported
	case is54LFamily && fwMajor == 0x02:
		if fwMinor <= 0x05 {
			exitFrame = exitFrameNotSupported
		}
	}
	// The original also gates exit-frame support on registering a log-only
	// observe-mode-suspended/resumed sink; that sink exists in the original
	// purely to let a generic capability-negotiation layer downgrade this
	// bit on registration failure. This port has no such contention (the
	// suspended/resumed OIDs are owned directly by vendmod's Process, never
	// by the registry) so the registration is never attempted here and the
	// bit reflects firmware-generation gating alone. See DESIGN.md.

	numExitFrames := uint8(0)
	if exitFrame != exitFrameNotSupported {
		numExitFrames = maxExitFrameEntries
	}

	annotations := uint8(0)
	switch {
	case fwGen == 2:
		annotations = 0x00
	case is54LFamily && fwMajor == 0x02:
		if fwMinor > 0x05 {
			annotations = 0x01
		}
	default:
		annotations = 0x00
	}

	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTRsp, false, nci.GIDProp, nci.OIDPropAndroid)
	d.buf.AppendU8(nci.AndroidGetCaps)
	d.buf.AppendU8(nci.StatusOK)
	d.buf.AppendU8(0x00) // version, high byte
	d.buf.AppendU8(0x00) // version, low byte
	d.buf.AppendU8(6)    // number of TLVs

	d.buf.AppendU8(tlvPassiveObserveMode)
	d.buf.AppendU8(1)
	d.buf.AppendU8(uint8(obsMode))

	d.buf.AppendU8(tlvPollingFrameNTF)
	d.buf.AppendU8(1)
	d.buf.AppendU8(uint8(pfSupport))

	d.buf.AppendU8(tlvPowerSavingMode)
	d.buf.AppendU8(1)
	d.buf.AppendU8(0x00) // not used for ST

	d.buf.AppendU8(tlvAutotransactPollingLoopFilter)
	d.buf.AppendU8(1)
	d.buf.AppendU8(uint8(exitFrame))

	d.buf.AppendU8(tlvNumberOfExitFramesSupported)
	d.buf.AppendU8(1)
	d.buf.AppendU8(numExitFrames)

	d.buf.AppendU8(tlvReaderModeAnnotationsSupported)
	d.buf.AppendU8(1)
	d.buf.AppendU8(annotations)

	d.buf.PatchLength(lenPos)
	return d.p.Post(false, d.buf.Bytes(), nil)
}

// ensurePollingFrameRegistered registers the firmware-log listener that
// synthesizes NCI_ANDROID_POLLING_FRAME_NTF, once.
func (d *Dispatcher) ensurePollingFrameRegistered() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pollingFrameRegistered {
		return
	}
	mt := uint8(nci.MTNtf)
	gid := uint8(nci.GIDProp)
	oid := uint8(nci.OIDPropSTConfig)
	suboid := uint8(nci.OIDPropSTConfigLog)
	d.pollingFrameHandle = d.reg.Register(d.generatePollingLoopFrame, registry.Match{MT: &mt, GID: &gid, OID: &oid, Suboid: &suboid})
	d.pollingFrameRegistered = true
}

// handleQueryPassiveObserve issues the right read command (new per-
// technology or old CORE_GET_CONFIG) depending on state.ObservePerTech,
// grounded on stpropnci_build_get_observer_cmd.
func (d *Dispatcher) handleQueryPassiveObserve() bool {
	d.st.Lock()
	perTech := d.st.ObservePerTech
	d.st.Unlock()

	d.buf.Reset()
	if perTech {
		lenPos := d.buf.BuildHeader(nci.MTCmd, false, nci.GIDRFManage, nci.OIDRFGetListenObserveModeState)
		d.buf.PatchLength(lenPos)
	} else {
		lenPos := d.buf.BuildHeader(nci.MTCmd, false, nci.GIDCore, nci.OIDCoreGetConfig)
		d.buf.AppendU8(1) // one parameter
		d.buf.AppendU8(stNciParamIDRFDontAnswerPassiveListen)
		d.buf.PatchLength(lenPos)
	}
	return d.p.Post(true, append([]byte(nil), d.buf.Bytes()...), d.queryPassiveObserveRspCallback)
}

// stNciParamIDRFDontAnswerPassiveListen is the CORE_(GET|SET)_CONFIG
// parameter id for the old (pre-per-technology) observe-mode toggle,
// grounded on stpropnci_prop_st.h's ST_NCI_PARAM_ID_RF_DONT_ANSWER_PASSIVE_LISTEN
// (0xA3).
const stNciParamIDRFDontAnswerPassiveListen = 0xA3

func (d *Dispatcher) queryPassiveObserveRspCallback(payload []byte, mt, gid, oid uint8) bool {
	if len(payload) < 4 {
		return false
	}
	status := payload[3]
	d.st.Lock()
	perTech := d.st.ObservePerTech
	suspended := d.st.ObserveSuspended
	d.st.Unlock()

	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTRsp, false, nci.GIDProp, nci.OIDPropAndroid)
	d.buf.AppendU8(nci.AndroidQueryPassiveObserve)
	d.buf.AppendU8(status)
	if status == nci.StatusOK {
		var reported uint8
		if perTech {
			raw := uint8(0)
			if len(payload) > 4 {
				raw = payload[4]
			}
			if raw == nci.ObserveNone || suspended {
				reported = nci.AndroidPassiveObserveParamDisable
			} else {
				reported = raw
			}
		} else {
			if len(payload) > 7 {
				reported = payload[7]
			}
		}
		d.buf.AppendU8(reported)
	}
	d.buf.PatchLength(lenPos)
	return d.p.Post(false, d.buf.Bytes(), nil)
}

// handlePassiveObserve toggles observe mode via the new per-technology
// command or the old CORE_SET_CONFIG path, grounded on
// stpropnci_process_prop_android's NCI_ANDROID_PASSIVE_OBSERVE case.
func (d *Dispatcher) handlePassiveObserve(full []byte) bool {
	if len(full) < 5 {
		return d.replyStatus(nci.AndroidPassiveObserve, nci.StatusSyntaxError)
	}
	requested := full[4]

	d.st.Lock()
	perTech := d.st.ObservePerTech
	d.st.Unlock()

	if perTech {
		mode := uint8(nci.AndroidPassiveObserveParamDisable)
		if requested == nci.AndroidPassiveObserveParamEnable {
			mode = nci.AndroidPassiveObserveParamEnableA | nci.AndroidPassiveObserveParamEnableB
		}
		return d.postSetListenObserveMode(mode, d.setConfigObserveRspCallback)
	}
	return d.postSetConfigObserve(requested)
}

func (d *Dispatcher) postSetListenObserveMode(mode uint8, cb pump.RspCallback) bool {
	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTCmd, false, nci.GIDRFManage, nci.OIDRFSetListenObserveMode)
	d.buf.AppendU8(mode & nci.ObserveAll)
	d.buf.PatchLength(lenPos)
	return d.p.Post(true, append([]byte(nil), d.buf.Bytes()...), cb)
}

func (d *Dispatcher) postSetConfigObserve(enable uint8) bool {
	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTCmd, false, nci.GIDCore, nci.OIDCoreSetConfig)
	d.buf.AppendU8(1) // one parameter
	d.buf.AppendU8(stNciParamIDRFDontAnswerPassiveListen)
	d.buf.AppendU8(1) // parameter is one byte
	d.buf.AppendU8(enable)
	d.buf.PatchLength(lenPos)
	return d.p.Post(true, append([]byte(nil), d.buf.Bytes()...), d.setConfigObserveRspCallback)
}

func (d *Dispatcher) setConfigObserveRspCallback(payload []byte, mt, gid, oid uint8) bool {
	status := uint8(nci.StatusFailed)
	if len(payload) > 3 {
		status = payload[3]
	}
	return d.replyStatus(nci.AndroidPassiveObserve, status)
}

// handleSetPassiveObserverTech issues the new per-technology observe-mode
// command directly with the requested mask, grounded on
// stpropnci_build_rf_set_listen_passive_observer_cmd.
func (d *Dispatcher) handleSetPassiveObserverTech(full []byte) bool {
	if len(full) < 5 {
		return d.replyStatus(nci.AndroidSetPassiveObserverTech, nci.StatusSyntaxError)
	}
	return d.postSetListenObserveMode(full[4], d.setPassiveObserverTechRspCallback)
}

func (d *Dispatcher) setPassiveObserverTechRspCallback(payload []byte, mt, gid, oid uint8) bool {
	status := uint8(nci.StatusFailed)
	if len(payload) > 3 {
		status = payload[3]
	}
	return d.replyStatus(nci.AndroidSetPassiveObserverTech, status)
}

// handleSetExitFrame remaps Android's exit-frame table into the firmware's
// format and injects CRC bytes, grounded on
// stpropnci_build_set_exit_frame_cmd.
func (d *Dispatcher) handleSetExitFrame(full []byte) bool {
	cmd, ok := buildSetExitFrameCmd(full)
	if !ok {
		return d.replyStatus(nci.AndroidSetPassiveObserverExitFrame, nci.StatusMessageCorrupted)
	}
	return d.p.Post(true, cmd, d.setExitFrameRspCallback)
}

func buildSetExitFrameCmd(incoming []byte) ([]byte, bool) {
	remaining := len(incoming)
	if remaining < 4+3+4 {
		return nil, false
	}
	if remaining > nci.MaxMessageLen {
		return nil, false
	}

	var buf scratch.Buffer
	lenPos := buf.BuildHeader(nci.MTCmd, false, nci.GIDProp, nci.OIDPropRFSetObserveModeExitFrame)

	in := incoming[4:]
	buf.AppendU8(in[0]) // "more"
	in = in[1:]

	timeout := uint16(in[0]) | uint16(in[1])<<8
	if timeout < 0x64 {
		buf.AppendU8(0x64)
		buf.AppendU8(0x00)
	} else {
		buf.AppendU8(in[0])
		buf.AppendU8(in[1])
	}
	in = in[2:]

	numFrames := in[0]
	buf.AppendU8(numFrames)
	in = in[1:]
	remaining -= 8

	for i := uint8(0); i < numFrames; i++ {
		if remaining < 2 || len(in) < 2 {
			return nil, false
		}
		qual := in[0]
		valLen := in[1]
		in = in[2:]
		remaining -= 2
		if remaining < int(valLen) || len(in) < int(valLen) {
			return nil, false
		}
		motifLen := (int(valLen) - 1) / 2

		var crc [2]byte
		haveCRC := false
		if motifLen > 15 {
			qual |= 0x10
		}
		if qual&0x10 == 0 && motifLen > 0 {
			switch qual & 0x7 {
			case 0x00:
				crc = iso14443.CRC(in[1:1+motifLen], iso14443.TypeA)
				haveCRC = true
			case 0x01:
				crc = iso14443.CRC(in[1:1+motifLen], iso14443.TypeB)
				haveCRC = true
			}
		}

		buf.AppendU8(qual)
		buf.AppendU8(valLen)
		if !haveCRC {
			buf.AppendArray(in[:valLen])
			in = in[valLen:]
		} else {
			buf.AppendU8(in[0]) // power state
			data := in[1 : 1+motifLen]
			buf.AppendArray(data)
			buf.AppendU8(crc[0])
			buf.AppendU8(crc[1])
			mask := in[1+motifLen : 1+2*motifLen]
			exact := true
			for _, b := range mask {
				if b != 0xFF {
					exact = false
					break
				}
			}
			buf.AppendArray(mask)
			maskByte := uint8(0x00)
			if exact {
				maskByte = 0xFF
			}
			buf.AppendU8(maskByte)
			buf.AppendU8(maskByte)
			in = in[valLen:]
		}
	}

	buf.PatchLength(lenPos)
	return append([]byte(nil), buf.Bytes()...), true
}

func (d *Dispatcher) setExitFrameRspCallback(payload []byte, mt, gid, oid uint8) bool {
	status := uint8(nci.StatusFailed)
	if len(payload) > 3 {
		status = payload[3]
	}
	return d.replyStatus(nci.AndroidSetPassiveObserverExitFrame, status)
}

// handleSetCustomPollAnnotation remaps Android's tech-A polling-loop
// annotation into the firmware's custom-poll-frame command, always CRC_A,
// idempotent once a custom frame has been set. Grounded on
// stpropnci_build_set_custom_polling_cmd.
func (d *Dispatcher) handleSetCustomPollAnnotation(full []byte) bool {
	d.st.Lock()
	already := d.st.CustPollFrameSet
	d.st.Unlock()
	if already {
		return d.replyStatus(nci.AndroidSetTechAPollingLoopAnnot, nci.StatusOK)
	}

	cmd, ok := buildSetCustomPollingCmd(full)
	if !ok {
		return d.replyStatus(nci.AndroidSetTechAPollingLoopAnnot, nci.StatusMessageCorrupted)
	}
	d.st.Lock()
	d.st.CustPollFrameSet = true
	d.st.Unlock()
	return d.p.Post(true, cmd, d.setCustomPollAnnotationRspCallback)
}

func buildSetCustomPollingCmd(incoming []byte) ([]byte, bool) {
	if len(incoming) < 4+5 {
		return nil, false
	}
	in := incoming[4:]
	nbFrames := in[0]
	if nbFrames > 1 {
		return nil, false
	}
	in = in[1:]

	var buf scratch.Buffer
	lenPos := buf.BuildHeader(nci.MTCmd, false, nci.GIDProp, nci.OIDPropSetCustPollFrame)
	buf.AppendU8(nbFrames)

	if nbFrames == 1 {
		if len(in) < 3 {
			return nil, false
		}
		if in[0] != 0x20 {
			return nil, false
		}
		in = in[1:]
		rawLen := in[0]
		if rawLen < 3 {
			return nil, false
		}
		motifLen := int(rawLen) - 3
		waitByte := in[1]
		in = in[2:]
		if motifLen > len(in) {
			return nil, false
		}
		motif := in[:motifLen]

		buf.AppendU8(0x20)
		buf.AppendU8(rawLen)
		buf.AppendU8(waitByte)
		crc := iso14443.CRC(motif, iso14443.TypeA)
		buf.AppendArray(motif)
		buf.AppendU8(crc[0])
		buf.AppendU8(crc[1])
	}

	buf.PatchLength(lenPos)
	return append([]byte(nil), buf.Bytes()...), true
}

func (d *Dispatcher) setCustomPollAnnotationRspCallback(payload []byte, mt, gid, oid uint8) bool {
	status := uint8(nci.StatusFailed)
	if len(payload) > 3 {
		status = payload[3]
	}
	return d.replyStatus(nci.AndroidSetTechAPollingLoopAnnot, status)
}

// handleSetUIDAndSAK stores the requested UID/SAK and starts the two-step
// GET_CONFIG/SET_CONFIG exchange that patches them into the NDEF-NFCEE
// config blob. Gated behind AOSP's NCI_ANDROID_SET_UID_AND_SAK feature (not
// yet present upstream as of the source's own comment), kept here per the
// allowance to supplement features the distillation dropped. Grounded on
// stpropnci_process_prop_android's #ifdef NCI_ANDROID_SET_UID_AND_SAK case
// and stpropnci_process_uid_and_sak_steps.
func (d *Dispatcher) handleSetUIDAndSAK(full []byte) bool {
	if len(full) < 7 {
		return d.replyStatus(nci.AndroidSetUIDAndSAK, nci.StatusSyntaxError)
	}
	uidLen := int(full[6])
	if 7+uidLen >= len(full) {
		return d.replyStatus(nci.AndroidSetUIDAndSAK, nci.StatusSyntaxError)
	}
	uid := append([]byte(nil), full[7:7+uidLen]...)
	sak := full[7+uidLen]

	d.st.Lock()
	d.st.UID = uid
	d.st.SAK = sak
	d.st.UIDSAKGetConfig = true
	d.st.Unlock()

	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTCmd, false, nci.GIDProp, nci.OIDPropSTConfig)
	d.buf.AppendU8(stNciPropGetConfig)
	d.buf.AppendU8(0x00)
	d.buf.AppendU8(ndefNFCEESubsetID)
	d.buf.AppendU8(0x01)
	d.buf.AppendU8(0x00)
	d.buf.PatchLength(lenPos)
	return d.p.Post(true, append([]byte(nil), d.buf.Bytes()...), d.uidAndSAKStepCallback)
}

func (d *Dispatcher) uidAndSAKStepCallback(payload []byte, mt, gid, oid uint8) bool {
	if len(payload) < 4 || payload[3] != nci.StatusOK {
		status := uint8(nci.StatusFailed)
		if len(payload) > 3 {
			status = payload[3]
		}
		d.st.Lock()
		d.st.UIDSAKGetConfig = true
		d.st.Unlock()
		return d.replyStatus(nci.AndroidSetUIDAndSAK, status)
	}

	d.st.Lock()
	gettingConfig := d.st.UIDSAKGetConfig
	uid := append([]byte(nil), d.st.UID...)
	sak := d.st.SAK
	d.st.Unlock()

	if gettingConfig {
		if len(payload) < 7 || int(payload[6]) == 0 || 7+int(payload[6]) > len(payload) {
			return d.replyStatus(nci.AndroidSetUIDAndSAK, nci.StatusMessageCorrupted)
		}
		cfgLen := int(payload[6])
		cfg := append([]byte(nil), payload[7:7+cfgLen]...)
		if cfgLen > 20 {
			cfg[20] = uint8(len(uid))
		}
		if cfgLen > 26 {
			cfg[26] = sak
		}
		for i, b := range uid {
			if 72+i < cfgLen {
				cfg[72+i] = b
			}
		}

		d.st.Lock()
		d.st.UIDSAKGetConfig = false
		d.st.Unlock()

		d.buf.Reset()
		lenPos := d.buf.BuildHeader(nci.MTCmd, false, nci.GIDProp, nci.OIDPropSTConfig)
		d.buf.AppendU8(stNciPropSetConfig)
		d.buf.AppendU8(0x00)
		d.buf.AppendU8(ndefNFCEESubsetID)
		d.buf.AppendU8(0x01)
		d.buf.AppendU8(0x00)
		d.buf.AppendU8(uint8(cfgLen))
		d.buf.AppendArray(cfg)
		d.buf.PatchLength(lenPos)
		return d.p.Post(true, append([]byte(nil), d.buf.Bytes()...), d.uidAndSAKStepCallback)
	}

	d.st.Lock()
	d.st.UIDSAKGetConfig = true
	d.st.Unlock()
	return d.replyStatus(nci.AndroidSetUIDAndSAK, nci.StatusOK)
}

// generatePollingLoopFrame converts firmware-log TLVs into Android polling-
// frame TLVs. It always returns false so other registered modules (and
// vendmod's own direct handling of the same OIDPropSTConfig NTFs) continue
// to see the log, grounded on stpropnci_cb_generate_polling_loop_frame.
func (d *Dispatcher) generatePollingLoopFrame(dirFromUpper bool, payload []byte, mt, gid, oid uint8) bool {
	if len(payload) < 6 {
		return false
	}
	format := payload[3]

	d.buf.Reset()
	lenPos := d.buf.BuildHeader(nci.MTNtf, false, nci.GIDProp, nci.OIDPropAndroid)
	d.buf.AppendU8(nci.AndroidPollingFrameNTF)

	d.st.Lock()
	inCE := d.st.InsideCardEmulation
	d.st.Unlock()

	converted := 0
	pos := 6
	for pos+1 < len(payload) {
		tlvLen := int(payload[pos+1]) + 2
		if pos+tlvLen > len(payload) {
			break
		}
		t := payload[pos]
		process := false
		switch t {
		case fwlogTFieldOn, fwlogTFieldOff:
			inCE = false
			process = true
		case fwlogTCERx, fwlogTCERxError:
			process = !inCE
		case fwlogTCETx, fwlogTActiveA, fwlogTSleepA:
			inCE = true
		case fwlogTFieldLevel, fwlogTIdle:
			inCE = false
		}

		if process {
			if appendPollingFrameTLV(&d.buf, format, payload[pos:pos+tlvLen], t) {
				converted++
			}
		}
		pos += tlvLen
	}

	d.st.Lock()
	d.st.InsideCardEmulation = inCE
	d.st.Unlock()

	if converted == 0 {
		return false
	}
	d.buf.PatchLength(lenPos)
	if !d.p.Post(false, d.buf.Bytes(), nil) {
		d.log.Printf("android: failed to send polling-frame NTF")
	}
	return false
}

// appendPollingFrameTLV decodes one firmware-log TLV into an Android
// polling-frame TLV appended to buf, grounded on the timestamp/gain/error
// decoding in stpropnci_cb_generate_polling_loop_frame.
func appendPollingFrameTLV(buf *scratch.Buffer, format uint8, tlv []byte, t uint8) bool {
	tlvLen := len(tlv)
	availLen := tlvLen
	var ts uint32
	if format&0x1 != 0 && tlvLen >= 6 {
		availLen -= 4
		raw := uint32(tlv[tlvLen-4])<<24 | uint32(tlv[tlvLen-3])<<16 | uint32(tlv[tlvLen-2])<<8 | uint32(tlv[tlvLen-1])
		if format&0x30 == 0x30 {
			ts = uint32(float64(uint64(raw)*1024)/259 + 0.5)
		} else {
			ts = uint32(float64(uint64(raw)*128)/28 + 0.5)
		}
	}

	switch t {
	case fwlogTFieldOn, fwlogTFieldOff:
		buf.AppendU8(tagFieldChange)
		buf.AppendU8(0)
		buf.AppendU8(6)
		buf.AppendU8(uint8(ts >> 24))
		buf.AppendU8(uint8(ts >> 16))
		buf.AppendU8(uint8(ts >> 8))
		buf.AppendU8(uint8(ts))
		buf.AppendU8(0xFF) // gain, unused
		if t == fwlogTFieldOn {
			buf.AppendU8(0x01)
		} else {
			buf.AppendU8(0x00)
		}
		return true

	case fwlogTCERx, fwlogTCERxError:
		if tlvLen < 3 {
			return false
		}
		var flag, typ, gain, errByte uint8
		gain = 0xFF
		switch tlv[2] & 0x0F {
		case 0x0:
			typ = tagNFCUnknown
		case 0x1:
			flag |= 0x01
			typ = tagNFCA
		case 0x2, 0x3, 0x4, 0x5, 0x6:
			typ = tagNFCA
		case 0x7:
			typ = tagNFCB
		case 0x8, 0x9:
			typ = tagNFCF
		case 0xA:
			typ = tagNFCV
		case 0xB:
			typ = tagNFCA
		case 0xC:
			typ = tagNFCB
		case 0xD:
			typ = tagNFCA
		default:
			typ = tagNFCUnknown
		}

		var reallenIdx int
		switch {
		case formatIsST21NFCD(format):
			if tlvLen < 4 {
				return false
			}
			gain = tlv[3]
			if t == fwlogTCERx {
				reallenIdx = 4
				availLen -= 6
			} else {
				if tlvLen < 5 {
					return false
				}
				errByte = tlv[4]
				reallenIdx = 5
				availLen -= 7
			}
		default: // 54J, 54L
			if tlvLen < 4 {
				return false
			}
			gain = (tlv[3] & 0xF0) >> 4
			if t == fwlogTCERx {
				if formatIsST54L(format) {
					gain = 0xFF
					reallenIdx = 3
					availLen -= 5
				} else {
					reallenIdx = 5
					availLen -= 7
				}
			} else {
				if tlvLen < 6 {
					return false
				}
				errByte = tlv[5]
				reallenIdx = 6
				availLen -= 8
			}
		}
		if reallenIdx+1 >= tlvLen {
			return false
		}
		reallen := int(tlv[reallenIdx])<<8 | int(tlv[reallenIdx+1])

		if availLen > 2 && reallen > availLen {
			availLen -= 2
		}
		if errByte != 0 {
			typ = tagNFCUnknown
		}
		if formatIsST54J(format) && flag&1 != 0 && errByte == 0 {
			reallen = 1
		}
		dataStart := reallenIdx + 2
		if typ == tagNFCA && reallen >= 1 && dataStart < tlvLen &&
			tlv[dataStart] != 0x26 && tlv[dataStart] != 0x52 {
			typ = tagNFCUnknown
		}
		if typ == tagNFCB && reallen == 3 && dataStart < tlvLen && tlv[dataStart] != 0x05 {
			typ = tagNFCUnknown
		}

		buf.AppendU8(typ)
		buf.AppendU8(flag)
		buf.AppendU8(uint8(5 + availLen))
		buf.AppendU8(uint8(ts >> 24))
		buf.AppendU8(uint8(ts >> 16))
		buf.AppendU8(uint8(ts >> 8))
		buf.AppendU8(uint8(ts))
		buf.AppendU8(gain)
		if availLen > 0 && dataStart+availLen <= tlvLen {
			buf.AppendArray(tlv[dataStart : dataStart+availLen])
		}
		return true
	}
	return false
}
