// Package nci implements the NCI (NFC Controller Interface) frame header
// codec: parsing and building the 2-3 byte prefix shared by every NCI
// message, and the wire constants the rest of the module dispatches on.
package nci

import "fmt"

// Message types (mt), the top 3 bits of header byte 0.
const (
	MTData = 0x00
	MTCmd  = 0x01
	MTRsp  = 0x02
	MTNtf  = 0x03
)

// Group identifiers (gid), the low 4 bits of header byte 0 for
// CMD/RSP/NTF frames. For DATA frames the same bits carry a connection id.
const (
	GIDCore     = 0x00
	GIDRFManage = 0x01
	GIDEEManage = 0x02
	GIDProp     = 0x0F
)

// Status codes defined by NCI and used on synthesized responses.
const (
	StatusOK               = 0x00
	StatusRejected         = 0x01
	StatusRFFrameCorrupted = 0x02
	StatusFailed           = 0x03
	StatusNotInitialized   = 0x09
	StatusSyntaxError      = 0x0A
	StatusSemanticError    = 0x0B
	StatusNotSupported     = 0x0C
	StatusMessageCorrupted = 0x0D
)

// MaxPayload is the largest payload this core accepts in a single-byte
// length field (NCI length byte is one octet; DATA's extended 16-bit form
// is out of scope per this core's restriction to single-byte length).
const MaxPayload = 255

// HeaderSize is the length of the NCI header for CMD/RSP/NTF frames: 3
// bytes (mt|pbf|gid, oid, length). DATA frames carry a 2-byte header
// (mt|pbf|cid, length) instead; ParseHeader and BuildHeader both special-
// case mt == MTData.
const HeaderSize = 3

// MaxVSCSize bounds the largest vendor-specific payload this core must be
// able to hold in one frame. It equals MaxPayload; MaxMessageLen adds the
// header on top of it.
const MaxVSCSize = MaxPayload

// MaxMessageLen is the largest buffer a pump message or scratch buffer
// must hold: header plus maximum payload.
const MaxMessageLen = HeaderSize + MaxVSCSize

// Header is a parsed NCI frame prefix.
type Header struct {
	MT      uint8 // message type
	PBF     bool  // packet boundary flag (more fragments follow)
	GID     uint8 // group id (CMD/RSP/NTF) or connection id (DATA)
	OID     uint8 // opcode id; for DATA frames this is unused (0)
	PayLoad uint8 // declared payload length (byte 2; byte 1 for DATA)
}

// ParseHeader parses the header at the start of buf (HeaderSize bytes, or
// 2 bytes for a DATA frame) into a Header.
// It returns an error if buf is too short or the declared length does not
// match the remaining buffer length.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < 2 {
		return Header{}, fmt.Errorf("nci: frame too short (%d bytes)", len(buf))
	}
	mt := (buf[0] >> 5) & 0x07
	if mt != MTData && len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("nci: frame too short (%d bytes)", len(buf))
	}
	pbf := buf[0]&0x10 != 0
	gid := buf[0] & 0x0F
	var oid uint8
	var plen uint8
	if mt == MTData {
		plen = buf[1]
	} else {
		oid = buf[1] & 0x3F
		plen = buf[2]
	}
	h := Header{MT: mt, PBF: pbf, GID: gid, OID: oid, PayLoad: plen}
	hdrLen := HeaderSize
	if mt == MTData {
		hdrLen = 2
	}
	if int(plen) != len(buf)-hdrLen {
		return h, fmt.Errorf("nci: declared length %d does not match buffer (%d bytes of payload)", plen, len(buf)-hdrLen)
	}
	return h, nil
}

// BuildHeader writes the header into buf (which must have at least
// HeaderSize bytes of capacity) and returns buf sliced to the written
// header: 3 bytes for CMD/RSP/NTF, 2 bytes for DATA. The last header byte
// (byte 2, or byte 1 for DATA) carries the payload length; callers patch
// it afterwards via a scratch buffer if the length is not known up front.
func BuildHeader(buf []byte, mt uint8, pbf bool, gidOrCid uint8, oid uint8, payloadLen uint8) []byte {
	b0 := (mt&0x07)<<5 | boolBit(pbf)<<4 | (gidOrCid & 0x0F)
	buf[0] = b0
	if mt == MTData {
		buf[1] = payloadLen
		return buf[:2]
	}
	buf[1] = oid & 0x3F
	buf[2] = payloadLen
	return buf[:3]
}

func boolBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// IsVendorPropAndroid reports whether (gid, oid) identify the vendor
// "android" opcode family carried inside NCI_GID_PROP.
func IsVendorPropAndroid(gid, oid uint8) bool {
	return gid == GIDProp && oid == OIDPropAndroid
}

// Android wrapper opcode, carried under NCI_GID_PROP.
const OIDPropAndroid = 0x0C

// OIDPropST is the vendor ST extension opcode family carried under
// NCI_GID_PROP, sibling to OIDPropAndroid: passthrough/version/manufacturer-
// data/nfcee-list/APDU-gate/felica/custom-poll CMDs, and the proprietary
// "activated with custom poll" and "ee-action AID+SW" notifications.
const OIDPropST = 0x01

// OIDPropSTConfig is the secondary ST-firmware-passthrough opcode family
// (ST_NCI_MSG_PROP): mostly forwarded as-is, but also carries the power-
// monitor and observe-mode-suspended/resumed notifications and, nested
// under sub-opcode OIDPropSTConfigLog, firmware-log TLVs.
const OIDPropSTConfig = 0x02

// OIDPropSTConfigLog is the payload[4] sub-opcode of an OIDPropSTConfig NTF
// carrying firmware-log TLVs (ST_NCI_PROP_LOG).
const OIDPropSTConfigLog = 0x20

// OIDPropSTTest is the ST production/test opcode family, used here only to
// send the secure-element reset command the stuck-frame detector issues.
const OIDPropSTTest = 0x03

// Opcodes under GIDCore.
const (
	OIDCoreReset            = 0x00
	OIDCoreInit             = 0x01
	OIDCoreSetConfig        = 0x02
	OIDCoreGetConfig        = 0x03
	OIDCoreConnCredits      = 0x06
	OIDCoreGenericError     = 0x07
	OIDCoreSetPowerSubState = 0x09
)

// Opcodes under GIDRFManage.
const (
	OIDRFDiscoverMap       = 0x00
	OIDRFSetRouting        = 0x01
	OIDRFDiscover          = 0x03
	OIDRFIntfActivated     = 0x05
	OIDRFDeactivate        = 0x06
	OIDRFFieldInfo         = 0x07
	OIDRFEEAction          = 0x09
	OIDRFEEDiscoveryReq    = 0x0A

	// OIDRFSetListenObserveMode and OIDRFGetListenObserveModeState are the
	// "new" (per-technology) observe-mode commands the Android translator
	// uses once state.State.ObservePerTech is set, grounded directly on
	// stpropnci_prop_st.h's NCI_MSG_RF_SET_LISTEN_OBSERVE_MODE (0x16) and
	// NCI_MSG_RF_GET_LISTEN_OBSERVE_MODE_STATE (0x17).
	OIDRFSetListenObserveMode      = 0x16
	OIDRFGetListenObserveModeState = 0x17
)

// Opcodes under GIDEEManage.
const (
	OIDNFCEEDiscover       = 0x00
	OIDNFCEEModeSet        = 0x01
	OIDNFCEEPowerLinkCtrl  = 0x02
)

// Static connection ids this core assigns to its three DATA connections,
// internal to this module (the NFCC's actual static ids are negotiated at
// CORE_INIT time; a full NCI stack would read them back rather than
// assume fixed values).
const (
	ConnIDRF       = 0x00
	ConnIDHCI      = 0x01
	ConnIDT4TNFCEE = 0x02
)

// RF technology identifiers used in routing-table entries.
const (
	RFTechA = 0x00
	RFTechB = 0x01
	RFTechF = 0x02
)

// RF discovery types (mode byte of RF_INTF_ACTIVATED_NTF / routing
// entries). Listen-mode types are numerically >= DiscoverTypeListenA;
// everything below is a poll (reader) mode.
const (
	DiscoverTypePollA      = 0x00
	DiscoverTypePollB      = 0x01
	DiscoverTypePollF      = 0x02
	DiscoverTypePollV      = 0x06
	DiscoverTypeListenA    = 0x80
	DiscoverTypeListenB    = 0x81
	DiscoverTypeListenF    = 0x82
)

// RF protocol identifiers.
const (
	ProtocolUnknown = 0x00
	ProtocolT2T     = 0x02
	ProtocolT3T     = 0x03
	ProtocolISODep  = 0x04
)

// NFCEE discovery-request operation codes.
const (
	EEDiscOpAdd    = 0x00
	EEDiscOpRemove = 0x01
)

// Additional status codes used on synthesized/observed frames beyond the
// common set above.
const (
	StatusActivationFailed = 0xA3
)

// ST proprietary status codes observed in CORE_GENERIC_ERROR_NTF,
// supplementing the implementation-constant language of spec §4.5 with
// the original's exact values (SPEC_FULL.md §7c).
const (
	STStatusPropBufferOverflow = 0xE1
	STStatusPropPLLLockIssue   = 0xE6
)

// Sub-opcodes (payload[3]) under the OIDPropST CMD family.
const (
	STSubSetLibPassthrough = 0x00
	STSubGetLibVersion     = 0x01
	STSubGetManufData      = 0x02
	STSubGetNFCEEIDList    = 0x03
	STSubSetupAPDUGate     = 0x04
	STSubTransceiveAPDUGate = 0x05
	STSubEEActionAIDWithSW  = 0x06 // NTF sub-opcode, not a CMD
	STSubEmulateNFCACard2  = 0x10
	STSubSetFelicaEnabled  = 0x12
	STSubSetCustomPollFrame = 0x13
	STSubRFIntfActivCustPollNTF = 0x14 // NTF sub-opcode, not a CMD

	// STLibVersion is the 16-bit version this module reports for
	// STSubGetLibVersion.
	STLibVersion = 0x0001
)

// Standalone OID values under GIDProp for vendor NTFs that are not
// wrapped in OIDPropST or OIDPropSTConfig's suboid switch.
const (
	OIDPropPwrMonRWOn        = 0x05
	OIDPropPwrMonRWOff       = 0x06
	OIDPropObserveSuspended  = 0x1B
	OIDPropObserveResumed    = 0x1C
	OIDPropSetCustPollFrame  = 0x1D
)

// Sub-opcode under OIDPropSTTest used to reset a stuck secure element.
const STTestResetST54JSE = 0x01

// NCIHCIConnID mirrors ConnIDHCI for the HCI-over-NCI reassembly/fragmentation
// logic, named for parity with the source's NFC_HCI_CONN_ID.
const NCIHCIConnID = ConnIDHCI

// OIDPropRFSetObserveModeExitFrame is the standalone vendor OID (sibling of
// OIDPropObserveSuspended/Resumed/OIDPropSetCustPollFrame) the Android
// translator's exit-frame command is remapped onto. Grounded directly on
// stpropnci_prop_st.h's ST_NCI_MSG_PROP_RF_SET_OBSERVE_MODE_EXIT_FRAME
// (0x19).
const OIDPropRFSetObserveModeExitFrame = 0x19

// Android sub-opcodes (payload[3] under OIDPropAndroid). The Android NCI
// vendor-extension header that defines these (part of AOSP's libnfc-nci,
// not this pack's original_source/) was not captured by this retrieval;
// values reconstructed from the published AOSP NCI_ANDROID_* constant set
// rather than invented from scratch, and kept in the order
// stpropnci_process_prop_android's switch statement lists them.
const (
	AndroidGetCaps                     = 0x01
	AndroidQueryPassiveObserve         = 0x02
	AndroidPassiveObserve              = 0x03
	AndroidSetPassiveObserverTech      = 0x04
	AndroidSetPassiveObserverExitFrame = 0x05
	AndroidSetTechAPollingLoopAnnot    = 0x06
	AndroidSetUIDAndSAK                = 0x07
	AndroidGetPassiveObserverExitFrame = 0x08
	AndroidPowerSaving                 = 0x09
	AndroidBlankNCI                    = 0x0A
	AndroidPollingFrameNTF             = 0x0B
)

// Android passive-observe enable/disable parameter values (payload[4] of
// NCI_ANDROID_PASSIVE_OBSERVE), reconstructed alongside the opcodes above;
// the enable-A/enable-B bits are chosen to fit inside OBSERVE_ALL's 3-bit
// technology mask (stpropnci_prop_android.cc lines 46-47).
const (
	AndroidPassiveObserveParamDisable = 0x00
	AndroidPassiveObserveParamEnable  = 0x01
	AndroidPassiveObserveParamEnableA = 0x01
	AndroidPassiveObserveParamEnableB = 0x02
)

// ObserveAll and ObserveNone mask which technologies observe mode covers,
// grounded directly on stpropnci_prop_android.cc's OBSERVE_ALL/OBSERVE_NONE.
const (
	ObserveAll  = 0x07
	ObserveNone = 0x00
)
