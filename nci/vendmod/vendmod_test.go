package vendmod

import (
	"sync"
	"testing"
	"time"

	"stpropnci.dev/nci"
	"stpropnci.dev/nci/pump"
	"stpropnci.dev/nci/registry"
	"stpropnci.dev/nci/state"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *state.State, *sync.Mutex, *[][]byte) {
	t.Helper()
	var mu sync.Mutex
	var sent [][]byte
	p := pump.New(func(toNFCC bool, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]byte(nil), payload...)
		sent = append(sent, cp)
	}, nil)
	p.Start()
	t.Cleanup(p.Stop)
	st := state.New()
	reg := &registry.Registry{}
	return New(st, p, reg, nil), st, &mu, &sent
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func snapshot(mu *sync.Mutex, sent *[][]byte) [][]byte {
	mu.Lock()
	defer mu.Unlock()
	return append([][]byte(nil), (*sent)...)
}

func TestSetLibPassthroughToggles(t *testing.T) {
	d, st, mu, sent := newTestDispatcher(t)
	full := []byte{0x2F, 0x01, 0x02, nci.STSubSetLibPassthrough, 0x01}
	handled := d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	if !handled {
		t.Fatal("expected set-lib-passthrough to be consumed")
	}
	st.Lock()
	on := st.Passthrough
	st.Unlock()
	if !on {
		t.Fatal("expected passthrough to be enabled")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	want := []byte{0x4F, 0x01, 0x02, nci.STSubSetLibPassthrough, nci.StatusOK}
	if string(got) != string(want) {
		t.Fatalf("got % x want % x", got, want)
	}
}

func TestGetLibVersionReplies(t *testing.T) {
	d, _, mu, sent := newTestDispatcher(t)
	full := []byte{0x2F, 0x01, 0x01, nci.STSubGetLibVersion}
	d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	want := []byte{0x4F, 0x01, 0x04, nci.STSubGetLibVersion, nci.StatusOK, 0x00, 0x01}
	if string(got) != string(want) {
		t.Fatalf("got % x want % x", got, want)
	}
}

func TestGetManufDataNotInitialized(t *testing.T) {
	d, _, mu, sent := newTestDispatcher(t)
	full := []byte{0x2F, 0x01, 0x01, nci.STSubGetManufData}
	d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	want := []byte{0x4F, 0x01, 0x02, nci.STSubGetManufData, nci.StatusNotInitialized}
	if string(got) != string(want) {
		t.Fatalf("got % x want % x", got, want)
	}
}

func TestGetNFCEEIDListReportsActive(t *testing.T) {
	d, st, mu, sent := newTestDispatcher(t)
	st.Lock()
	st.ActiveNFCEEIDs = []uint8{0x05, 0x86}
	st.Unlock()

	full := []byte{0x2F, 0x01, 0x01, nci.STSubGetNFCEEIDList}
	d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	want := []byte{0x4F, 0x01, 0x05, nci.STSubGetNFCEEIDList, nci.StatusOK, 0x02, 0x05, 0x86}
	if string(got) != string(want) {
		t.Fatalf("got % x want % x", got, want)
	}
}

func TestEmulateNFCACard2SetsState(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	full := []byte{0x2F, 0x01, 0x02, nci.STSubEmulateNFCACard2, 0x01}
	d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	st.Lock()
	defer st.Unlock()
	if !st.EmulateCardA {
		t.Fatal("expected EmulateCardA to be set")
	}
}

func TestSetFelicaEnabledSetsState(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	full := []byte{0x2F, 0x01, 0x02, nci.STSubSetFelicaEnabled, 0x01}
	d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	st.Lock()
	defer st.Unlock()
	if !st.ESEFelicaEnabled {
		t.Fatal("expected ESEFelicaEnabled to be set")
	}
}

func TestUnsupportedSuboidReportsNotSupported(t *testing.T) {
	d, _, mu, sent := newTestDispatcher(t)
	full := []byte{0x2F, 0x01, 0x01, 0x7F}
	d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	if got[4] != nci.StatusNotSupported {
		t.Fatalf("expected NOT_SUPPORTED status, got 0x%02x", got[4])
	}
}

func TestSetupAPDUGateFailsWhenNotReady(t *testing.T) {
	d, _, mu, sent := newTestDispatcher(t)
	full := []byte{0x2F, 0x01, 0x01, nci.STSubSetupAPDUGate}
	d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	if got[4] != nci.StatusFailed {
		t.Fatalf("expected FAILED status when gate not ready, got 0x%02x", got[4])
	}
}

func TestSetupAPDUGateSendsSoftResetAndGetParameter(t *testing.T) {
	d, st, mu, sent := newTestDispatcher(t)
	st.Lock()
	st.APDUGateReady = true
	st.APDUGatePipe = 0x05
	st.Unlock()

	full := []byte{0x2F, 0x01, 0x01, nci.STSubSetupAPDUGate}
	handled := d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	if !handled {
		t.Fatal("expected setup-apdu-gate to report handled (async reply pending)")
	}
	// The pump holds the second DATA fragment until the NFCC grants a
	// credit on the HCI connection for the first.
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	d.p.Got([]byte{0x60, 0x06, 0x03, 0x01, nci.ConnIDHCI, 0x01}, nci.MTNtf, nci.GIDCore, 0x06)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 2 })
	got := snapshot(mu, sent)
	// First fragment: soft-reset event, no data. DATA frames carry a
	// 2-byte header, so the pipe/cb byte is at index 2, not 3.
	if got[0][0]>>5 != nci.MTData || got[0][2]&0x7F != 0x05 {
		t.Fatalf("expected first HCI fragment on pipe 0x05, got % x", got[0])
	}
	// Second fragment: ANY_GET_PARAMETER command carrying the ATR register id.
	if got[1][4] != eseATRRegIdx {
		t.Fatalf("expected ANY_GET_PARAMETER to carry the ATR register index, got % x", got[1])
	}
}

func TestAPDUGateATRCallbackComputesWaitingTime(t *testing.T) {
	d, st, mu, sent := newTestDispatcher(t)
	// payload[1]=0x80 (TS format marker); level-1 TD byte at idx 3 carries
	// only the has-TD bit (0x80), advancing to idx 4; level-2 TD byte
	// there sets TB (0x20) and TD (0x80), consuming one value byte and
	// advancing to idx 6; the byte at idx 6 is TB3 with BWI=2 packed into
	// the top nibble (0x20 also satisfies the has-TB3 check).
	payload := []byte{0x00, 0x80, 0x00, 0x80, 0xA0, 0x00, 0x20}
	d.apduGateATRCallback(payload)
	st.Lock()
	wait := st.APDUTransmitWaitMS
	st.Unlock()
	want := int((uint32(1) << 2) * 100 * 10 / 3)
	if wait != want {
		t.Fatalf("expected waiting time %dms, got %dms", want, wait)
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
}

func TestCustomPollFrameInjectsCRCForTypeA(t *testing.T) {
	d, _, mu, sent := newTestDispatcher(t)
	motif := []byte{0x26}
	full := []byte{0x2F, 0x01, 0x06, nci.STSubSetCustomPollFrame,
		0x01,                        // nb_frames
		nci.RFTechA,                 // frame type A
		uint8(len(motif) + 1), 0x80, // length byte (motif+waiting byte), has-CRC bit set
	}
	full = append(full, motif...)
	handled := d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	if !handled {
		t.Fatal("expected custom-poll-frame CMD to be posted to the NFCC")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	if got[1] != nci.OIDPropSetCustPollFrame {
		t.Fatalf("expected OIDPropSetCustPollFrame, got oid 0x%02x", got[1])
	}
	// Per-frame output length byte (index 5: nbFrames, frameType, outLen)
	// grew by 2 for the injected CRC.
	if got[5] != uint8(len(motif)+1+2) {
		t.Fatalf("expected length byte inflated by 2 for CRC, got 0x%02x", got[5])
	}
}

func TestCustomPollFrameTooManyFramesIsCorrupted(t *testing.T) {
	d, _, mu, sent := newTestDispatcher(t)
	full := []byte{0x2F, 0x01, 0x02, nci.STSubSetCustomPollFrame, 0x05}
	d.Process(false, false, full, nci.MTCmd, nci.GIDProp, nci.OIDPropST)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	if got[4] != nci.StatusMessageCorrupted {
		t.Fatalf("expected MESSAGE_CORRUPTED, got 0x%02x", got[4])
	}
}

func TestPwrMonOnClearsErrorCount(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	st.Lock()
	st.PowerMonErrorCount = 5
	st.Unlock()
	full := []byte{0x6F, nci.OIDPropPwrMonRWOn, 0x00}
	d.Process(false, false, full, nci.MTNtf, nci.GIDProp, nci.OIDPropPwrMonRWOn)
	st.Lock()
	defer st.Unlock()
	if !st.PowerMonActiveRW || st.PowerMonErrorCount != 0 {
		t.Fatalf("expected active-RW set and error count cleared, got active=%v count=%d", st.PowerMonActiveRW, st.PowerMonErrorCount)
	}
}

func TestPwrMonOffRecoversAfterTooManyErrors(t *testing.T) {
	d, st, mu, sent := newTestDispatcher(t)
	st.Lock()
	st.PowerMonErrorCount = 20
	st.Unlock()
	full := []byte{0x6F, nci.OIDPropPwrMonRWOff, 0x00}
	d.Process(false, false, full, nci.MTNtf, nci.GIDProp, nci.OIDPropPwrMonRWOff)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	if got[1] != nci.OIDCoreReset {
		t.Fatalf("expected recovery CORE_RESET_NTF, got oid 0x%02x", got[1])
	}
}

func TestObserveSuspendedTranslatesToAndroidNTF(t *testing.T) {
	d, st, mu, sent := newTestDispatcher(t)
	motif := []byte{0x12, 0x34}
	full := append([]byte{0x6F, nci.OIDPropObserveSuspended, 0x04, 0x26, uint8(len(motif) + 2)}, motif...)
	d.Process(false, false, full, nci.MTNtf, nci.GIDProp, nci.OIDPropObserveSuspended)
	st.Lock()
	suspended := st.ObserveSuspended
	st.Unlock()
	if !suspended {
		t.Fatal("expected ObserveSuspended to be set")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	if got[1] != nci.OIDPropAndroid || got[3] != androidPassiveObserverSuspendedNTF {
		t.Fatalf("expected android suspended NTF, got % x", got)
	}
	if string(got[6:]) != string(motif) {
		t.Fatalf("expected motif forwarded without CRC bytes, got % x want % x", got[6:], motif)
	}
}

func TestObserveResumedTranslatesToAndroidNTF(t *testing.T) {
	d, st, mu, sent := newTestDispatcher(t)
	full := []byte{0x6F, nci.OIDPropObserveResumed, 0x00}
	d.Process(false, false, full, nci.MTNtf, nci.GIDProp, nci.OIDPropObserveResumed)
	st.Lock()
	suspended := st.ObserveSuspended
	st.Unlock()
	if suspended {
		t.Fatal("expected ObserveSuspended to be cleared")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	if got[1] != nci.OIDPropAndroid || got[3] != androidPassiveObserverResumedNTF {
		t.Fatalf("expected android resumed NTF, got % x", got)
	}
}

func TestESEStuckFrameDetectorTriggersRecoveryChain(t *testing.T) {
	d, st, mu, sent := newTestDispatcher(t)
	// A fixed TX frame on the eSE's SWP pipe (pipe byte 0x01 at data[2]),
	// repeated past the 30-count threshold should trip the stuck-frame
	// detector. handleTxFrame compares up to 5 bytes starting at data[2],
	// so the TLV needs 7 bytes total (type, length, then 5 data bytes).
	txTLV := []byte{fwlogTTxAct + 1, 0x05, 0x01, 0xAA, 0xBB, 0xCC, 0xDD}
	logPayload := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	logPayload = append(logPayload, txTLV...)

	// The first call only establishes the baseline frame (no increment),
	// so 31 identical calls are needed to push the repeat count to 30.
	for i := 0; i < 31; i++ {
		d.parseFWLogNTF(logPayload)
	}

	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) >= 1 })
	got := snapshot(mu, sent)
	first := got[0]
	if first[1] != nci.OIDNFCEEModeSet || first[3] != eseNFCEEID || first[4] != 0x00 {
		t.Fatalf("expected NFCEE_MODE_SET(disable) as the first recovery step, got % x", first)
	}

	// Drive the rest of the recovery chain by handing each RSP to the
	// pump, which acks the pending CMD and runs its response callback.
	d.p.Got([]byte{0x00, 0x00, 0x00, nci.StatusOK}, nci.MTRsp, nci.GIDEEManage, nci.OIDNFCEEModeSet)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) >= 2 })
	second := snapshot(mu, sent)[1]
	if second[1] != nci.OIDPropSTTest || second[3] != nci.STTestResetST54JSE || second[4] != eseNFCEEID {
		t.Fatalf("expected ST_NCI_PROP_TEST reset command, got % x", second)
	}

	d.p.Got([]byte{0x00, 0x00, 0x00, nci.StatusOK}, nci.MTRsp, nci.GIDProp, nci.OIDPropSTTest)
	st.Lock()
	stuck := st.ESEStuck
	st.Unlock()
	if stuck {
		t.Fatal("expected ESEStuck to be cleared after the recovery chain completes")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) >= 3 })
	third := snapshot(mu, sent)[2]
	if third[1] != nci.OIDCoreReset {
		t.Fatalf("expected a synthesized CORE_RESET_NTF, got % x", third)
	}
}
