package stpropnci

import (
	"sync"
	"testing"
	"time"

	"stpropnci.dev/nci"
	"stpropnci.dev/nci/pump"
	"stpropnci.dev/nci/state"
)

// sentFrame records one outbound delivery captured by a test Context's
// Outbound callback.
type sentFrame struct {
	toNFCC  bool
	payload []byte
}

func newTestContext(t *testing.T) (*Context, *sync.Mutex, *[]sentFrame) {
	t.Helper()
	var mu sync.Mutex
	var sent []sentFrame
	c := NewContext()
	if !c.Init(LogInfo, func(toNFCC bool, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, sentFrame{toNFCC, append([]byte(nil), payload...)})
	}) {
		t.Fatal("Init returned false")
	}
	t.Cleanup(c.Deinit)
	return c, &mu, &sent
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

func snapshot(mu *sync.Mutex, sent *[]sentFrame) []sentFrame {
	mu.Lock()
	defer mu.Unlock()
	return append([]sentFrame(nil), (*sent)...)
}

func TestInitIsIdempotentAndDeinitClearsQueues(t *testing.T) {
	c := NewContext()
	var calls int
	out := func(toNFCC bool, payload []byte) { calls++ }
	if !c.Init(LogError, out) {
		t.Fatal("first Init returned false")
	}
	// Post a message so there is queue state to clear.
	c.mu.Lock()
	c.pump.Post(true, []byte{0x20, 0x00, 0x00}, nil)
	c.mu.Unlock()

	if !c.Init(LogError, out) {
		t.Fatal("second Init returned false")
	}
	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()
	if !initialized {
		t.Fatal("expected Context to remain initialized across a re-Init")
	}

	c.Deinit()
	c.mu.Lock()
	initialized = c.initialized
	c.mu.Unlock()
	if initialized {
		t.Fatal("expected Deinit to clear initialized")
	}
	// Deinit is itself idempotent.
	c.Deinit()
}

func TestProcessBeforeInitIsNotHandled(t *testing.T) {
	c := NewContext()
	if c.Process(true, []byte{0x20, 0x00, 0x00}) {
		t.Fatal("expected process before init to report not handled")
	}
	c.Inform(true, []byte{0x20, 0x00, 0x00}) // must not panic
}

// TestInformIsReadOnly exercises the inform-vs-process distinction spec
// §4.8 draws: the same CMD that synthesizes a reply under Process produces
// no outbound frame at all under Inform.
func TestInformIsReadOnly(t *testing.T) {
	c, mu, sent := newTestContext(t)
	full := []byte{0x2F, 0x01, 0x01, nci.STSubGetLibVersion}

	c.Inform(true, full)
	time.Sleep(20 * time.Millisecond)
	if got := snapshot(mu, sent); len(got) != 0 {
		t.Fatalf("expected no outbound frames from Inform, got %v", got)
	}

	if !c.Process(true, full) {
		t.Fatal("expected GET_LIB_VERSION to be consumed by Process")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	if got.toNFCC {
		t.Fatal("expected GET_LIB_VERSION reply to go to-stack")
	}
	want := []byte{0x4F, 0x01, 0x04, nci.STSubGetLibVersion, nci.StatusOK, 0x00, 0x01}
	if string(got.payload) != string(want) {
		t.Fatalf("got % x want % x", got.payload, want)
	}
}

// TestScenarioObserveModeQueryNewEncoding is scenario S1: a query-passive-
// observe CMD from the stack, under the new per-technology encoding,
// issues rf-get-listen-observe-mode-state to the NFCC and translates its
// RSP back into an android-opcode RSP.
//
// The android-opcode sub-opcode constants in this port were reconstructed
// from the published AOSP constant set rather than captured from source
// (see nci.AndroidQueryPassiveObserve's doc comment); this test drives the
// same control flow and byte layout scenario S1 describes using those
// constants symbolically, rather than the literal sub-opcode byte the
// scenario's prose uses, which assumes a different numbering. See
// DESIGN.md.
func TestScenarioObserveModeQueryNewEncoding(t *testing.T) {
	c, mu, sent := newTestContext(t)
	c.state.Lock()
	c.state.ObservePerTech = true
	c.state.ObserveSuspended = false
	c.state.Unlock()

	cmd := []byte{0x2F, 0x0C, 0x02, nci.AndroidQueryPassiveObserve, 0x01}
	if !c.Process(true, cmd) {
		t.Fatal("expected query-passive-observe to be consumed")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	toNFCC := snapshot(mu, sent)[0]
	if !toNFCC.toNFCC {
		t.Fatal("expected rf-get-listen-observe-mode-state to go to-NFCC")
	}
	wantToNFCC := []byte{0x21, 0x17, 0x00}
	if string(toNFCC.payload) != string(wantToNFCC) {
		t.Fatalf("to-NFCC: got % x want % x", toNFCC.payload, wantToNFCC)
	}

	rsp := []byte{0x41, 0x17, 0x02, nci.StatusOK, 0x03}
	if !c.Process(false, rsp) {
		t.Fatal("expected the RSP to be absorbed by ack-matching")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 2 })
	toStack := snapshot(mu, sent)[1]
	if toStack.toNFCC {
		t.Fatal("expected the translated reply to go to-stack")
	}
	wantToStack := []byte{0x4F, 0x0C, 0x03, nci.AndroidQueryPassiveObserve, nci.StatusOK, 0x03}
	if string(toStack.payload) != string(wantToStack) {
		t.Fatalf("to-stack: got % x want % x", toStack.payload, wantToStack)
	}
}

// TestScenarioExitFrameTranslationWithCRC is scenario S2: one exit-frame
// table entry (tech A, 1-byte motif, exact mask) gets its CRC_A bytes and
// matching 0xFF mask bytes injected before being forwarded to the NFCC.
func TestScenarioExitFrameTranslationWithCRC(t *testing.T) {
	c, mu, sent := newTestContext(t)

	// header(3) + suboid(1) + more(1) + timeout(2) + numFrames(1) + qual(1)
	// + valLen(1) + power(1) + data(1) + mask(1) = 13 bytes; len byte
	// reflects the 10-byte payload after the 3-byte header.
	cmd := []byte{
		0x2F, 0x0C, 0x0A, nci.AndroidSetPassiveObserverExitFrame,
		0x00,       // no more entries
		0x64, 0x00, // timeout 100ms
		0x01,       // one frame
		0x00,       // qual: tech A, not longer-than, with response
		0x03,       // vallen
		0x00,       // power state
		0x26,       // motif (REQA)
		0xFF,       // mask
	}
	if !c.Process(true, cmd) {
		t.Fatal("expected set-exit-frame to be consumed")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	if !got.toNFCC {
		t.Fatal("expected the rewritten exit-frame table to go to-NFCC")
	}
	// CRC_A(0x26) = 0x15CA, transmitted LSB-first as CA 15.
	want := []byte{
		0x2F, 0x19, 0x0D,
		0x00,
		0x64, 0x00,
		0x01,
		0x00, 0x03,
		0x00, 0x26, 0xCA, 0x15,
		0xFF, 0xFF, 0xFF,
	}
	if string(got.payload) != string(want) {
		t.Fatalf("got % x want % x", got.payload, want)
	}
}

// TestScenarioWatchdogRecovery is scenario S3: an armed FIELD_ON_TOO_LONG
// watchdog that is never cleared fires the synthesized abnormal
// CORE_RESET_NTF.
func TestScenarioWatchdogRecovery(t *testing.T) {
	c, mu, sent := newTestContext(t)
	c.ConfigSettings(Config{FieldTimerMS: 30, ActiveRWTimerMS: state.DefaultActiveRWTimerMS})
	c.state.Lock()
	c.state.HWVersion = state.HWVersionST54J
	c.state.Unlock()

	ntf := []byte{0x61, 0x07, 0x01, 0x01} // RF_FIELD_INFO, field on
	if !c.Process(false, ntf) {
		t.Fatal("expected RF_FIELD_INFO to be forwarded to the stack through the pump")
	}

	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 2 })
	fwd := snapshot(mu, sent)[0]
	if fwd.toNFCC || string(fwd.payload) != string(ntf) {
		t.Fatalf("expected RF_FIELD_INFO forwarded to-stack first, got %+v", fwd)
	}
	got := snapshot(mu, sent)[1]
	if got.toNFCC {
		t.Fatal("expected the recovery NTF to go to-stack")
	}
	if string(got.payload) != string(pump.AbnormalCoreResetNTF) {
		t.Fatalf("got % x want % x", got.payload, pump.AbnormalCoreResetNTF)
	}
}

// TestScenarioAckMatchingRetransmitThenGiveUp is scenario S4: a DATA
// message posted to the NFCC with no credit notification is retransmitted
// once, then gives up and synthesizes recovery.
func TestScenarioAckMatchingRetransmitThenGiveUp(t *testing.T) {
	c, mu, sent := newTestContext(t)

	data := []byte{0x00, 0x03, 0xAA, 0xBB, 0xCC}
	if !c.Process(true, data) {
		t.Fatal("expected the DATA message to be posted")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) >= 1 })
	first := snapshot(mu, sent)[0]
	if !first.toNFCC || string(first.payload) != string(data) {
		t.Fatalf("first send: got %+v want to-NFCC % x", first, data)
	}

	waitFor(t, 2*time.Second, func() bool { return len(snapshot(mu, sent)) >= 2 })
	second := snapshot(mu, sent)[1]
	if !second.toNFCC || string(second.payload) != string(data) {
		t.Fatalf("retransmit: got %+v want to-NFCC % x", second, data)
	}

	waitFor(t, 2*time.Second, func() bool { return len(snapshot(mu, sent)) >= 3 })
	third := snapshot(mu, sent)[2]
	if third.toNFCC {
		t.Fatal("expected the give-up recovery NTF to go to-stack")
	}
	if string(third.payload) != string(pump.AbnormalCoreResetNTF) {
		t.Fatalf("got % x want % x", third.payload, pump.AbnormalCoreResetNTF)
	}
}

// TestScenarioPassthroughToggle is scenario S5: enabling passthrough
// synthesizes an RSP and gates every subsequent from-stack frame except
// the disable toggle.
func TestScenarioPassthroughToggle(t *testing.T) {
	c, mu, sent := newTestContext(t)

	enable := []byte{0x2F, 0x01, 0x02, 0x00, 0x01}
	if !c.Process(true, enable) {
		t.Fatal("expected the enable toggle to be consumed")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	want := []byte{0x4F, 0x01, 0x02, 0x00, 0x00}
	if string(got.payload) != string(want) {
		t.Fatalf("got % x want % x", got.payload, want)
	}

	other := []byte{0x2F, 0x01, 0x01, nci.STSubGetLibVersion}
	if c.Process(true, other) {
		t.Fatal("expected from-stack traffic to be refused while passthrough is active")
	}
	if len(snapshot(mu, sent)) != 1 {
		t.Fatal("expected no additional outbound frame while passthrough gates the stack")
	}

	disable := []byte{0x2F, 0x01, 0x02, 0x00, 0x00}
	if !c.Process(true, disable) {
		t.Fatal("expected the disable toggle to be consumed")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 2 })
	got = snapshot(mu, sent)[1]
	if string(got.payload) != string(want) {
		t.Fatalf("disable reply: got % x want % x", got.payload, want)
	}
	c.state.Lock()
	on := c.state.Passthrough
	c.state.Unlock()
	if on {
		t.Fatal("expected passthrough to be disabled again")
	}
}

// TestScenarioHCICreditLending is scenario S6: a credit lent to the HCI
// connection absorbs a matching grant entirely, or is forwarded with the
// count reduced by the amount lent.
//
// Core-init's own rewrite of a 0-initial-credit HCI entry (the step that
// normally sets the lent counter) is not yet wired; this test seeds
// state.State.HCILentCredits directly to stand in for it. See DESIGN.md.
func TestScenarioHCICreditLending(t *testing.T) {
	c, mu, sent := newTestContext(t)

	c.state.Lock()
	c.state.HCILentCredits = 1
	c.state.Unlock()
	grant1 := []byte{0x60, 0x06, 0x03, 0x01, nci.ConnIDHCI, 0x01}
	if !c.Process(false, grant1) {
		t.Fatal("expected a 1-credit grant to be absorbed")
	}
	time.Sleep(20 * time.Millisecond)
	if got := snapshot(mu, sent); len(got) != 0 {
		t.Fatalf("expected no outbound frame for the absorbed grant, got %v", got)
	}
	c.state.Lock()
	lent := c.state.HCILentCredits
	c.state.Unlock()
	if lent != 0 {
		t.Fatalf("expected the lent counter to reach 0, got %d", lent)
	}

	c.state.Lock()
	c.state.HCILentCredits = 1
	c.state.Unlock()
	grant2 := []byte{0x60, 0x06, 0x03, 0x01, nci.ConnIDHCI, 0x02}
	if !c.Process(false, grant2) {
		t.Fatal("expected a 2-credit grant to be replaced by a rewritten 1-credit NTF")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)[0]
	want := []byte{0x60, 0x06, 0x03, 0x01, nci.ConnIDHCI, 0x01}
	if string(got.payload) != string(want) {
		t.Fatalf("got % x want % x", got.payload, want)
	}
}
