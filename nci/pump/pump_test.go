package pump

import (
	"sync"
	"testing"
	"time"

	"stpropnci.dev/nci"
)

func newTestPump(t *testing.T) (*Pump, *sync.Mutex, *[][]byte) {
	t.Helper()
	var mu sync.Mutex
	var sent [][]byte
	p := New(func(toNFCC bool, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]byte(nil), payload...)
		sent = append(sent, cp)
	}, nil)
	p.ackDelay = 20 * time.Millisecond
	p.Start()
	t.Cleanup(p.Stop)
	return p, &mu, &sent
}

func snapshot(mu *sync.Mutex, sent *[][]byte) [][]byte {
	mu.Lock()
	defer mu.Unlock()
	return append([][]byte(nil), (*sent)...)
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

func TestPostAndAckMatching(t *testing.T) {
	p, mu, sent := newTestPump(t)
	cmd := []byte{0x20, 0x00, 0x00} // CORE gid=0, oid=0
	handled := make(chan bool, 1)
	if !p.Post(true, cmd, func(payload []byte, mt, gid, oid uint8) bool {
		handled <- true
		return true
	}) {
		t.Fatal("post failed")
	}
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })

	rsp := []byte{0x40, 0x00, 0x01, 0x00}
	h, _ := nci.ParseHeader(rsp)
	got := p.Got(rsp, h.MT, h.GID, h.OID)
	if !got {
		t.Fatal("expected rsp callback to report handled")
	}
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("rsp callback never invoked")
	}
}

func TestAtMostOneCmdInFlight(t *testing.T) {
	p, mu, sent := newTestPump(t)
	cmd1 := []byte{0x20, 0x00, 0x00}
	cmd2 := []byte{0x21, 0x01, 0x00}
	p.Post(true, cmd1, nil)
	p.Post(true, cmd2, nil)

	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) >= 1 })
	// Check well inside the ack-delay window, before any retransmit of
	// cmd1 could occur, so a second send would only mean cmd2 leaked
	// through while cmd1 is still outstanding.
	time.Sleep(8 * time.Millisecond)
	got := snapshot(mu, sent)
	if len(got) != 1 {
		t.Fatalf("expected only the first CMD to be sent while one is outstanding, got %d sends", len(got))
	}
}

func TestDataRetransmitThenRecover(t *testing.T) {
	p, mu, sent := newTestPump(t)
	data := []byte{0x00, 0x03, 0xAA, 0xBB, 0xCC}
	p.Post(true, data, nil)

	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 2 })
	got := snapshot(mu, sent)
	if string(got[0]) != string(got[1]) {
		t.Fatalf("retransmit should resend the same frame: %x vs %x", got[0], got[1])
	}

	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 3 })
	got = snapshot(mu, sent)
	if string(got[2]) != string(AbnormalCoreResetNTF) {
		t.Fatalf("expected synthesized recovery NTF, got % x", got[2])
	}
}

func TestCreditReleasesData(t *testing.T) {
	p, mu, sent := newTestPump(t)
	data := []byte{0x00, 0x03, 0xAA, 0xBB, 0xCC} // connid=0
	p.Post(true, data, nil)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })

	credit := []byte{0x60, 0x06, 0x03, 0x01, 0x00, 0x01} // conn-credits NTF, one entry, connid=0, credit=1
	handled := p.Got(credit, nci.MTNtf, nci.GIDCore, 0x06)
	if handled {
		t.Fatal("conn-credits NTF should still flow through (handled=false)")
	}

	// The DATA should now be released; no retransmit should occur.
	time.Sleep(40 * time.Millisecond)
	if got := len(snapshot(mu, sent)); got != 1 {
		t.Fatalf("expected no retransmit after credit release, got %d sends", got)
	}
}

func TestWatchdogExpiry(t *testing.T) {
	p, mu, sent := newTestPump(t)
	p.WatchdogAdd(FieldOnTooLong, 20*time.Millisecond)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })
	got := snapshot(mu, sent)
	if string(got[0]) != string(AbnormalCoreResetNTF) {
		t.Fatalf("expected recovery NTF on watchdog expiry, got % x", got[0])
	}
}

func TestWatchdogRemoveCancels(t *testing.T) {
	p, mu, sent := newTestPump(t)
	p.WatchdogAdd(ActiveRWTooLong, 20*time.Millisecond)
	p.WatchdogRemove(ActiveRWTooLong)
	time.Sleep(60 * time.Millisecond)
	if got := len(snapshot(mu, sent)); got != 0 {
		t.Fatalf("expected removed watchdog not to fire, got %d sends", got)
	}
}

func TestToStackDeliveryNotBlockedByInFlightCmd(t *testing.T) {
	p, mu, sent := newTestPump(t)
	cmd := []byte{0x20, 0x00, 0x00}
	p.Post(true, cmd, nil)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) == 1 })

	toStack := []byte{0x40, 0x00, 0x01, 0x00}
	p.Post(false, toStack, nil)
	waitFor(t, time.Second, func() bool { return len(snapshot(mu, sent)) >= 2 })
}
