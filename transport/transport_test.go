package transport

import (
	"io"
	"testing"
)

// loopback pairs a Writer and Reader over an in-memory pipe so
// ReadMessage/WriteMessage can be exercised without a real serial device.
type loopback struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (l loopback) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l loopback) Write(p []byte) (int, error) { return l.w.Write(p) }

func newLoopbackTransport() *SerialTransport {
	r, w := io.Pipe()
	return newSerialTransport(loopback{r: r, w: w}, nil)
}

func TestReadMessageCmdFrame(t *testing.T) {
	tr := newLoopbackTransport()
	frame := []byte{0x2F, 0x01, 0x01, 0x01} // GIDProp/OIDPropST, 1-byte payload
	errc := make(chan error, 1)
	go func() { errc <- tr.WriteMessage(frame) }()

	got, err := tr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != string(frame) {
		t.Fatalf("got % x want % x", got, frame)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func TestReadMessageDataFrame(t *testing.T) {
	tr := newLoopbackTransport()
	frame := []byte{0x00, 0x03, 0xAA, 0xBB, 0xCC} // 2-byte DATA header
	errc := make(chan error, 1)
	go func() { errc <- tr.WriteMessage(frame) }()

	got, err := tr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != string(frame) {
		t.Fatalf("got % x want % x", got, frame)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func TestReadMessageSplitAcrossReads(t *testing.T) {
	tr := newLoopbackTransport()
	frame := []byte{0x2F, 0x01, 0x02, 0x00, 0x01}
	errc := make(chan error, 1)
	go func() {
		for _, b := range frame {
			if _, err := tr.rw.Write([]byte{b}); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	got, err := tr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != string(frame) {
		t.Fatalf("got % x want % x", got, frame)
	}
	if err := <-errc; err != nil {
		t.Fatalf("write loop: %v", err)
	}
}
