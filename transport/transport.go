// Package transport implements the host-side byte link between this
// module and an NFCC, framing whole NCI messages (the 2- or 3-byte
// header nci.ParseHeader expects, plus its declared payload) over a
// physical or simulated serial connection. Grounded on the teacher's
// driver/mjolnir package, which opens a TTY with github.com/tarm/serial
// and frames a fixed-size command/response protocol over it; here the
// frame size is read from the wire instead of fixed, since NCI messages
// vary in length.
package transport

import (
	"bufio"
	"fmt"
	"io"

	"github.com/tarm/serial"
	"stpropnci.dev/nci"
)

// Transport is a byte link carrying whole NCI messages in both
// directions. ReadMessage and WriteMessage operate on full frames, not
// raw bytes, so callers never need to buffer partial headers themselves.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// SerialTransport frames NCI messages over an io.ReadWriter, typically a
// *serial.Port from OpenSerial or a socat-simulated link from OpenRaw.
type SerialTransport struct {
	rw   io.ReadWriter
	c    io.Closer
	bufr *bufio.Reader
}

// OpenSerial opens dev at baud (115200 is the usual NCI UART rate) using
// github.com/tarm/serial, matching driver/mjolnir.Open's use of the same
// package to open a physical TTY.
func OpenSerial(dev string, baud int) (*SerialTransport, error) {
	c := &serial.Config{Name: dev, Baud: baud}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", dev, err)
	}
	return newSerialTransport(s, s), nil
}

func newSerialTransport(rw io.ReadWriter, c io.Closer) *SerialTransport {
	return &SerialTransport{rw: rw, c: c, bufr: bufio.NewReaderSize(rw, nci.MaxMessageLen)}
}

// ReadMessage reads one whole NCI message: it reads the message-type bit
// from the first header byte to determine whether the frame carries a
// 2-byte (DATA) or 3-byte (CMD/RSP/NTF) header, then reads exactly the
// declared payload length, returning the full header+payload buffer
// nci.ParseHeader expects.
func (t *SerialTransport) ReadMessage() ([]byte, error) {
	hdr := make([]byte, 3)
	if err := readFull(t.bufr, hdr[:1]); err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	mt := (hdr[0] >> 5) & 0x07
	hdrLen := 3
	if mt == nci.MTData {
		hdrLen = 2
	}
	if err := readFull(t.bufr, hdr[1:hdrLen]); err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	plen := hdr[hdrLen-1]
	full := make([]byte, hdrLen+int(plen))
	copy(full, hdr[:hdrLen])
	if err := readFull(t.bufr, full[hdrLen:]); err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return full, nil
}

// WriteMessage writes a complete header+payload buffer, such as one
// produced by nci.BuildHeader/nci/scratch.Buffer, as a single frame.
func (t *SerialTransport) WriteMessage(payload []byte) error {
	if _, err := t.rw.Write(payload); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (t *SerialTransport) Close() error {
	if t.c == nil {
		return nil
	}
	return t.c.Close()
}

// readFull reads exactly len(buf) bytes, retrying on short reads the way
// driver/mjolnir.Engrave's atleast helper does.
func readFull(r io.Reader, buf []byte) error {
	for len(buf) > 0 {
		n, err := r.Read(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
