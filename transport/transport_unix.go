//go:build unix

package transport

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// OpenRaw opens path (a real TTY or a socat-simulated pty pair, used by
// cmd/ncisim's `pump -raw` mode) and puts it into raw termios mode
// directly via golang.org/x/sys/unix, rather than through
// github.com/tarm/serial: a pty has no fixed baud rate to negotiate, only
// the line discipline flags tarm/serial's Config does not expose.
// Grounded on cmd/controller/debug_rpi.go's openSerial, which sets the
// same CREAD|CLOCAL|CS8 termios flags over an ioctl(TCSETS) for a serial
// debug link.
func OpenRaw(path string) (*SerialTransport, error) {
	f, err := os.OpenFile(path, unix.O_RDWR|unix.O_NOCTTY, 0666)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	conn, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	var ioctlErr error
	err = conn.Control(func(fd uintptr) {
		t := unix.Termios{
			Iflag: unix.IGNPAR,
			Cflag: unix.CREAD | unix.CLOCAL | unix.CS8,
		}
		t.Cc[unix.VMIN] = 1
		t.Cc[unix.VTIME] = 0
		if _, _, errno := unix.Syscall6(unix.SYS_IOCTL, fd, uintptr(unix.TCSETS), uintptr(unsafe.Pointer(&t)), 0, 0, 0); errno != 0 {
			ioctlErr = errno
		}
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	if ioctlErr != nil {
		f.Close()
		return nil, fmt.Errorf("transport: open %s: set raw mode: %w", path, ioctlErr)
	}
	return newSerialTransport(f, f), nil
}
