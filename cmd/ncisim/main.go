// Command ncisim drives a stpropnci.Context against a real or simulated
// NFCC link, for manual bring-up and bug reports without a full host NFC
// stack. Subcommand pump relays whole NCI messages between a transport and
// the log; dump prints a diagnostic snapshot of a freshly initialized
// Context; probe exercises an attached ST25R3916 reader directly.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"stpropnci.dev/driver/st25r3916"
	"stpropnci.dev/stpropnci"
	"stpropnci.dev/transport"
)

var (
	pumpCmd  = flag.NewFlagSet("pump", flag.ExitOnError)
	dumpCmd  = flag.NewFlagSet("dump", flag.ExitOnError)
	probeCmd = flag.NewFlagSet("probe", flag.ExitOnError)

	pumpDev   = pumpCmd.String("dev", "", "serial device the NFCC is attached to")
	pumpBaud  = pumpCmd.Int("baud", 115200, "baud rate, ignored with -raw")
	pumpRaw   = pumpCmd.Bool("raw", false, "open -dev as a raw pty (e.g. a socat-simulated link) instead of a baud-rate serial port")
	pumpLevel = pumpCmd.Int("loglevel", stpropnci.LogInfo, "stpropnci log level (0=error, 1=debug, 2=info)")

	dumpDev  = dumpCmd.String("dev", "", "serial device the NFCC is attached to")
	dumpRaw  = dumpCmd.Bool("raw", false, "open -dev as a raw pty instead of a baud-rate serial port")
	dumpBaud = dumpCmd.Int("baud", 115200, "baud rate, ignored with -raw")

	probeBus = probeCmd.String("i2c", "", "i2c bus name for an attached ST25R3916 (empty picks the system default)")
	probeInt = probeCmd.String("intpin", "", "gpio pin name wired to the ST25R3916's interrupt line")
)

func main() {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	if len(os.Args) <= 1 {
		fmt.Fprintf(os.Stderr, "ncisim: specify 'pump', 'dump', or 'probe'\n")
		os.Exit(2)
	}
	args := os.Args[2:]
	var err error
	switch cmd := os.Args[1]; cmd {
	case "pump":
		if err := pumpCmd.Parse(args); err != nil {
			pumpCmd.Usage()
		}
		err = runPump()
	case "dump":
		if err := dumpCmd.Parse(args); err != nil {
			dumpCmd.Usage()
		}
		err = runDump()
	case "probe":
		if err := probeCmd.Parse(args); err != nil {
			probeCmd.Usage()
		}
		err = runProbe()
	default:
		fmt.Fprintf(os.Stderr, "ncisim: unknown command: %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ncisim: %v\n", err)
		os.Exit(2)
	}
}

// openTransport opens dev as a raw pty link if raw is set, otherwise as a
// baud-rate serial port.
func openTransport(dev string, raw bool, baud int) (*transport.SerialTransport, error) {
	if dev == "" {
		return nil, fmt.Errorf("specify -dev")
	}
	if raw {
		return transport.OpenRaw(dev)
	}
	return transport.OpenSerial(dev, baud)
}

// runPump opens the transport, initializes a Context over it, and relays
// messages from the NFCC through Process for as long as the link holds.
// Anything Process does not consume itself is written back out through
// the transport by the outbound callback.
func runPump() error {
	tr, err := openTransport(*pumpDev, *pumpRaw, *pumpBaud)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer tr.Close()

	out := func(toNFCC bool, payload []byte) {
		if err := tr.WriteMessage(payload); err != nil {
			log.Printf("ncisim: write: %v", err)
		}
	}
	c := stpropnci.NewContext()
	c.Init(*pumpLevel, out)
	defer c.Deinit()

	log.Printf("ncisim: pumping %s", *pumpDev)
	for {
		msg, err := tr.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		log.Printf("ncisim: <- % x", msg)
		c.Process(false, msg)
	}
}

// runDump opens the transport (confirming the device path is at least
// reachable) and prints a CBOR-hex diagnostic snapshot of a freshly
// initialized Context. Exercises nci/diag's Encode alongside
// stpropnci.Context.Dump, which a live embedder would call instead.
func runDump() error {
	tr, err := openTransport(*dumpDev, *dumpRaw, *dumpBaud)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer tr.Close()

	c := stpropnci.NewContext()
	c.Init(stpropnci.LogError, func(bool, []byte) {})
	defer c.Deinit()

	snap, err := c.Dump()
	if err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	enc, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	fmt.Println(hex.EncodeToString(enc))
	return nil
}

// runProbe opens an ST25R3916 attached over I2C and runs one detection
// cycle, for confirming the chip-level reader is wired up and reachable
// before pointing a real NFCC at -dev. Unlike pump and dump, which speak
// NCI over a transport.Transport, probe talks directly to the reader
// silicon below the NCI layer.
func runProbe() error {
	if *probeInt == "" {
		return fmt.Errorf("specify -intpin")
	}
	dev, err := st25r3916.Open(*probeBus, *probeInt)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer dev.Close()
	fieldOff, err := dev.Detect()
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	if fieldOff {
		fmt.Println("probe: no external field, own field enabled")
	} else {
		fmt.Println("probe: external field detected")
	}
	return nil
}
