package nci

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	for _, mt := range []uint8{MTData, MTCmd, MTRsp, MTNtf} {
		for _, pbf := range []bool{false, true} {
			for _, gid := range []uint8{0x00, 0x01, 0x0F} {
				for _, oid := range []uint8{0x00, 0x01, 0x3F} {
					for _, plen := range []uint8{0, 1, 255} {
						hdrLen := HeaderSize
						if mt == MTData {
							hdrLen = 2
						}
						buf := make([]byte, hdrLen+int(plen))
						BuildHeader(buf, mt, pbf, gid, oid, plen)
						got, err := ParseHeader(buf)
						if err != nil {
							t.Fatalf("mt=%d pbf=%v gid=%x oid=%x len=%d: %v", mt, pbf, gid, oid, plen, err)
						}
						if got.MT != mt || got.PBF != pbf || got.GID != gid || got.PayLoad != plen {
							t.Fatalf("round trip mismatch: got %+v, want mt=%d pbf=%v gid=%x len=%d", got, mt, pbf, gid, plen)
						}
						if mt != MTData && got.OID != oid {
							t.Fatalf("oid mismatch: got %x want %x", got.OID, oid)
						}
					}
				}
			}
		}
	}
}

func TestParseHeaderTooShort(t *testing.T) {
	if _, err := ParseHeader([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestParseHeaderLengthMismatch(t *testing.T) {
	buf := []byte{0x60, 0x00, 0x05, 0x00, 0x01} // declares 5 bytes, has 2
	if _, err := ParseHeader(buf); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestAbnormalCoreResetNTFBytes(t *testing.T) {
	// Byte-exact per spec: the synthesized recovery notification.
	want := []byte{0x60, 0x00, 0x05, 0x00, 0x01, 0x20, 0x02, 0x00}
	hdr, err := ParseHeader(want)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.MT != MTNtf || hdr.GID != GIDCore || hdr.OID != 0x00 || hdr.PayLoad != 5 {
		t.Fatalf("unexpected header for recovery NTF: %+v", hdr)
	}
}
