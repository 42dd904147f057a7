package diag

import (
	"reflect"
	"testing"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	cases := []Snapshot{
		{},
		{
			Passthrough:    true,
			CLFMode:        3,
			HWVersion:      0x05,
			FWMajor:        0x03,
			FWMinor:        0x02,
			FWRev:          7,
			ObservePerTech: true,
			ActiveNFCEEIDs: []uint8{0x01, 0x02},
			EEInfo: []NFCEEEntry{
				{NFCEEID: 0x01, LA: 1, LB: 0, LF: 1},
			},
			HCILentCredits: 1,
			PoolDepth:      4,
			ToSendDepth:    1,
			ToAckDepth:     0,
			WatchdogCount:  2,
			RegistryCount:  3,
		},
	}
	for i, want := range cases {
		enc, err := want.Encode()
		if err != nil {
			t.Fatalf("case %d: Encode: %v", i, err)
		}
		got, err := Parse(enc)
		if err != nil {
			t.Fatalf("case %d: Parse: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("case %d: got %+v want %+v", i, got, want)
		}
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	s := Snapshot{Passthrough: true, EEInfo: []NFCEEEntry{{NFCEEID: 1}, {NFCEEID: 2}}}
	a, err := s.Encode()
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("Encode is not deterministic: % x vs % x", a, b)
	}
}
