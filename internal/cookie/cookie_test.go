package cookie

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		clientID uint32
		bufferID uint16
		tag      uint16
	}{
		{"zero", 0, 0, 0},
		{"max client", 0xFFFFFFFF, 0, 0},
		{"max buffer", 0, 0xFFFF, 0},
		{"max tag", 0, 0, 0xFFFF},
		{"init recv tag", 42, 7, TagInitRecv},
		{"poll tag", 1000, 500, TagPollEvent},
		{"send tag", 999999, 1023, TagSend},
		{"all max", 0xFFFFFFFF, 0xFFFF, 0xFFFF},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			packed := Pack(tc.clientID, tc.bufferID, tc.tag)
			client, buf, tag := Unpack(packed)
			if client != tc.clientID || buf != tc.bufferID || tag != tc.tag {
				t.Fatalf("round trip mismatch: got (%d,%d,%d) want (%d,%d,%d)",
					client, buf, tag, tc.clientID, tc.bufferID, tc.tag)
			}
		})
	}
}

func TestReservedSentinelsAreNotPackedValues(t *testing.T) {
	if !IsReserved(Accept) {
		t.Fatal("Accept should be reserved")
	}
	if !IsReserved(BufferRegister) {
		t.Fatal("BufferRegister should be reserved")
	}
	// Every production tag is below 0x8000, so XORing in Offset always sets
	// bit 63 and the packed cookie can never equal the small reserved
	// sentinels.
	for _, tag := range []uint16{TagInitRecv, TagPollEvent, TagSend} {
		if packed := Pack(1, 1, tag); packed&Offset == 0 {
			t.Fatalf("packed cookie %#x for tag %#x should have bit 63 set", packed, tag)
		} else if IsReserved(packed) {
			t.Fatalf("packed cookie %#x for tag %#x must never equal a reserved sentinel", packed, tag)
		}
	}
}

func BenchmarkPackUnpack(b *testing.B) {
	for i := 0; i < b.N; i++ {
		packed := Pack(uint32(i), uint16(i), TagInitRecv)
		Unpack(packed)
	}
}
