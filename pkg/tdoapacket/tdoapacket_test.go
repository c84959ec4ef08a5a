/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package tdoapacket

import "testing"

func TestDefaultAnchorAddress(t *testing.T) {
	for id := uint8(0); id < 8; id++ {
		got := DefaultAnchorAddress(id)
		want := uint64(0xbccf000000000000) | uint64(id)
		if got != want {
			t.Fatalf("DefaultAnchorAddress(%d) = %#x, want %#x", id, got, want)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var p Packet
	p.Type = PacketTypeTDoA2
	p.Timestamps[3] = 1_000_000
	p.SequenceNrs[3] = 0x85 // high bit set, must be masked to 0x05
	p.Distances[4] = 12345
	p.HasTrailing = true
	p.TrailingLPP = []byte{LPPShortAnchorPos, 1, 2, 3}

	buf := Encode(p)
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}

	if got.Type != PacketTypeTDoA2 {
		t.Fatalf("Type = %#x", got.Type)
	}
	if got.Timestamps[3] != 1_000_000 {
		t.Fatalf("Timestamps[3] = %d", got.Timestamps[3])
	}
	if got.SequenceNrs[3] != 0x05 {
		t.Fatalf("SequenceNrs[3] = %#x, want 0x05 (high bit masked)", got.SequenceNrs[3])
	}
	if got.Distances[4] != 12345 {
		t.Fatalf("Distances[4] = %d", got.Distances[4])
	}
	if !got.HasTrailing || len(got.TrailingLPP) != 4 {
		t.Fatalf("TrailingLPP = %v", got.TrailingLPP)
	}
}

func TestDecode_TooShort(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding a too-short packet")
	}
}

func TestTimestamp40_MaxValueRoundTrips(t *testing.T) {
	var p Packet
	p.Timestamps[0] = (1 << 40) - 1 // max 40-bit value
	buf := Encode(p)
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Timestamps[0] != (1<<40)-1 {
		t.Fatalf("Timestamps[0] = %#x, want max 40-bit value", got.Timestamps[0])
	}
}

func TestIsValidTimestamp_ZeroMeansAbsent(t *testing.T) {
	if IsValidTimestamp(0) {
		t.Fatal("zero timestamp must be treated as absent")
	}
	if !IsValidTimestamp(1) {
		t.Fatal("non-zero timestamp must be valid")
	}
}

func TestIsValidDistance_ZeroMeansAbsent(t *testing.T) {
	if IsValidDistance(0) {
		t.Fatal("zero distance must be treated as absent")
	}
	if !IsValidDistance(1) {
		t.Fatal("non-zero distance must be valid")
	}
}

func TestAnchorPositionRoundTrip(t *testing.T) {
	want := AnchorPosition{X: 1.5, Y: -2.25, Z: 3.0}
	body := EncodeAnchorPosition(want)
	got, err := DecodeAnchorPosition(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFirmwareVersionRoundTrip(t *testing.T) {
	body := EncodeFirmwareVersion("2.1.0")
	got, err := DecodeFirmwareVersion(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2.1.0" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeLPPShort(t *testing.T) {
	trailing := []byte{LPPShortAnchorPos, 1, 2, 3}
	lpp, ok := DecodeLPPShort(trailing)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if lpp.Type != LPPShortAnchorPos || len(lpp.Body) != 3 {
		t.Fatalf("got %+v", lpp)
	}
}
