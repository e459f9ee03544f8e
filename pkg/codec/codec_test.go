package codec

import (
	"math"
	"testing"

	"github.com/chirpchirp/lora-link/pkg/sample"
)

func TestRoundTripRawNoneZlib(t *testing.T) {
	s := sample.Sample{
		TimestampUnix: 1700000000,
		AccelX:        0.012, AccelY: -0.5, AccelZ: 1.0,
		GyroX: 12.3, GyroY: -45.6, GyroZ: 0,
		Roll: 1.1, Pitch: -2.2, Yaw: 179.9,
		Lat: 37.5, Lon: 127.0, Alt: 30.4,
	}

	for _, mode := range []Mode{ModeRaw, ModeNone, ModeZlib} {
		payload, err := Encode(s, mode)
		if err != nil {
			t.Fatalf("%v: encode: %v", mode, err)
		}
		if len(payload) < MinPayloadLen || len(payload) > MaxPayloadLen {
			t.Fatalf("%v: payload length %d outside bounds", mode, len(payload))
		}

		decoded, err := Decode(payload, mode)
		if err != nil {
			t.Fatalf("%v: decode: %v", mode, err)
		}
		got, ok := decoded.(sample.Sample)
		if !ok {
			t.Fatalf("%v: decode returned %T, want sample.Sample", mode, decoded)
		}

		if int64(got.TimestampUnix) != int64(s.TimestampUnix) {
			t.Errorf("%v: ts = %v, want %v", mode, got.TimestampUnix, s.TimestampUnix)
		}
		assertClose(t, mode, "ax", got.AccelX, s.AccelX, 0.001)
		assertClose(t, mode, "ay", got.AccelY, s.AccelY, 0.001)
		assertClose(t, mode, "az", got.AccelZ, s.AccelZ, 0.001)
		assertClose(t, mode, "gx", got.GyroX, s.GyroX, 0.1)
		assertClose(t, mode, "roll", got.Roll, s.Roll, 0.1)
		assertClose(t, mode, "alt", got.Alt, s.Alt, 0.1)

		if float32(got.Lat) != float32(s.Lat) {
			t.Errorf("%v: lat = %v, want %v (exact f32)", mode, got.Lat, s.Lat)
		}
		if float32(got.Lon) != float32(s.Lon) {
			t.Errorf("%v: lon = %v, want %v (exact f32)", mode, got.Lon, s.Lon)
		}
	}
}

func assertClose(t *testing.T, mode Mode, field string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%v: %s = %v, want %v (tol %v)", mode, field, got, want, tol)
	}
}

func TestRawPayloadIsExactly32Bytes(t *testing.T) {
	s := sample.Sample{TimestampUnix: 1700000000, AccelZ: 1}
	for _, mode := range []Mode{ModeRaw, ModeNone} {
		payload, err := Encode(s, mode)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if len(payload) != 32 {
			t.Fatalf("%v: payload length = %d, want 32", mode, len(payload))
		}
	}
}

func TestBamIsStubAndNotInvertible(t *testing.T) {
	s := sample.Sample{TimestampUnix: 1700000321}
	payload, err := Encode(s, ModeBam)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(payload) != 1 {
		t.Fatalf("bam payload length = %d, want 1", len(payload))
	}
	if payload[0] != byte(1700000321&0xFF) {
		t.Fatalf("bam code = %d, want low byte of ts", payload[0])
	}

	decoded, err := Decode(payload, ModeBam)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec, ok := decoded.(*BamRecord)
	if !ok {
		t.Fatalf("decode returned %T, want *BamRecord", decoded)
	}
	if rec.Decoded {
		t.Fatal("BamRecord.Decoded = true, want false: bam is never invertible")
	}
	if rec.Code != payload[0] {
		t.Fatalf("BamRecord.Code = %d, want %d", rec.Code, payload[0])
	}
}

func TestDummyModePayloadSizeAndFill(t *testing.T) {
	payload, err := Encode(sample.Sample{}, ModeDummy(8))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(payload) != 8 {
		t.Fatalf("dummy payload length = %d, want 8", len(payload))
	}
	for i, b := range payload {
		if b != 0xCC {
			t.Fatalf("payload[%d] = %#x, want 0xCC", i, b)
		}
	}
}

func TestDummyModeClampsToValidRange(t *testing.T) {
	if m := ModeDummy(0); m.dummySize != 1 {
		t.Fatalf("ModeDummy(0).dummySize = %d, want 1", m.dummySize)
	}
	if m := ModeDummy(1000); m.dummySize != MaxPayloadLen {
		t.Fatalf("ModeDummy(1000).dummySize = %d, want %d", m.dummySize, MaxPayloadLen)
	}
}

func TestUndecodableNeverPanics(t *testing.T) {
	cases := [][]byte{
		{},
		make([]byte, 57),
		{0x01, 0x02, 0x03}, // too short for raw
	}
	for _, c := range cases {
		if _, err := Decode(c, ModeRaw); err == nil {
			t.Errorf("Decode(%v, raw) = nil error, want UndecodableError", c)
		}
	}
	if _, err := Decode([]byte{0x01, 0x02, 0x03}, ModeZlib); err == nil {
		t.Error("Decode(garbage, zlib) = nil error, want UndecodableError")
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]modeKind{
		"none":     kindNone,
		"raw":      kindRaw,
		"zlib":     kindZlib,
		"bam":      kindBam,
		"dummy:16": kindDummy,
	}
	for s, want := range cases {
		m, err := ParseMode(s)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", s, err)
		}
		if m.kind != want {
			t.Errorf("ParseMode(%q).kind = %v, want %v", s, m.kind, want)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("ParseMode(bogus) = nil error, want error")
	}
}
