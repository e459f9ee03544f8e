package frame

import (
	"testing"
	"time"
)

// fakeReader is an in-memory Reader/Writer over a byte slice, standing in
// for the serial transport so these tests exercise only the framing logic.
type fakeReader struct {
	buf []byte
	pos int
}

func newFakeReader(b []byte) *fakeReader { return &fakeReader{buf: b} }

func (f *fakeReader) ReadByte(deadline time.Time) (byte, bool, error) {
	if f.pos >= len(f.buf) {
		return 0, false, nil
	}
	b := f.buf[f.pos]
	f.pos++
	return b, true, nil
}

func (f *fakeReader) ReadExact(n int, deadline time.Time) ([]byte, error) {
	if f.pos+n > len(f.buf) {
		got := append([]byte(nil), f.buf[f.pos:]...)
		f.pos = len(f.buf)
		return got, &MalformedError{Reason: "short read"}
	}
	out := append([]byte(nil), f.buf[f.pos:f.pos+n]...)
	f.pos += n
	return out, nil
}

func (f *fakeReader) DiscardInput() error {
	f.pos = len(f.buf)
	return nil
}

type fakeWriter struct {
	written []byte
}

func (w *fakeWriter) WriteAll(buf []byte) error {
	w.written = append(w.written, buf...)
	return nil
}

func TestEmitThenClassifyBijection(t *testing.T) {
	w := &fakeWriter{}
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := Emit(w, 0x2A, payload); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	r := newFakeReader(w.written)
	unit, err := ClassifyOne(r, Config{}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ClassifyOne: %v", err)
	}
	if unit.Kind != UnitData {
		t.Fatalf("Kind = %v, want UnitData", unit.Kind)
	}
	if unit.Data.Seq != 0x2A {
		t.Fatalf("Seq = %#x, want 0x2A", unit.Data.Seq)
	}
	if string(unit.Data.Payload) != string(payload) {
		t.Fatalf("Payload = %v, want %v", unit.Data.Payload, payload)
	}
}

func TestClassifyOneControlPacket(t *testing.T) {
	r := newFakeReader([]byte{TypePermit, 0x05})
	unit, err := ClassifyOne(r, Config{}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ClassifyOne: %v", err)
	}
	if unit.Kind != UnitControl || unit.Control.Type != TypePermit || unit.Control.Seq != 0x05 {
		t.Fatalf("unit = %+v, want Permit/5", unit)
	}
}

func TestClassifyOneSyn(t *testing.T) {
	r := newFakeReader(SynBeacon)
	unit, err := ClassifyOne(r, Config{}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ClassifyOne: %v", err)
	}
	if unit.Kind != UnitSyn {
		t.Fatalf("Kind = %v, want UnitSyn", unit.Kind)
	}
}

func TestClassifyOneDiscardsGarbageThenFindsFrame(t *testing.T) {
	// spec.md §8 scenario 6: 0x99 0x09 0x2A <8 payload bytes>
	stream := []byte{0x99, 0x09, 0x2A, 1, 2, 3, 4, 5, 6, 7, 8}
	r := newFakeReader(stream)
	unit, err := ClassifyOne(r, Config{}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ClassifyOne: %v", err)
	}
	if unit.Kind != UnitData {
		t.Fatalf("Kind = %v, want UnitData", unit.Kind)
	}
	if unit.Data.Seq != 0x2A {
		t.Fatalf("Seq = %#x, want 0x2A", unit.Data.Seq)
	}
	if len(unit.Data.Payload) != 8 {
		t.Fatalf("Payload length = %d, want 8", len(unit.Data.Payload))
	}
}

func TestClassifyOneTimeoutOnEmptyStream(t *testing.T) {
	r := newFakeReader(nil)
	_, err := ClassifyOne(r, Config{}, time.Now())
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestClassifierDisjointness(t *testing.T) {
	controlTypes := map[byte]bool{TypeHandshakeAck: true, TypeQuery: true, TypePermit: true, TypeDataAck: true}
	for b := LengthMin; b <= LengthMax; b++ {
		if controlTypes[byte(b)] {
			t.Fatalf("length value %#x collides with a control TYPE", b)
		}
	}
}

func TestRSSITrailerConversion(t *testing.T) {
	w := &fakeWriter{}
	payload := []byte{0xCC, 0xCC}
	if err := Emit(w, 0x01, payload); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	w.written = append(w.written, 0x80) // raw RSSI byte

	r := newFakeReader(w.written)
	unit, err := ClassifyOne(r, Config{RSSITrailer: true}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ClassifyOne: %v", err)
	}
	if unit.Data.RSSI == nil {
		t.Fatal("RSSI = nil, want non-nil")
	}
	if want := -(256 - 0x80); *unit.Data.RSSI != want {
		t.Fatalf("RSSI = %d, want %d", *unit.Data.RSSI, want)
	}
}

func TestEmitRejectsOversizedPayload(t *testing.T) {
	w := &fakeWriter{}
	if err := Emit(w, 0, make([]byte, 57)); err == nil {
		t.Fatal("Emit with 57-byte payload = nil error, want error")
	}
	if err := Emit(w, 0, nil); err == nil {
		t.Fatal("Emit with empty payload = nil error, want error")
	}
}
