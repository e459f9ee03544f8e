package link

import (
	"sync"
	"testing"
	"time"

	"github.com/chirpchirp/lora-link/pkg/codec"
	"github.com/chirpchirp/lora-link/pkg/frame"
	"github.com/chirpchirp/lora-link/pkg/sample"
)

// byteQueue is a small thread-safe FIFO standing in for one direction of a
// serial wire, polled rather than blocking on a channel so ReadByte/ReadExact
// can honor a deadline the way the real transport does.
type byteQueue struct {
	mu  sync.Mutex
	buf []byte
}

func (q *byteQueue) push(b []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, b...)
}

func (q *byteQueue) popAll(n int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.buf) {
		n = len(q.buf)
	}
	out := append([]byte(nil), q.buf[:n]...)
	q.buf = q.buf[n:]
	return out
}

func (q *byteQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = nil
}

// duplexEnd is one endpoint of a two-way in-memory wire, implementing
// transportRW so Transmitter and Receiver can talk to each other without a
// real serial port.
type duplexEnd struct {
	out *byteQueue
	in  *byteQueue
}

func (e *duplexEnd) WriteAll(buf []byte) error {
	e.out.push(buf)
	return nil
}

func (e *duplexEnd) ReadByte(deadline time.Time) (byte, bool, error) {
	for {
		if got := e.in.popAll(1); len(got) == 1 {
			return got[0], true, nil
		}
		if time.Now().After(deadline) {
			return 0, false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *duplexEnd) ReadExact(n int, deadline time.Time) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		got := e.in.popAll(n - len(out))
		out = append(out, got...)
		if len(out) == n {
			return out, nil
		}
		if time.Now().After(deadline) {
			return out, &frame.MalformedError{Reason: "short read"}
		}
		time.Sleep(time.Millisecond)
	}
	return out, nil
}

func (e *duplexEnd) DiscardInput() error {
	e.in.clear()
	return nil
}

func newDuplex() (tx *duplexEnd, rx *duplexEnd) {
	aToB := &byteQueue{}
	bToA := &byteQueue{}
	tx = &duplexEnd{out: aToB, in: bToA}
	rx = &duplexEnd{out: bToA, in: aToB}
	return tx, rx
}

func testTimeouts() Timeouts {
	return Timeouts{Response: 200 * time.Millisecond, InterByte: 50 * time.Millisecond}
}

func testBudget() RetryBudget {
	return RetryBudget{Handshake: 3, Permit: 3, Data: 3}
}

func sampleReading() sample.Sample {
	return sample.Sample{
		TimestampUnix: 1700000000,
		AccelX: 0.1, AccelY: -0.2, AccelZ: 1.0,
		GyroX: 1.5, GyroY: -1.5, GyroZ: 0.0,
		Roll: 10, Pitch: -5, Yaw: 180,
		Lat: 37.422, Lon: -122.084, Alt: 30.5,
	}
}

// runReceiver starts a Receiver in a goroutine and returns a stop func plus
// a channel of delivered (seq, payload) pairs.
type delivery struct {
	seq     byte
	payload []byte
}

func runReceiver(t *testing.T, rw transportRW, mode codec.Mode) (stop func(), deliveries chan delivery) {
	t.Helper()
	deliveries = make(chan delivery, 16)
	rx := NewReceiver(rw, frame.Config{}, mode, func(seq byte, payload []byte, _ *int) {
		deliveries <- delivery{seq: seq, payload: append([]byte(nil), payload...)}
	}, nil, nil)
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rx.Run(stopCh)
	}()
	return func() { close(stopCh); <-done }, deliveries
}

func TestHappyPathNoneMode(t *testing.T) {
	txEnd, rxEnd := newDuplex()
	stop, deliveries := runReceiver(t, rxEnd, codec.ModeNone)
	defer stop()

	tx := NewTransmitter(txEnd, frame.Config{}, codec.ModeNone, testBudget(), testTimeouts(), nil, nil)
	if err := tx.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	outcome, err := tx.SendMessage(sampleReading())
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if outcome != Delivered {
		t.Fatalf("outcome = %v, want Delivered", outcome)
	}

	select {
	case d := <-deliveries:
		if len(d.payload) != 32 {
			t.Fatalf("payload length = %d, want 32", len(d.payload))
		}
	case <-time.After(time.Second):
		t.Fatal("receiver never delivered the data frame")
	}
}

func TestHappyPathDummyMode(t *testing.T) {
	txEnd, rxEnd := newDuplex()
	mode := codec.ModeDummy(8)
	stop, deliveries := runReceiver(t, rxEnd, mode)
	defer stop()

	tx := NewTransmitter(txEnd, frame.Config{}, mode, testBudget(), testTimeouts(), nil, nil)
	if err := tx.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	outcome, err := tx.SendMessage(sampleReading())
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if outcome != Delivered {
		t.Fatalf("outcome = %v, want Delivered", outcome)
	}
	select {
	case d := <-deliveries:
		if len(d.payload) != 8 {
			t.Fatalf("payload length = %d, want 8", len(d.payload))
		}
	case <-time.After(time.Second):
		t.Fatal("receiver never delivered the dummy frame")
	}
}

// scriptedPeer is a hand-driven stand-in for the receiver used when a test
// needs to script exact response sequences (dropped acks, wrong SEQ) that
// the real Receiver would never produce on its own.
type scriptedPeer struct {
	rw transportRW
}

func (p *scriptedPeer) recvControl(t *testing.T, wantType byte) frame.ControlPacket {
	t.Helper()
	unit, err := frame.ClassifyOne(p.rw, frame.Config{}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("scripted peer: classify: %v", err)
	}
	if unit.Kind != frame.UnitControl || unit.Control.Type != wantType {
		t.Fatalf("scripted peer: got unit %+v, want control type %#x", unit, wantType)
	}
	return unit.Control
}

func (p *scriptedPeer) recvData(t *testing.T) frame.DataFrame {
	t.Helper()
	unit, err := frame.ClassifyOne(p.rw, frame.Config{}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("scripted peer: classify: %v", err)
	}
	if unit.Kind != frame.UnitData {
		t.Fatalf("scripted peer: got unit %+v, want data", unit)
	}
	return unit.Data
}

func TestDroppedDataAckRetriedThenDelivered(t *testing.T) {
	txEnd, rxEnd := newDuplex()
	peer := &scriptedPeer{rw: rxEnd}

	tx := NewTransmitter(txEnd, frame.Config{}, codec.ModeRaw, testBudget(), testTimeouts(), nil, nil)

	result := make(chan Outcome, 1)
	go func() {
		if err := tx.Handshake(); err != nil {
			t.Errorf("Handshake: %v", err)
			return
		}
		o, err := tx.SendMessage(sampleReading())
		if err != nil {
			t.Errorf("SendMessage: %v", err)
			return
		}
		result <- o
	}()

	synUnit, err := frame.ClassifyOne(peer.rw, frame.Config{}, time.Now().Add(time.Second))
	if err != nil || synUnit.Kind != frame.UnitSyn {
		t.Fatalf("expected SYN, got %+v err=%v", synUnit, err)
	}
	if err := frame.EmitControl(peer.rw, frame.TypeHandshakeAck, 0); err != nil {
		t.Fatalf("emit handshake ack: %v", err)
	}

	q := peer.recvControl(t, frame.TypeQuery)
	if err := frame.EmitControl(peer.rw, frame.TypePermit, q.Seq); err != nil {
		t.Fatalf("emit permit: %v", err)
	}

	// First Data attempt: receive it but never ACK, simulating a lost
	// DataAck on the wire back to the transmitter.
	d1 := peer.recvData(t)
	if d1.Seq != 0 {
		t.Fatalf("first data seq = %d, want 0", d1.Seq)
	}

	// Transmitter retries Data after its response timeout; this time ACK.
	d2 := peer.recvData(t)
	if d2.Seq != 0 {
		t.Fatalf("retried data seq = %d, want 0", d2.Seq)
	}
	if err := frame.EmitControl(peer.rw, frame.TypeDataAck, 0); err != nil {
		t.Fatalf("emit data ack: %v", err)
	}

	select {
	case o := <-result:
		if o != Delivered {
			t.Fatalf("outcome = %v, want Delivered", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transmitter never concluded")
	}
}

func TestPermitWrongSeqThenCorrect(t *testing.T) {
	txEnd, rxEnd := newDuplex()
	peer := &scriptedPeer{rw: rxEnd}

	tx := NewTransmitter(txEnd, frame.Config{}, codec.ModeRaw, testBudget(), testTimeouts(), nil, nil)

	result := make(chan Outcome, 1)
	go func() {
		if err := tx.Handshake(); err != nil {
			t.Errorf("Handshake: %v", err)
			return
		}
		o, err := tx.SendMessage(sampleReading())
		if err != nil {
			t.Errorf("SendMessage: %v", err)
			return
		}
		result <- o
	}()

	// Handshake: expect SYN, respond with HandshakeAck/seq0.
	synUnit, err := frame.ClassifyOne(peer.rw, frame.Config{}, time.Now().Add(time.Second))
	if err != nil || synUnit.Kind != frame.UnitSyn {
		t.Fatalf("expected SYN, got %+v err=%v", synUnit, err)
	}
	if err := frame.EmitControl(peer.rw, frame.TypeHandshakeAck, 0); err != nil {
		t.Fatalf("emit handshake ack: %v", err)
	}

	// Query for seq 0: first respond with Permit for the WRONG seq.
	q := peer.recvControl(t, frame.TypeQuery)
	if q.Seq != 0 {
		t.Fatalf("query seq = %d, want 0", q.Seq)
	}
	if err := frame.EmitControl(peer.rw, frame.TypePermit, 0x7F); err != nil {
		t.Fatalf("emit wrong permit: %v", err)
	}

	// Transmitter retries Query; this time answer correctly.
	q2 := peer.recvControl(t, frame.TypeQuery)
	if q2.Seq != 0 {
		t.Fatalf("retried query seq = %d, want 0", q2.Seq)
	}
	if err := frame.EmitControl(peer.rw, frame.TypePermit, 0); err != nil {
		t.Fatalf("emit correct permit: %v", err)
	}

	d := peer.recvData(t)
	if d.Seq != 0 {
		t.Fatalf("data seq = %d, want 0", d.Seq)
	}
	if err := frame.EmitControl(peer.rw, frame.TypeDataAck, 0); err != nil {
		t.Fatalf("emit data ack: %v", err)
	}

	select {
	case o := <-result:
		if o != Delivered {
			t.Fatalf("outcome = %v, want Delivered", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transmitter never concluded")
	}
}

func TestDataAckNeverArrivesExhaustsRetryBudgetAndDrops(t *testing.T) {
	txEnd, rxEnd := newDuplex()
	peer := &scriptedPeer{rw: rxEnd}

	budget := RetryBudget{Handshake: 2, Permit: 2, Data: 2}
	tx := NewTransmitter(txEnd, frame.Config{}, codec.ModeRaw, budget, Timeouts{Response: 60 * time.Millisecond}, nil, nil)

	result := make(chan Outcome, 1)
	go func() {
		if err := tx.Handshake(); err != nil {
			t.Errorf("Handshake: %v", err)
			return
		}
		o, err := tx.SendMessage(sampleReading())
		if err != nil {
			t.Errorf("SendMessage: %v", err)
			return
		}
		result <- o
	}()

	synUnit, err := frame.ClassifyOne(peer.rw, frame.Config{}, time.Now().Add(time.Second))
	if err != nil || synUnit.Kind != frame.UnitSyn {
		t.Fatalf("expected SYN, got %+v err=%v", synUnit, err)
	}
	if err := frame.EmitControl(peer.rw, frame.TypeHandshakeAck, 0); err != nil {
		t.Fatalf("emit handshake ack: %v", err)
	}

	q := peer.recvControl(t, frame.TypeQuery)
	if err := frame.EmitControl(peer.rw, frame.TypePermit, q.Seq); err != nil {
		t.Fatalf("emit permit: %v", err)
	}

	// Drain both Data attempts (retry.Data = 2) without ever ACKing.
	for i := 0; i < budget.Data; i++ {
		_ = peer.recvData(t)
	}

	select {
	case o := <-result:
		if o != Dropped {
			t.Fatalf("outcome = %v, want Dropped", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transmitter never concluded")
	}
	if tx.Phase() != PhaseIdle {
		t.Fatalf("phase after drop = %v, want Idle (ready for next message)", tx.Phase())
	}
}

func TestMidSessionSynStormTriggersReHandshake(t *testing.T) {
	txEnd, rxEnd := newDuplex()
	rx := NewReceiver(rxEnd, frame.Config{}, codec.ModeRaw, nil, nil, nil)
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rx.Run(stopCh)
	}()
	stopped := false
	stop := func() {
		if !stopped {
			stopped = true
			close(stopCh)
			<-done
		}
	}
	defer stop()

	tx := NewTransmitter(txEnd, frame.Config{}, codec.ModeRaw, testBudget(), testTimeouts(), nil, nil)
	if err := tx.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	// Simulate the peer forgetting the session: send raw SYNs directly on
	// the wire, bypassing the transmitter, until re-handshake threshold.
	// Every one of them, not just the one that crosses the threshold,
	// must draw its own Handshake-ACK (spec.md §4.4, Scenario 5: "for each
	// SYN it emits 0x00 0x00").
	for i := 0; i < reHandshakeThreshold; i++ {
		if err := frame.EmitSyn(txEnd); err != nil {
			t.Fatalf("emit syn: %v", err)
		}
		unit, err := frame.ClassifyOne(txEnd, frame.Config{}, time.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("classify handshake ack for syn %d: %v", i+1, err)
		}
		if unit.Kind != frame.UnitControl || unit.Control.Type != frame.TypeHandshakeAck {
			t.Fatalf("syn %d: unit = %+v, want HandshakeAck", i+1, unit)
		}
	}

	// The receiver sets its phase after writing the last Handshake-ACK, so
	// stop its loop before reading Phase().
	stop()
	if rx.Phase() != RxAwaitingSyn {
		t.Fatalf("phase after %d unexpected SYNs = %v, want AwaitingSyn", reHandshakeThreshold, rx.Phase())
	}
}

func TestGarbageBeforeFrameIsResynchronisedByReceiver(t *testing.T) {
	txEnd, rxEnd := newDuplex()
	stop, deliveries := runReceiver(t, rxEnd, codec.ModeRaw)
	defer stop()

	tx := NewTransmitter(txEnd, frame.Config{}, codec.ModeRaw, testBudget(), testTimeouts(), nil, nil)
	if err := tx.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	// Inject noise directly ahead of the Query the transmitter is about to
	// send, mimicking line noise between two valid units (spec.md §8
	// scenario 6).
	txEnd.out.push([]byte{0xFF, 0xFE, 0xFD})

	outcome, err := tx.SendMessage(sampleReading())
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if outcome != Delivered {
		t.Fatalf("outcome = %v, want Delivered", outcome)
	}
	select {
	case <-deliveries:
	case <-time.After(time.Second):
		t.Fatal("receiver never delivered despite resynchronising past garbage")
	}
}
