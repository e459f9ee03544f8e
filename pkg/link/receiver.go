package link

import (
	"fmt"
	"time"

	"github.com/chirpchirp/lora-link/pkg/codec"
	"github.com/chirpchirp/lora-link/pkg/frame"
)

// RxPhase is the receiver's coarse session state (spec.md §4.4).
type RxPhase int

const (
	RxAwaitingSyn RxPhase = iota
	RxConnected
)

func (p RxPhase) String() string {
	if p == RxAwaitingSyn {
		return "AwaitingSyn"
	}
	return "Connected"
}

// reHandshakeThreshold is the count of consecutive unexpected SYNs received
// while Connected after which the receiver drops back to AwaitingSyn, so the
// next SYN is handled as a fresh handshake (a transmitter that rebooted
// mid-session will re-beacon; the receiver should not wait forever in a
// phase the peer has already abandoned). Any Query or Data frame in between
// resets the count.
const reHandshakeThreshold = 3

// pollSlice bounds each ClassifyOne call inside Run so the stop channel is
// checked regularly instead of blocking for the full response timeout.
const pollSlice = 250 * time.Millisecond

// Receiver drives the embedded sink's side of the link: it answers Query
// with Permit, Data with DataAck, and re-establishes on SYN. Not safe for
// concurrent use (spec.md §5).
type Receiver struct {
	rw       transportRW
	frameCfg frame.Config
	mode     codec.Mode

	events    RxEventSink
	telemetry TelemetryHook
	onData    DataHandler

	phase         RxPhase
	consecutiveSyn int
	ackSeq        byte

	// PDR accounting, restored from and persisted to pkg/checkpoint so a
	// restart does not reset it to zero (SPEC_FULL.md §3).
	attemptedCount int64
	receivedCount  int64
	deliveredCount int64
}

// NewReceiver builds a Receiver around an already-open transport.
func NewReceiver(rw transportRW, frameCfg frame.Config, mode codec.Mode, onData DataHandler, events RxEventSink, telemetry TelemetryHook) *Receiver {
	if events == nil {
		events = NopRxEventSink{}
	}
	if telemetry == nil {
		telemetry = NopTelemetryHook{}
	}
	if onData == nil {
		onData = func(byte, []byte, *int) {}
	}
	return &Receiver{
		rw:        rw,
		frameCfg:  frameCfg,
		mode:      mode,
		events:    events,
		telemetry: telemetry,
		onData:    onData,
		phase:     RxAwaitingSyn,
	}
}

// Phase reports the current coarse state.
func (r *Receiver) Phase() RxPhase { return r.phase }

// SetInitialSeq sets the SEQ value sent back in the next Handshake-ACK,
// letting a resumed session pick up where a previous run's checkpoint left
// off instead of always restarting at 0.
func (r *Receiver) SetInitialSeq(seq byte) { r.ackSeq = seq }

// AckSeq reports the SEQ the next Handshake-ACK will offer (the initial
// value, or one past the last accepted Data frame's SEQ), for checkpoint
// persistence between runs.
func (r *Receiver) AckSeq() byte { return r.ackSeq }

// RestoreCounters seeds the PDR accounting and consecutive-unexpected-SYN
// counters from a loaded checkpoint, so a restarted receiver's dashboard
// figures don't drop back to zero.
func (r *Receiver) RestoreCounters(attempted, received, delivered int64, consecutiveSyn int) {
	r.attemptedCount = attempted
	r.receivedCount = received
	r.deliveredCount = delivered
	r.consecutiveSyn = consecutiveSyn
}

// AttemptedCount reports the number of Query frames seen; a Query the
// transmitter retries is counted once per retry.
func (r *Receiver) AttemptedCount() int64 { return r.attemptedCount }

// ReceivedCount reports the number of Data frames accepted and ACKed,
// regardless of whether the payload went on to decode cleanly.
func (r *Receiver) ReceivedCount() int64 { return r.receivedCount }

// DeliveredCount reports the number of accepted Data frames whose payload
// decoded cleanly.
func (r *Receiver) DeliveredCount() int64 { return r.deliveredCount }

// ConsecutiveUnexpectedSyn reports the live count of unexpected SYNs seen
// in a row while Connected, for checkpoint persistence between runs.
func (r *Receiver) ConsecutiveUnexpectedSyn() int { return r.consecutiveSyn }

// Run loops classifying and responding to incoming units until stop is
// closed or a transport-fatal error occurs. Framing errors (malformed
// frames, decode failures) are logged and do not terminate the loop: only a
// read/write error from the transport itself is fatal, per spec.md §7
// (KindTransportFatal is the only fatal receiver-side kind).
func (r *Receiver) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		unit, err := frame.ClassifyOne(r.rw, r.frameCfg, time.Now().Add(pollSlice))
		switch {
		case err == frame.ErrTimeout:
			continue
		case err != nil:
			if _, ok := err.(*frame.MalformedError); ok {
				r.events.LogRxEvent(RxEvent{Timestamp: time.Now(), EventType: EvtRxFrameMalformed, Note: err.Error()})
				continue
			}
			return fmt.Errorf("link: receiver transport: %w", err)
		}

		if err := r.handleUnit(unit); err != nil {
			return err
		}
	}
}

func (r *Receiver) handleUnit(unit *frame.Unit) error {
	switch unit.Kind {
	case frame.UnitSyn:
		return r.handleSyn()
	case frame.UnitControl:
		r.consecutiveSyn = 0
		return r.handleControl(unit.Control)
	case frame.UnitData:
		r.consecutiveSyn = 0
		return r.handleData(unit.Data)
	}
	return nil
}

func (r *Receiver) handleSyn() error {
	now := time.Now()
	if r.phase == RxAwaitingSyn {
		r.events.LogRxEvent(RxEvent{Timestamp: now, EventType: EvtRxSynReceived})
		r.consecutiveSyn = 0
		return r.sendHandshakeAck()
	}

	// Already Connected: an unexpected SYN usually means the transmitter
	// restarted and lost our session state. Every unexpected SYN gets a
	// Handshake-ACK, for sender compatibility (spec.md §4.4); the
	// threshold gates when we also log a re-handshake, reset the
	// consecutive counter and drop back to AwaitingSyn.
	r.consecutiveSyn++
	n := r.consecutiveSyn
	r.events.LogRxEvent(RxEvent{Timestamp: now, EventType: EvtRxUnexpectedSyn, ConsecutiveSyn: &n})
	if err := r.sendHandshakeAck(); err != nil {
		return err
	}
	if r.consecutiveSyn >= reHandshakeThreshold {
		r.events.LogRxEvent(RxEvent{Timestamp: now, EventType: EvtRxReHandshake, ConsecutiveSyn: &n})
		r.consecutiveSyn = 0
		r.phase = RxAwaitingSyn
		r.telemetry.ObservePhase(r.phase.String())
	}
	return nil
}

func (r *Receiver) sendHandshakeAck() error {
	if err := frame.EmitControl(r.rw, frame.TypeHandshakeAck, r.ackSeq); err != nil {
		return fmt.Errorf("link: emit handshake ack: %w", err)
	}
	r.events.LogRxEvent(RxEvent{Timestamp: time.Now(), EventType: EvtRxHandshakeAckSent})
	r.phase = RxConnected
	r.telemetry.ObservePhase(r.phase.String())
	return nil
}

func (r *Receiver) handleControl(c frame.ControlPacket) error {
	if c.Type != frame.TypeQuery {
		// Permit/DataAck echoes of our own traffic, or a stray
		// Handshake-ACK; neither expects a receiver-side response.
		return nil
	}
	r.attemptedCount++
	r.events.LogRxEvent(RxEvent{Timestamp: time.Now(), EventType: EvtRxQueryReceived, FrameSeq: &c.Seq})
	if err := frame.EmitControl(r.rw, frame.TypePermit, c.Seq); err != nil {
		return fmt.Errorf("link: emit permit: %w", err)
	}
	r.events.LogRxEvent(RxEvent{Timestamp: time.Now(), EventType: EvtRxPermitSent, FrameSeq: &c.Seq})
	return nil
}

func (r *Receiver) handleData(d frame.DataFrame) error {
	plen := len(d.Payload)
	r.receivedCount++
	r.events.LogRxEvent(RxEvent{Timestamp: time.Now(), EventType: EvtRxDataReceived, FrameSeq: &d.Seq, PayloadLen: &plen, RSSIDbm: d.RSSI})

	// Ack before decode (spec.md §4.4): the peer's retry budget must not be
	// spent waiting on our local decode work.
	if err := frame.EmitControl(r.rw, frame.TypeDataAck, d.Seq); err != nil {
		return fmt.Errorf("link: emit data ack: %w", err)
	}
	r.events.LogRxEvent(RxEvent{Timestamp: time.Now(), EventType: EvtRxDataAckSent, FrameSeq: &d.Seq})

	if _, err := codec.Decode(d.Payload, r.mode); err != nil {
		r.events.LogRxEvent(RxEvent{Timestamp: time.Now(), EventType: EvtRxUndecodable, FrameSeq: &d.Seq, Note: err.Error()})
	} else {
		r.deliveredCount++
	}
	r.onData(d.Seq, d.Payload, d.RSSI)

	// Mirrors the transmitter's own advance-on-both-outcomes policy (spec.md
	// §9): once a frame has reached us, the next session should be offered
	// seq+1 regardless of whether our ACK makes it back to the transmitter.
	r.ackSeq = d.Seq + 1
	return nil
}
