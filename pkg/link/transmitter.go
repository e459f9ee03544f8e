package link

import (
	"fmt"
	"time"

	"github.com/chirpchirp/lora-link/pkg/codec"
	"github.com/chirpchirp/lora-link/pkg/frame"
	"github.com/chirpchirp/lora-link/pkg/linkerr"
	"github.com/chirpchirp/lora-link/pkg/sample"
)

// TxPhase is the transmitter's coarse session state (spec.md §4.3).
type TxPhase int

const (
	PhaseDisconnected TxPhase = iota
	PhaseHandshaking
	PhaseIdle
	PhaseAwaitingPermit
	PhaseAwaitingDataAck
)

func (p TxPhase) String() string {
	switch p {
	case PhaseDisconnected:
		return "Disconnected"
	case PhaseHandshaking:
		return "Handshaking"
	case PhaseIdle:
		return "Idle"
	case PhaseAwaitingPermit:
		return "AwaitingPermit"
	case PhaseAwaitingDataAck:
		return "AwaitingDataAck"
	default:
		return "Unknown"
	}
}

// Transmitter drives one session of the telemetry link from the embedded
// sender's side. It is not safe for concurrent use: spec.md §5 describes a
// single cooperative loop per role.
type Transmitter struct {
	rw        transportRW
	frameCfg  frame.Config
	mode      codec.Mode
	retry     RetryBudget
	timeouts  Timeouts
	events    TxEventSink
	telemetry TelemetryHook

	// advanceSeqOnDrop resolves the Open Question in spec.md §9: whether
	// current_seq advances when a message is Dropped, not just Delivered.
	// This build advances on both (policy B) — see SPEC_FULL.md §9 for the
	// rationale (a dropped frame still occupied a SEQ slot on the wire; not
	// advancing would let a stale retransmission of seq N arrive after the
	// receiver has already moved its window past N).
	advanceSeqOnDrop bool

	phase      TxPhase
	currentSeq byte
	packetID   int
}

// NewTransmitter builds a Transmitter around an already-open transport. The
// sinks may be nil, in which case events and telemetry are dropped silently.
func NewTransmitter(rw transportRW, frameCfg frame.Config, mode codec.Mode, retry RetryBudget, timeouts Timeouts, events TxEventSink, telemetry TelemetryHook) *Transmitter {
	if events == nil {
		events = NopTxEventSink{}
	}
	if telemetry == nil {
		telemetry = NopTelemetryHook{}
	}
	return &Transmitter{
		rw:        rw,
		frameCfg:  frameCfg,
		mode:      mode,
		retry:     retry,
		timeouts:  timeouts,
		events:    events,
		telemetry: telemetry,
		advanceSeqOnDrop: true,
		phase:      PhaseDisconnected,
		currentSeq: 0,
	}
}

// Phase reports the current coarse state, for CLI status lines and tests.
func (t *Transmitter) Phase() TxPhase { return t.phase }

// CurrentSeq reports the SEQ that will be used for the next SendMessage
// call, for checkpoint persistence between runs.
func (t *Transmitter) CurrentSeq() byte { return t.currentSeq }

// Handshake drives Disconnected -> Idle: emits the SYN beacon and waits for
// a Handshake-ACK, retrying up to retry.Handshake times. On exhaustion it
// returns a *linkerr.Error of KindHandshakeExhausted and the phase remains
// Disconnected, so a caller can retry the whole session later.
func (t *Transmitter) Handshake() error {
	t.phase = PhaseHandshaking
	t.telemetry.ObservePhase(t.phase.String())

	var lastErr error
	for attempt := 1; attempt <= t.retry.Handshake; attempt++ {
		sent := time.Now()
		if err := frame.EmitSyn(t.rw); err != nil {
			t.events.LogTxEvent(TxEvent{AttemptNum: attempt, EventType: EvtHandshakeSynFail, TimestampSent: &sent})
			lastErr = fmt.Errorf("handshake: emit syn: %w", err)
			continue
		}
		t.events.LogTxEvent(TxEvent{AttemptNum: attempt, EventType: EvtHandshakeSynSent, TimestampSent: &sent})

		unit, err := frame.ClassifyOne(t.rw, t.frameCfg, time.Now().Add(t.timeouts.Response))
		end := time.Now()
		switch {
		case err == frame.ErrTimeout:
			t.events.LogTxEvent(TxEvent{AttemptNum: attempt, EventType: EvtHandshakeAckTimeout, TimestampAckInteractionEnd: &end})
			lastErr = linkerr.New(linkerr.KindResponseTimeout, err)
			continue
		case err != nil:
			t.events.LogTxEvent(TxEvent{AttemptNum: attempt, EventType: EvtHandshakeAckUnpackFail, TimestampAckInteractionEnd: &end})
			lastErr = linkerr.New(linkerr.KindResponseUnparseable, err)
			continue
		case unit.Kind != frame.UnitControl || unit.Control.Type != frame.TypeHandshakeAck:
			t.events.LogTxEvent(TxEvent{AttemptNum: attempt, EventType: EvtHandshakeAckInvalid, TimestampAckInteractionEnd: &end})
			lastErr = linkerr.New(linkerr.KindResponseMismatch, fmt.Errorf("unexpected unit kind %v", unit.Kind))
			continue
		}

		t.events.LogTxEvent(TxEvent{AttemptNum: attempt, EventType: EvtHandshakeAckOK, TimestampAckInteractionEnd: &end})
		t.currentSeq = unit.Control.Seq
		t.phase = PhaseIdle
		t.telemetry.ObservePhase(t.phase.String())
		return nil
	}

	t.events.LogTxEvent(TxEvent{AttemptNum: t.retry.Handshake, EventType: EvtHandshakeFinalFail})
	t.phase = PhaseDisconnected
	t.telemetry.ObservePhase(t.phase.String())
	return linkerr.New(linkerr.KindHandshakeExhausted, lastErr)
}

// SendMessage runs one full Query/Permit/Data/Ack cycle for s. It may only
// be called while Phase() == PhaseIdle; any other phase is a programmer
// error and returns an error without touching the wire.
func (t *Transmitter) SendMessage(s sample.Sample) (Outcome, error) {
	if t.phase != PhaseIdle {
		return Dropped, fmt.Errorf("link: SendMessage called in phase %s, want Idle", t.phase)
	}

	payload, err := codec.Encode(s, t.mode)
	if err != nil {
		return Dropped, fmt.Errorf("link: encode: %w", err)
	}

	seq := t.currentSeq
	t.packetID++
	pktID := t.packetID
	var rssi *int

	permitted, err := t.runQueryPermit(pktID, seq)
	if err != nil {
		return t.conclude(seq, Dropped, rssi), nil
	}
	if !permitted {
		return t.conclude(seq, Dropped, rssi), nil
	}

	acked, gotRSSI, err := t.runDataAck(pktID, seq, payload)
	rssi = gotRSSI
	if err != nil || !acked {
		return t.conclude(seq, Dropped, rssi), nil
	}
	return t.conclude(seq, Delivered, rssi), nil
}

// conclude applies the SEQ-advance policy, returns to Idle, and reports to
// the telemetry hook.
func (t *Transmitter) conclude(seq byte, outcome Outcome, rssi *int) Outcome {
	if outcome == Delivered || t.advanceSeqOnDrop {
		t.currentSeq = seq + 1
	}
	t.phase = PhaseIdle
	t.telemetry.ObservePhase(t.phase.String())
	t.telemetry.ObserveOutcome(outcome, 1, rssi)
	return outcome
}

// runQueryPermit sends Query and waits for a matching Permit, retrying up to
// retry.Permit times.
func (t *Transmitter) runQueryPermit(pktID int, seq byte) (bool, error) {
	t.phase = PhaseAwaitingPermit
	t.telemetry.ObservePhase(t.phase.String())

	var lastErr error
	for attempt := 1; attempt <= t.retry.Permit; attempt++ {
		sent := time.Now()
		if err := frame.EmitControl(t.rw, frame.TypeQuery, seq); err != nil {
			t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtQueryTxFail, TimestampSent: &sent})
			lastErr = err
			continue
		}
		t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtQuerySent, TimestampSent: &sent})

		unit, err := frame.ClassifyOne(t.rw, t.frameCfg, time.Now().Add(t.timeouts.Response))
		end := time.Now()
		switch {
		case err == frame.ErrTimeout:
			t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtPermitAckTimeout, TimestampAckInteractionEnd: &end})
			lastErr = linkerr.New(linkerr.KindResponseTimeout, err)
			continue
		case err != nil:
			t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtPermitAckUnpackFail, TimestampAckInteractionEnd: &end})
			lastErr = linkerr.New(linkerr.KindResponseUnparseable, err)
			continue
		case unit.Kind != frame.UnitControl || unit.Control.Type != frame.TypePermit || unit.Control.Seq != seq:
			t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtPermitAckInvalid, TimestampAckInteractionEnd: &end})
			lastErr = linkerr.New(linkerr.KindResponseMismatch, fmt.Errorf("want permit/%#x, got kind %v", seq, unit.Kind))
			continue
		}

		final := true
		t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtPermitAckOK, TotalAttemptsFinal: &attempt, AckReceivedFinal: &final, TimestampAckInteractionEnd: &end})
		return true, nil
	}

	t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: t.retry.Permit, EventType: EvtPermitFinalFail})
	return false, lastErr
}

// runDataAck sends the data frame and waits for a matching DataAck, retrying
// up to retry.Data times (spec.md §4.3: "a peer that never ACKs causes
// exactly R Data transmissions before Dropped").
func (t *Transmitter) runDataAck(pktID int, seq byte, payload []byte) (bool, *int, error) {
	t.phase = PhaseAwaitingDataAck
	t.telemetry.ObservePhase(t.phase.String())

	var lastErr error
	var lastRSSI *int
	for attempt := 1; attempt <= t.retry.Data; attempt++ {
		sent := time.Now()
		if err := frame.Emit(t.rw, seq, payload); err != nil {
			t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtDataTxFail, TimestampSent: &sent})
			lastErr = err
			continue
		}
		t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtDataSent, TimestampSent: &sent})

		unit, err := frame.ClassifyOne(t.rw, t.frameCfg, time.Now().Add(t.timeouts.Response))
		end := time.Now()
		switch {
		case err == frame.ErrTimeout:
			t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtDataAckTimeout, TimestampAckInteractionEnd: &end})
			lastErr = linkerr.New(linkerr.KindResponseTimeout, err)
			continue
		case err != nil:
			t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtDataAckUnpackFail, TimestampAckInteractionEnd: &end})
			lastErr = linkerr.New(linkerr.KindResponseUnparseable, err)
			continue
		case unit.Kind != frame.UnitControl || unit.Control.Type != frame.TypeDataAck || unit.Control.Seq != seq:
			t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtDataAckInvalid, TimestampAckInteractionEnd: &end})
			lastErr = linkerr.New(linkerr.KindResponseMismatch, fmt.Errorf("want dataack/%#x, got kind %v", seq, unit.Kind))
			continue
		}

		final := true
		t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: attempt, EventType: EvtDataAckOK, TotalAttemptsFinal: &attempt, AckReceivedFinal: &final, TimestampAckInteractionEnd: &end})
		return true, lastRSSI, nil
	}

	final := false
	lastAttempt := t.retry.Data
	t.events.LogTxEvent(TxEvent{PacketID: pktID, FrameSeq: seq, AttemptNum: lastAttempt, EventType: EvtDataAckFinalFail, TotalAttemptsFinal: &lastAttempt, AckReceivedFinal: &final})
	return false, lastRSSI, lastErr
}
