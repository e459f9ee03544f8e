package link

import "time"

// TxEventType enumerates the transmitter-side state-machine events from
// spec.md §6. Every state-transition-worthy failure produces exactly one of
// these (spec.md §7).
type TxEventType string

const (
	EvtHandshakeSynSent       TxEventType = "HANDSHAKE_SYN_SENT"
	EvtHandshakeSynFail       TxEventType = "HANDSHAKE_SYN_FAIL"
	EvtHandshakeAckOK         TxEventType = "HANDSHAKE_ACK_OK"
	EvtHandshakeAckInvalid    TxEventType = "HANDSHAKE_ACK_INVALID"
	EvtHandshakeAckUnpackFail TxEventType = "HANDSHAKE_ACK_UNPACK_FAIL"
	EvtHandshakeAckTimeout    TxEventType = "HANDSHAKE_ACK_TIMEOUT"
	EvtHandshakeFinalFail     TxEventType = "HANDSHAKE_FINAL_FAIL"

	EvtQuerySent      TxEventType = "QUERY_SENT"
	EvtQueryTxFail     TxEventType = "QUERY_TX_FAIL"
	EvtQueryFinalFail  TxEventType = "QUERY_FINAL_FAIL"

	EvtPermitAckOK         TxEventType = "PERMIT_ACK_OK"
	EvtPermitAckInvalid    TxEventType = "PERMIT_ACK_INVALID"
	EvtPermitAckUnpackFail TxEventType = "PERMIT_ACK_UNPACK_FAIL"
	EvtPermitAckTimeout    TxEventType = "PERMIT_ACK_TIMEOUT"
	EvtPermitFinalFail     TxEventType = "PERMIT_FINAL_FAIL"

	EvtDataSent     TxEventType = "DATA_SENT"
	EvtDataTxFail    TxEventType = "DATA_TX_FAIL"
	EvtDataFinalFail TxEventType = "DATA_FINAL_FAIL"

	EvtDataAckOK         TxEventType = "DATA_ACK_OK"
	EvtDataAckInvalid    TxEventType = "DATA_ACK_INVALID"
	EvtDataAckUnpackFail TxEventType = "DATA_ACK_UNPACK_FAIL"
	EvtDataAckTimeout    TxEventType = "DATA_ACK_TIMEOUT"
	EvtDataAckFinalFail  TxEventType = "DATA_ACK_FINAL_FAIL"
)

// TxEvent is one row of the transmitter event CSV (spec.md §6 column list).
type TxEvent struct {
	PacketID                   int
	FrameSeq                   byte
	AttemptNum                 int
	EventType                  TxEventType
	TotalAttemptsFinal         *int
	AckReceivedFinal           *bool
	TimestampSent              *time.Time
	TimestampAckInteractionEnd *time.Time
}

// TxEventSink receives transmitter events. Tests substitute an in-memory
// sink; pkg/eventlog.TxLogger is the CSV-backed production implementation
// (spec.md §9 design note: logging side effects as small interface values).
type TxEventSink interface {
	LogTxEvent(TxEvent)
}

// NopTxEventSink discards everything, the default when no sink is wired.
type NopTxEventSink struct{}

func (NopTxEventSink) LogTxEvent(TxEvent) {}

// RxEventType enumerates receiver-side events. Not specified verbatim by
// spec.md (only the external "log_rx_event" collaborator is named), but
// supplementing a receiver-side audit trail mirrors the transmitter's and
// is grounded on the original source's rx_logger.py.
type RxEventType string

const (
	EvtRxSynReceived        RxEventType = "SYN_RECEIVED"
	EvtRxHandshakeAckSent   RxEventType = "HANDSHAKE_ACK_SENT"
	EvtRxUnexpectedSyn      RxEventType = "UNEXPECTED_SYN"
	EvtRxReHandshake        RxEventType = "RE_HANDSHAKE"
	EvtRxQueryReceived      RxEventType = "QUERY_RECEIVED"
	EvtRxPermitSent         RxEventType = "PERMIT_SENT"
	EvtRxDataReceived       RxEventType = "DATA_RECEIVED"
	EvtRxDataAckSent        RxEventType = "DATA_ACK_SENT"
	EvtRxFrameMalformed     RxEventType = "FRAME_MALFORMED"
	EvtRxUndecodable        RxEventType = "UNDECODABLE"
)

// RxEvent is one row of the receiver event log.
type RxEvent struct {
	Timestamp       time.Time
	EventType       RxEventType
	FrameSeq        *byte
	PayloadLen      *int
	RSSIDbm         *int
	ConsecutiveSyn  *int
	Note            string
}

// RxEventSink receives receiver events.
type RxEventSink interface {
	LogRxEvent(RxEvent)
}

type NopRxEventSink struct{}

func (NopRxEventSink) LogRxEvent(RxEvent) {}

// DataHandler is invoked once per accepted data frame, after the DataAck has
// already been sent (spec.md §4.4 ordering rule). It is not deduplicated:
// every delivery, including repeats caused by a lost peer ACK, is passed
// through (spec.md §9).
type DataHandler func(seq byte, payload []byte, rssiDbm *int)

// TelemetryHook is a best-effort, non-blocking observer of link health,
// separate from the mandated CSV/JSONL sinks (spec.md §4.6 in SPEC_FULL.md).
type TelemetryHook interface {
	ObserveOutcome(outcome Outcome, attempts int, rssiDbm *int)
	ObservePhase(phase string)
}

type NopTelemetryHook struct{}

func (NopTelemetryHook) ObserveOutcome(Outcome, int, *int) {}
func (NopTelemetryHook) ObservePhase(string)                {}
