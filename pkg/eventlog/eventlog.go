// Package eventlog writes the per-event CSV audit trail for both roles
// (spec.md §6). The exact transmitter column set is dictated by the
// original source's transmitter/tx_logger.py; the receiver column set
// supplements it in the same shape, since spec.md only names the
// "log_rx_event" collaborator by interface.
package eventlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/chirpchirp/lora-link/pkg/link"
)

var txHeader = []string{
	"log_timestamp_utc",
	"packet_id",
	"frame_seq",
	"attempt_num_for_frame",
	"event_type",
	"total_attempts_for_frame",
	"ack_received_final",
	"timestamp_sent_utc",
	"timestamp_ack_interaction_end_utc",
}

var rxHeader = []string{
	"log_timestamp_utc",
	"event_type",
	"frame_seq_recv",
	"payload_len_on_wire",
	"rssi_dbm",
	"consecutive_unexpected_syn",
	"notes",
}

// TxLogger is the CSV-backed link.TxEventSink used by lora-tx.
type TxLogger struct {
	mu sync.Mutex
	w  *csv.Writer
	f  *os.File
}

// OpenTxLogger opens (creating if needed) path, writing the header only if
// the file is new or empty, and appending thereafter — matching the
// original source's write-header-once-then-append behavior.
func OpenTxLogger(path string) (*TxLogger, error) {
	f, w, err := openAppendCSV(path, txHeader)
	if err != nil {
		return nil, err
	}
	return &TxLogger{w: w, f: f}, nil
}

// LogTxEvent implements link.TxEventSink.
func (l *TxLogger) LogTxEvent(evt link.TxEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := []string{
		nowUTCISO(),
		strconv.Itoa(evt.PacketID),
		strconv.Itoa(int(evt.FrameSeq)),
		strconv.Itoa(evt.AttemptNum),
		string(evt.EventType),
		intPtrString(evt.TotalAttemptsFinal),
		boolPtrString(evt.AckReceivedFinal),
		timePtrISO(evt.TimestampSent),
		timePtrISO(evt.TimestampAckInteractionEnd),
	}
	if err := l.w.Write(row); err != nil {
		return
	}
	l.w.Flush()
}

// Close flushes and closes the underlying file.
func (l *TxLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return l.f.Close()
}

// RxLogger is the CSV-backed link.RxEventSink used by lora-rx.
type RxLogger struct {
	mu sync.Mutex
	w  *csv.Writer
	f  *os.File
}

// OpenRxLogger mirrors OpenTxLogger for the receiver's event log.
func OpenRxLogger(path string) (*RxLogger, error) {
	f, w, err := openAppendCSV(path, rxHeader)
	if err != nil {
		return nil, err
	}
	return &RxLogger{w: w, f: f}, nil
}

// LogRxEvent implements link.RxEventSink.
func (l *RxLogger) LogRxEvent(evt link.RxEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := []string{
		evt.Timestamp.UTC().Format(isoMillis),
		string(evt.EventType),
		byteePtrString(evt.FrameSeq),
		intPtrString(evt.PayloadLen),
		intPtrString(evt.RSSIDbm),
		intPtrString(evt.ConsecutiveSyn),
		evt.Note,
	}
	if err := l.w.Write(row); err != nil {
		return
	}
	l.w.Flush()
}

// Close flushes and closes the underlying file.
func (l *RxLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return l.f.Close()
}

const isoMillis = "2006-01-02T15:04:05.000Z"

func nowUTCISO() string { return time.Now().UTC().Format(isoMillis) }

func timePtrISO(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(isoMillis)
}

func intPtrString(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

func byteePtrString(b *byte) string {
	if b == nil {
		return ""
	}
	return strconv.Itoa(int(*b))
}

func boolPtrString(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}

func openAppendCSV(path string, header []string) (*os.File, *csv.Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("eventlog: mkdir %s: %w", dir, err)
		}
	}
	needsHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needsHeader = false
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("eventlog: write header %s: %w", path, err)
		}
		w.Flush()
	}
	return f, w, nil
}
