// Package archive writes the decoded-payload JSONL archive the receiver
// keeps alongside its CSV event log (spec.md §6), one file per UTC day,
// grounded on the original source's receiver.py _log_json helper.
package archive

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Meta carries the link-layer context for one decoded delivery, field names
// matching spec.md §6's mandated archive schema.
type Meta struct {
	RecvFrameSeq byte    `json:"recv_frame_seq"`
	LatencyMs    int64   `json:"latency_ms"`
	JitterMs     float64 `json:"jitter_ms"`
	RSSIDbm      *int    `json:"rssi_dbm,omitempty"`
	PayloadLen   int     `json:"payload_len"`
}

// record is the on-disk JSONL shape.
type record struct {
	TSRecvUTC string      `json:"ts_recv_utc"`
	Data      interface{} `json:"data"`
	Meta      Meta        `json:"meta"`
}

// Writer appends one JSON object per line to <dir>/<YYYY-MM-DD>.jsonl,
// rolling to a new file when the UTC date changes. Not deduplicated: every
// accepted data frame is archived, including repeats of an already-seen SEQ
// (spec.md §9).
type Writer struct {
	dir string

	mu       sync.Mutex
	openDate string
	f        *os.File

	lastArrival  time.Time
	interArrival []time.Duration
}

// NewWriter returns a Writer rooted at dir, creating it if necessary.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir %s: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// Append records one decoded delivery. The recorded latency_ms is
// (now - sampleTS)*1000 per spec.md §6, where the caller passes the decoded
// sample's own capture timestamp (sample.Sample.Time()) — a zero sampleTS (decode modes
// with no recoverable timestamp, e.g. Bam or a failed decode) yields a zero
// latency rather than a fabricated one. Jitter is the population stddev of
// recent inter-arrival gaps, the way the original receiver tracks it.
func (w *Writer) Append(data interface{}, seq byte, payloadLen int, rssiDbm *int, sampleTS time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if !w.lastArrival.IsZero() {
		w.interArrival = append(w.interArrival, now.Sub(w.lastArrival))
		if len(w.interArrival) > 32 {
			w.interArrival = w.interArrival[len(w.interArrival)-32:]
		}
	}
	w.lastArrival = now

	var latencyMs int64
	if !sampleTS.IsZero() {
		latencyMs = now.Sub(sampleTS).Milliseconds()
	}

	rec := record{
		TSRecvUTC: now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Data:      data,
		Meta: Meta{
			RecvFrameSeq: seq,
			LatencyMs:    latencyMs,
			JitterMs:     round2(populationStdDevMs(w.interArrival)),
			RSSIDbm:      rssiDbm,
			PayloadLen:   payloadLen,
		},
	}

	if err := w.ensureOpen(now); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal: %w", err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("archive: write: %w", err)
	}
	return nil
}

// Close closes the currently open file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

func (w *Writer) ensureOpen(now time.Time) error {
	date := now.UTC().Format("2006-01-02")
	if date == w.openDate && w.f != nil {
		return nil
	}
	if w.f != nil {
		w.f.Close()
	}
	path := filepath.Join(w.dir, date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	w.f, w.openDate = f, date
	return nil
}

func populationStdDevMs(ds []time.Duration) float64 {
	n := len(ds)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, d := range ds {
		sum += float64(d.Milliseconds())
	}
	mean := sum / float64(n)
	var variance float64
	for _, d := range ds {
		diff := float64(d.Milliseconds()) - mean
		variance += diff * diff
	}
	variance /= float64(n)
	return math.Sqrt(variance)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
