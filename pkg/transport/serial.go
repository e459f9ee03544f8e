// Package transport wraps the physical serial handle with the small,
// deadline-bounded read surface the framer needs: read-with-timeout,
// read-exact, and blocking write-then-flush (spec.md §4.5). It is backed by
// go.bug.st/serial, a dependency the teacher repo's go.mod already declared
// but never actually imported (the teacher code reaches for
// github.com/tarm/serial instead) — this package finally gives that
// declared dependency a real caller.
package transport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/chirpchirp/lora-link/pkg/logging"
)

// Serial is the concrete transport adapter used by both roles' CLIs. It
// honors an inter-byte timeout: any single Read() call that returns zero
// bytes before the requested count is collected aborts the read instead of
// waiting out the remainder of the deadline, so a dead link is noticed
// promptly rather than stalling until the outer response timeout.
type Serial struct {
	port        serial.Port
	interByte   time.Duration
	rssiTrailer bool

	mu sync.Mutex
}

// Config bundles the parameters needed to open a serial transport.
type Config struct {
	Device         string
	Baud           int
	InterByteGap   time.Duration
	SurfacesRSSI   bool // true if the radio appends a trailing RSSI byte
}

// Open opens the named device at the given baud rate, 8N1, matching the
// teacher's own serial.Config defaults in pkg/usock/usock.go.
func Open(cfg Config) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", cfg.Device, err)
	}
	return &Serial{port: port, interByte: cfg.InterByteGap, rssiTrailer: cfg.SurfacesRSSI}, nil
}

// RSSITrailer reports whether this adapter is configured to surface a
// trailing RSSI byte after each data frame.
func (s *Serial) RSSITrailer() bool { return s.rssiTrailer }

// Close releases the underlying handle.
func (s *Serial) Close() error { return s.port.Close() }

// WriteAll performs a single blocking write of buf, looping over short
// writes, then flushes, per spec.md §4.2 "one contiguous write followed by
// a flush."
func (s *Serial) WriteAll(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.LogRawBytes("serial tx", buf)

	total := 0
	for total < len(buf) {
		n, err := s.port.Write(buf[total:])
		if err != nil {
			return fmt.Errorf("transport: write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("transport: write: zero-byte write, link likely down")
		}
		total += n
	}
	if err := s.port.Drain(); err != nil {
		return fmt.Errorf("transport: flush: %w", err)
	}
	return nil
}

// ReadByte reads a single byte, returning ok=false if none arrives before
// deadline. Used by the classifier's header byte.
func (s *Serial) ReadByte(deadline time.Time) (byte, bool, error) {
	buf, err := s.readN(1, deadline)
	if err != nil {
		return 0, false, err
	}
	if len(buf) == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

// ReadExact reads exactly n bytes before deadline, or returns an error
// describing the short read.
func (s *Serial) ReadExact(n int, deadline time.Time) ([]byte, error) {
	buf, err := s.readN(n, deadline)
	if err != nil {
		return buf, err
	}
	if len(buf) != n {
		return buf, fmt.Errorf("transport: short read: got %d of %d bytes", len(buf), n)
	}
	return buf, nil
}

// DiscardInput drops whatever is currently buffered, resynchronising after
// a malformed frame (spec.md §4.2 short-read policy).
func (s *Serial) DiscardInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.ResetInputBuffer()
}

// readN reads up to n bytes, treating a single zero-byte Read as the
// inter-byte gap expiring: it returns whatever was collected so far with no
// error, letting the caller decide whether a short result is acceptable
// (ReadByte) or an error (ReadExact).
func (s *Serial) readN(n int, deadline time.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, 0, n)
	for len(out) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, nil
		}
		wait := remaining
		if s.interByte > 0 && s.interByte < wait {
			wait = s.interByte
		}
		if err := s.port.SetReadTimeout(wait); err != nil {
			return out, fmt.Errorf("transport: set read timeout: %w", err)
		}
		tmp := make([]byte, n-len(out))
		read, err := s.port.Read(tmp)
		if err != nil {
			return out, fmt.Errorf("transport: read: %w", err)
		}
		if read == 0 {
			return out, nil
		}
		out = append(out, tmp[:read]...)
	}
	if len(out) > 0 {
		logging.LogRawBytes("serial rx", out)
	}
	return out, nil
}
