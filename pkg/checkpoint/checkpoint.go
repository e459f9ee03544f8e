// Package checkpoint persists a transmitter or receiver's SEQ counter across
// restarts so a power-cycled embedded node does not collide with a receiver
// that still remembers the old session (SPEC_FULL.md §4.7). It is CBOR-
// encoded, grounded on the teacher repo's use of
// github.com/fxamacker/cbor/v2 for its own UART message framing in
// pkg/service/helpers.go.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Session is the on-disk record. A missing or corrupt file is never fatal to
// startup: the caller falls back to a fresh session (SEQ 0, zeroed counters),
// logging a warning for a file that could not be loaded, since a stale checkpoint only costs one extra handshake
// round and a PDR counter reset, while refusing to start would cost the
// whole link.
//
// The count fields (SPEC_FULL.md §3 "SessionCheckpoint") exist so a receiver
// restart does not reset PDR accounting to zero: they never cross the wire
// and are ambient durability, not protocol state.
type Session struct {
	Role       string `cbor:"role"`
	CurrentSeq byte   `cbor:"current_seq"`
	SavedAt    int64  `cbor:"saved_at_unix"`

	AttemptedCount           int64 `cbor:"attempted_count"`
	ReceivedCount            int64 `cbor:"received_count"`
	DeliveredCount           int64 `cbor:"delivered_count"`
	ConsecutiveUnexpectedSyn int   `cbor:"consecutive_unexpected_syn"`
}

// Store reads and writes a Session to a fixed path.
type Store struct {
	Path string
}

// NewStore returns a Store rooted at path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load reads the checkpoint. It returns (nil, nil) if the file does not
// exist — the normal case on a clean first start — and a non-nil error only
// when the file exists but could not be read or parsed, leaving the decision of
// whether that's fatal to the caller (SPEC_FULL.md §4.7: it never is, for
// either role).
func (s *Store) Load() (*Session, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", s.Path, err)
	}
	var sess Session
	if err := cbor.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", s.Path, err)
	}
	return &sess, nil
}

// Save writes sess, creating parent directories as needed and writing via a
// temp-file-then-rename so a crash mid-write never leaves a half-written
// checkpoint behind. SavedAt is stamped from now, overriding whatever the
// caller set on sess.
func (s *Store) Save(sess Session, now time.Time) error {
	sess.SavedAt = now.Unix()
	data, err := cbor.Marshal(sess)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("checkpoint: rename %s -> %s: %w", tmp, s.Path, err)
	}
	return nil
}
