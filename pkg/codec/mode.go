package codec

import "fmt"

// Mode selects the payload encoding. It is a closed variant: None and Raw
// both produce the 32-byte packed struct verbatim, Zlib DEFLATE-compresses
// it, Bam is a 1-byte stub reserved for a future learned codec, and Dummy(n)
// emits n bytes of filler used only to drive link-layer PDR testing (spec.md
// §6, "reserved dummy sizes for link-layer testing"). Both endpoints must be
// statically configured to the same Mode; there is no on-wire negotiation.
type Mode struct {
	kind      modeKind
	dummySize int
}

type modeKind uint8

const (
	kindNone modeKind = iota
	kindRaw
	kindZlib
	kindBam
	kindDummy
)

var (
	ModeNone = Mode{kind: kindNone}
	ModeRaw  = Mode{kind: kindRaw}
	ModeZlib = Mode{kind: kindZlib}
	ModeBam  = Mode{kind: kindBam}
)

// ModeDummy returns a Dummy(n) mode. n must be in [1,56]; values outside
// that range are clamped so a misconfigured size can never produce a
// payload the framer would reject.
func ModeDummy(n int) Mode {
	if n < 1 {
		n = 1
	}
	if n > MaxPayloadLen {
		n = MaxPayloadLen
	}
	return Mode{kind: kindDummy, dummySize: n}
}

func (m Mode) String() string {
	switch m.kind {
	case kindNone:
		return "none"
	case kindRaw:
		return "raw"
	case kindZlib:
		return "zlib"
	case kindBam:
		return "bam"
	case kindDummy:
		return fmt.Sprintf("dummy:%d", m.dummySize)
	default:
		return "unknown"
	}
}

// ParseMode parses the CLI mode selector "raw|zlib|bam|none|dummy:N".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "none":
		return ModeNone, nil
	case "raw":
		return ModeRaw, nil
	case "zlib":
		return ModeZlib, nil
	case "bam":
		return ModeBam, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "dummy:%d", &n); err == nil && n > 0 {
		return ModeDummy(n), nil
	}
	return Mode{}, fmt.Errorf("codec: unrecognised mode %q", s)
}
