// Package link implements the stop-and-wait session state machines for both
// roles of the telemetry link (spec.md §4.3, §4.4): the transmitter's
// Handshake/Query/Permit/Data/Ack cycle and the receiver's mirror-image
// event loop. Framing and classification (pkg/frame) and the physical
// transport (pkg/transport) are injected as small interfaces so the state
// machines themselves are exercised here against in-memory fakes.
package link

import (
	"time"

	"github.com/chirpchirp/lora-link/pkg/frame"
)

// Outcome is the result of one Transmitter.SendMessage call (spec.md §4.3).
type Outcome int

const (
	Delivered Outcome = iota
	Dropped
)

func (o Outcome) String() string {
	if o == Delivered {
		return "Delivered"
	}
	return "Dropped"
}

// RetryBudget bounds the number of attempts at each phase of a session
// (spec.md §4.3 state table).
type RetryBudget struct {
	Handshake int
	Permit    int
	Data      int
}

// Timeouts bounds how long the transmitter waits for each kind of response.
// InterByte is forwarded to the transport adapter, not consulted directly
// here; it is kept alongside Response for callers that build both from one
// flag set.
type Timeouts struct {
	Response  time.Duration
	InterByte time.Duration
}

// transportRW is the read+write surface both state machines need. Declared
// locally rather than imported from pkg/transport so neither package needs
// to know about the other's concrete type (spec.md §9 design note on
// avoiding import cycles between frame, transport, and link).
type transportRW interface {
	frame.Reader
	frame.Writer
}
