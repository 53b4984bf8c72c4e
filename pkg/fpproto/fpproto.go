// Package fpproto is the reliable request/allocation protocol spoken between
// an endpoint and the arbiter: windowed datagrams with piggy-backed ack
// vectors, explicit reset synchronization, and retransmit timing. The engine
// owns sequence-number bookkeeping and packet descriptors; everything
// domain-specific happens in the Handler callbacks.
package fpproto

import (
	"time"

	"github.com/fastpass-net/fastpass/pkg/wire"
)

// Defaults mirror the endpoint's reconfiguration surface: reset_window_us
// and send_timeout_us.
const (
	DefaultWindowSize  = 1 << 14
	DefaultResetWindow = 2_000_000 * time.Microsecond
	DefaultSendTimeout = 5_000 * time.Microsecond

	// After this many consecutive undecodable packets the peer is assumed
	// out of sync and a reset is forced.
	MaxConsecutiveBadPackets = 10
)

// Config carries the tunables of one connection.
type Config struct {
	WindowSize  uint64 // outgoing/incoming window width, power of two
	ResetWindow time.Duration
	SendTimeout time.Duration
	MaxPayload  int // wire.MaxPayloadEndpoint or wire.MaxPayloadArbiter
	MinSize     int // pad packets up to this many bytes, 0 to disable
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WindowSize == 0 {
		out.WindowSize = DefaultWindowSize
	}
	if out.ResetWindow == 0 {
		out.ResetWindow = DefaultResetWindow
	}
	if out.SendTimeout == 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.MaxPayload == 0 {
		out.MaxPayload = wire.MaxPayloadEndpoint
	}
	return out
}

// Desc describes one outbound packet. The engine owns a committed Desc until
// it hands it back through HandleAck or HandleNegAck.
type Desc struct {
	Seqno  uint64
	SentAt int64 // nanoseconds, set at commit

	AREQs  []wire.AREQ
	Allocs []*wire.Alloc // arbiter→endpoint only; a section may span skip-byte gaps and several destinations

	// Reset and ResetTimestamp are filled in by the engine when a reset
	// is pending at commit time.
	Reset          bool
	ResetTimestamp uint64

	// Piggy-backed acknowledgment state, recorded at commit.
	AckSeq uint64
	AckVec uint16

	Retransmitted bool
}

// Handler receives the engine's upcalls. Calls arrive under the connection
// lock; implementations must not call back into the Conn, ForceReset
// included: the lock is not reentrant.
type Handler interface {
	// HandleReset is invoked after an accepted reset has cleared both
	// windows; the user rebalances its demand accounting.
	HandleReset(resetTime uint64)

	// HandleAck transfers ownership of an acknowledged descriptor back to
	// the user. Invoked exactly once per sequence number that the
	// incoming ack vector newly covered.
	HandleAck(d *Desc)

	// HandleNegAck surrenders a descriptor whose packet is presumed lost:
	// retransmit timeout, or fell off the outgoing window.
	HandleNegAck(d *Desc)

	// HandleAREQ delivers one allocation request (arbiter side). The
	// count is the raw low 16 bits from the wire; reconstruct with
	// wire.ReconstructCount. Returning an error marks the packet bad.
	HandleAREQ(dst uint16, countLow uint16) error

	// HandleAlloc delivers one ALLOC section (endpoint side) with the raw
	// wrapped base timeslot still in place.
	HandleAlloc(a *wire.Alloc)
}

// RxResult classifies an incoming packet.
type RxResult int

const (
	RxProcess RxResult = iota
	RxDuplicate
	RxOutOfOrder
	RxOutOfWindow
	RxFormat
)

func (r RxResult) String() string {
	switch r {
	case RxProcess:
		return "process"
	case RxDuplicate:
		return "duplicate"
	case RxOutOfOrder:
		return "out-of-order"
	case RxOutOfWindow:
		return "out-of-window"
	default:
		return "format-error"
	}
}

// Stats counts everything the engine ever refuses or retries. Errors never
// propagate past the connection; they land here and in the RxResult.
type Stats struct {
	CommittedPackets  uint64
	AckedPackets      uint64
	NegAckedPackets   uint64
	Timeouts          uint64
	FellOffWindow     uint64
	Duplicates        uint64
	OutOfOrder        uint64
	OutOfWindow       uint64
	ChecksumErrors    uint64
	TooShort          uint64
	PayloadErrors     uint64
	BadAREQs          uint64
	NotSynced         uint64
	ResetsAccepted    uint64
	ResetsForced      uint64
	ResetsStale       uint64
	ResetsOutOfWindow uint64
}
