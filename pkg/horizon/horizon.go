// Package horizon keeps the endpoint's 64-timeslot lookahead: which upcoming
// timeslots are allocated, and to which destination.
package horizon

import (
	"errors"
	"math/bits"
)

// Span is how far ahead of the current timeslot an allocation can sit.
const Span = 64

var ErrOutOfBounds = errors.New("timeslot outside horizon")

// Horizon is a single-writer circular bitmap over the timeslots
// [base, base+Span). Bit 0 of the mask always corresponds to the timeslot in
// progress; schedule[t mod Span] names the destination owning timeslot t.
type Horizon struct {
	base     uint64
	mask     uint64
	schedule [Span]uint64
}

func New(base uint64) *Horizon {
	return &Horizon{base: base}
}

func (h *Horizon) Base() uint64 { return h.base }

// Set allocates tslot to dst. Fails for timeslots before the current one or
// at and beyond base+Span.
func (h *Horizon) Set(tslot, dst uint64) error {
	off := tslot - h.base
	if off >= Span {
		return ErrOutOfBounds
	}
	h.mask |= 1 << off
	h.schedule[tslot%Span] = dst
	return nil
}

// NextNonempty returns the earliest allocated timeslot at or after the
// current one.
func (h *Horizon) NextNonempty() (tslot uint64, ok bool) {
	if h.mask == 0 {
		return 0, false
	}
	return h.base + uint64(bits.TrailingZeros64(h.mask)), true
}

// AdvanceTo moves the horizon so that cur becomes bit 0. Allocated timeslots
// the horizon passes over on the way were never dequeued; each is reported to
// missed. Calling AdvanceTo twice with the same cur is a no-op the second
// time.
func (h *Horizon) AdvanceTo(cur uint64, missed func(tslot, dst uint64)) {
	for h.base < cur {
		if h.mask&1 != 0 && missed != nil {
			missed(h.base, h.schedule[h.base%Span])
		}
		h.mask >>= 1
		h.base++
	}
}

// PopCurrent consumes the allocation for the timeslot in progress, if any.
func (h *Horizon) PopCurrent() (dst uint64, ok bool) {
	if h.mask&1 == 0 {
		return 0, false
	}
	h.mask &^= 1
	return h.schedule[h.base%Span], true
}

// Reset drops every pending allocation, as after a protocol reset.
func (h *Horizon) Reset(base uint64) {
	h.mask = 0
	h.base = base
}
