package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	resets []uint64
	areqs  [][2]uint16
	allocs []*Alloc
	acks   [][2]uint64
}

func (s *sink) OnReset(ts uint64)             { s.resets = append(s.resets, ts) }
func (s *sink) OnAREQ(dst, count uint16)      { s.areqs = append(s.areqs, [2]uint16{dst, count}) }
func (s *sink) OnAlloc(a *Alloc)              { s.allocs = append(s.allocs, a) }
func (s *sink) OnAck(seq uint64, vec uint16)  { s.acks = append(s.acks, [2]uint64{seq, uint64(vec)}) }

func TestHeaderRoundTrip(t *testing.T) {
	pkt := make([]byte, HeaderSize)
	h := Header{Seq: 0x3FFF, AckSeq: 0x1234, AckVec: 0xBEEF}
	h.Encode(pkt)
	pkt = AppendAREQ(pkt, []AREQ{{Dst: 7, Count: 42}})
	FinishChecksum(pkt)

	got, err := DecodeHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x3FFF), got.Seq)
	assert.Equal(t, uint16(0x1234), got.AckSeq)
	assert.Equal(t, uint16(0xBEEF), got.AckVec)

	// Seqno reconstructs to the full value against a peer that has seen
	// nothing yet.
	assert.Equal(t, uint64(0x3FFF), Reconstruct(1, uint64(got.Seq), SeqBits))

	var s sink
	require.NoError(t, ParsePayload(pkt[HeaderSize:], &s))
	require.Len(t, s.areqs, 1)
	assert.Equal(t, [2]uint16{7, 42}, s.areqs[0])
	assert.Empty(t, s.resets)
	assert.Empty(t, s.allocs)
}

func TestChecksumRejectsCorruption(t *testing.T) {
	pkt := make([]byte, HeaderSize)
	(&Header{Seq: 99}).Encode(pkt)
	pkt = AppendReset(pkt, 1234567)
	FinishChecksum(pkt)

	_, err := DecodeHeader(pkt)
	require.NoError(t, err)

	pkt[9] ^= 0x40
	_, err = DecodeHeader(pkt)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestResetRoundTrip(t *testing.T) {
	const ts = uint64(1)<<55 | 0xDEADBEEF
	b := AppendReset(nil, ts)
	assert.Len(t, b, 8)
	var s sink
	require.NoError(t, ParsePayload(b, &s))
	require.Len(t, s.resets, 1)
	assert.Equal(t, ts, s.resets[0])
}

func TestAllocRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		alloc Alloc
	}{
		{"single dst", Alloc{BaseTslot: 100, Dsts: []uint16{42}, Slots: []byte{0x10, 0x11}}},
		{"skip instruction", Alloc{BaseTslot: 0xFFFFF, Dsts: []uint16{1, 2}, Slots: []byte{0x00, 0x20, 0x1F}}},
		{"max dsts", Alloc{
			BaseTslot: 1 << 19,
			Dsts:      []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
			Slots:     []byte{0xF0, 0xE1, 0x10},
		}},
		{"empty slots", Alloc{BaseTslot: 7, Dsts: []uint16{3}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			b, err := AppendAlloc(nil, &tt.alloc)
			require.NoError(t, err)
			assert.Zero(t, len(b)&1, "ALLOC sections are 2-byte aligned")

			var s sink
			require.NoError(t, ParsePayload(b, &s))
			require.Len(t, s.allocs, 1)
			got := s.allocs[0]
			assert.Equal(t, tt.alloc.BaseTslot&(1<<TslotBits-1), got.BaseTslot)
			assert.Equal(t, tt.alloc.Dsts, got.Dsts)
			if len(tt.alloc.Slots) > 0 {
				assert.Equal(t, tt.alloc.Slots, got.Slots)
			} else {
				assert.Empty(t, got.Slots)
			}
		})
	}
}

func TestAllocLimits(t *testing.T) {
	_, err := AppendAlloc(nil, &Alloc{Dsts: make([]uint16, MaxAllocDsts+1)})
	assert.ErrorIs(t, err, ErrAllocTooBig)
	_, err = AppendAlloc(nil, &Alloc{Slots: make([]byte, MaxAllocTslots+1)})
	assert.ErrorIs(t, err, ErrAllocTooBig)
}

func TestAckRoundTrip(t *testing.T) {
	b := AppendAck(nil, 0x123456789ABC, 0x00FE)
	var s sink
	require.NoError(t, ParsePayload(b, &s))
	require.Len(t, s.acks, 1)
	assert.Equal(t, uint64(0x123456789ABC), s.acks[0][0])
	assert.Equal(t, uint64(0x00FE), s.acks[0][1])
}

func TestTruncatedSections(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		err  error
	}{
		{"reset", []byte{TypeReset << 4, 1, 2}, ErrIncompleteReset},
		{"areq", []byte{TypeAREQ << 4, 2, 0, 1, 0, 9}, ErrIncompleteAREQ},
		{"alloc header", []byte{TypeAlloc<<4 | 1}, ErrIncompleteAlloc},
		{"alloc dsts", []byte{TypeAlloc<<4 | 2, 0, 0, 0, 0, 0, 1}, ErrIncompleteAlloc},
		{"ack", []byte{TypeAck << 4, 0, 0}, ErrIncompleteAck},
		{"unknown", []byte{0xF0}, ErrUnknownPayload},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var s sink
			assert.ErrorIs(t, ParsePayload(tt.buf, &s), tt.err)
		})
	}
}

func TestReconstructCount(t *testing.T) {
	tests := []struct {
		name string
		cur  uint64
		low  uint16
		want uint64
	}{
		{"no change", 100, 100, 100},
		{"small advance", 100, 150, 150},
		{"wraparound", 0xFFF0, 0x0010, 0x10010},
		{"guard band edge", 0, 1 << 15, 1 << 15},
		{"behind counter", 0x10050, 0x0010, 0x10010},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReconstructCount(tt.cur, tt.low))
		})
	}
}

func TestReconstructTslot(t *testing.T) {
	ts, ok := ReconstructTslot(1<<20|100, 101)
	assert.True(t, ok)
	assert.Equal(t, uint64(1<<20|101), ts)

	// A jump over a quarter of the wrap period looks like a peer reboot.
	_, ok = ReconstructTslot(100, (100+1<<19)&(1<<TslotBits-1))
	assert.False(t, ok)
}
