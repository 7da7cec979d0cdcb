// Package batchack coalesces per-chunk ACKs into periodic batches, encoded
// as a range list or a bitmap depending on how sparse the set is
// (spec.md §4.G).
package batchack

import (
	"fmt"
	"sort"
	"time"

	"github.com/strataflow/filepipe/internal/wireproto"
)

const (
	flushSize     = 50
	flushInterval = 100 * time.Millisecond

	maxRangesForRangeEncoding  = 10
	maxIndicesForRangeEncoding = 1000
)

// Manager buffers ACKed indices for one transfer and flushes them as a
// BATCH_ACK packet either once flushSize indices are buffered or
// flushInterval has elapsed since the first buffered index — never on an
// empty batch (spec.md §9 Open Question 3).
type Manager struct {
	transferID string
	buffered   []uint32
	firstAt    time.Time
	armed      bool
}

// New constructs a Manager for one transfer.
func New(transferID string) *Manager {
	return &Manager{transferID: transferID}
}

// Ack buffers index for the next flush. Returns true if this call armed
// the flush timer (i.e. the batch was empty before this call) so the
// caller knows to schedule a flushInterval timer.
func (m *Manager) Ack(index uint32) (armedNow bool) {
	wasEmpty := len(m.buffered) == 0
	m.buffered = append(m.buffered, index)
	if wasEmpty {
		m.firstAt = time.Now()
		m.armed = true
		return true
	}
	return false
}

// ShouldFlush reports whether the buffer has reached flushSize or
// flushInterval has elapsed since the first buffered index. It never
// reports true for an empty buffer.
func (m *Manager) ShouldFlush(now time.Time) bool {
	if len(m.buffered) == 0 {
		return false
	}
	if len(m.buffered) >= flushSize {
		return true
	}
	return now.Sub(m.firstAt) >= flushInterval
}

// Flush drains the buffer into a BATCH_ACK packet, choosing range or
// bitmap encoding per spec.md §4.G, and disarms the timer. Returns nil if
// the buffer was empty.
func (m *Manager) Flush(now time.Time) *wireproto.BatchAckPacket {
	if len(m.buffered) == 0 {
		return nil
	}
	indices := m.buffered
	m.buffered = nil
	m.armed = false

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	ranges := compressRanges(indices)

	pkt := &wireproto.BatchAckPacket{
		TransferID: m.transferID,
		TotalAcks:  uint32(len(indices)),
		Timestamp:  uint64(now.UnixMilli()),
	}
	if len(ranges) <= maxRangesForRangeEncoding && len(indices) <= maxIndicesForRangeEncoding {
		pkt.Ranges = ranges
		return pkt
	}
	base, bitmap := encodeBitmap(indices)
	pkt.Bitmap = bitmap
	pkt.BitmapBase = base
	return pkt
}

// Armed reports whether a flush timer should currently be considered
// running (i.e. the buffer is non-empty).
func (m *Manager) Armed() bool { return m.armed }

// Decode inverts Flush's encoding, returning the full sorted index set.
func Decode(p *wireproto.BatchAckPacket) ([]uint32, error) {
	if p.Ranges != nil {
		return decompressRanges(p.Ranges), nil
	}
	if p.Bitmap != nil {
		return decodeBitmap(p.BitmapBase, p.Bitmap), nil
	}
	return nil, fmt.Errorf("batchack: packet has neither ranges nor bitmap")
}

// compressRanges collapses a sorted, deduplicated-or-not slice of indices
// into inclusive ranges in a single pass.
func compressRanges(sorted []uint32) []wireproto.AckRange {
	if len(sorted) == 0 {
		return nil
	}
	var ranges []wireproto.AckRange
	start := sorted[0]
	prev := sorted[0]
	for _, idx := range sorted[1:] {
		if idx == prev {
			continue // duplicate within the same batch
		}
		if idx == prev+1 {
			prev = idx
			continue
		}
		ranges = append(ranges, wireproto.AckRange{Start: start, End: prev})
		start = idx
		prev = idx
	}
	ranges = append(ranges, wireproto.AckRange{Start: start, End: prev})
	return ranges
}

func decompressRanges(ranges []wireproto.AckRange) []uint32 {
	var out []uint32
	for _, r := range ranges {
		for i := r.Start; i <= r.End; i++ {
			out = append(out, i)
			if i == r.End {
				break // guard against End == ^uint32(0) overflow
			}
		}
	}
	return out
}

// encodeBitmap packs indices into a byte-per-8-indices bitmap,
// little-endian within a byte, based at the smallest index present.
func encodeBitmap(sorted []uint32) (base uint32, bitmap []byte) {
	if len(sorted) == 0 {
		return 0, nil
	}
	base = sorted[0]
	span := sorted[len(sorted)-1] - base + 1
	bitmap = make([]byte, (span+7)/8)
	for _, idx := range sorted {
		rel := idx - base
		bitmap[rel/8] |= 1 << (rel % 8)
	}
	return base, bitmap
}

func decodeBitmap(base uint32, bitmap []byte) []uint32 {
	var out []uint32
	for byteIdx, b := range bitmap {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				out = append(out, base+uint32(byteIdx*8+bit))
			}
		}
	}
	return out
}
