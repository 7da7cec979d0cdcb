package batchack

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strataflow/filepipe/internal/wireproto"
)

func TestFlushesAtSize(t *testing.T) {
	m := New("t1")
	for i := uint32(0); i < flushSize; i++ {
		m.Ack(i)
	}
	require.True(t, m.ShouldFlush(time.Now()))
}

func TestDoesNotFlushEmptyBatch(t *testing.T) {
	m := New("t1")
	require.False(t, m.ShouldFlush(time.Now().Add(time.Hour)))
	require.Nil(t, m.Flush(time.Now()))
}

func TestFlushesAfterInterval(t *testing.T) {
	m := New("t1")
	m.Ack(1)
	require.False(t, m.ShouldFlush(time.Now()))
	require.True(t, m.ShouldFlush(time.Now().Add(flushInterval+time.Millisecond)))
}

func TestArmsOnlyOnFirstBufferedAck(t *testing.T) {
	m := New("t1")
	armed := m.Ack(1)
	require.True(t, armed)
	armed = m.Ack(2)
	require.False(t, armed)
}

func TestRangeCompressionCollapsesConsecutiveRuns(t *testing.T) {
	indices := []uint32{0, 1, 2, 3, 4, 8, 10, 11, 12}
	ranges := compressRanges(indices)
	require.Equal(t, []wireproto.AckRange{
		{Start: 0, End: 4},
		{Start: 8, End: 8},
		{Start: 10, End: 12},
	}, ranges)
}

func TestFlushChoosesRangeEncodingForDenseSet(t *testing.T) {
	m := New("t1")
	for i := uint32(0); i < 20; i++ {
		m.Ack(i)
	}
	pkt := m.Flush(time.Now())
	require.NotNil(t, pkt)
	require.NotNil(t, pkt.Ranges)
	require.Nil(t, pkt.Bitmap)
	require.Len(t, pkt.Ranges, 1)
	require.Equal(t, uint32(0), pkt.Ranges[0].Start)
	require.Equal(t, uint32(19), pkt.Ranges[0].End)
}

func TestFlushChoosesBitmapForManySparseIndices(t *testing.T) {
	m := New("t1")
	// Build > maxRangesForRangeEncoding disjoint singleton ranges.
	for i := uint32(0); i < 20; i++ {
		m.Ack(i * 3)
	}
	pkt := m.Flush(time.Now())
	require.NotNil(t, pkt)
	require.Nil(t, pkt.Ranges)
	require.NotNil(t, pkt.Bitmap)
}

func TestBatchAckRoundTripLossless(t *testing.T) {
	// P7: parseBatchAck(encode(S)) == S for a range of example sets.
	sets := [][]uint32{
		{},
		{0},
		{0, 1, 2, 3, 4},
		{1, 3, 5, 7, 9, 11},
		{0, 1, 2, 100, 101, 300},
	}
	for _, s := range sets {
		m := New("t1")
		for _, idx := range s {
			m.Ack(idx)
		}
		pkt := m.Flush(time.Now())
		if len(s) == 0 {
			require.Nil(t, pkt)
			continue
		}
		decoded, err := Decode(pkt)
		require.NoError(t, err)
		sort.Slice(decoded, func(i, j int) bool { return decoded[i] < decoded[j] })
		require.Equal(t, s, decoded)
	}
}

func TestBitmapRoundTrip(t *testing.T) {
	indices := make([]uint32, 0, 2000)
	for i := uint32(0); i < 2000; i += 7 {
		indices = append(indices, i)
	}
	base, bitmap := encodeBitmap(indices)
	decoded := decodeBitmap(base, bitmap)
	require.Equal(t, indices, decoded)
}
