package wireproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataRoundTrip(t *testing.T) {
	f := NewFramer()
	cases := []*DataPacket{
		{TransferID: "t1", ChunkIndex: 0, Checksum: "", Data: []byte("abcd")},
		{TransferID: "t-with-unicode-✓", ChunkIndex: 7, Checksum: "deadbeef", Data: []byte("ef")},
		{TransferID: "", ChunkIndex: 42, Checksum: "", Data: []byte{}},
	}
	for _, p := range cases {
		buf, err := f.EncodeData(p)
		require.NoError(t, err)
		got, err := f.DecodeData(buf)
		require.NoError(t, err)
		require.Equal(t, p.TransferID, got.TransferID)
		require.Equal(t, p.ChunkIndex, got.ChunkIndex)
		require.Equal(t, p.Checksum, got.Checksum)
		require.Equal(t, p.Data, got.Data)
	}
}

func TestEndRoundTrip(t *testing.T) {
	f := NewFramer()
	buf, err := f.EncodeEnd(&EndPacket{TransferID: "xyz"})
	require.NoError(t, err)
	got, err := f.DecodeEnd(buf)
	require.NoError(t, err)
	require.Equal(t, "xyz", got.TransferID)
}

func TestDecodeDataMalformed(t *testing.T) {
	f := NewFramer()
	_, err := f.DecodeData(nil)
	require.Error(t, err)

	_, err = f.DecodeData([]byte{byte(PacketEnd), 0, 0})
	require.ErrorIs(t, err, ErrUnknownType)

	// length prefix claims more than is present
	buf := []byte{byte(PacketData), 0, 5, 'a', 'b'}
	_, err = f.DecodeData(buf)
	require.Error(t, err)

	// trailing garbage after a well-formed packet
	good, _ := f.EncodeData(&DataPacket{TransferID: "t", ChunkIndex: 1, Data: []byte("x")})
	_, err = f.DecodeData(append(good, 0xFF))
	require.Error(t, err)
}

func TestMetaRoundTrip(t *testing.T) {
	f := NewFramer()
	p := &MetaPacket{
		TransferID: "t1",
		Metadata: FileMetadata{
			Name:         "file.bin",
			Mime:         "application/octet-stream",
			Size:         1024,
			LastModified: 1700000000000,
			FileChecksum: "abc123",
			TotalChunks:  16,
			ChunkSize:    64 * 1024,
		},
		FirstChunk:      &FirstChunkDescriptor{Size: 4, Checksum: "cafe", Data: []byte("abcd")},
		Timestamp:       1700000000000,
		Signature:       []byte{0xde, 0xad, 0xbe, 0xef},
		SignerPublicKey: []byte{0x01, 0x02, 0x03, 0x04},
	}
	buf, err := f.EncodeMeta(p)
	require.NoError(t, err)
	got, err := f.DecodeMeta(buf)
	require.NoError(t, err)
	require.Equal(t, p.TransferID, got.TransferID)
	require.Equal(t, p.Metadata, got.Metadata)
	require.Equal(t, p.FirstChunk, got.FirstChunk)
	require.Equal(t, p.Signature, got.Signature)
	require.Equal(t, p.SignerPublicKey, got.SignerPublicKey)
	require.Nil(t, got.Thumbnail)
}

func TestCanonicalMetaBytesIsDeterministic(t *testing.T) {
	p := &MetaPacket{
		TransferID: "t1",
		Metadata: FileMetadata{
			Name:         "file.bin",
			Size:         1024,
			FileChecksum: "abc123",
			TotalChunks:  16,
			ChunkSize:    64 * 1024,
		},
		Timestamp: 1700000000000,
	}
	a := CanonicalMetaBytes(p)
	b := CanonicalMetaBytes(p)
	require.Equal(t, a, b)

	q := *p
	q.Metadata.FileChecksum = "different"
	require.NotEqual(t, a, CanonicalMetaBytes(&q))
}

func TestBatchAckRoundTrip(t *testing.T) {
	f := NewFramer()
	p := &BatchAckPacket{
		TransferID: "t1",
		Ranges:     []AckRange{{Start: 0, End: 4}, {Start: 8, End: 8}},
		TotalAcks:  6,
		Timestamp:  123,
	}
	buf, err := f.EncodeBatchAck(p)
	require.NoError(t, err)
	got, err := f.DecodeBatchAck(buf)
	require.NoError(t, err)
	require.Equal(t, p.Ranges, got.Ranges)
	require.Equal(t, p.TotalAcks, got.TotalAcks)
}

func TestReceiverCompleteRoundTrip(t *testing.T) {
	f := NewFramer()
	buf, err := f.EncodeReceiverComplete(&ReceiverCompletePacket{TransferID: "t1"})
	require.NoError(t, err)
	got, err := f.DecodeReceiverComplete(buf)
	require.NoError(t, err)
	require.Equal(t, "t1", got.TransferID)

	typ, err := f.PeekType(buf)
	require.NoError(t, err)
	require.Equal(t, PacketReceiverComplete, typ)
}

func TestPeekType(t *testing.T) {
	f := NewFramer()
	dataBuf, _ := f.EncodeData(&DataPacket{TransferID: "t", ChunkIndex: 0, Data: []byte("a")})
	typ, err := f.PeekType(dataBuf)
	require.NoError(t, err)
	require.Equal(t, PacketData, typ)

	ackBuf, _ := f.EncodeAck(&AckPacket{TransferID: "t", ChunkIndex: 3})
	typ, err = f.PeekType(ackBuf)
	require.NoError(t, err)
	require.Equal(t, PacketAck, typ)
}

func FuzzDataRoundTrip(f *testing.F) {
	seeds := [][]byte{
		{byte(PacketData), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		{byte(PacketData), 0, 1, 'x', 0, 0, 0, 0, 1, 0, 0, 'a'},
	}
	for _, s := range seeds {
		f.Add(s)
	}
	fr := NewFramer()
	f.Fuzz(func(t *testing.T, buf []byte) {
		p, err := fr.DecodeData(buf)
		if err != nil {
			return
		}
		reenc, err := fr.EncodeData(p)
		if err != nil {
			t.Fatalf("re-encode of a successfully decoded packet must not fail: %v", err)
		}
		p2, err := fr.DecodeData(reenc)
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if p.TransferID != p2.TransferID || p.ChunkIndex != p2.ChunkIndex {
			t.Fatalf("round-trip mismatch")
		}
	})
}
