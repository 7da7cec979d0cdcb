// Package wireproto implements the binary wire framing for the chunked
// transfer protocol: DATA, ACK, BATCH_ACK, META and END packets.
package wireproto

import (
	"errors"
	"fmt"
)

// PacketType tags the wire packet kinds: the five of spec.md §4.A plus
// PacketReceiverComplete.
type PacketType uint8

const (
	PacketData PacketType = iota + 1
	PacketEnd
	PacketAck
	PacketBatchAck
	PacketMeta
	// PacketReceiverComplete carries the receiver's terminal success
	// signal back to the remote sender (spec.md §4.K on_receiver_complete,
	// §3 data flow "L emits COMPLETE to M"): the wire protocol itself has
	// no dedicated COMPLETE byte layout, so this control-plane packet is
	// how a cross-process receiver tells the TransferManager on the
	// sending side that on_receiver_complete should fire.
	PacketReceiverComplete
)

var (
	// ErrMalformedLength signals a length prefix that does not fit the
	// remaining buffer.
	ErrMalformedLength = errors.New("wireproto: malformed length prefix")
	// ErrUnknownType signals a type byte outside the known packet set.
	ErrUnknownType = errors.New("wireproto: unknown packet type")
	// ErrTransferIDMismatch signals a decoded transferId that does not
	// match the expected one for this stream/session.
	ErrTransferIDMismatch = errors.New("wireproto: transferId mismatch")
	ErrTruncated          = errors.New("wireproto: truncated packet")
)

// DataPacket carries one chunk, optionally with a per-chunk checksum.
type DataPacket struct {
	TransferID string
	ChunkIndex uint32
	Checksum   string // hex SHA-256, empty when not sampled
	Data       []byte
}

// EndPacket is the advisory terminal packet (spec.md §4.L on_end).
type EndPacket struct {
	TransferID string
}

// AckPacket acknowledges a single chunk index.
type AckPacket struct {
	TransferID string
	ChunkIndex uint32
}

// AckRange is an inclusive [Start, End] run of acknowledged indices.
type AckRange struct {
	Start uint32
	End   uint32
}

// BatchAckPacket coalesces many acknowledged indices, either as a list of
// ranges or as a packed bitmap (spec.md §4.G encoding decision).
type BatchAckPacket struct {
	TransferID string
	Ranges     []AckRange // nil when Bitmap is used
	Bitmap     []byte     // nil when Ranges is used
	BitmapBase uint32     // first index represented by bit 0 of Bitmap
	TotalAcks  uint32
	Timestamp  uint64 // epoch ms
}

// ReceiverCompletePacket is the payload of PacketReceiverComplete.
type ReceiverCompletePacket struct {
	TransferID string
}

// FirstChunkDescriptor carries the eagerly-shipped first chunk bytes.
type FirstChunkDescriptor struct {
	Size     uint32
	Checksum string // hex SHA-256
	Data     []byte
}

// ThumbnailDescriptor carries an optional small re-encoded preview image.
type ThumbnailDescriptor struct {
	Width  uint16
	Height uint16
	Data   []byte // JPEG bytes
}

// FileMetadata is the META payload's metadata block (spec.md §3).
type FileMetadata struct {
	Name         string `json:"name"`
	Mime         string `json:"mime"`
	Size         uint64 `json:"size"`
	LastModified uint64 `json:"lastModified"`
	FileChecksum string `json:"fileChecksum"`
	TotalChunks  uint32 `json:"totalChunks"`
	ChunkSize    uint32 `json:"chunkSize"`
}

// MetaPacket is the preflight packet emitted before any DATA (spec.md §4.J).
type MetaPacket struct {
	TransferID string
	Metadata   FileMetadata
	FirstChunk *FirstChunkDescriptor
	Thumbnail  *ThumbnailDescriptor
	Timestamp  uint64
	// Signature is the Ed25519 signature over CanonicalMetaBytes (transferId,
	// file checksum, size, name, total chunks, chunk size and timestamp),
	// authenticating the sender's identity. Mime, LastModified, FirstChunk
	// and Thumbnail are not covered by it.
	Signature []byte
	// SignerPublicKey is the Ed25519 public key Signature verifies against,
	// carried on the wire so a first-contact peer can be pinned
	// trust-on-first-use (internal/identity.TrustStore).
	SignerPublicKey []byte
}

// CanonicalMetaBytes produces a deterministic byte encoding of the META
// fields a signature covers, independent of the wire envelope's JSON key
// ordering guarantees. Shared by the signing (sender) and verifying
// (receiver) sides so both compute exactly the same bytes.
func CanonicalMetaBytes(m *MetaPacket) []byte {
	return fmt.Appendf(nil, "%s|%s|%d|%s|%d|%d|%d",
		m.TransferID, m.Metadata.FileChecksum, m.Metadata.Size,
		m.Metadata.Name, m.Metadata.TotalChunks, m.Metadata.ChunkSize, m.Timestamp)
}
