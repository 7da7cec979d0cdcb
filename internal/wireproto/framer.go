package wireproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Framer encodes and decodes wire packets. It holds no per-transfer state;
// one Framer is shared across every transfer in a process.
type Framer struct{}

// NewFramer constructs a stateless Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// EncodeData lays out a DATA packet per spec.md §4.A:
// u8=1 | u16 idLen | idBytes | u32 chunkIndex | u32 dataLen | u16 ckLen | ckBytes | dataBytes
func (f *Framer) EncodeData(p *DataPacket) ([]byte, error) {
	if len(p.TransferID) > 0xFFFF {
		return nil, fmt.Errorf("wireproto: transferId too long (%d bytes)", len(p.TransferID))
	}
	if len(p.Data) > 0xFFFFFFFF {
		return nil, fmt.Errorf("wireproto: data too long (%d bytes)", len(p.Data))
	}
	ck := []byte(p.Checksum)
	buf := make([]byte, 0, 1+2+len(p.TransferID)+4+4+2+len(ck)+len(p.Data))
	buf = append(buf, byte(PacketData))
	buf = appendU16(buf, uint16(len(p.TransferID)))
	buf = append(buf, p.TransferID...)
	buf = appendU32(buf, p.ChunkIndex)
	buf = appendU32(buf, uint32(len(p.Data)))
	buf = appendU16(buf, uint16(len(ck)))
	buf = append(buf, ck...)
	buf = append(buf, p.Data...)
	return buf, nil
}

// DecodeData parses a DATA packet, returning ErrMalformedLength/ErrUnknownType
// when the header cannot be trusted. Per spec.md §4.A these conditions mean
// the caller must drop the packet silently, without ACKing.
func (f *Framer) DecodeData(buf []byte) (*DataPacket, error) {
	r := &reader{buf: buf}
	typ, err := r.u8()
	if err != nil {
		return nil, ErrTruncated
	}
	if PacketType(typ) != PacketData {
		return nil, ErrUnknownType
	}
	idLen, err := r.u16()
	if err != nil {
		return nil, ErrMalformedLength
	}
	id, err := r.bytes(int(idLen))
	if err != nil {
		return nil, ErrMalformedLength
	}
	chunkIndex, err := r.u32()
	if err != nil {
		return nil, ErrMalformedLength
	}
	dataLen, err := r.u32()
	if err != nil {
		return nil, ErrMalformedLength
	}
	ckLen, err := r.u16()
	if err != nil {
		return nil, ErrMalformedLength
	}
	ck, err := r.bytes(int(ckLen))
	if err != nil {
		return nil, ErrMalformedLength
	}
	data, err := r.bytes(int(dataLen))
	if err != nil {
		return nil, ErrMalformedLength
	}
	if r.remaining() != 0 {
		return nil, ErrMalformedLength
	}
	return &DataPacket{
		TransferID: string(id),
		ChunkIndex: chunkIndex,
		Checksum:   string(ck),
		Data:       data,
	}, nil
}

// EncodeEnd lays out an END packet: u8=2 | u16 idLen | idBytes.
func (f *Framer) EncodeEnd(p *EndPacket) ([]byte, error) {
	if len(p.TransferID) > 0xFFFF {
		return nil, fmt.Errorf("wireproto: transferId too long (%d bytes)", len(p.TransferID))
	}
	buf := make([]byte, 0, 1+2+len(p.TransferID))
	buf = append(buf, byte(PacketEnd))
	buf = appendU16(buf, uint16(len(p.TransferID)))
	buf = append(buf, p.TransferID...)
	return buf, nil
}

// DecodeEnd parses an END packet.
func (f *Framer) DecodeEnd(buf []byte) (*EndPacket, error) {
	r := &reader{buf: buf}
	typ, err := r.u8()
	if err != nil {
		return nil, ErrTruncated
	}
	if PacketType(typ) != PacketEnd {
		return nil, ErrUnknownType
	}
	idLen, err := r.u16()
	if err != nil {
		return nil, ErrMalformedLength
	}
	id, err := r.bytes(int(idLen))
	if err != nil {
		return nil, ErrMalformedLength
	}
	if r.remaining() != 0 {
		return nil, ErrMalformedLength
	}
	return &EndPacket{TransferID: string(id)}, nil
}

// wireAck/wireBatchAck/wireMeta are JSON envelopes. ACK/BATCH_ACK/META are
// control-plane packets, not hot-path DATA; JSON keeps them self-describing
// and trivially extensible, matching the teacher's control_stream.go wire
// style (u8 type | u32 length | JSON payload) generalized here to the
// packet set this spec requires.
type wireEnvelope struct {
	Type    PacketType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(typ PacketType, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wireproto: marshal payload: %w", err)
	}
	return json.Marshal(wireEnvelope{Type: typ, Payload: payload})
}

func decodeEnvelope(buf []byte, want PacketType, v interface{}) error {
	var env wireEnvelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return ErrMalformedLength
	}
	if env.Type != want {
		return ErrUnknownType
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return ErrMalformedLength
	}
	return nil
}

// EncodeAck encodes an ACK packet.
func (f *Framer) EncodeAck(p *AckPacket) ([]byte, error) {
	return encodeEnvelope(PacketAck, p)
}

// DecodeAck decodes an ACK packet.
func (f *Framer) DecodeAck(buf []byte) (*AckPacket, error) {
	var p AckPacket
	if err := decodeEnvelope(buf, PacketAck, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodeBatchAck encodes a BATCH_ACK packet, choosing range or bitmap
// encoding as already decided by the caller (internal/batchack owns that
// decision; the Framer just serializes whichever form is populated).
func (f *Framer) EncodeBatchAck(p *BatchAckPacket) ([]byte, error) {
	return encodeEnvelope(PacketBatchAck, p)
}

// DecodeBatchAck decodes a BATCH_ACK packet.
func (f *Framer) DecodeBatchAck(buf []byte) (*BatchAckPacket, error) {
	var p BatchAckPacket
	if err := decodeEnvelope(buf, PacketBatchAck, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodeMeta encodes a META packet. Field order in the JSON payload mirrors
// the positional contract of spec.md §4.A: transferId, metadata,
// firstChunk?, thumbnail?, timestamp.
func (f *Framer) EncodeMeta(p *MetaPacket) ([]byte, error) {
	return encodeEnvelope(PacketMeta, p)
}

// DecodeMeta decodes a META packet.
func (f *Framer) DecodeMeta(buf []byte) (*MetaPacket, error) {
	var p MetaPacket
	if err := decodeEnvelope(buf, PacketMeta, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodeReceiverComplete encodes a receiver-complete control packet.
func (f *Framer) EncodeReceiverComplete(p *ReceiverCompletePacket) ([]byte, error) {
	return encodeEnvelope(PacketReceiverComplete, p)
}

// DecodeReceiverComplete decodes a receiver-complete control packet.
func (f *Framer) DecodeReceiverComplete(buf []byte) (*ReceiverCompletePacket, error) {
	var p ReceiverCompletePacket
	if err := decodeEnvelope(buf, PacketReceiverComplete, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PeekType returns the packet type without fully decoding, so a dispatcher
// can route to the right Decode* call.
func (f *Framer) PeekType(buf []byte) (PacketType, error) {
	if len(buf) == 0 {
		return 0, ErrTruncated
	}
	switch PacketType(buf[0]) {
	case PacketData, PacketEnd:
		return PacketType(buf[0]), nil
	default:
	}
	var env wireEnvelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return 0, ErrUnknownType
	}
	switch env.Type {
	case PacketAck, PacketBatchAck, PacketMeta, PacketReceiverComplete:
		return env.Type, nil
	default:
		return 0, ErrUnknownType
	}
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncated
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}
