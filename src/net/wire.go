package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mosaicnetworks/mesh/src/peers"
)

// Frame layout, little-endian:
//
//	offset size field
//	  0     1   type
//	  1     3   padding (zero)
//	  4     8   sender id
//	 12     8   receiver id
//	 20     8   timestamp (ms)
//	 28     4   payload length
//	 32     N   payload
const headerSize = 32

// DefaultMaxPayload bounds the payload length accepted by the decoder.
// It has to accommodate a full data chunk plus its framing.
const DefaultMaxPayload = 1 << 20

var (
	// ErrPayloadTooLarge is returned when a header announces a payload
	// beyond the configured maximum. The connection is closed.
	ErrPayloadTooLarge = errors.New("payload length exceeds maximum")

	// ErrShortPayload is returned when a payload does not contain the
	// fields its message type requires.
	ErrShortPayload = errors.New("payload too short")
)

// MarshalMessage encodes msg as one frame.
func MarshalMessage(msg Message) []byte {
	buf := make([]byte, headerSize+len(msg.Payload))
	buf[0] = byte(msg.Type)
	binary.LittleEndian.PutUint64(buf[4:], uint64(msg.Sender))
	binary.LittleEndian.PutUint64(buf[12:], uint64(msg.Receiver))
	binary.LittleEndian.PutUint64(buf[20:], msg.Timestamp)
	binary.LittleEndian.PutUint32(buf[28:], uint32(len(msg.Payload)))
	copy(buf[headerSize:], msg.Payload)
	return buf
}

// ReadMessage decodes one frame from r, rejecting payloads larger than
// maxPayload.
func ReadMessage(r io.Reader, maxPayload uint32) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}

	length := binary.LittleEndian.Uint32(header[28:])
	if length > maxPayload {
		return Message{}, ErrPayloadTooLarge
	}

	msg := Message{
		Type:      MessageType(header[0]),
		Sender:    peers.ID(binary.LittleEndian.Uint64(header[4:])),
		Receiver:  peers.ID(binary.LittleEndian.Uint64(header[12:])),
		Timestamp: binary.LittleEndian.Uint64(header[20:]),
	}

	if length > 0 {
		msg.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return Message{}, err
		}
	}

	return msg, nil
}

// UnmarshalMessage decodes a frame from a byte slice. Used for flood
// envelopes which nest a full frame in their payload.
func UnmarshalMessage(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, ErrShortPayload
	}

	length := binary.LittleEndian.Uint32(data[28:])
	if int(length) != len(data)-headerSize {
		return Message{}, fmt.Errorf("frame length mismatch: header %d, actual %d", length, len(data)-headerSize)
	}

	msg := Message{
		Type:      MessageType(data[0]),
		Sender:    peers.ID(binary.LittleEndian.Uint64(data[4:])),
		Receiver:  peers.ID(binary.LittleEndian.Uint64(data[12:])),
		Timestamp: binary.LittleEndian.Uint64(data[20:]),
	}
	if length > 0 {
		msg.Payload = make([]byte, length)
		copy(msg.Payload, data[headerSize:])
	}
	return msg, nil
}

/* Payload codecs */

// EncodeNodeList encodes count + IDs.
func EncodeNodeList(ids []peers.ID) []byte {
	buf := make([]byte, 4+8*len(ids))
	binary.LittleEndian.PutUint32(buf, uint32(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[4+8*i:], uint64(id))
	}
	return buf
}

// DecodeNodeList decodes count + IDs.
func DecodeNodeList(data []byte) ([]peers.ID, error) {
	if len(data) < 4 {
		return nil, ErrShortPayload
	}
	count := binary.LittleEndian.Uint32(data)
	if len(data) < int(4+8*count) {
		return nil, ErrShortPayload
	}
	ids := make([]peers.ID, count)
	for i := range ids {
		ids[i] = peers.ID(binary.LittleEndian.Uint64(data[4+8*i:]))
	}
	return ids, nil
}

// EncodeJoinResponse encodes the accepted flag followed by a node list.
func EncodeJoinResponse(accepted bool, ids []peers.ID) []byte {
	flag := byte(0)
	if accepted {
		flag = 1
	}
	return append([]byte{flag}, EncodeNodeList(ids)...)
}

// DecodeJoinResponse decodes the accepted flag and node list.
func DecodeJoinResponse(data []byte) (bool, []peers.ID, error) {
	if len(data) < 1 {
		return false, nil, ErrShortPayload
	}
	ids, err := DecodeNodeList(data[1:])
	if err != nil {
		return false, nil, err
	}
	return data[0] == 1, ids, nil
}

// EncodePeerDiscovery encodes the max-peers request.
func EncodePeerDiscovery(maxPeers int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(maxPeers))
	return buf
}

// DecodePeerDiscovery decodes the max-peers request.
func DecodePeerDiscovery(data []byte) (int32, error) {
	if len(data) < 4 {
		return 0, ErrShortPayload
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// EncodeAck encodes a MESSAGE_ACK payload.
func EncodeAck(id uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)
	return buf
}

// DecodeAck decodes a MESSAGE_ACK payload.
func DecodeAck(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, ErrShortPayload
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Chunk is the wire form of one fragment of a data transfer. ChunkID is
// the transfer ID; sequence numbers are dense from 0 to TotalChunks-1.
type Chunk struct {
	ChunkID     uint64
	Sequence    uint32
	TotalChunks uint32
	IsLast      bool
	Data        []byte
}

// EncodeChunk encodes a DATA_CHUNK payload.
func EncodeChunk(c Chunk) []byte {
	buf := make([]byte, 21+len(c.Data))
	binary.LittleEndian.PutUint64(buf, c.ChunkID)
	binary.LittleEndian.PutUint32(buf[8:], c.Sequence)
	binary.LittleEndian.PutUint32(buf[12:], c.TotalChunks)
	if c.IsLast {
		buf[16] = 1
	}
	binary.LittleEndian.PutUint32(buf[17:], uint32(len(c.Data)))
	copy(buf[21:], c.Data)
	return buf
}

// DecodeChunk decodes a DATA_CHUNK payload.
func DecodeChunk(data []byte) (Chunk, error) {
	if len(data) < 21 {
		return Chunk{}, ErrShortPayload
	}
	c := Chunk{
		ChunkID:     binary.LittleEndian.Uint64(data),
		Sequence:    binary.LittleEndian.Uint32(data[8:]),
		TotalChunks: binary.LittleEndian.Uint32(data[12:]),
		IsLast:      data[16] == 1,
	}
	length := binary.LittleEndian.Uint32(data[17:])
	if len(data) < int(21+length) {
		return Chunk{}, ErrShortPayload
	}
	c.Data = make([]byte, length)
	copy(c.Data, data[21:21+length])
	return c, nil
}

// EncodeRouteEnvelope wraps a marshalled message for flooding. Hops is
// the remaining TTL; forwarders decrement it and drop at zero.
func EncodeRouteEnvelope(hops uint8, inner Message) []byte {
	return append([]byte{hops}, MarshalMessage(inner)...)
}

// DecodeRouteEnvelope unwraps a flood envelope.
func DecodeRouteEnvelope(data []byte) (uint8, Message, error) {
	if len(data) < 1 {
		return 0, Message{}, ErrShortPayload
	}
	inner, err := UnmarshalMessage(data[1:])
	if err != nil {
		return 0, Message{}, err
	}
	return data[0], inner, nil
}

// WireKey derives the 64-bit key used both for flood de-duplication and
// for acknowledgement correlation: sender XOR receiver XOR timestamp.
// Retransmissions reuse the original timestamp, so the key is stable
// across attempts.
func WireKey(msg Message) uint64 {
	return uint64(msg.Sender) ^ uint64(msg.Receiver) ^ msg.Timestamp
}
