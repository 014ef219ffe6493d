package net

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/mosaicnetworks/mesh/src/peers"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := Message{
		Type:      DataMessage,
		Sender:    0x1122334455667788,
		Receiver:  0x99aabbccddeeff00,
		Timestamp: 1234567890123,
		Payload:   []byte("the quick brown fox"),
	}

	buf := MarshalMessage(msg)

	if len(buf) != headerSize+len(msg.Payload) {
		t.Fatalf("frame length => %d", len(buf))
	}
	if buf[0] != byte(DataMessage) || buf[1] != 0 || buf[2] != 0 || buf[3] != 0 {
		t.Fatalf("bad type/padding bytes: %v", buf[:4])
	}

	got, err := ReadMessage(bytes.NewReader(buf), DefaultMaxPayload)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("round trip => %+v, want %+v", got, msg)
	}

	got, err = UnmarshalMessage(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("UnmarshalMessage => %+v, want %+v", got, msg)
	}
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	msg := Message{Type: DataMessage, Sender: 1, Receiver: 2, Payload: make([]byte, 100)}
	buf := MarshalMessage(msg)

	if _, err := ReadMessage(bytes.NewReader(buf), 64); err != ErrPayloadTooLarge {
		t.Fatalf("err => %v, want ErrPayloadTooLarge", err)
	}
}

func TestNodeListCodec(t *testing.T) {
	ids := []peers.ID{1, 42, 0xdeadbeef}

	out, err := DecodeNodeList(EncodeNodeList(ids))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, ids) {
		t.Fatalf("DecodeNodeList => %v", out)
	}

	out, err = DecodeNodeList(EncodeNodeList(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("empty list => %v", out)
	}

	if _, err := DecodeNodeList([]byte{1, 0, 0, 0}); err == nil {
		t.Fatal("truncated list should fail")
	}
}

func TestJoinResponseCodec(t *testing.T) {
	accepted, ids, err := DecodeJoinResponse(EncodeJoinResponse(true, []peers.ID{7, 9}))
	if err != nil {
		t.Fatal(err)
	}
	if !accepted || !reflect.DeepEqual(ids, []peers.ID{7, 9}) {
		t.Fatalf("decode => %v %v", accepted, ids)
	}

	accepted, ids, err = DecodeJoinResponse(EncodeJoinResponse(false, nil))
	if err != nil {
		t.Fatal(err)
	}
	if accepted || len(ids) != 0 {
		t.Fatalf("rejected decode => %v %v", accepted, ids)
	}
}

func TestChunkCodec(t *testing.T) {
	c := Chunk{
		ChunkID:     99,
		Sequence:    3,
		TotalChunks: 10,
		IsLast:      false,
		Data:        []byte{1, 2, 3, 4, 5},
	}

	out, err := DecodeChunk(EncodeChunk(c))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, c) {
		t.Fatalf("chunk => %+v", out)
	}

	if _, err := DecodeChunk([]byte{1, 2, 3}); err == nil {
		t.Fatal("short chunk should fail")
	}
}

func TestRouteEnvelope(t *testing.T) {
	inner := NewMessage(DataMessage, 5, Broadcast, []byte("flood"))

	hops, out, err := DecodeRouteEnvelope(EncodeRouteEnvelope(4, inner))
	if err != nil {
		t.Fatal(err)
	}
	if hops != 4 {
		t.Fatalf("hops => %d", hops)
	}
	if !reflect.DeepEqual(out, inner) {
		t.Fatalf("inner => %+v", out)
	}
}

func TestWireKeyStable(t *testing.T) {
	msg := NewMessage(Heartbeat, 10, 20, nil)
	if WireKey(msg) != WireKey(msg) {
		t.Fatal("key must be deterministic")
	}
	if WireKey(msg) != uint64(10)^uint64(20)^msg.Timestamp {
		t.Fatal("key derivation changed")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	id := Identity{ID: 77, NetAddr: peers.NewAddress("10.1.2.3", 8888)}

	var buf bytes.Buffer
	if err := writeHello(&buf, id); err != nil {
		t.Fatal(err)
	}

	got, err := readHello(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, id) {
		t.Fatalf("hello => %+v", got)
	}
}

func TestHelloRejectsZeroID(t *testing.T) {
	var buf bytes.Buffer
	if err := writeHello(&buf, Identity{ID: 0, NetAddr: peers.NewAddress("h", 1025)}); err != nil {
		t.Fatal(err)
	}
	if _, err := readHello(&buf); err == nil {
		t.Fatal("zero id should be rejected")
	}
}
