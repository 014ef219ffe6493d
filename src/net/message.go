package net

import (
	"time"

	"github.com/mosaicnetworks/mesh/src/peers"
)

// MessageType identifies the kind of payload a frame carries. The wire
// values are fixed.
type MessageType uint8

const (
	JoinRequest       MessageType = 1
	JoinResponse      MessageType = 2
	LeaveNotification MessageType = 3
	Heartbeat         MessageType = 4
	DataMessage       MessageType = 5
	TopologyUpdate    MessageType = 6
	PeerDiscovery     MessageType = 7
	RouteMessage      MessageType = 8
	MessageAck        MessageType = 9
	DataChunk         MessageType = 10
	TransferRequest   MessageType = 11
	TransferResponse  MessageType = 12
)

func (t MessageType) String() string {
	switch t {
	case JoinRequest:
		return "JOIN_REQUEST"
	case JoinResponse:
		return "JOIN_RESPONSE"
	case LeaveNotification:
		return "LEAVE_NOTIFICATION"
	case Heartbeat:
		return "HEARTBEAT"
	case DataMessage:
		return "DATA_MESSAGE"
	case TopologyUpdate:
		return "TOPOLOGY_UPDATE"
	case PeerDiscovery:
		return "PEER_DISCOVERY"
	case RouteMessage:
		return "ROUTE_MESSAGE"
	case MessageAck:
		return "MESSAGE_ACK"
	case DataChunk:
		return "DATA_CHUNK"
	case TransferRequest:
		return "TRANSFER_REQUEST"
	case TransferResponse:
		return "TRANSFER_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Broadcast is the receiver value addressing every node.
const Broadcast peers.ID = 0

// Message is one typed frame on the overlay. Timestamp is the sender's
// wall clock in milliseconds; it feeds replay windows and flood
// de-duplication keys, never ordering.
type Message struct {
	Type      MessageType
	Sender    peers.ID
	Receiver  peers.ID
	Timestamp uint64
	Payload   []byte
}

// NewMessage stamps a message with the current wall clock.
func NewMessage(t MessageType, sender, receiver peers.ID, payload []byte) Message {
	return Message{
		Type:      t,
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   payload,
	}
}

// Inbound is a decoded message handed to the dispatcher, together with
// the ID of the connection it arrived on. From differs from Msg.Sender
// when the message was forwarded by an intermediate node.
type Inbound struct {
	Msg  Message
	From peers.ID
}
