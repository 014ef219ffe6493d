package node

import "github.com/mosaicnetworks/mesh/src/peers"

// Event is one engine occurrence published on the node's subscription
// stream. Consumers type-switch on the concrete variants below.
type Event interface {
	event()
}

// NodeAdded reports a node registered with the overlay.
type NodeAdded struct {
	ID   peers.ID
	Addr peers.Address
}

// NodeRemoved reports a graceful departure.
type NodeRemoved struct {
	ID peers.ID
}

// NodeFailed reports a forced eviction after failure detection.
type NodeFailed struct {
	ID peers.ID
}

// NetworkRepaired reports that topology repair restored connectivity.
type NetworkRepaired struct{}

// DataReceived carries a reassembled transfer or an application
// message.
type DataReceived struct {
	Source   peers.ID
	Data     []byte
	DataType string
}

// TransferComplete reports the terminal outcome of an outgoing
// transfer.
type TransferComplete struct {
	TransferID uint64
	Success    bool
}

// TransferProgress reports chunk-level progress in either direction.
type TransferProgress struct {
	TransferID  uint64
	Transferred int
	Total       int
}

// MessageDelivered reports an acknowledged reliable message.
type MessageDelivered struct {
	MessageID uint64
	Peer      peers.ID
}

// MessageFailed reports a reliable message that exhausted its retry
// budget.
type MessageFailed struct {
	MessageID uint64
	Peer      peers.ID
}

// PeerDiscovered reports a node learned through discovery.
type PeerDiscovered struct {
	ID   peers.ID
	Addr peers.Address
}

// DiscoveryFailed reports an unreachable bootstrap address.
type DiscoveryFailed struct {
	Addr peers.Address
}

// RegistrationSucceeded reports that this node joined the overlay.
type RegistrationSucceeded struct {
	ID   peers.ID
	Addr peers.Address
}

// RegistrationFailed reports a rejected or failed join.
type RegistrationFailed struct {
	Reason string
}

func (NodeAdded) event()             {}
func (NodeRemoved) event()           {}
func (NodeFailed) event()            {}
func (NetworkRepaired) event()       {}
func (DataReceived) event()          {}
func (TransferComplete) event()      {}
func (TransferProgress) event()      {}
func (MessageDelivered) event()      {}
func (MessageFailed) event()         {}
func (PeerDiscovered) event()        {}
func (DiscoveryFailed) event()       {}
func (RegistrationSucceeded) event() {}
func (RegistrationFailed) event()    {}
