package net

import (
	"errors"

	"github.com/mosaicnetworks/mesh/src/peers"
)

var (
	// ErrTransportShutdown is returned when operations on a transport
	// are invoked after it has been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrNotConnected is returned when the target peer is absent from
	// the connection table.
	ErrNotConnected = errors.New("peer not connected")

	// ErrAlreadyConnected is returned when registering a connection to a
	// peer that already has a live one. Connect reports that case as
	// success rather than returning this error.
	ErrAlreadyConnected = errors.New("peer already connected")
)

// Transport moves frames between this node and its directly-connected
// peers. Connections are keyed by peer ID; identity is established by
// the handshake preamble before a connection is usable.
type Transport interface {
	// Listen starts accepting inbound connections.
	Listen()

	// Consumer returns the channel on which decoded inbound messages
	// are delivered to the dispatcher.
	Consumer() <-chan Inbound

	// LocalAddr returns the bound listen address.
	LocalAddr() string

	// AdvertiseAddr returns the address other peers should dial.
	AdvertiseAddr() peers.Address

	// Connect dials addr, runs the identity handshake, and registers
	// the connection under the remote's ID, which it returns. When
	// expect is non-zero a remote identifying differently is rejected
	// with ErrIdentityMismatch.
	Connect(addr peers.Address, expect peers.ID) (peers.ID, error)

	// Disconnect closes the connection to peer, if any, and reports
	// whether one existed. It is idempotent.
	Disconnect(peer peers.ID) bool

	// Send transmits one frame to a connected peer. It returns
	// ErrNotConnected when the peer is absent; a connection whose
	// socket has failed is torn down and subsequent sends report
	// ErrNotConnected.
	Send(peer peers.ID, msg Message) error

	// Broadcast fans msg out to every connected peer except exclude.
	// It reports the number of successful sends; partial failure does
	// not abort the fan-out.
	Broadcast(msg Message, exclude peers.ID) int

	// Connected reports whether a live connection to peer exists.
	Connected(peer peers.ID) bool

	// PeerIdentity returns the handshake identity of a connected peer.
	PeerIdentity(peer peers.ID) (Identity, bool)

	// ConnectedIDs returns the IDs of all live connections.
	ConnectedIDs() []peers.ID

	// Close permanently shuts the transport down, closing every
	// connection and stopping the listener.
	Close() error
}
