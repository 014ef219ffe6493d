package net

import (
	"fmt"
	"sync"

	"github.com/mosaicnetworks/mesh/src/peers"
)

// InmemNetwork connects InmemTransports by advertised address so engine
// behavior can be tested without sockets.
type InmemNetwork struct {
	mu     sync.Mutex
	byAddr map[string]*InmemTransport
}

// NewInmemNetwork returns an empty in-memory network.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		byAddr: make(map[string]*InmemTransport),
	}
}

// NewTransport registers a transport for local and returns it.
func (n *InmemNetwork) NewTransport(local Identity) *InmemTransport {
	t := &InmemTransport{
		network:    n,
		local:      local,
		conns:      make(map[peers.ID]*InmemTransport),
		drop:       make(map[peers.ID]bool),
		consumeCh:  make(chan Inbound, consumeQueueSize),
		shutdownCh: make(chan struct{}),
	}

	n.mu.Lock()
	n.byAddr[local.NetAddr.String()] = t
	n.mu.Unlock()

	return t
}

func (n *InmemNetwork) lookup(addr peers.Address) *InmemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.byAddr[addr.String()]
}

func (n *InmemNetwork) remove(addr peers.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.byAddr, addr.String())
}

// InmemTransport implements Transport over an InmemNetwork. Its
// DropOutbound knob silently discards writes to a peer, for driving
// retry and failure-detection paths in tests.
type InmemTransport struct {
	network *InmemNetwork
	local   Identity

	mu       sync.Mutex
	conns    map[peers.ID]*InmemTransport
	drop     map[peers.ID]bool
	shutdown bool

	consumeCh  chan Inbound
	shutdownCh chan struct{}
}

// Listen implements the Transport interface. Inbound delivery needs no
// accept loop in memory.
func (t *InmemTransport) Listen() {}

// Consumer implements the Transport interface.
func (t *InmemTransport) Consumer() <-chan Inbound {
	return t.consumeCh
}

// LocalAddr implements the Transport interface.
func (t *InmemTransport) LocalAddr() string {
	return t.local.NetAddr.String()
}

// AdvertiseAddr implements the Transport interface.
func (t *InmemTransport) AdvertiseAddr() peers.Address {
	return t.local.NetAddr
}

// Connect implements the Transport interface. Both endpoints see the
// connection, as with a real socket.
func (t *InmemTransport) Connect(addr peers.Address, expect peers.ID) (peers.ID, error) {
	remote := t.network.lookup(addr)
	if remote == nil {
		return 0, fmt.Errorf("connect %s: connection refused", addr)
	}

	remoteID := remote.local.ID
	if remoteID == t.local.ID {
		return 0, fmt.Errorf("%w: dialed self", ErrIdentityMismatch)
	}
	if expect != 0 && remoteID != expect {
		return remoteID, ErrIdentityMismatch
	}

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return 0, ErrTransportShutdown
	}
	t.conns[remoteID] = remote
	t.mu.Unlock()

	remote.mu.Lock()
	if !remote.shutdown {
		remote.conns[t.local.ID] = t
	}
	remote.mu.Unlock()

	return remoteID, nil
}

// DropOutbound makes writes to peer vanish without error when on is
// true.
func (t *InmemTransport) DropOutbound(peer peers.ID, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if on {
		t.drop[peer] = true
	} else {
		delete(t.drop, peer)
	}
}

// Send implements the Transport interface.
func (t *InmemTransport) Send(peer peers.ID, msg Message) error {
	t.mu.Lock()
	remote, ok := t.conns[peer]
	dropped := t.drop[peer]
	t.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}
	if dropped {
		// the bytes go nowhere, like a dead link that TCP has not
		// noticed yet
		return nil
	}

	select {
	case remote.consumeCh <- Inbound{Msg: msg, From: t.local.ID}:
		return nil
	case <-remote.shutdownCh:
		return ErrNotConnected
	}
}

// Broadcast implements the Transport interface.
func (t *InmemTransport) Broadcast(msg Message, exclude peers.ID) int {
	sent := 0
	for _, id := range t.ConnectedIDs() {
		if id == exclude {
			continue
		}
		if err := t.Send(id, msg); err == nil {
			sent++
		}
	}
	return sent
}

// Connected implements the Transport interface.
func (t *InmemTransport) Connected(peer peers.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.conns[peer]
	return ok
}

// ConnectedIDs implements the Transport interface.
func (t *InmemTransport) ConnectedIDs() []peers.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]peers.ID, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// PeerIdentity implements the Transport interface.
func (t *InmemTransport) PeerIdentity(peer peers.ID) (Identity, bool) {
	t.mu.Lock()
	remote, ok := t.conns[peer]
	t.mu.Unlock()

	if !ok {
		return Identity{}, false
	}
	return remote.local, true
}

// Disconnect implements the Transport interface.
func (t *InmemTransport) Disconnect(peer peers.ID) bool {
	t.mu.Lock()
	remote, ok := t.conns[peer]
	delete(t.conns, peer)
	t.mu.Unlock()

	if !ok {
		return false
	}

	remote.mu.Lock()
	delete(remote.conns, t.local.ID)
	remote.mu.Unlock()

	return true
}

// Close implements the Transport interface.
func (t *InmemTransport) Close() error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	conns := t.conns
	t.conns = make(map[peers.ID]*InmemTransport)
	t.mu.Unlock()

	close(t.shutdownCh)
	t.network.remove(t.local.NetAddr)

	for _, remote := range conns {
		remote.mu.Lock()
		delete(remote.conns, t.local.ID)
		remote.mu.Unlock()
	}

	return nil
}
