// Package discovery brings a node into an existing overlay: it dials
// bootstrap peers, fetches peer lists, and runs the registration
// handshake with its replay window and authorization hook.
package discovery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mosaicnetworks/mesh/src/membership"
	"github.com/mosaicnetworks/mesh/src/net"
	"github.com/mosaicnetworks/mesh/src/peers"
	"github.com/mosaicnetworks/mesh/src/topology"
	"github.com/sirupsen/logrus"
)

// Status tracks this node's registration with the overlay.
type Status int

const (
	StatusPending Status = iota
	StatusRegistered
	StatusRejected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRegistered:
		return "REGISTERED"
	case StatusRejected:
		return "REJECTED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Defaults for the periodic discovery loop and registration checks.
const (
	DefaultInterval     = 60 * time.Second
	DefaultStaleTimeout = 300 * time.Second

	// ReplayWindow bounds how old a join request's timestamp may be.
	ReplayWindow = 60 * time.Second

	// registrablePortMin is the lowest port accepted from a joiner;
	// privileged ports are not valid advertised addresses.
	registrablePortMin = 1024
)

// ErrNoBootstrap is returned when every bootstrap address was
// unreachable.
var ErrNoBootstrap = errors.New("no bootstrap node reachable")

// Transport is the slice of the transport discovery needs.
type Transport interface {
	Connect(addr peers.Address, expect peers.ID) (peers.ID, error)
	Send(peer peers.ID, msg net.Message) error
	ConnectedIDs() []peers.ID
}

// AuthorizeFunc is the optional admission hook consulted before a
// joiner is accepted.
type AuthorizeFunc func(id peers.ID, addr peers.Address) bool

// Callbacks deliver discovery and registration outcomes to the node
// layer. They run without any lock held and may be nil.
type Callbacks struct {
	OnPeerDiscovered       func(id peers.ID, addr peers.Address)
	OnDiscoveryFailed      func(addr peers.Address)
	OnRegistrationSuccess  func(id peers.ID, addr peers.Address)
	OnRegistrationRejected func(reason string)
}

// Discovery drives bootstrap entry, the periodic peer sweep, and the
// registration handshake for one node.
type Discovery struct {
	selfID   peers.ID
	selfAddr peers.Address
	maxPeers int

	trans     Transport
	topo      *topology.Topology
	manager   *membership.Manager
	authorize AuthorizeFunc
	callbacks Callbacks
	logger    *logrus.Entry

	mu           sync.Mutex
	status       Status
	discovered   map[peers.ID]peers.Address
	discoveredAt map[peers.ID]time.Time
}

// New returns a discovery driver. authorize may be nil, in which case
// every joiner passing validation is admitted.
func New(
	selfID peers.ID,
	selfAddr peers.Address,
	maxPeers int,
	trans Transport,
	topo *topology.Topology,
	manager *membership.Manager,
	authorize AuthorizeFunc,
	callbacks Callbacks,
	logger *logrus.Entry,
) *Discovery {
	return &Discovery{
		selfID:       selfID,
		selfAddr:     selfAddr,
		maxPeers:     maxPeers,
		trans:        trans,
		topo:         topo,
		manager:      manager,
		authorize:    authorize,
		callbacks:    callbacks,
		logger:       logger.WithField("prefix", "discovery"),
		status:       StatusPending,
		discovered:   make(map[peers.ID]peers.Address),
		discoveredAt: make(map[peers.ID]time.Time),
	}
}

// Status returns the local registration status.
func (d *Discovery) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.status
}

func (d *Discovery) setStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// Discover dials the bootstrap list in order; the first reachable
// address is asked for its peer list. Every unreachable bootstrap fires
// OnDiscoveryFailed.
func (d *Discovery) Discover(bootstrap []peers.Address) error {
	if len(bootstrap) == 0 {
		return ErrNoBootstrap
	}

	for _, addr := range bootstrap {
		id, err := d.trans.Connect(addr, 0)
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"bootstrap": addr,
				"error":     err,
			}).Warn("Bootstrap unreachable")

			if cb := d.callbacks.OnDiscoveryFailed; cb != nil {
				cb(addr)
			}
			continue
		}

		d.logger.WithField("bootstrap", addr).Info("Connected to bootstrap node")
		d.RequestPeerList(id)
		return nil
	}

	return ErrNoBootstrap
}

// RequestPeerList asks peer for up to maxPeers known nodes.
func (d *Discovery) RequestPeerList(peer peers.ID) {
	msg := net.NewMessage(net.PeerDiscovery, d.selfID, peer, net.EncodePeerDiscovery(int32(d.maxPeers)))
	if err := d.trans.Send(peer, msg); err != nil {
		d.logger.WithField("peer", peer).Debug("Peer list request undeliverable")
	}
}

// RegisterWith joins the overlay through the bootstrap node at addr.
func (d *Discovery) RegisterWith(addr peers.Address) error {
	id, err := d.trans.Connect(addr, 0)
	if err != nil {
		d.setStatus(StatusFailed)
		if cb := d.callbacks.OnRegistrationRejected; cb != nil {
			cb(fmt.Sprintf("connection to bootstrap node failed: %v", err))
		}
		return err
	}

	req := net.NewMessage(net.JoinRequest, d.selfID, id, nil)
	if err := d.trans.Send(id, req); err != nil {
		d.setStatus(StatusFailed)
		if cb := d.callbacks.OnRegistrationRejected; cb != nil {
			cb(fmt.Sprintf("join request undeliverable: %v", err))
		}
		return err
	}

	d.logger.WithField("bootstrap", addr).Info("Join request sent")
	return nil
}

// HandleJoinRequest runs the responder side of registration. The
// requester's identity comes from the connection handshake; its message
// timestamp feeds the replay window. The reply always goes back, with
// accepted set accordingly, and a rejected requester leaves no state
// behind.
func (d *Discovery) HandleJoinRequest(msg net.Message, requester net.Identity) net.Message {
	reject := func(reason string) net.Message {
		d.logger.WithFields(logrus.Fields{
			"node":   msg.Sender,
			"reason": reason,
		}).Warn("Join rejected")
		return net.NewMessage(net.JoinResponse, d.selfID, msg.Sender, net.EncodeJoinResponse(false, nil))
	}

	id, addr := requester.ID, requester.NetAddr

	switch {
	case id == 0 || msg.Sender == 0:
		return reject("zero node id")
	case id == d.selfID:
		return reject("self registration")
	case addr.Host == "":
		return reject("empty host")
	case addr.Port < registrablePortMin:
		return reject("port out of range")
	case d.topo.Contains(id):
		return reject("already registered")
	}

	age := time.Since(time.UnixMilli(int64(msg.Timestamp)))
	if age > ReplayWindow {
		return reject("request expired")
	}

	if d.authorize != nil && !d.authorize(id, addr) {
		return reject("not authorized")
	}

	if d.manager.PeerCount() >= d.maxPeers {
		return reject("peer slots full")
	}

	if err := d.manager.AddNode(id, addr); err != nil {
		return reject(err.Error())
	}

	d.logger.WithFields(logrus.Fields{
		"node": id,
		"addr": addr,
	}).Info("Join accepted")

	return net.NewMessage(net.JoinResponse, d.selfID, id, net.EncodeJoinResponse(true, d.peerList(id)))
}

// peerList collects up to maxPeers registered ids to suggest, excluding
// the requester and this node.
func (d *Discovery) peerList(requester peers.ID) []peers.ID {
	var out []peers.ID
	for _, id := range d.topo.IDs() {
		if id == requester || id == d.selfID {
			continue
		}
		out = append(out, id)
		if len(out) >= d.maxPeers {
			break
		}
	}
	return out
}

// HandlePeerDiscovery answers a PEER_DISCOVERY request with a
// JOIN_RESPONSE carrying up to the requested number of known ids.
func (d *Discovery) HandlePeerDiscovery(msg net.Message) net.Message {
	limit := d.maxPeers
	if n, err := net.DecodePeerDiscovery(msg.Payload); err == nil && int(n) < limit && n > 0 {
		limit = int(n)
	}

	list := d.peerList(msg.Sender)
	if len(list) > limit {
		list = list[:limit]
	}

	return net.NewMessage(net.JoinResponse, d.selfID, msg.Sender, net.EncodeJoinResponse(true, list))
}

// HandleJoinResponse consumes a JOIN_RESPONSE, both as the answer to
// our own registration and as a peer-discovery reply. Already-known ids
// are skipped without error. The responder is registered through the
// membership manager; suggested ids are only recorded as discovered,
// since the payload carries no addresses and the topology lookup below
// resolves only ids that are already registered (and so skipped).
func (d *Discovery) HandleJoinResponse(msg net.Message, responder net.Identity) {
	accepted, ids, err := net.DecodeJoinResponse(msg.Payload)
	if err != nil {
		d.logger.WithError(err).Debug("Malformed join response")
		return
	}

	if d.Status() == StatusPending {
		if accepted {
			d.setStatus(StatusRegistered)
			d.logger.Info("Registered with the overlay")
			if cb := d.callbacks.OnRegistrationSuccess; cb != nil {
				cb(d.selfID, d.selfAddr)
			}
		} else {
			d.setStatus(StatusRejected)
			if cb := d.callbacks.OnRegistrationRejected; cb != nil {
				cb("join rejected by responder")
			}
			return
		}
	}

	if !accepted {
		return
	}

	// the responder itself is a learned peer
	if responder.ID != 0 && responder.ID != d.selfID && !d.topo.Contains(responder.ID) {
		d.noteDiscovered(responder.ID, responder.NetAddr)
		if err := d.manager.AddNode(responder.ID, responder.NetAddr); err != nil {
			d.logger.WithError(err).Debug("Responder registration skipped")
		}
	}

	for _, id := range ids {
		if id == d.selfID || d.topo.Contains(id) {
			continue
		}

		// ids not in the topology have no address there, so suggested
		// ids stay discovered-only until their owner dials us
		addr, ok := d.topo.Address(id)
		d.noteDiscovered(id, addr)

		if ok {
			if err := d.manager.AddNode(id, addr); err != nil {
				d.logger.WithError(err).Debug("Suggested peer registration skipped")
			}
		}
	}
}

func (d *Discovery) noteDiscovered(id peers.ID, addr peers.Address) {
	d.mu.Lock()
	_, known := d.discovered[id]
	d.discovered[id] = addr
	d.discoveredAt[id] = time.Now()
	cb := d.callbacks.OnPeerDiscovered
	d.mu.Unlock()

	if !known && cb != nil {
		cb(id, addr)
	}
}

// Refresh runs one round of periodic discovery: the current peers are
// asked for their peer lists and stale discovered entries are pruned.
func (d *Discovery) Refresh(staleTimeout time.Duration) {
	for _, id := range d.trans.ConnectedIDs() {
		d.RequestPeerList(id)
	}

	d.PruneStale(staleTimeout)
}

// PruneStale drops discovered entries older than timeout.
func (d *Discovery) PruneStale(timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, at := range d.discoveredAt {
		if at.Before(cutoff) {
			delete(d.discovered, id)
			delete(d.discoveredAt, id)
		}
	}
}

// Discovered returns the ids currently in the discovered set.
func (d *Discovery) Discovered() []peers.ID {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]peers.ID, 0, len(d.discovered))
	for id := range d.discovered {
		out = append(out, id)
	}
	return out
}
