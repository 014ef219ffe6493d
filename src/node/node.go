package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/mosaicnetworks/mesh/src/common"
	"github.com/mosaicnetworks/mesh/src/config"
	"github.com/mosaicnetworks/mesh/src/discovery"
	"github.com/mosaicnetworks/mesh/src/membership"
	"github.com/mosaicnetworks/mesh/src/net"
	"github.com/mosaicnetworks/mesh/src/peers"
	"github.com/mosaicnetworks/mesh/src/reliable"
	"github.com/mosaicnetworks/mesh/src/routing"
	"github.com/mosaicnetworks/mesh/src/topology"
	"github.com/mosaicnetworks/mesh/src/transfer"
	"github.com/sirupsen/logrus"
)

// eventQueueSize buffers each subscriber; a consumer that stops
// draining loses events rather than stalling the engine.
const eventQueueSize = 128

// DataTypeMessage labels plain application messages on the event
// stream, as opposed to chunked transfers.
const DataTypeMessage = "message"

// Node is one overlay participant. It owns its sub-components (held by
// pointer) and is the only place their callbacks converge; everything the
// application observes flows out through the event stream.
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	id   peers.ID
	addr peers.Address

	trans net.Transport
	netCh <-chan net.Inbound

	topo     *topology.Topology
	peerSet  *peers.Peers
	manager  *membership.Manager
	router   *routing.Router
	rel      *reliable.Reliable
	exchange *transfer.Exchange
	disc     *discovery.Discovery

	subsMu sync.Mutex
	subs   []chan Event

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewNode assembles a node around an already-bound transport. authorize
// may be nil to admit every valid joiner.
func NewNode(
	conf *config.Config,
	id peers.ID,
	trans net.Transport,
	ids common.IDSource,
	authorize discovery.AuthorizeFunc,
) *Node {
	logger := conf.Logger().WithField("this_id", id)

	n := &Node{
		conf:       conf,
		logger:     logger,
		id:         id,
		addr:       trans.AdvertiseAddr(),
		trans:      trans,
		netCh:      trans.Consumer(),
		topo:       topology.New(),
		peerSet:    peers.NewPeers(),
		shutdownCh: make(chan struct{}),
	}

	n.router = routing.New(id, trans, n.topo, logger)

	n.manager = membership.NewManager(id, conf.MaxPeers, n.topo, n.peerSet, trans, membership.Callbacks{
		OnAdded: func(id peers.ID, addr peers.Address) {
			n.router.InvalidateCache()
			n.emit(NodeAdded{ID: id, Addr: addr})
		},
		OnRemoved: func(id peers.ID) {
			n.router.InvalidateCache()
			n.emit(NodeRemoved{ID: id})
		},
		OnFailed: func(id peers.ID) {
			n.router.InvalidateCache()
			n.emit(NodeFailed{ID: id})
		},
		OnRepaired: func() {
			n.emit(NetworkRepaired{})
		},
	}, logger)

	n.rel = reliable.New(trans, ids, logger,
		func(id uint64, peer peers.ID) {
			n.emit(MessageDelivered{MessageID: id, Peer: peer})
		},
		func(id uint64, peer peers.ID) {
			n.emit(MessageFailed{MessageID: id, Peer: peer})
		})

	n.exchange = transfer.New(id, n.router, ids, conf.ChunkSize, logger,
		func(source peers.ID, data []byte, dataType string) {
			n.emit(DataReceived{Source: source, Data: data, DataType: dataType})
		},
		func(id uint64, transferred, total int) {
			n.emit(TransferProgress{TransferID: id, Transferred: transferred, Total: total})
		},
		func(id uint64, success bool) {
			n.emit(TransferComplete{TransferID: id, Success: success})
		})

	n.disc = discovery.New(id, n.addr, conf.MaxPeers, trans, n.topo, n.manager, authorize, discovery.Callbacks{
		OnPeerDiscovered: func(id peers.ID, addr peers.Address) {
			n.emit(PeerDiscovered{ID: id, Addr: addr})
		},
		OnDiscoveryFailed: func(addr peers.Address) {
			n.emit(DiscoveryFailed{Addr: addr})
		},
		OnRegistrationSuccess: func(id peers.ID, addr peers.Address) {
			n.emit(RegistrationSucceeded{ID: id, Addr: addr})
		},
		OnRegistrationRejected: func(reason string) {
			n.emit(RegistrationFailed{Reason: reason})
		},
	}, logger)

	// the local node is part of its own topology
	n.topo.AddNode(id, n.addr)

	return n
}

// Init starts the transport listener and, when bootstrap addresses are
// configured, registers with the first reachable one.
func (n *Node) Init() error {
	n.trans.Listen()

	if len(n.conf.Bootstrap) == 0 {
		n.logger.Info("No bootstrap addresses, starting a fresh overlay")
		return nil
	}

	var lastErr error
	for _, s := range n.conf.Bootstrap {
		addr, err := peers.ParseAddress(s)
		if err != nil {
			return fmt.Errorf("bootstrap address: %w", err)
		}

		if lastErr = n.disc.RegisterWith(addr); lastErr == nil {
			return nil
		}
		n.emit(DiscoveryFailed{Addr: addr})
	}

	return fmt.Errorf("no bootstrap node reachable: %w", lastErr)
}

// RunAsync calls Run on a separate goroutine.
func (n *Node) RunAsync() {
	go n.Run()
}

// Run enters the dispatcher loop and starts every periodic activity.
// It returns when Shutdown is called.
func (n *Node) Run() {
	n.setState(Active)
	n.logger.WithField("addr", n.addr).Info("Node running")

	n.every(n.conf.HeartbeatInterval, n.heartbeat)
	n.every(n.conf.DetectionPeriod, n.maintain)
	n.every(n.conf.RoutingRefresh, n.router.UpdateRoutingTable)
	n.every(n.conf.RetryTimeout, n.retrySweep)
	n.every(config.DefaultAckTTL, func() { n.rel.Cleanup(config.DefaultAckTTL) })
	n.every(config.DefaultSeenTTL, func() { n.router.CleanupSeen(config.DefaultSeenTTL) })
	n.every(config.DefaultTransferTTL, func() { n.exchange.Cleanup(config.DefaultTransferTTL) })
	n.every(n.conf.DiscoveryInterval, func() { n.disc.Refresh(config.DefaultStaleTimeout) })

	for {
		select {
		case in := <-n.netCh:
			n.dispatch(in)
		case <-n.shutdownCh:
			return
		}
	}
}

// every runs f on a fixed period until shutdown. Every periodic
// activity is an explicit task with a cancellation point.
func (n *Node) every(d time.Duration, f func()) {
	if d <= 0 {
		return
	}

	n.goFunc(func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				f()
			case <-n.shutdownCh:
				return
			}
		}
	})
}

func (n *Node) heartbeat() {
	for _, id := range n.peerSet.ToIDSlice() {
		msg := net.NewMessage(net.Heartbeat, n.id, id, nil)
		n.rel.Send(id, msg)
	}
}

func (n *Node) maintain() {
	n.manager.MaintainIntegrity(n.conf.NodeTimeout)
}

func (n *Node) retrySweep() {
	n.rel.RetrySweep(n.conf.RetryTimeout, n.conf.MaxRetries)
}

// dispatch hands one inbound message to its terminal handler, or
// forwards it when this node is a transit hop.
func (n *Node) dispatch(in net.Inbound) {
	msg := in.Msg

	switch msg.Type {
	case net.JoinRequest:
		identity, ok := n.trans.PeerIdentity(in.From)
		if !ok {
			identity = net.Identity{ID: msg.Sender}
		}
		resp := n.disc.HandleJoinRequest(msg, identity)
		if err := n.trans.Send(in.From, resp); err != nil {
			n.logger.WithError(err).Debug("Join response undeliverable")
		}

	case net.JoinResponse:
		identity, ok := n.trans.PeerIdentity(in.From)
		if !ok {
			identity = net.Identity{ID: msg.Sender}
		}
		n.disc.HandleJoinResponse(msg, identity)

	case net.LeaveNotification:
		n.manager.HandleRemoteLeave(msg.Sender)

	case net.Heartbeat:
		n.manager.Touch(msg.Sender)
		n.ack(in.From, msg)

	case net.DataMessage:
		if n.terminal(msg) {
			n.ack(in.From, msg)
			n.emit(DataReceived{Source: msg.Sender, Data: msg.Payload, DataType: DataTypeMessage})
		} else {
			n.forward(msg)
		}

	case net.TopologyUpdate:
		n.handleTopologyUpdate(msg)

	case net.PeerDiscovery:
		resp := n.disc.HandlePeerDiscovery(msg)
		if err := n.trans.Send(in.From, resp); err != nil {
			n.logger.WithError(err).Debug("Peer list undeliverable")
		}

	case net.RouteMessage:
		inner, deliver, err := n.router.HandleEnvelope(msg.Payload, in.From)
		if err != nil {
			n.logger.WithError(err).Debug("Malformed flood envelope")
			return
		}
		if deliver {
			n.dispatch(net.Inbound{Msg: inner, From: in.From})
		}

	case net.MessageAck:
		if !n.terminal(msg) {
			n.forward(msg)
			return
		}
		key, err := net.DecodeAck(msg.Payload)
		if err != nil {
			return
		}
		n.rel.HandleAck(key, msg.Sender)

	case net.DataChunk:
		if !n.terminal(msg) {
			n.forward(msg)
			return
		}
		chunk, err := net.DecodeChunk(msg.Payload)
		if err != nil {
			n.logger.WithError(err).Debug("Malformed data chunk")
			return
		}
		n.exchange.HandleChunk(chunk, msg.Sender)

	case net.TransferRequest:
		if !n.terminal(msg) {
			n.forward(msg)
			return
		}
		if resp, ok := n.exchange.HandleRequest(msg.Payload, msg.Sender); ok {
			if err := n.router.Route(resp, routing.ShortestPath); err != nil {
				n.logger.WithError(err).Debug("Transfer answer undeliverable")
			}
		}

	case net.TransferResponse:
		if !n.terminal(msg) {
			n.forward(msg)
			return
		}
		n.exchange.HandleResponse(msg.Payload, msg.Sender)

	default:
		n.logger.WithField("type", msg.Type).Warn("Unknown message type")
	}
}

// terminal reports whether this node is the final handler for msg.
func (n *Node) terminal(msg net.Message) bool {
	return msg.Receiver == n.id || msg.Receiver == net.Broadcast
}

func (n *Node) forward(msg net.Message) {
	if err := n.router.Forward(msg); err != nil {
		n.logger.WithFields(logrus.Fields{
			"receiver": msg.Receiver,
			"type":     msg.Type,
		}).Debug("Transit message dropped, no route")
	}
}

// ack answers a reliable-capable message with its correlation key.
func (n *Node) ack(via peers.ID, msg net.Message) {
	if msg.Receiver != n.id {
		return
	}

	ack := net.NewMessage(net.MessageAck, n.id, msg.Sender, net.EncodeAck(net.WireKey(msg)))
	if err := n.trans.Send(via, ack); err != nil {
		n.logger.WithField("peer", via).Debug("Ack undeliverable")
	}
}

// handleTopologyUpdate drops departed ids from the local view and
// re-validates the graph.
func (n *Node) handleTopologyUpdate(msg net.Message) {
	ids, err := net.DecodeNodeList(msg.Payload)
	if err != nil {
		return
	}

	for _, id := range ids {
		if id == n.id {
			continue
		}
		if !n.topo.Contains(id) {
			n.peerSet.RemovePeer(id)
			n.trans.Disconnect(id)
		}
	}

	n.topo.Validate()
	if !n.topo.IsConnected() {
		n.topo.Repair()
	}
}

/* Event stream */

// Subscribe returns a buffered channel of engine events. A subscriber
// that stops draining misses events; the engine never blocks on it.
func (n *Node) Subscribe() <-chan Event {
	ch := make(chan Event, eventQueueSize)

	n.subsMu.Lock()
	n.subs = append(n.subs, ch)
	n.subsMu.Unlock()

	return ch
}

func (n *Node) emit(e Event) {
	n.subsMu.Lock()
	subs := n.subs
	n.subsMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

/* Application surface */

// ID returns the local node id.
func (n *Node) ID() peers.ID {
	return n.id
}

// Addr returns the advertised address.
func (n *Node) Addr() peers.Address {
	return n.addr
}

// GetState returns the lifecycle state.
func (n *Node) GetState() State {
	return n.getState()
}

// Peers returns the current peer links.
func (n *Node) Peers() []*peers.Peer {
	return n.peerSet.ToPeerSlice()
}

// PeerCount returns the number of direct peer links.
func (n *Node) PeerCount() int {
	return n.peerSet.Len()
}

// HasPeer reports whether id is a direct peer.
func (n *Node) HasPeer(id peers.ID) bool {
	return n.peerSet.Contains(id)
}

// Membership exposes the registry for read-only consumers.
func (n *Node) Membership() *membership.Manager {
	return n.manager
}

// Topology exposes the graph for read-only consumers.
func (n *Node) Topology() *topology.Topology {
	return n.topo
}

// Router exposes routing queries and statistics.
func (n *Node) Router() *routing.Router {
	return n.router
}

// Reliable exposes reliable-messaging statistics.
func (n *Node) Reliable() *reliable.Reliable {
	return n.rel
}

// Exchange exposes transfer queries and statistics.
func (n *Node) Exchange() *transfer.Exchange {
	return n.exchange
}

// RegistrationStatus returns this node's join status.
func (n *Node) RegistrationStatus() discovery.Status {
	return n.disc.Status()
}

// AddNode registers a remote node with the membership manager.
func (n *Node) AddNode(id peers.ID, addr peers.Address) error {
	return n.manager.AddNode(id, addr)
}

// RemoveNode removes a node, gracefully or by force.
func (n *Node) RemoveNode(id peers.ID, graceful bool) bool {
	if graceful {
		return n.manager.RemoveGraceful(id)
	}
	return n.manager.RemoveForced(id)
}

// SendMessage delivers payload to target as a reliable DATA_MESSAGE and
// returns the tracking handle.
func (n *Node) SendMessage(target peers.ID, payload []byte) uint64 {
	msg := net.NewMessage(net.DataMessage, n.id, target, payload)
	return n.rel.Send(target, msg)
}

// RouteMessage delivers payload to target with an explicit routing
// strategy, without reliability tracking.
func (n *Node) RouteMessage(target peers.ID, payload []byte, strategy routing.Strategy) error {
	msg := net.NewMessage(net.DataMessage, n.id, target, payload)
	return n.router.Route(msg, strategy)
}

// BroadcastMessage floods payload to every reachable node.
func (n *Node) BroadcastMessage(payload []byte) error {
	msg := net.NewMessage(net.DataMessage, n.id, net.Broadcast, payload)
	return n.router.Route(msg, routing.Flood)
}

// SendData transfers data to target in chunks; the returned transfer id
// is 0 when the transfer failed outright.
func (n *Node) SendData(target peers.ID, data []byte, dataType string) uint64 {
	return n.exchange.Send(target, data, dataType)
}

// CancelTransfer stops the remaining chunk sends of an outgoing
// transfer.
func (n *Node) CancelTransfer(id uint64) bool {
	return n.exchange.Cancel(id)
}

// Leave departs gracefully: peers are notified before connections drop.
func (n *Node) Leave() {
	if n.getState() != Active {
		n.Shutdown()
		return
	}

	n.setState(Leaving)
	n.logger.Info("Leaving the overlay")

	leave := net.NewMessage(net.LeaveNotification, n.id, net.Broadcast, nil)
	n.trans.Broadcast(leave, 0)

	n.Shutdown()
}

// Shutdown cancels every timer, stops the dispatcher, and closes all
// connections. In-flight sends fail with NotConnected.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Info("Shutdown")
		n.setState(Shutdown)
		close(n.shutdownCh)
		n.trans.Close()
	})

	n.waitRoutines()
}
