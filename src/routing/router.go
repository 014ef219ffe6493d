// Package routing selects how a message reaches its receiver: over a
// direct link, along the BFS shortest path with per-hop lookup, or by a
// TTL-bounded flood with de-duplication.
package routing

import (
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mosaicnetworks/mesh/src/net"
	"github.com/mosaicnetworks/mesh/src/peers"
	"github.com/mosaicnetworks/mesh/src/topology"
	"github.com/sirupsen/logrus"
)

// Strategy selects the delivery mechanism for one send.
type Strategy int

const (
	// Direct sends over an existing link, falling back to ShortestPath.
	Direct Strategy = iota
	// ShortestPath forwards along the BFS path, one hop at a time.
	ShortestPath
	// Flood forwards to every neighbor except the sender, bounded by a
	// hop TTL and the seen-message table.
	Flood
)

// ErrRouteNotFound is returned when the topology has no path to the
// receiver.
var ErrRouteNotFound = errors.New("no route to node")

// DefaultMaxHops bounds flood propagation.
const DefaultMaxHops = 8

// SeenTTL is how long flood de-duplication keys are remembered.
const SeenTTL = 300 * time.Second

// Sender is the slice of the transport the router needs.
type Sender interface {
	Send(peer peers.ID, msg net.Message) error
	Broadcast(msg net.Message, exclude peers.ID) int
	Connected(peer peers.ID) bool
}

type routeEntry struct {
	nextHop  peers.ID
	hopCount int
	builtAt  time.Time
}

// Stats are the router's delivery counters.
type Stats struct {
	Routed    uint64
	Forwarded uint64
	TotalHops uint64
}

// AverageHopCount is TotalHops divided by Routed. Only shortest-path
// sends add hops; direct sends and floods count as routed with zero hops.
func (s Stats) AverageHopCount() float64 {
	if s.Routed == 0 {
		return 0
	}
	return float64(s.TotalHops) / float64(s.Routed)
}

// Router plans and executes message delivery for one node.
type Router struct {
	selfID peers.ID
	trans  Sender
	topo   *topology.Topology
	logger *logrus.Entry

	tableMu sync.RWMutex
	table   map[peers.ID]routeEntry

	seenMu    sync.Mutex
	seen      mapset.Set[uint64]
	seenTimes map[uint64]time.Time

	statsMu sync.Mutex
	stats   Stats

	maxHops uint8
}

// New returns a router for selfID over the given topology and sender.
func New(selfID peers.ID, trans Sender, topo *topology.Topology, logger *logrus.Entry) *Router {
	return &Router{
		selfID:    selfID,
		trans:     trans,
		topo:      topo,
		logger:    logger.WithField("prefix", "routing"),
		table:     make(map[peers.ID]routeEntry),
		seen:      mapset.NewSet[uint64](),
		seenTimes: make(map[uint64]time.Time),
		maxHops:   DefaultMaxHops,
	}
}

// Route delivers msg using the given strategy.
func (r *Router) Route(msg net.Message, strategy Strategy) error {
	r.statsMu.Lock()
	r.stats.Routed++
	r.statsMu.Unlock()

	switch strategy {
	case Direct:
		return r.routeDirect(msg)
	case Flood:
		return r.flood(msg, r.maxHops)
	default:
		return r.routeShortestPath(msg)
	}
}

func (r *Router) routeDirect(msg net.Message) error {
	if r.trans.Connected(msg.Receiver) {
		return r.trans.Send(msg.Receiver, msg)
	}
	return r.routeShortestPath(msg)
}

func (r *Router) routeShortestPath(msg net.Message) error {
	next, hops, ok := r.nextHop(msg.Receiver)
	if !ok {
		r.logger.WithField("receiver", msg.Receiver).Debug("No route to receiver")
		return ErrRouteNotFound
	}

	r.statsMu.Lock()
	r.stats.TotalHops += uint64(hops)
	r.statsMu.Unlock()

	return r.trans.Send(next, msg)
}

// Forward moves a transit message one hop closer to its receiver. It is
// invoked by the dispatcher for frames whose receiver is another node.
func (r *Router) Forward(msg net.Message) error {
	if msg.Receiver == r.selfID || msg.Receiver == net.Broadcast {
		return nil
	}

	next, _, ok := r.nextHop(msg.Receiver)
	if !ok {
		return ErrRouteNotFound
	}

	r.statsMu.Lock()
	r.stats.Forwarded++
	r.statsMu.Unlock()

	return r.trans.Send(next, msg)
}

// flood wraps msg in a ROUTE_MESSAGE envelope and fans it out to every
// connected peer. The local node records the key so its own broadcast is
// not re-processed when echoed back.
func (r *Router) flood(msg net.Message, maxHops uint8) error {
	key := net.WireKey(msg)
	if !r.markSeen(key) {
		return nil
	}

	if maxHops == 0 {
		maxHops = r.maxHops
	}

	env := net.NewMessage(net.RouteMessage, r.selfID, net.Broadcast, net.EncodeRouteEnvelope(maxHops, msg))
	r.trans.Broadcast(env, msg.Sender)
	return nil
}

// HandleEnvelope processes an inbound flood envelope from the immediate
// peer from. It returns the inner message and whether it is for local
// delivery; duplicates return deliver == false.
func (r *Router) HandleEnvelope(payload []byte, from peers.ID) (net.Message, bool, error) {
	hops, inner, err := net.DecodeRouteEnvelope(payload)
	if err != nil {
		return net.Message{}, false, err
	}

	if !r.markSeen(net.WireKey(inner)) {
		return inner, false, nil
	}

	// forward before local handling so one slow handler does not delay
	// propagation; the TTL drops to zero here, not at the next hop
	if hops > 1 && inner.Receiver != r.selfID {
		env := net.NewMessage(net.RouteMessage, r.selfID, net.Broadcast, net.EncodeRouteEnvelope(hops-1, inner))
		r.trans.Broadcast(env, from)

		r.statsMu.Lock()
		r.stats.Forwarded++
		r.statsMu.Unlock()
	}

	deliver := inner.Receiver == r.selfID || inner.Receiver == net.Broadcast
	return inner, deliver, nil
}

// markSeen records key and reports whether it was new.
func (r *Router) markSeen(key uint64) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if r.seen.Contains(key) {
		return false
	}
	r.seen.Add(key)
	r.seenTimes[key] = time.Now()
	return true
}

// CleanupSeen evicts de-duplication keys older than ttl.
func (r *Router) CleanupSeen(ttl time.Duration) {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	cutoff := time.Now().Add(-ttl)
	for key, at := range r.seenTimes {
		if at.Before(cutoff) {
			r.seen.Remove(key)
			delete(r.seenTimes, key)
		}
	}
}

// FindRoute returns the full BFS path from the local node to target, or
// nil when unreachable.
func (r *Router) FindRoute(target peers.ID) []peers.ID {
	return r.topo.FindPath(r.selfID, target)
}

// IsReachable reports whether target has a route.
func (r *Router) IsReachable(target peers.ID) bool {
	return len(r.FindRoute(target)) > 0
}

// HopCount returns the path length to target, or -1 when unreachable.
func (r *Router) HopCount(target peers.ID) int {
	path := r.FindRoute(target)
	if len(path) == 0 {
		return -1
	}
	return len(path) - 1
}

// nextHop resolves the next hop toward dest, consulting the cache first
// and falling back to a live topology query.
func (r *Router) nextHop(dest peers.ID) (peers.ID, int, bool) {
	r.tableMu.RLock()
	entry, ok := r.table[dest]
	r.tableMu.RUnlock()

	if ok {
		return entry.nextHop, entry.hopCount, true
	}

	path := r.topo.FindPath(r.selfID, dest)
	if len(path) < 2 {
		return 0, 0, false
	}

	return path[1], len(path) - 1, true
}

// UpdateRoutingTable rebuilds the next-hop cache from the topology.
func (r *Router) UpdateRoutingTable() {
	table := make(map[peers.ID]routeEntry)
	now := time.Now()

	for _, id := range r.topo.IDs() {
		if id == r.selfID {
			continue
		}
		path := r.topo.FindPath(r.selfID, id)
		if len(path) < 2 {
			continue
		}
		table[id] = routeEntry{
			nextHop:  path[1],
			hopCount: len(path) - 1,
			builtAt:  now,
		}
	}

	r.tableMu.Lock()
	r.table = table
	r.tableMu.Unlock()
}

// InvalidateCache clears the next-hop cache. Membership changes call
// this so lookups fall back to live topology queries until the next
// rebuild.
func (r *Router) InvalidateCache() {
	r.tableMu.Lock()
	r.table = make(map[peers.ID]routeEntry)
	r.tableMu.Unlock()
}

// Stats returns a copy of the delivery counters.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	return r.stats
}
