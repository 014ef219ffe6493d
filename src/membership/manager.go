// Package membership tracks every node this node knows about, drives
// their state machine, detects failures from heartbeat silence, and
// repairs the local peer set and topology after departures.
package membership

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mosaicnetworks/mesh/src/net"
	"github.com/mosaicnetworks/mesh/src/peers"
	"github.com/mosaicnetworks/mesh/src/topology"
	"github.com/sirupsen/logrus"
)

// Defaults for the failure detector and the peer cap.
const (
	DefaultMaxPeers        = 10
	DefaultNodeTimeout     = 90 * time.Second
	DefaultDetectionPeriod = 30 * time.Second

	// failureThreshold is how many consecutive detection periods a node
	// may miss before it is forced out.
	failureThreshold = 3
)

// ErrValidation covers rejected node additions: zero id, self, empty
// host, zero port, duplicates.
var ErrValidation = errors.New("validation error")

// Connector is the slice of the transport the manager needs.
type Connector interface {
	Connect(addr peers.Address, expect peers.ID) (peers.ID, error)
	Disconnect(peer peers.ID) bool
	Send(peer peers.ID, msg net.Message) error
	Broadcast(msg net.Message, exclude peers.ID) int
}

// NodeInfo is the registry entry for one known node.
type NodeInfo struct {
	ID                  peers.ID
	Address             peers.Address
	State               State
	JoinTime            time.Time
	LastSeen            time.Time
	ConsecutiveFailures int
}

// Callbacks deliver membership transitions to the node layer. They run
// without the registry lock held and may be nil.
type Callbacks struct {
	OnAdded    func(id peers.ID, addr peers.Address)
	OnRemoved  func(id peers.ID)
	OnFailed   func(id peers.ID)
	OnRepaired func()
}

// Manager owns the node registry and its state machine.
type Manager struct {
	selfID   peers.ID
	maxPeers int

	topo      *topology.Topology
	peerSet   *peers.Peers
	trans     Connector
	callbacks Callbacks
	logger    *logrus.Entry

	mu       sync.Mutex
	registry map[peers.ID]*NodeInfo
}

// NewManager returns a manager for selfID. maxPeers 0 selects the
// default cap.
func NewManager(
	selfID peers.ID,
	maxPeers int,
	topo *topology.Topology,
	peerSet *peers.Peers,
	trans Connector,
	callbacks Callbacks,
	logger *logrus.Entry,
) *Manager {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}

	return &Manager{
		selfID:    selfID,
		maxPeers:  maxPeers,
		topo:      topo,
		peerSet:   peerSet,
		trans:     trans,
		callbacks: callbacks,
		logger:    logger.WithField("prefix", "membership"),
		registry:  make(map[peers.ID]*NodeInfo),
	}
}

// MaxPeers returns the configured peer cap.
func (m *Manager) MaxPeers() int {
	return m.maxPeers
}

// PeerCount returns the current number of direct peer links.
func (m *Manager) PeerCount() int {
	return m.peerSet.Len()
}

func (m *Manager) validate(id peers.ID, addr peers.Address) error {
	if id == 0 {
		return fmt.Errorf("%w: zero node id", ErrValidation)
	}
	if id == m.selfID {
		return fmt.Errorf("%w: cannot add self", ErrValidation)
	}
	if addr.Host == "" {
		return fmt.Errorf("%w: empty host", ErrValidation)
	}
	if addr.Port == 0 {
		return fmt.Errorf("%w: zero port", ErrValidation)
	}
	return nil
}

// AddNode validates and registers a new node, adds it to the topology,
// and connects to it while the local peer slots last. The node becomes
// Active and OnAdded fires once it is registered; a topology insertion
// that cannot complete is rolled back without residue.
func (m *Manager) AddNode(id peers.ID, addr peers.Address) error {
	if err := m.validate(id, addr); err != nil {
		return err
	}

	now := time.Now()

	m.mu.Lock()
	if _, ok := m.registry[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: node %s already registered", ErrValidation, id)
	}

	info := &NodeInfo{
		ID:       id,
		Address:  addr,
		State:    Joining,
		JoinTime: now,
		LastSeen: now,
	}
	m.registry[id] = info
	m.mu.Unlock()

	if err := m.topo.AddNode(id, addr); err != nil {
		m.mu.Lock()
		delete(m.registry, id)
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrValidation, err)
	}

	if m.peerSet.Len() < m.maxPeers {
		m.connectPeer(id, addr)
	}

	m.mu.Lock()
	info.State = Active
	cb := m.callbacks.OnAdded
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"node": id,
		"addr": addr,
	}).Info("Node added")

	if cb != nil {
		cb(id, addr)
	}

	m.propagateTopologyUpdate(id)

	return nil
}

// connectPeer opens a transport connection and records the peer link.
// An existing connection counts as success.
func (m *Manager) connectPeer(id peers.ID, addr peers.Address) bool {
	if _, err := m.trans.Connect(addr, id); err != nil {
		m.logger.WithFields(logrus.Fields{
			"node":  id,
			"error": err,
		}).Debug("Peer connection failed")
		return false
	}

	m.peerSet.AddPeer(peers.NewPeer(id, addr))
	m.topo.AddEdge(m.selfID, id)
	return true
}

// propagateTopologyUpdate broadcasts the changed id to the current
// peers.
func (m *Manager) propagateTopologyUpdate(changed peers.ID) {
	msg := net.NewMessage(net.TopologyUpdate, m.selfID, net.Broadcast, net.EncodeNodeList([]peers.ID{changed}))
	m.trans.Broadcast(msg, changed)
}

// RemoveGraceful takes id through Leaving: it is notified, unlinked,
// purged from topology and registry, and the overlay is repaired.
func (m *Manager) RemoveGraceful(id peers.ID) bool {
	return m.remove(id, true, true)
}

// HandleRemoteLeave processes a LEAVE_NOTIFICATION from the departing
// node itself; no notification is sent back.
func (m *Manager) HandleRemoteLeave(id peers.ID) bool {
	return m.remove(id, true, false)
}

// RemoveForced evicts a node that failed; OnFailed fires instead of
// OnRemoved.
func (m *Manager) RemoveForced(id peers.ID) bool {
	return m.remove(id, false, false)
}

func (m *Manager) remove(id peers.ID, graceful, notify bool) bool {
	m.mu.Lock()
	info, ok := m.registry[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	if graceful {
		info.State = Leaving
	} else {
		info.State = Failed
	}

	delete(m.registry, id)
	removedCb := m.callbacks.OnRemoved
	failedCb := m.callbacks.OnFailed
	m.mu.Unlock()

	if notify {
		leave := net.NewMessage(net.LeaveNotification, m.selfID, id, nil)
		if err := m.trans.Send(id, leave); err != nil {
			m.logger.WithField("node", id).Debug("Leave notification undeliverable")
		}
	}

	m.peerSet.RemovePeer(id)
	m.trans.Disconnect(id)
	m.topo.RemoveNode(id)

	if graceful {
		m.logger.WithField("node", id).Info("Node removed")
		if removedCb != nil {
			removedCb(id)
		}
	} else {
		m.logger.WithField("node", id).Warn("Node forced out")
		if failedCb != nil {
			failedCb(id)
		}
	}

	m.propagateTopologyUpdate(id)
	m.RepairAfterRemoval(id)

	return true
}

// Touch refreshes the liveness timestamp of id, resetting its failure
// counter. Heartbeats and any other inbound activity land here.
func (m *Manager) Touch(id peers.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.registry[id]; ok {
		info.LastSeen = time.Now()
		info.ConsecutiveFailures = 0
		if info.State == Joining {
			info.State = Active
		}
	}
}

// DetectFailed increments the failure counter of every Active node not
// seen within timeout and resets the counter of the ones that were.
// Nodes reaching the threshold are forced out.
func (m *Manager) DetectFailed(timeout time.Duration) []peers.ID {
	cutoff := time.Now().Add(-timeout)

	m.mu.Lock()
	var expired []peers.ID
	for id, info := range m.registry {
		if info.State != Active {
			continue
		}
		if info.LastSeen.Before(cutoff) {
			info.ConsecutiveFailures++
			if info.ConsecutiveFailures >= failureThreshold {
				expired = append(expired, id)
			}
		} else {
			info.ConsecutiveFailures = 0
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.WithField("node", id).Warn("Node failed heartbeat detection")
		m.RemoveForced(id)
	}

	return expired
}

// MaintainIntegrity validates and repairs the topology, runs failure
// detection, and tops the peer set back up toward the cap. It reports
// whether the overlay is connected afterwards.
func (m *Manager) MaintainIntegrity(timeout time.Duration) bool {
	m.topo.Validate()

	if !m.topo.IsConnected() {
		m.logger.Debug("Topology disconnected, repairing")
		m.topo.Repair()
	}

	m.DetectFailed(timeout)

	m.ensureConnectivity()

	return m.topo.IsConnected()
}

// registryEntries returns a snapshot of the registry in id order.
func (m *Manager) registryEntries() []NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]NodeInfo, 0, len(m.registry))
	for _, info := range m.registry {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ensureConnectivity connects to registered-but-unpeered nodes while
// slots remain.
func (m *Manager) ensureConnectivity() {
	if m.peerSet.Len() >= m.maxPeers {
		return
	}

	for _, info := range m.registryEntries() {
		if m.peerSet.Len() >= m.maxPeers {
			break
		}
		if info.ID == m.selfID || m.peerSet.Contains(info.ID) {
			continue
		}
		m.connectPeer(info.ID, info.Address)
	}
}

// RepairAfterRemoval reconnects the overlay after removed left: the
// topology is ring-repaired when split, and replacement peers are
// dialed until the cap or the candidate list is exhausted. OnRepaired
// fires when the graph ends up connected.
func (m *Manager) RepairAfterRemoval(removed peers.ID) bool {
	if !m.topo.IsConnected() {
		m.topo.Repair()
	}

	excluded := mapset.NewThreadUnsafeSet(m.selfID, removed)
	for _, id := range m.peerSet.ToIDSlice() {
		excluded.Add(id)
	}

	for _, info := range m.registryEntries() {
		if m.peerSet.Len() >= m.maxPeers {
			break
		}
		if excluded.Contains(info.ID) {
			continue
		}
		m.connectPeer(info.ID, info.Address)
	}

	connected := m.topo.IsConnected()
	if connected {
		m.mu.Lock()
		cb := m.callbacks.OnRepaired
		m.mu.Unlock()

		if cb != nil {
			cb()
		}
	}

	return connected
}

// Info returns a copy of the registry entry for id.
func (m *Manager) Info(id peers.ID) (NodeInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.registry[id]
	if !ok {
		return NodeInfo{}, false
	}
	return *info, true
}

// NodeState returns the state of id, or Unknown when unregistered.
func (m *Manager) NodeState(id peers.ID) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.registry[id]; ok {
		return info.State
	}
	return Unknown
}

// AllNodes returns a copy of every registry entry.
func (m *Manager) AllNodes() []NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]NodeInfo, 0, len(m.registry))
	for _, info := range m.registry {
		out = append(out, *info)
	}
	return out
}

// NodesByState returns the ids currently in state.
func (m *Manager) NodesByState(state State) []peers.ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []peers.ID
	for id, info := range m.registry {
		if info.State == state {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the registry size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.registry)
}
