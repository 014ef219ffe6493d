package membership

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/mesh/src/common"
	"github.com/mosaicnetworks/mesh/src/net"
	"github.com/mosaicnetworks/mesh/src/peers"
	"github.com/mosaicnetworks/mesh/src/topology"
	"github.com/sirupsen/logrus"
)

// fakeConnector approves every dial without sockets.
type fakeConnector struct {
	mu          sync.Mutex
	connects    []peers.ID
	disconnects []peers.ID
	sends       []net.Message
	broadcasts  []net.Message
	refuse      map[peers.ID]bool
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{refuse: make(map[peers.ID]bool)}
}

func (f *fakeConnector) Connect(addr peers.Address, expect peers.ID) (peers.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refuse[expect] {
		return 0, errors.New("connection refused")
	}
	f.connects = append(f.connects, expect)
	return expect, nil
}

func (f *fakeConnector) Disconnect(peer peers.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnects = append(f.disconnects, peer)
	return true
}

func (f *fakeConnector) Send(peer peers.ID, msg net.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sends = append(f.sends, msg)
	return nil
}

func (f *fakeConnector) Broadcast(msg net.Message, exclude peers.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.broadcasts = append(f.broadcasts, msg)
	return 0
}

type recorder struct {
	mu       sync.Mutex
	added    []peers.ID
	removed  []peers.ID
	failed   []peers.ID
	repaired int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnAdded: func(id peers.ID, addr peers.Address) {
			r.mu.Lock()
			r.added = append(r.added, id)
			r.mu.Unlock()
		},
		OnRemoved: func(id peers.ID) {
			r.mu.Lock()
			r.removed = append(r.removed, id)
			r.mu.Unlock()
		},
		OnFailed: func(id peers.ID) {
			r.mu.Lock()
			r.failed = append(r.failed, id)
			r.mu.Unlock()
		},
		OnRepaired: func() {
			r.mu.Lock()
			r.repaired++
			r.mu.Unlock()
		},
	}
}

func addr(p uint16) peers.Address {
	return peers.NewAddress("127.0.0.1", p)
}

func testManager(t *testing.T, maxPeers int) (*Manager, *fakeConnector, *recorder, *topology.Topology, *peers.Peers) {
	t.Helper()

	topo := topology.New()
	if err := topo.AddNode(1, addr(8001)); err != nil {
		t.Fatal(err)
	}

	peerSet := peers.NewPeers()
	trans := newFakeConnector()
	rec := &recorder{}
	logger := logrus.NewEntry(common.NewTestLogger(t))

	m := NewManager(1, maxPeers, topo, peerSet, trans, rec.callbacks(), logger)
	return m, trans, rec, topo, peerSet
}

func TestAddNodeValidation(t *testing.T) {
	m, _, _, _, _ := testManager(t, 10)

	cases := []struct {
		name string
		id   peers.ID
		addr peers.Address
	}{
		{"zero id", 0, addr(8002)},
		{"self", 1, addr(8002)},
		{"empty host", 2, peers.Address{Port: 8002}},
		{"zero port", 2, peers.Address{Host: "127.0.0.1"}},
	}

	for _, c := range cases {
		if err := m.AddNode(c.id, c.addr); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err => %v, want ErrValidation", c.name, err)
		}
	}

	if err := m.AddNode(2, addr(8002)); err != nil {
		t.Fatal(err)
	}
	if err := m.AddNode(2, addr(8002)); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate err => %v, want ErrValidation", err)
	}
}

func TestAddNodeBecomesActivePeer(t *testing.T) {
	m, trans, rec, topo, peerSet := testManager(t, 10)

	if err := m.AddNode(2, addr(8002)); err != nil {
		t.Fatal(err)
	}

	if s := m.NodeState(2); s != Active {
		t.Fatalf("state => %v, want Active", s)
	}
	if !peerSet.Contains(2) {
		t.Fatal("peer link missing")
	}
	if !topo.Contains(2) {
		t.Fatal("topology entry missing")
	}
	if len(trans.connects) != 1 || trans.connects[0] != 2 {
		t.Fatalf("connects => %v", trans.connects)
	}
	if len(rec.added) != 1 || rec.added[0] != 2 {
		t.Fatalf("added events => %v", rec.added)
	}
	// membership change was propagated
	if len(trans.broadcasts) == 0 || trans.broadcasts[0].Type != net.TopologyUpdate {
		t.Fatal("topology update not broadcast")
	}
}

func TestPeerCapRespected(t *testing.T) {
	m, _, _, _, peerSet := testManager(t, 2)

	for i := peers.ID(2); i <= 6; i++ {
		if err := m.AddNode(i, addr(8000+uint16(i))); err != nil {
			t.Fatal(err)
		}
	}

	if peerSet.Len() > 2 {
		t.Fatalf("peer count => %d, cap 2", peerSet.Len())
	}
	// all are still registered even when unpeered
	if m.Len() != 5 {
		t.Fatalf("registry => %d", m.Len())
	}
}

func TestRemoveGraceful(t *testing.T) {
	m, trans, rec, topo, peerSet := testManager(t, 10)

	m.AddNode(2, addr(8002))
	m.AddNode(3, addr(8003))

	if !m.RemoveGraceful(2) {
		t.Fatal("remove refused")
	}

	if m.NodeState(2) != Unknown {
		t.Fatal("2 should be purged from the registry")
	}
	if peerSet.Contains(2) || topo.Contains(2) {
		t.Fatal("2 still linked")
	}
	if len(rec.removed) != 1 || rec.removed[0] != 2 {
		t.Fatalf("removed events => %v", rec.removed)
	}
	if len(rec.failed) != 0 {
		t.Fatal("graceful removal must not fire failure")
	}

	// the departing node was told
	found := false
	for _, msg := range trans.sends {
		if msg.Type == net.LeaveNotification && msg.Receiver == 2 {
			found = true
		}
	}
	if !found {
		t.Fatal("leave notification missing")
	}

	if m.RemoveGraceful(2) {
		t.Fatal("second removal should be a no-op")
	}
}

func TestRemoveForcedFiresFailure(t *testing.T) {
	m, _, rec, _, _ := testManager(t, 10)

	m.AddNode(2, addr(8002))
	m.RemoveForced(2)

	if len(rec.failed) != 1 || rec.failed[0] != 2 {
		t.Fatalf("failed events => %v", rec.failed)
	}
	if len(rec.removed) != 0 {
		t.Fatal("forced removal must not fire removed")
	}
}

func TestDetectFailedThreeStrikes(t *testing.T) {
	m, _, rec, _, _ := testManager(t, 10)

	m.AddNode(2, addr(8002))
	m.AddNode(3, addr(8003))

	// age node 2 past the window; node 3 stays fresh via Touch
	m.mu.Lock()
	m.registry[2].LastSeen = time.Now().Add(-2 * DefaultNodeTimeout)
	m.mu.Unlock()

	for i := 0; i < failureThreshold-1; i++ {
		m.Touch(3)
		if expired := m.DetectFailed(DefaultNodeTimeout); len(expired) != 0 {
			t.Fatalf("strike %d expired %v", i, expired)
		}
	}

	expired := m.DetectFailed(DefaultNodeTimeout)
	if len(expired) != 1 || expired[0] != 2 {
		t.Fatalf("expired => %v", expired)
	}
	if len(rec.failed) != 1 || rec.failed[0] != 2 {
		t.Fatalf("failed events => %v", rec.failed)
	}
	if m.NodeState(2) != Unknown {
		t.Fatal("failed node must be purged")
	}

	info, _ := m.Info(3)
	if info.ConsecutiveFailures != 0 {
		t.Fatal("fresh node's counter should stay reset")
	}
}

func TestTouchResetsCounter(t *testing.T) {
	m, _, _, _, _ := testManager(t, 10)

	m.AddNode(2, addr(8002))

	m.mu.Lock()
	m.registry[2].LastSeen = time.Now().Add(-2 * DefaultNodeTimeout)
	m.mu.Unlock()

	m.DetectFailed(DefaultNodeTimeout)
	m.Touch(2)

	info, _ := m.Info(2)
	if info.ConsecutiveFailures != 0 {
		t.Fatalf("failures => %d", info.ConsecutiveFailures)
	}
}

func TestMaintainIntegrityTopsUpPeers(t *testing.T) {
	m, trans, _, topo, peerSet := testManager(t, 10)

	// a node known in the registry but never peered (e.g. learned while
	// slots were full)
	m.AddNode(2, addr(8002))
	peerSet.RemovePeer(2)
	topo.AddEdge(1, 2)

	trans.mu.Lock()
	trans.connects = nil
	trans.mu.Unlock()

	if !m.MaintainIntegrity(DefaultNodeTimeout) {
		t.Fatal("overlay should be connected")
	}

	if !peerSet.Contains(2) {
		t.Fatal("maintain should have re-peered node 2")
	}
}

func TestRepairAfterRemovalReconnects(t *testing.T) {
	m, _, rec, topo, peerSet := testManager(t, 10)

	m.AddNode(2, addr(8002))
	m.AddNode(3, addr(8003))

	// drop the peer link to 3 and split the graph
	peerSet.RemovePeer(3)
	topo.RemoveEdge(1, 3)
	topo.RemoveEdge(2, 3)

	if topo.IsConnected() {
		t.Fatal("test setup: graph should be split")
	}

	if !m.RepairAfterRemoval(9) {
		t.Fatal("repair should reconnect")
	}
	if !topo.IsConnected() {
		t.Fatal("graph still split")
	}
	if rec.repaired == 0 {
		t.Fatal("repair event missing")
	}
	if !peerSet.Contains(3) {
		t.Fatal("replacement peer not dialed")
	}
}
