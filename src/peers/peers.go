package peers

import (
	"sort"
	"sync"
)

// Peers is a concurrent set of directly-connected neighbors. It keeps a
// sorted slice view alongside the ID index so callers can iterate without
// allocating.
type Peers struct {
	sync.RWMutex
	Sorted []*Peer
	ByID   map[ID]*Peer
}

// NewPeers returns an empty peer set.
func NewPeers() *Peers {
	return &Peers{
		ByID: make(map[ID]*Peer),
	}
}

// NewPeersFromSlice builds a peer set from source.
func NewPeersFromSlice(source []*Peer) *Peers {
	peers := NewPeers()

	for _, peer := range source {
		peers.addPeerRaw(peer)
	}

	peers.internalSort()

	return peers
}

// addPeerRaw inserts without sorting and without the lock. Handle with
// care.
func (p *Peers) addPeerRaw(peer *Peer) {
	p.ByID[peer.ID] = peer
}

// AddPeer inserts peer, replacing any previous entry with the same ID.
func (p *Peers) AddPeer(peer *Peer) {
	p.Lock()
	defer p.Unlock()

	p.addPeerRaw(peer)

	p.internalSort()
}

func (p *Peers) internalSort() {
	res := []*Peer{}

	for _, peer := range p.ByID {
		res = append(res, peer)
	}

	sort.Sort(ByID(res))

	p.Sorted = res
}

// RemovePeer deletes the entry with the given ID. It is a no-op when the
// ID is absent.
func (p *Peers) RemovePeer(id ID) {
	p.Lock()
	defer p.Unlock()

	if _, ok := p.ByID[id]; !ok {
		return
	}

	delete(p.ByID, id)

	p.internalSort()
}

// Contains reports whether id is in the set.
func (p *Peers) Contains(id ID) bool {
	p.RLock()
	defer p.RUnlock()

	_, ok := p.ByID[id]
	return ok
}

// Get returns the peer with the given ID, or nil.
func (p *Peers) Get(id ID) *Peer {
	p.RLock()
	defer p.RUnlock()

	return p.ByID[id]
}

// ToPeerSlice returns the sorted view.
func (p *Peers) ToPeerSlice() []*Peer {
	p.RLock()
	defer p.RUnlock()

	res := make([]*Peer, len(p.Sorted))
	copy(res, p.Sorted)

	return res
}

// ToIDSlice returns the sorted peer IDs.
func (p *Peers) ToIDSlice() []ID {
	p.RLock()
	defer p.RUnlock()

	res := []ID{}

	for _, peer := range p.Sorted {
		res = append(res, peer.ID)
	}

	return res
}

// Len returns the number of peers.
func (p *Peers) Len() int {
	p.RLock()
	defer p.RUnlock()

	return len(p.ByID)
}

// ByID implements sort.Interface on the peer ID.
type ByID []*Peer

func (a ByID) Len() int           { return len(a) }
func (a ByID) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a ByID) Less(i, j int) bool { return a[i].ID < a[j].ID }
