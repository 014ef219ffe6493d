// Package topology maintains the node registry and the undirected
// adjacency graph the router plans over: BFS paths, connectivity
// checking, orphan pruning, and last-resort ring repair.
package topology

import (
	"errors"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mosaicnetworks/mesh/src/peers"
)

var (
	// ErrNodeExists is returned when adding an id that is already
	// registered.
	ErrNodeExists = errors.New("node already registered")

	// ErrNodeNotFound is returned when operating on an unregistered id.
	ErrNodeNotFound = errors.New("node not registered")
)

// Topology is the registry of known nodes plus the neighbor relation
// over them. Adjacency is symmetric, has no self-loops, and never
// references an unregistered id once Validate has run.
type Topology struct {
	mu        sync.RWMutex
	registry  map[peers.ID]peers.Address
	adjacency map[peers.ID]mapset.Set[peers.ID]
}

// New returns an empty topology.
func New() *Topology {
	return &Topology{
		registry:  make(map[peers.ID]peers.Address),
		adjacency: make(map[peers.ID]mapset.Set[peers.ID]),
	}
}

// AddNode registers id at addr with an empty neighbor set.
func (t *Topology) AddNode(id peers.ID, addr peers.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.registry[id]; ok {
		return ErrNodeExists
	}

	t.registry[id] = addr
	t.adjacency[id] = mapset.NewThreadUnsafeSet[peers.ID]()

	return nil
}

// RemoveNode deletes the registry entry and all incident edges.
func (t *Topology) RemoveNode(id peers.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.registry[id]; !ok {
		return ErrNodeNotFound
	}

	delete(t.registry, id)
	delete(t.adjacency, id)
	for _, neighbors := range t.adjacency {
		neighbors.Remove(id)
	}

	return nil
}

// UpdateAddress replaces the address of a registered id.
func (t *Topology) UpdateAddress(id peers.ID, addr peers.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.registry[id]; !ok {
		return ErrNodeNotFound
	}

	t.registry[id] = addr
	return nil
}

// Contains reports whether id is registered.
func (t *Topology) Contains(id peers.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.registry[id]
	return ok
}

// Address returns the registered address of id.
func (t *Topology) Address(id peers.ID) (peers.Address, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	addr, ok := t.registry[id]
	return addr, ok
}

// IDs returns all registered ids in ascending order.
func (t *Topology) IDs() []peers.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.sortedIDs()
}

func (t *Topology) sortedIDs() []peers.ID {
	ids := make([]peers.ID, 0, len(t.registry))
	for id := range t.registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Size returns the number of registered nodes.
func (t *Topology) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.registry)
}

// AddEdge records that a and b are neighbors. Self-loops and edges to
// unregistered ids are ignored.
func (t *Topology) AddEdge(a, b peers.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.addEdgeLocked(a, b)
}

func (t *Topology) addEdgeLocked(a, b peers.ID) {
	if a == b {
		return
	}
	sa, oka := t.adjacency[a]
	sb, okb := t.adjacency[b]
	if !oka || !okb {
		return
	}
	sa.Add(b)
	sb.Add(a)
}

// RemoveEdge deletes the neighbor relation between a and b.
func (t *Topology) RemoveEdge(a, b peers.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.adjacency[a]; ok {
		s.Remove(b)
	}
	if s, ok := t.adjacency[b]; ok {
		s.Remove(a)
	}
}

// Neighbors returns the neighbor ids of id in ascending order.
func (t *Topology) Neighbors(id peers.ID) []peers.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.adjacency[id]
	if !ok {
		return nil
	}

	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FindPath runs a breadth-first search from from to to. It returns nil
// when no path exists and [from] when from == to. Equal-length paths are
// broken by traversal order; callers must not depend on the tie-break.
func (t *Topology) FindPath(from, to peers.ID) []peers.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.findPathLocked(from, to)
}

func (t *Topology) findPathLocked(from, to peers.ID) []peers.ID {
	if _, ok := t.registry[from]; !ok {
		return nil
	}

	if from == to {
		return []peers.ID{from}
	}

	if _, ok := t.registry[to]; !ok {
		return nil
	}

	visited := mapset.NewThreadUnsafeSet(from)
	parent := make(map[peers.ID]peers.ID)
	queue := []peers.ID{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current == to {
			path := []peers.ID{to}
			for node := to; node != from; {
				node = parent[node]
				path = append(path, node)
			}
			// reverse into from..to order
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}

		neighbors, ok := t.adjacency[current]
		if !ok {
			continue
		}
		neighbors.Each(func(n peers.ID) bool {
			if !visited.Contains(n) {
				visited.Add(n)
				parent[n] = current
				queue = append(queue, n)
			}
			return false
		})
	}

	return nil
}

// IsConnected reports whether every registered id is reachable from an
// arbitrary start vertex. Graphs with at most one vertex are connected.
func (t *Topology) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.isConnectedLocked()
}

func (t *Topology) isConnectedLocked() bool {
	if len(t.registry) <= 1 {
		return true
	}

	var start peers.ID
	for id := range t.registry {
		start = id
		break
	}

	visited := mapset.NewThreadUnsafeSet(start)
	stack := []peers.ID{start}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		neighbors, ok := t.adjacency[current]
		if !ok {
			continue
		}
		neighbors.Each(func(n peers.ID) bool {
			if !visited.Contains(n) {
				visited.Add(n)
				stack = append(stack, n)
			}
			return false
		})
	}

	return visited.Cardinality() == len(t.registry)
}

// Validate prunes adjacency entries whose id is no longer registered,
// restoring the structural invariants.
func (t *Topology) Validate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.adjacency {
		if _, ok := t.registry[id]; !ok {
			delete(t.adjacency, id)
		}
	}
	for _, neighbors := range t.adjacency {
		for _, n := range neighbors.ToSlice() {
			if _, ok := t.registry[n]; !ok {
				neighbors.Remove(n)
			}
		}
	}
}

// Repair connects a disconnected graph by adding edges in ring order
// over the current id list. It is a logical repair only; opening
// transport connections is the membership manager's job.
func (t *Topology) Repair() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isConnectedLocked() {
		return
	}

	ids := t.sortedIDs()
	for i := range ids {
		t.addEdgeLocked(ids[i], ids[(i+1)%len(ids)])
	}
}

// Snapshot returns a copy of the registry and adjacency for read-only
// consumers such as the HTTP service.
func (t *Topology) Snapshot() (map[peers.ID]peers.Address, map[peers.ID][]peers.ID) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	registry := make(map[peers.ID]peers.Address, len(t.registry))
	for id, addr := range t.registry {
		registry[id] = addr
	}

	adjacency := make(map[peers.ID][]peers.ID, len(t.adjacency))
	for id, neighbors := range t.adjacency {
		out := neighbors.ToSlice()
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		adjacency[id] = out
	}

	return registry, adjacency
}
