package topology

import (
	"reflect"
	"testing"

	"github.com/mosaicnetworks/mesh/src/peers"
)

func addr(p uint16) peers.Address {
	return peers.NewAddress("127.0.0.1", p)
}

func buildLine(t *testing.T, ids ...peers.ID) *Topology {
	t.Helper()

	top := New()
	for i, id := range ids {
		if err := top.AddNode(id, addr(8000+uint16(i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i+1 < len(ids); i++ {
		top.AddEdge(ids[i], ids[i+1])
	}
	return top
}

func TestAddNodeDuplicate(t *testing.T) {
	top := New()

	if err := top.AddNode(1, addr(8001)); err != nil {
		t.Fatal(err)
	}
	if err := top.AddNode(1, addr(8002)); err != ErrNodeExists {
		t.Fatalf("err => %v, want ErrNodeExists", err)
	}
}

func TestUpdateAddress(t *testing.T) {
	top := New()
	top.AddNode(1, addr(8001))

	if err := top.UpdateAddress(1, addr(9001)); err != nil {
		t.Fatal(err)
	}
	if a, _ := top.Address(1); a != addr(9001) {
		t.Fatalf("address => %v", a)
	}

	if err := top.UpdateAddress(2, addr(9002)); err != ErrNodeNotFound {
		t.Fatalf("err => %v, want ErrNodeNotFound", err)
	}
}

func TestAdjacencySymmetric(t *testing.T) {
	top := buildLine(t, 1, 2, 3)

	for _, a := range top.IDs() {
		for _, b := range top.Neighbors(a) {
			found := false
			for _, back := range top.Neighbors(b) {
				if back == a {
					found = true
				}
			}
			if !found {
				t.Fatalf("edge %d-%d not symmetric", a, b)
			}
		}
	}

	// no self-loops
	top.AddEdge(2, 2)
	for _, n := range top.Neighbors(2) {
		if n == 2 {
			t.Fatal("self-loop recorded")
		}
	}
}

func TestFindPath(t *testing.T) {
	// A-B, B-C, C-D and no shortcuts
	top := buildLine(t, 1, 2, 3, 4)

	path := top.FindPath(1, 4)
	if !reflect.DeepEqual(path, []peers.ID{1, 2, 3, 4}) {
		t.Fatalf("path => %v", path)
	}

	// every consecutive pair is adjacent
	for i := 0; i+1 < len(path); i++ {
		adjacent := false
		for _, n := range top.Neighbors(path[i]) {
			if n == path[i+1] {
				adjacent = true
			}
		}
		if !adjacent {
			t.Fatalf("path step %d-%d not adjacent", path[i], path[i+1])
		}
	}

	if p := top.FindPath(2, 2); !reflect.DeepEqual(p, []peers.ID{2}) {
		t.Fatalf("self path => %v", p)
	}

	top.AddNode(9, addr(8009))
	if p := top.FindPath(1, 9); p != nil {
		t.Fatalf("unreachable path => %v", p)
	}
}

func TestRemoveNodeDropsEdges(t *testing.T) {
	top := buildLine(t, 1, 2, 3)

	if err := top.RemoveNode(2); err != nil {
		t.Fatal(err)
	}

	if top.Contains(2) {
		t.Fatal("2 still registered")
	}
	if n := top.Neighbors(1); len(n) != 0 {
		t.Fatalf("neighbors(1) => %v", n)
	}
	if p := top.FindPath(1, 3); p != nil {
		t.Fatalf("path through removed node => %v", p)
	}
}

func TestIsConnected(t *testing.T) {
	top := New()
	if !top.IsConnected() {
		t.Fatal("empty graph is connected")
	}

	top.AddNode(1, addr(8001))
	if !top.IsConnected() {
		t.Fatal("single vertex is connected")
	}

	top.AddNode(2, addr(8002))
	if top.IsConnected() {
		t.Fatal("two isolated vertices are not connected")
	}

	top.AddEdge(1, 2)
	if !top.IsConnected() {
		t.Fatal("connected after edge")
	}
}

func TestRepairConnects(t *testing.T) {
	top := New()
	for i := peers.ID(1); i <= 5; i++ {
		top.AddNode(i, addr(8000+uint16(i)))
	}
	top.AddEdge(1, 2)
	// 3, 4, 5 isolated

	top.Repair()

	if !top.IsConnected() {
		t.Fatal("repair must leave the graph connected")
	}
}

func TestValidatePrunesOrphans(t *testing.T) {
	top := buildLine(t, 1, 2, 3)

	// simulate an orphan by removing from the registry behind the
	// public API's back
	top.mu.Lock()
	delete(top.registry, 3)
	top.mu.Unlock()

	top.Validate()

	_, adjacency := top.Snapshot()
	for id, neighbors := range adjacency {
		if id == 3 {
			t.Fatal("orphan adjacency survived validate")
		}
		for _, n := range neighbors {
			if n == 3 {
				t.Fatalf("dangling edge to orphan in %d", id)
			}
		}
	}
}
