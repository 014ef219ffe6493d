package peers

import (
	"reflect"
	"testing"
)

func TestPeersAddRemove(t *testing.T) {
	p := NewPeers()

	p.AddPeer(NewPeer(3, NewAddress("127.0.0.1", 8003)))
	p.AddPeer(NewPeer(1, NewAddress("127.0.0.1", 8001)))
	p.AddPeer(NewPeer(2, NewAddress("127.0.0.1", 8002)))

	if l := p.Len(); l != 3 {
		t.Fatalf("Len() => %d, want 3", l)
	}

	ids := p.ToIDSlice()
	if !reflect.DeepEqual(ids, []ID{1, 2, 3}) {
		t.Fatalf("ToIDSlice() => %v, want [1 2 3]", ids)
	}

	p.RemovePeer(2)

	if p.Contains(2) {
		t.Fatal("peer 2 should have been removed")
	}

	if ids := p.ToIDSlice(); !reflect.DeepEqual(ids, []ID{1, 3}) {
		t.Fatalf("ToIDSlice() => %v, want [1 3]", ids)
	}

	// removing an absent peer is a no-op
	p.RemovePeer(42)
	if l := p.Len(); l != 2 {
		t.Fatalf("Len() => %d, want 2", l)
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("10.0.0.1:8888")
	if err != nil {
		t.Fatal(err)
	}
	if addr.Host != "10.0.0.1" || addr.Port != 8888 {
		t.Fatalf("ParseAddress => %v", addr)
	}
	if addr.String() != "10.0.0.1:8888" {
		t.Fatalf("String() => %s", addr.String())
	}

	for _, bad := range []string{"nohost", "host:", "host:0", "host:99999"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Errorf("ParseAddress(%q) should fail", bad)
		}
	}
}

func TestExcludePeer(t *testing.T) {
	list := []*Peer{
		NewPeer(1, NewAddress("a", 1025)),
		NewPeer(2, NewAddress("b", 1026)),
		NewPeer(3, NewAddress("c", 1027)),
	}

	index, others := ExcludePeer(list, 2)
	if index != 1 {
		t.Fatalf("index => %d, want 1", index)
	}
	if len(others) != 2 || others[0].ID != 1 || others[1].ID != 3 {
		t.Fatalf("others => %v", others)
	}

	index, others = ExcludePeer(list, 9)
	if index != -1 || len(others) != 3 {
		t.Fatalf("ExcludePeer miss => %d, %v", index, others)
	}
}
