package transfer

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/mesh/src/common"
	"github.com/mosaicnetworks/mesh/src/net"
	"github.com/mosaicnetworks/mesh/src/peers"
	"github.com/mosaicnetworks/mesh/src/routing"
	"github.com/sirupsen/logrus"
)

// fakeRouter records routed messages.
type fakeRouter struct {
	mu     sync.Mutex
	routed []net.Message
	err    error
}

func (r *fakeRouter) Route(msg net.Message, strategy routing.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.routed = append(r.routed, msg)
	return nil
}

func (r *fakeRouter) chunks(t *testing.T) []net.Chunk {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	var chunks []net.Chunk
	for _, msg := range r.routed {
		if msg.Type != net.DataChunk {
			continue
		}
		c, err := net.DecodeChunk(msg.Payload)
		if err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func testExchange(t *testing.T, self peers.ID, router Router, chunkSize int,
	onData func(peers.ID, []byte, string)) *Exchange {
	logger := logrus.NewEntry(common.NewTestLogger(t))
	return New(self, router, common.NewSequentialIDSource(500), chunkSize, logger, onData, nil, nil)
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestSendSplitsIntoChunks(t *testing.T) {
	router := &fakeRouter{}
	e := testExchange(t, 1, router, 1024, nil)

	data := pattern(10000)
	id := e.Send(2, data, "generic")
	if id == 0 {
		t.Fatal("transfer id must be non-zero")
	}

	chunks := router.chunks(t)
	if len(chunks) != 10 {
		t.Fatalf("chunks => %d, want 10", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkID != id || c.Sequence != uint32(i) || c.TotalChunks != 10 {
			t.Fatalf("chunk %d => %+v", i, c)
		}
	}
	if !chunks[9].IsLast || chunks[0].IsLast {
		t.Fatal("only the final chunk is last")
	}

	info, ok := e.TransferInfo(id)
	if !ok || info.Status != Completed || info.TransferredSize != 10000 {
		t.Fatalf("transfer => %+v", info)
	}
}

func TestReassemblyFromPermutation(t *testing.T) {
	var got []byte
	var gotType string
	var gotSource peers.ID
	fired := 0

	e := testExchange(t, 2, &fakeRouter{}, 1024, func(src peers.ID, data []byte, dataType string) {
		gotSource = src
		got = data
		gotType = dataType
		fired++
	})

	data := pattern(10000)
	sender := testExchange(t, 1, &fakeRouter{}, 1024, nil)
	chunks := sender.split(data, 77)

	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

	for i, c := range chunks {
		e.HandleChunk(c, 1)
		if i < len(chunks)-1 && e.IsComplete(77) {
			t.Fatal("transfer completed before all chunks arrived")
		}
	}

	if fired != 1 {
		t.Fatalf("data callback fired %d times", fired)
	}
	if gotSource != 1 || gotType != "generic" {
		t.Fatalf("callback => source %d type %q", gotSource, gotType)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reassembled bytes differ from original")
	}

	stored, ok := e.ReceivedData(77)
	if !ok || !bytes.Equal(stored, data) {
		t.Fatal("completed data missing or wrong")
	}
}

func TestDuplicateChunksHarmless(t *testing.T) {
	fired := 0
	e := testExchange(t, 2, &fakeRouter{}, 4, func(peers.ID, []byte, string) { fired++ })

	sender := testExchange(t, 1, &fakeRouter{}, 4, nil)
	data := pattern(10)
	chunks := sender.split(data, 88)

	e.HandleChunk(chunks[0], 1)
	e.HandleChunk(chunks[0], 1) // duplicate
	e.HandleChunk(chunks[1], 1)
	e.HandleChunk(chunks[2], 1)

	if fired != 1 {
		t.Fatalf("callback fired %d times", fired)
	}
	stored, _ := e.ReceivedData(88)
	if !bytes.Equal(stored, data) {
		t.Fatal("duplicate chunk corrupted reassembly")
	}
}

func TestSendFailureMarksTransferFailed(t *testing.T) {
	router := &fakeRouter{err: routing.ErrRouteNotFound}
	e := testExchange(t, 1, router, 1024, nil)

	id := e.Send(2, pattern(100), "generic")
	if id != 0 {
		t.Fatalf("failed send => id %d, want 0", id)
	}

	stats := e.Stats()
	if stats.Failed != 1 {
		t.Fatalf("failed count => %d", stats.Failed)
	}
}

func TestCancelStopsOutgoing(t *testing.T) {
	e := testExchange(t, 1, &fakeRouter{}, 1024, nil)

	id := e.Send(2, pattern(10), "generic")

	// the transfer already completed; cancel is refused
	if e.Cancel(id) {
		t.Fatal("terminal transfer should not cancel")
	}

	// cancelling an in-flight transfer sticks
	e.transfersMu.Lock()
	e.outgoing[id].Status = InProgress
	e.transfersMu.Unlock()

	if !e.Cancel(id) {
		t.Fatal("cancel refused")
	}
	info, _ := e.TransferInfo(id)
	if info.Status != Cancelled {
		t.Fatalf("status => %v", info.Status)
	}
}

func TestAnnouncementPreRegistersTransfer(t *testing.T) {
	src := testExchange(t, 1, &fakeRouter{}, 1024, nil)
	dst := testExchange(t, 2, &fakeRouter{}, 1024, nil)

	router := &fakeRouter{}
	src.router = router
	src.Send(2, pattern(100), "blob")

	// first routed message is the announcement
	router.mu.Lock()
	ann := router.routed[0]
	router.mu.Unlock()
	if ann.Type != net.TransferRequest {
		t.Fatalf("first message => %v", ann.Type)
	}

	answer, ok := dst.HandleRequest(ann.Payload, 1)
	if !ok {
		t.Fatal("announcement rejected")
	}
	if answer.Type != net.TransferResponse || answer.Receiver != 1 {
		t.Fatalf("answer => %+v", answer)
	}

	active := dst.ActiveTransfers()
	if len(active) != 1 || active[0].DataType != "blob" || active[0].TotalSize != 100 {
		t.Fatalf("pre-registered transfer => %+v", active)
	}
}

func TestCleanupEvictsTerminalTransfers(t *testing.T) {
	e := testExchange(t, 1, &fakeRouter{}, 1024, nil)

	id := e.Send(2, pattern(10), "generic")

	e.transfersMu.Lock()
	e.outgoing[id].LastUpdate = time.Now().Add(-DefaultCleanupTTL - time.Minute)
	e.transfersMu.Unlock()

	e.Cleanup(DefaultCleanupTTL)

	if _, ok := e.TransferInfo(id); ok {
		t.Fatal("terminal transfer should have been evicted")
	}
}
