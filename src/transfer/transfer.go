// Package transfer moves large payloads over the routing fabric by
// splitting them into sequenced chunks and reassembling them from
// arbitrary arrival order. Per-chunk reliability is not layered in; a
// transfer with missing chunks stays in progress, and Cleanup, which
// evicts only terminal transfers, does not remove it.
package transfer

import (
	"sync"
	"time"

	"github.com/mosaicnetworks/mesh/src/common"
	"github.com/mosaicnetworks/mesh/src/net"
	"github.com/mosaicnetworks/mesh/src/peers"
	"github.com/mosaicnetworks/mesh/src/routing"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// Status tracks one transfer through its life.
type Status int

const (
	Pending Status = iota
	InProgress
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case InProgress:
		return "IN_PROGRESS"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether a transfer in this status is finished.
func (s Status) terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Defaults for chunking and terminal-transfer eviction.
const (
	DefaultChunkSize  = 4096
	DefaultCleanupTTL = 3600 * time.Second

	// DefaultDataType labels transfers whose announcement never
	// arrived.
	DefaultDataType = "generic"
)

// Router is the slice of the routing fabric the exchange needs.
type Router interface {
	Route(msg net.Message, strategy routing.Strategy) error
}

// Transfer is the bookkeeping entry for one direction of one transfer.
type Transfer struct {
	ID              uint64
	Source          peers.ID
	Destination     peers.ID
	DataType        string
	TotalSize       int
	TransferredSize int
	Status          Status
	StartTime       time.Time
	LastUpdate      time.Time
}

// Announce is the TRANSFER_REQUEST body, sent ahead of the first chunk
// so the receiver can pre-register the transfer. CBOR-encoded.
type Announce struct {
	TransferID  uint64
	DataType    string
	TotalSize   int64
	TotalChunks uint32
}

// Answer is the TRANSFER_RESPONSE body. A decline cancels the
// remaining chunk sends at the source.
type Answer struct {
	TransferID uint64
	Accepted   bool
}

// Stats are the exchange counters.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	Completed     uint64
	Failed        uint64
}

// Exchange implements the chunked data-transfer layer for one node.
type Exchange struct {
	selfID    peers.ID
	router    Router
	ids       common.IDSource
	chunkSize int
	logger    *logrus.Entry

	transfersMu sync.Mutex
	outgoing    map[uint64]*Transfer
	incoming    map[uint64]*Transfer

	chunksMu       sync.Mutex
	receivedChunks map[uint64]map[uint32]net.Chunk
	completedData  map[uint64][]byte

	statsMu sync.Mutex
	stats   Stats

	onDataReceived func(source peers.ID, data []byte, dataType string)
	onProgress     func(id uint64, transferred, total int)
	onComplete     func(id uint64, success bool)

	cbor codec.CborHandle
}

// New returns an exchange sending through router. chunkSize 0 selects
// the default. The callbacks may be nil; they run without any lock
// held.
func New(
	selfID peers.ID,
	router Router,
	ids common.IDSource,
	chunkSize int,
	logger *logrus.Entry,
	onDataReceived func(source peers.ID, data []byte, dataType string),
	onProgress func(id uint64, transferred, total int),
	onComplete func(id uint64, success bool),
) *Exchange {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Exchange{
		selfID:         selfID,
		router:         router,
		ids:            ids,
		chunkSize:      chunkSize,
		logger:         logger.WithField("prefix", "transfer"),
		outgoing:       make(map[uint64]*Transfer),
		incoming:       make(map[uint64]*Transfer),
		receivedChunks: make(map[uint64]map[uint32]net.Chunk),
		completedData:  make(map[uint64][]byte),
		onDataReceived: onDataReceived,
		onProgress:     onProgress,
		onComplete:     onComplete,
	}
}

// split cuts data into dense chunks of at most chunkSize bytes. The
// final chunk is marked last and may be shorter.
func (e *Exchange) split(data []byte, transferID uint64) []net.Chunk {
	total := (len(data) + e.chunkSize - 1) / e.chunkSize
	if total == 0 {
		total = 1
	}

	chunks := make([]net.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * e.chunkSize
		end := start + e.chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, net.Chunk{
			ChunkID:     transferID,
			Sequence:    uint32(i),
			TotalChunks: uint32(total),
			IsLast:      i == total-1,
			Data:        append([]byte(nil), data[start:end]...),
		})
	}
	return chunks
}

// Send splits data and routes each chunk to target over the shortest
// path. It returns the transfer ID, or 0 when a chunk could not be
// routed and the transfer was marked failed.
func (e *Exchange) Send(target peers.ID, data []byte, dataType string) uint64 {
	transferID := e.ids.Uint64()
	now := time.Now()

	entry := &Transfer{
		ID:          transferID,
		Source:      e.selfID,
		Destination: target,
		DataType:    dataType,
		TotalSize:   len(data),
		Status:      InProgress,
		StartTime:   now,
		LastUpdate:  now,
	}

	e.transfersMu.Lock()
	e.outgoing[transferID] = entry
	e.transfersMu.Unlock()

	chunks := e.split(data, transferID)

	e.announce(target, Announce{
		TransferID:  transferID,
		DataType:    dataType,
		TotalSize:   int64(len(data)),
		TotalChunks: uint32(len(chunks)),
	})

	for _, chunk := range chunks {
		if e.status(transferID) == Cancelled {
			e.logger.WithField("transfer", transferID).Info("Transfer cancelled, stopping chunk sends")
			return 0
		}

		msg := net.NewMessage(net.DataChunk, e.selfID, target, net.EncodeChunk(chunk))
		if err := e.router.Route(msg, routing.ShortestPath); err != nil {
			e.logger.WithFields(logrus.Fields{
				"transfer": transferID,
				"sequence": chunk.Sequence,
				"error":    err,
			}).Error("Chunk send failed")
			e.finishOutgoing(transferID, false)
			return 0
		}

		e.statsMu.Lock()
		e.stats.BytesSent += uint64(len(chunk.Data))
		e.statsMu.Unlock()

		e.advanceOutgoing(transferID, len(chunk.Data))
	}

	e.finishOutgoing(transferID, true)
	return transferID
}

// announce sends the transfer handshake; chunk delivery does not depend
// on it.
func (e *Exchange) announce(target peers.ID, ann Announce) {
	var payload []byte
	if err := codec.NewEncoderBytes(&payload, &e.cbor).Encode(ann); err != nil {
		return
	}

	msg := net.NewMessage(net.TransferRequest, e.selfID, target, payload)
	if err := e.router.Route(msg, routing.ShortestPath); err != nil {
		e.logger.WithField("transfer", ann.TransferID).Debug("Transfer announcement undeliverable")
	}
}

func (e *Exchange) status(transferID uint64) Status {
	e.transfersMu.Lock()
	defer e.transfersMu.Unlock()

	if entry, ok := e.outgoing[transferID]; ok {
		return entry.Status
	}
	return Pending
}

func (e *Exchange) advanceOutgoing(transferID uint64, n int) {
	e.transfersMu.Lock()
	entry, ok := e.outgoing[transferID]
	var transferred, total int
	if ok {
		entry.TransferredSize += n
		entry.LastUpdate = time.Now()
		transferred, total = entry.TransferredSize, entry.TotalSize
	}
	cb := e.onProgress
	e.transfersMu.Unlock()

	if ok && cb != nil {
		cb(transferID, transferred, total)
	}
}

func (e *Exchange) finishOutgoing(transferID uint64, success bool) {
	e.transfersMu.Lock()
	entry, ok := e.outgoing[transferID]
	if ok && !entry.Status.terminal() {
		if success {
			entry.Status = Completed
		} else {
			entry.Status = Failed
		}
		entry.LastUpdate = time.Now()
	} else {
		ok = false
	}
	cb := e.onComplete
	e.transfersMu.Unlock()

	if !ok {
		return
	}

	e.statsMu.Lock()
	if success {
		e.stats.Completed++
	} else {
		e.stats.Failed++
	}
	e.statsMu.Unlock()

	if cb != nil {
		cb(transferID, success)
	}
}

// HandleRequest processes a TRANSFER_REQUEST, pre-registering the
// incoming transfer, and returns the answer to route back.
func (e *Exchange) HandleRequest(payload []byte, source peers.ID) (net.Message, bool) {
	var ann Announce
	if err := codec.NewDecoderBytes(payload, &e.cbor).Decode(&ann); err != nil {
		e.logger.WithError(err).Debug("Malformed transfer announcement")
		return net.Message{}, false
	}

	now := time.Now()

	e.transfersMu.Lock()
	if _, ok := e.incoming[ann.TransferID]; !ok {
		e.incoming[ann.TransferID] = &Transfer{
			ID:          ann.TransferID,
			Source:      source,
			Destination: e.selfID,
			DataType:    ann.DataType,
			TotalSize:   int(ann.TotalSize),
			Status:      Pending,
			StartTime:   now,
			LastUpdate:  now,
		}
	} else if e.incoming[ann.TransferID].DataType == DefaultDataType {
		// chunks beat the announcement; backfill the metadata
		e.incoming[ann.TransferID].DataType = ann.DataType
		e.incoming[ann.TransferID].TotalSize = int(ann.TotalSize)
	}
	e.transfersMu.Unlock()

	var out []byte
	if err := codec.NewEncoderBytes(&out, &e.cbor).Encode(Answer{TransferID: ann.TransferID, Accepted: true}); err != nil {
		return net.Message{}, false
	}

	return net.NewMessage(net.TransferResponse, e.selfID, source, out), true
}

// HandleResponse processes a TRANSFER_RESPONSE. A decline cancels the
// rest of the outgoing transfer.
func (e *Exchange) HandleResponse(payload []byte, source peers.ID) {
	var ans Answer
	if err := codec.NewDecoderBytes(payload, &e.cbor).Decode(&ans); err != nil {
		return
	}

	if !ans.Accepted {
		e.logger.WithFields(logrus.Fields{
			"transfer": ans.TransferID,
			"peer":     source,
		}).Warn("Transfer declined by receiver")
		e.Cancel(ans.TransferID)
	}
}

// HandleChunk records one received chunk, creating the incoming
// transfer on first sight, and reassembles once every sequence is
// present. Duplicate chunks overwrite harmlessly.
func (e *Exchange) HandleChunk(chunk net.Chunk, source peers.ID) {
	transferID := chunk.ChunkID
	now := time.Now()

	e.chunksMu.Lock()
	seqs, ok := e.receivedChunks[transferID]
	if !ok {
		seqs = make(map[uint32]net.Chunk)
		e.receivedChunks[transferID] = seqs
	}
	_, dup := seqs[chunk.Sequence]
	seqs[chunk.Sequence] = chunk
	complete := chunk.TotalChunks > 0 && len(seqs) >= int(chunk.TotalChunks)
	e.chunksMu.Unlock()

	e.transfersMu.Lock()
	entry, ok := e.incoming[transferID]
	if !ok {
		entry = &Transfer{
			ID:          transferID,
			Source:      source,
			Destination: e.selfID,
			DataType:    DefaultDataType,
			Status:      InProgress,
			StartTime:   now,
			LastUpdate:  now,
		}
		e.incoming[transferID] = entry
	}
	if !entry.Status.terminal() {
		entry.Status = InProgress
	}
	if !dup {
		entry.TransferredSize += len(chunk.Data)
	}
	entry.LastUpdate = now
	if chunk.IsLast && entry.TotalSize == 0 {
		entry.TotalSize = entry.TransferredSize
	}
	transferred, total := entry.TransferredSize, entry.TotalSize
	progressCb := e.onProgress
	e.transfersMu.Unlock()

	if !dup {
		e.statsMu.Lock()
		e.stats.BytesReceived += uint64(len(chunk.Data))
		e.statsMu.Unlock()
	}

	if progressCb != nil {
		progressCb(transferID, transferred, total)
	}

	if complete {
		e.reassemble(transferID, chunk.TotalChunks)
	}
}

// reassemble concatenates the chunks in sequence order, stores the
// result, and fires the data-received callback once.
func (e *Exchange) reassemble(transferID uint64, totalChunks uint32) {
	e.chunksMu.Lock()
	if _, done := e.completedData[transferID]; done {
		e.chunksMu.Unlock()
		return
	}

	seqs := e.receivedChunks[transferID]
	size := 0
	for i := uint32(0); i < totalChunks; i++ {
		chunk, ok := seqs[i]
		if !ok {
			e.chunksMu.Unlock()
			return
		}
		size += len(chunk.Data)
	}

	data := make([]byte, 0, size)
	for i := uint32(0); i < totalChunks; i++ {
		data = append(data, seqs[i].Data...)
	}
	e.completedData[transferID] = data
	delete(e.receivedChunks, transferID)
	e.chunksMu.Unlock()

	e.transfersMu.Lock()
	entry := e.incoming[transferID]
	var source peers.ID
	dataType := DefaultDataType
	if entry != nil {
		entry.Status = Completed
		entry.TotalSize = len(data)
		entry.LastUpdate = time.Now()
		source = entry.Source
		dataType = entry.DataType
	}
	cb := e.onDataReceived
	e.transfersMu.Unlock()

	e.statsMu.Lock()
	e.stats.Completed++
	e.statsMu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"transfer": transferID,
		"bytes":    len(data),
		"source":   source,
	}).Info("Transfer reassembled")

	if cb != nil && source != 0 {
		cb(source, data, dataType)
	}
}

// Cancel stops the remaining chunk sends of an outgoing transfer.
// Chunks already handed to the router are not recalled.
func (e *Exchange) Cancel(transferID uint64) bool {
	e.transfersMu.Lock()
	defer e.transfersMu.Unlock()

	entry, ok := e.outgoing[transferID]
	if !ok || entry.Status.terminal() {
		return false
	}

	entry.Status = Cancelled
	entry.LastUpdate = time.Now()
	return true
}

// ReceivedData returns the reassembled payload of a completed incoming
// transfer.
func (e *Exchange) ReceivedData(transferID uint64) ([]byte, bool) {
	e.chunksMu.Lock()
	defer e.chunksMu.Unlock()

	data, ok := e.completedData[transferID]
	return data, ok
}

// IsComplete reports whether an incoming transfer has been reassembled.
func (e *Exchange) IsComplete(transferID uint64) bool {
	e.transfersMu.Lock()
	defer e.transfersMu.Unlock()

	entry, ok := e.incoming[transferID]
	return ok && entry.Status == Completed
}

// TransferInfo returns the bookkeeping entry for a transfer in either
// direction.
func (e *Exchange) TransferInfo(transferID uint64) (Transfer, bool) {
	e.transfersMu.Lock()
	defer e.transfersMu.Unlock()

	if entry, ok := e.outgoing[transferID]; ok {
		return *entry, true
	}
	if entry, ok := e.incoming[transferID]; ok {
		return *entry, true
	}
	return Transfer{}, false
}

// ActiveTransfers returns every in-progress transfer, both directions.
func (e *Exchange) ActiveTransfers() []Transfer {
	e.transfersMu.Lock()
	defer e.transfersMu.Unlock()

	out := []Transfer{}
	for _, entry := range e.outgoing {
		if entry.Status == InProgress {
			out = append(out, *entry)
		}
	}
	for _, entry := range e.incoming {
		if entry.Status == InProgress || entry.Status == Pending {
			out = append(out, *entry)
		}
	}
	return out
}

// Cleanup evicts terminal transfers idle for longer than ttl, along
// with their buffered chunks and reassembled payloads.
func (e *Exchange) Cleanup(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	e.transfersMu.Lock()
	var evicted []uint64
	for id, entry := range e.outgoing {
		if entry.Status.terminal() && entry.LastUpdate.Before(cutoff) {
			delete(e.outgoing, id)
		}
	}
	for id, entry := range e.incoming {
		if entry.Status.terminal() && entry.LastUpdate.Before(cutoff) {
			delete(e.incoming, id)
			evicted = append(evicted, id)
		}
	}
	e.transfersMu.Unlock()

	e.chunksMu.Lock()
	for _, id := range evicted {
		delete(e.receivedChunks, id)
		delete(e.completedData, id)
	}
	e.chunksMu.Unlock()
}

// Stats returns a copy of the exchange counters.
func (e *Exchange) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	return e.stats
}
