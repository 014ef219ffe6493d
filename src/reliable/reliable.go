// Package reliable layers acknowledgement, bounded retry, and delivery
// accounting over the transport. It guarantees eventual
// delivery-or-failure per message, never ordering.
package reliable

import (
	"sync"
	"time"

	"github.com/mosaicnetworks/mesh/src/common"
	"github.com/mosaicnetworks/mesh/src/net"
	"github.com/mosaicnetworks/mesh/src/peers"
	"github.com/sirupsen/logrus"
)

// Status tracks one reliable message through its life.
type Status int

const (
	Pending Status = iota
	Acknowledged
	Timeout
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Acknowledged:
		return "ACKNOWLEDGED"
	case Timeout:
		return "TIMEOUT"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Defaults for the retry sweep and acknowledged-entry eviction.
const (
	DefaultRetryTimeout = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultAckTTL       = 300 * time.Second
)

// Sender is the slice of the transport the reliable layer needs.
type Sender interface {
	Send(peer peers.ID, msg net.Message) error
}

// Message is the bookkeeping entry for one reliable send. ID is the
// caller-visible handle; the wire correlates acknowledgements by
// net.WireKey of the transmitted message.
type Message struct {
	ID          uint64
	Msg         net.Message
	Destination peers.ID
	Status      Status
	Retries     int
	SendTime    time.Time
	LastAttempt time.Time
}

// Stats are the delivery counters.
type Stats struct {
	Sent         uint64
	Acknowledged uint64
	Failed       uint64
}

// DeliveryRate is the percentage of sends that were acknowledged.
func (s Stats) DeliveryRate() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Acknowledged) / float64(s.Sent) * 100
}

// Reliable tracks pending sends and drives the retry sweep.
type Reliable struct {
	trans  Sender
	ids    common.IDSource
	logger *logrus.Entry

	mu      sync.Mutex
	pending map[uint64]*Message
	byKey   map[uint64]uint64
	stats   Stats

	onDelivered func(id uint64, peer peers.ID)
	onFailed    func(id uint64, peer peers.ID)
}

// New returns a reliable layer sending through trans and minting
// handles from ids. The callbacks may be nil; they are invoked without
// any lock held.
func New(
	trans Sender,
	ids common.IDSource,
	logger *logrus.Entry,
	onDelivered func(id uint64, peer peers.ID),
	onFailed func(id uint64, peer peers.ID),
) *Reliable {
	return &Reliable{
		trans:       trans,
		ids:         ids,
		logger:      logger.WithField("prefix", "reliable"),
		pending:     make(map[uint64]*Message),
		byKey:       make(map[uint64]uint64),
		onDelivered: onDelivered,
		onFailed:    onFailed,
	}
}

// Send records msg as pending and transmits the first attempt. A
// transport error is one failed attempt toward the retry budget, not a
// terminal failure; the sweep retries it. The returned handle is never
// 0.
func (r *Reliable) Send(target peers.ID, msg net.Message) uint64 {
	handle := r.ids.Uint64()
	now := time.Now()

	entry := &Message{
		ID:          handle,
		Msg:         msg,
		Destination: target,
		Status:      Pending,
		SendTime:    now,
		LastAttempt: now,
	}

	r.mu.Lock()
	r.pending[handle] = entry
	r.byKey[net.WireKey(msg)] = handle
	r.stats.Sent++
	r.mu.Unlock()

	if err := r.trans.Send(target, msg); err != nil {
		r.logger.WithFields(logrus.Fields{
			"peer":  target,
			"error": err,
		}).Debug("First attempt failed, leaving for retry sweep")
	}

	return handle
}

// HandleAck marks the message correlated by key as acknowledged.
// Duplicate and late acknowledgements are ignored; an acknowledged
// entry never reverts.
func (r *Reliable) HandleAck(key uint64, from peers.ID) {
	r.mu.Lock()

	handle, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return
	}

	entry := r.pending[handle]
	if entry == nil || entry.Status != Pending {
		r.mu.Unlock()
		return
	}

	entry.Status = Acknowledged
	r.stats.Acknowledged++
	cb := r.onDelivered
	r.mu.Unlock()

	if cb != nil {
		cb(handle, from)
	}
}

// IsAcknowledged reports whether the message with the given handle has
// been acknowledged.
func (r *Reliable) IsAcknowledged(handle uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[handle]
	return ok && entry.Status == Acknowledged
}

// RetrySweep retries every pending entry whose last attempt is older
// than timeout, while the attempt count is below maxRetries; entries at
// the budget transition to Failed and are evicted. The sweep is
// idempotent under partial completion.
func (r *Reliable) RetrySweep(timeout time.Duration, maxRetries int) {
	now := time.Now()
	cutoff := now.Add(-timeout)

	type attempt struct {
		dest peers.ID
		msg  net.Message
	}

	var toRetry []attempt
	var toFail []*Message

	r.mu.Lock()
	for _, entry := range r.pending {
		if entry.Status != Pending || entry.LastAttempt.After(cutoff) {
			continue
		}

		if entry.Retries+1 < maxRetries {
			entry.Retries++
			entry.LastAttempt = now
			toRetry = append(toRetry, attempt{dest: entry.Destination, msg: entry.Msg})
		} else {
			entry.Status = Failed
			r.stats.Failed++
			delete(r.pending, entry.ID)
			delete(r.byKey, net.WireKey(entry.Msg))
			toFail = append(toFail, entry)
		}
	}
	cb := r.onFailed
	r.mu.Unlock()

	for _, a := range toRetry {
		// retransmissions keep the original timestamp so the ack key
		// stays stable
		if err := r.trans.Send(a.dest, a.msg); err != nil {
			r.logger.WithField("peer", a.dest).Debug("Retry attempt failed")
		}
	}

	for _, entry := range toFail {
		r.logger.WithFields(logrus.Fields{
			"message": entry.ID,
			"peer":    entry.Destination,
			"retries": entry.Retries,
		}).Warn("Reliable message failed")

		if cb != nil {
			cb(entry.ID, entry.Destination)
		}
	}
}

// Cleanup evicts acknowledged entries older than ttl so late duplicate
// acknowledgements cannot resurrect them.
func (r *Reliable) Cleanup(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	for handle, entry := range r.pending {
		if entry.Status == Acknowledged && entry.SendTime.Before(cutoff) {
			delete(r.pending, handle)
			delete(r.byKey, net.WireKey(entry.Msg))
		}
	}
}

// PendingCount returns the number of tracked entries.
func (r *Reliable) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}

// Stats returns a copy of the delivery counters.
func (r *Reliable) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stats
}
