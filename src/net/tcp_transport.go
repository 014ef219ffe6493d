package net

import (
	"bufio"
	"errors"
	"fmt"
	gonet "net"
	"sync"
	"time"

	"github.com/mosaicnetworks/mesh/src/peers"
	"github.com/sirupsen/logrus"
)

const (
	// outQueueSize is the per-peer outbound buffer. A peer that cannot
	// drain this many frames is torn down rather than allowed to stall
	// senders.
	outQueueSize = 256

	consumeQueueSize = 1024
)

// TCPTransport is a frame transport over a stream layer. It runs one
// accept goroutine plus one reader and one writer goroutine per
// connection; a blocked peer socket never prevents delivery to another
// peer.
type TCPTransport struct {
	logger *logrus.Entry

	local      Identity
	stream     StreamLayer
	timeout    time.Duration
	maxPayload uint32

	mu       sync.Mutex
	conns    map[peers.ID]*peerConn
	shutdown bool

	consumeCh  chan Inbound
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

type peerConn struct {
	identity Identity
	conn     gonet.Conn
	outCh    chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (c *peerConn) shut() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// NewTCPTransport binds bindAddr and returns a transport identified as
// local. advertiseAddr may be empty, in which case the bound address is
// advertised.
func NewTCPTransport(
	bindAddr string,
	advertiseAddr string,
	local Identity,
	timeout time.Duration,
	maxPayload uint32,
	logger *logrus.Entry,
) (*TCPTransport, error) {
	stream, err := NewTCPStreamLayer(bindAddr, advertiseAddr)
	if err != nil {
		return nil, err
	}

	return NewTransportWithStream(stream, local, timeout, maxPayload, logger), nil
}

// NewTransportWithStream builds a transport on an already-bound stream
// layer.
func NewTransportWithStream(
	stream StreamLayer,
	local Identity,
	timeout time.Duration,
	maxPayload uint32,
	logger *logrus.Entry,
) *TCPTransport {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	if local.NetAddr.IsZero() {
		if addr, err := peers.ParseAddress(stream.AdvertiseAddr()); err == nil {
			local.NetAddr = addr
		}
	}

	return &TCPTransport{
		logger:     logger,
		local:      local,
		stream:     stream,
		timeout:    timeout,
		maxPayload: maxPayload,
		conns:      make(map[peers.ID]*peerConn),
		consumeCh:  make(chan Inbound, consumeQueueSize),
		shutdownCh: make(chan struct{}),
	}
}

// Listen implements the Transport interface.
func (t *TCPTransport) Listen() {
	t.wg.Add(1)
	go t.acceptLoop()
}

// Consumer implements the Transport interface.
func (t *TCPTransport) Consumer() <-chan Inbound {
	return t.consumeCh
}

// LocalAddr implements the Transport interface.
func (t *TCPTransport) LocalAddr() string {
	if addr := t.stream.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// AdvertiseAddr implements the Transport interface.
func (t *TCPTransport) AdvertiseAddr() peers.Address {
	return t.local.NetAddr
}

// IsShutdown reports whether Close has been called.
func (t *TCPTransport) IsShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.stream.Accept()
		if err != nil {
			if t.IsShutdown() {
				return
			}
			t.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleInbound(conn)
		}()
	}
}

func (t *TCPTransport) handleInbound(conn gonet.Conn) {
	conn.SetDeadline(time.Now().Add(t.timeout))

	remote, err := readHello(conn)
	if err != nil {
		t.logger.WithError(err).Debug("Rejecting inbound connection")
		conn.Close()
		return
	}

	if err := writeHello(conn, t.local); err != nil {
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})

	if remote.ID == t.local.ID {
		t.logger.Warn("Rejecting connection from own id")
		conn.Close()
		return
	}

	pc, err := t.register(remote, conn)
	if err != nil {
		conn.Close()
		return
	}

	t.runConn(pc)
}

// Connect implements the Transport interface.
func (t *TCPTransport) Connect(addr peers.Address, expect peers.ID) (peers.ID, error) {
	if t.IsShutdown() {
		return 0, ErrTransportShutdown
	}

	conn, err := t.stream.Dial(addr.String(), t.timeout)
	if err != nil {
		return 0, err
	}

	conn.SetDeadline(time.Now().Add(t.timeout))

	if err := writeHello(conn, t.local); err != nil {
		conn.Close()
		return 0, err
	}

	remote, err := readHello(conn)
	if err != nil {
		conn.Close()
		return 0, err
	}

	conn.SetDeadline(time.Time{})

	if remote.ID == t.local.ID {
		conn.Close()
		return 0, fmt.Errorf("%w: dialed self", ErrIdentityMismatch)
	}
	if expect != 0 && remote.ID != expect {
		conn.Close()
		return remote.ID, ErrIdentityMismatch
	}

	pc, err := t.register(remote, conn)
	if err != nil {
		conn.Close()
		if errors.Is(err, ErrAlreadyConnected) {
			return remote.ID, nil
		}
		return remote.ID, err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runConn(pc)
	}()

	return remote.ID, nil
}

func (t *TCPTransport) register(remote Identity, conn gonet.Conn) (*peerConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil, ErrTransportShutdown
	}

	if _, ok := t.conns[remote.ID]; ok {
		return nil, ErrAlreadyConnected
	}

	pc := &peerConn{
		identity: remote,
		conn:     conn,
		outCh:    make(chan []byte, outQueueSize),
		closed:   make(chan struct{}),
	}
	t.conns[remote.ID] = pc

	return pc, nil
}

// runConn drives the writer goroutine and the reader loop for one
// registered connection. It returns when the connection dies.
func (t *TCPTransport) runConn(pc *peerConn) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.writeLoop(pc)
	}()

	t.readLoop(pc)
}

func (t *TCPTransport) readLoop(pc *peerConn) {
	defer t.teardown(pc)

	r := bufio.NewReader(pc.conn)

	for {
		msg, err := ReadMessage(r, t.maxPayload)
		if err != nil {
			if !t.IsShutdown() {
				t.logger.WithFields(logrus.Fields{
					"peer":  pc.identity.ID,
					"error": err,
				}).Debug("Connection read failed")
			}
			return
		}

		select {
		case t.consumeCh <- Inbound{Msg: msg, From: pc.identity.ID}:
		case <-t.shutdownCh:
			return
		}
	}
}

func (t *TCPTransport) writeLoop(pc *peerConn) {
	for {
		select {
		case <-pc.closed:
			return
		case buf := <-pc.outCh:
			if t.timeout > 0 {
				pc.conn.SetWriteDeadline(time.Now().Add(t.timeout))
			}
			if _, err := pc.conn.Write(buf); err != nil {
				t.teardown(pc)
				return
			}
		}
	}
}

func (t *TCPTransport) teardown(pc *peerConn) {
	pc.shut()

	t.mu.Lock()
	if cur, ok := t.conns[pc.identity.ID]; ok && cur == pc {
		delete(t.conns, pc.identity.ID)
	}
	t.mu.Unlock()
}

// Send implements the Transport interface.
func (t *TCPTransport) Send(peer peers.ID, msg Message) error {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}

	select {
	case <-pc.closed:
		return ErrNotConnected
	case pc.outCh <- MarshalMessage(msg):
		return nil
	default:
		// the peer stopped draining; cut it loose
		t.logger.WithField("peer", peer).Warn("Dropping stalled connection")
		t.teardown(pc)
		return ErrNotConnected
	}
}

// Broadcast implements the Transport interface.
func (t *TCPTransport) Broadcast(msg Message, exclude peers.ID) int {
	sent := 0
	for _, id := range t.ConnectedIDs() {
		if id == exclude {
			continue
		}
		if err := t.Send(id, msg); err == nil {
			sent++
		}
	}
	return sent
}

// Connected implements the Transport interface.
func (t *TCPTransport) Connected(peer peers.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.conns[peer]
	return ok
}

// ConnectedIDs implements the Transport interface.
func (t *TCPTransport) ConnectedIDs() []peers.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]peers.ID, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// PeerIdentity returns the handshake identity of a connected peer. The
// advertised address, not the socket's remote address, is what
// registration validates.
func (t *TCPTransport) PeerIdentity(peer peers.ID) (Identity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.conns[peer]
	if !ok {
		return Identity{}, false
	}
	return pc.identity, true
}

// Disconnect implements the Transport interface.
func (t *TCPTransport) Disconnect(peer peers.ID) bool {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()

	if !ok {
		return false
	}

	t.teardown(pc)
	return true
}

// Close implements the Transport interface.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	close(t.shutdownCh)
	t.stream.Close()

	for _, pc := range conns {
		t.teardown(pc)
	}

	t.wg.Wait()
	return nil
}
