package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mosaicnetworks/mesh/src/peers"
)

// Every connection opens with an identity preamble in each direction,
// before any frame: magic, protocol version, node ID, and the advertised
// listen address. It binds the connection to a peer ID (outbound dials
// included) and gives the acceptor the dialer's advertised address, which
// the ephemeral TCP source port cannot provide.
//
//	offset size field
//	  0     2   magic "MP"
//	  2     1   protocol version
//	  3     8   node id (little-endian)
//	 11     2   advertised port (little-endian)
//	 13     1   host length
//	 14     N   host
const (
	protocolVersion = 1
	maxHostLen      = 255
)

var helloMagic = [2]byte{'M', 'P'}

var (
	// ErrBadHandshake is returned when the preamble is malformed or the
	// protocol versions do not match.
	ErrBadHandshake = errors.New("bad identity handshake")

	// ErrIdentityMismatch is returned when a dialed peer identifies as a
	// different node than the registry predicted.
	ErrIdentityMismatch = errors.New("peer identity mismatch")
)

// Identity is the local node's handshake material.
type Identity struct {
	ID      peers.ID
	NetAddr peers.Address
}

func writeHello(w io.Writer, id Identity) error {
	host := id.NetAddr.Host
	if len(host) > maxHostLen {
		return fmt.Errorf("%w: host too long", ErrBadHandshake)
	}

	buf := make([]byte, 14+len(host))
	copy(buf, helloMagic[:])
	buf[2] = protocolVersion
	binary.LittleEndian.PutUint64(buf[3:], uint64(id.ID))
	binary.LittleEndian.PutUint16(buf[11:], id.NetAddr.Port)
	buf[13] = byte(len(host))
	copy(buf[14:], host)

	_, err := w.Write(buf)
	return err
}

func readHello(r io.Reader) (Identity, error) {
	var fixed [14]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Identity{}, err
	}

	if fixed[0] != helloMagic[0] || fixed[1] != helloMagic[1] {
		return Identity{}, fmt.Errorf("%w: bad magic", ErrBadHandshake)
	}
	if fixed[2] != protocolVersion {
		return Identity{}, fmt.Errorf("%w: version %d", ErrBadHandshake, fixed[2])
	}

	id := Identity{
		ID: peers.ID(binary.LittleEndian.Uint64(fixed[3:])),
		NetAddr: peers.Address{
			Port: binary.LittleEndian.Uint16(fixed[11:]),
		},
	}

	hostLen := int(fixed[13])
	if hostLen > 0 {
		host := make([]byte, hostLen)
		if _, err := io.ReadFull(r, host); err != nil {
			return Identity{}, err
		}
		id.NetAddr.Host = string(host)
	}

	if id.ID == 0 {
		return Identity{}, fmt.Errorf("%w: zero node id", ErrBadHandshake)
	}

	return id, nil
}
