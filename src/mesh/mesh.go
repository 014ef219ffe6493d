// Package mesh assembles a complete overlay node from its parts:
// transport, engine, and status service.
package mesh

import (
	"fmt"

	"github.com/mosaicnetworks/mesh/src/common"
	"github.com/mosaicnetworks/mesh/src/config"
	"github.com/mosaicnetworks/mesh/src/discovery"
	"github.com/mosaicnetworks/mesh/src/net"
	"github.com/mosaicnetworks/mesh/src/node"
	"github.com/mosaicnetworks/mesh/src/peers"
	"github.com/mosaicnetworks/mesh/src/service"
)

// Mesh is one fully-wired overlay participant.
type Mesh struct {
	Config    *config.Config
	ID        peers.ID
	Node      *node.Node
	Transport net.Transport
	Service   *service.Service

	// Authorize, when set before Init, gates which nodes may register
	// through this one.
	Authorize discovery.AuthorizeFunc

	ids common.IDSource
}

// NewMesh returns an unassembled engine; call Init before Run.
func NewMesh(conf *config.Config) *Mesh {
	return &Mesh{
		Config: conf,
		ids:    common.NewRandomIDSource(),
	}
}

func (m *Mesh) initTransport() error {
	transport, err := net.NewTCPTransport(
		m.Config.BindAddr,
		m.Config.AdvertiseAddr,
		net.Identity{ID: m.ID},
		m.Config.ConnectTimeout,
		net.DefaultMaxPayload,
		m.Config.Logger(),
	)
	if err != nil {
		return fmt.Errorf("bind %s: %w", m.Config.BindAddr, err)
	}

	m.Transport = transport

	return nil
}

func (m *Mesh) initNode() error {
	m.Node = node.NewNode(m.Config, m.ID, m.Transport, m.ids, m.Authorize)
	return nil
}

func (m *Mesh) initService() error {
	if !m.Config.NoService && m.Config.ServiceAddr != "" {
		m.Service = service.NewService(m.Config.ServiceAddr, m.Node, m.Config.Logger())
	}
	return nil
}

// Init mints the node identity, binds the transport, and assembles the
// engine.
func (m *Mesh) Init() error {
	if m.ID == 0 {
		m.ID = peers.ID(m.ids.Uint64())
	}

	if err := m.initTransport(); err != nil {
		return err
	}

	if err := m.initNode(); err != nil {
		return err
	}

	if err := m.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the service and enters the node's main loop. It returns
// when the node shuts down, or immediately with an error when joining
// the overlay failed.
func (m *Mesh) Run() error {
	if m.Service != nil {
		go m.Service.Serve()
	}

	if err := m.Node.Init(); err != nil {
		return err
	}

	m.Node.Run()

	return nil
}
