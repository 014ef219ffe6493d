// Package service exposes a read-only HTTP API over a running node:
// JSON status endpoints and Prometheus metrics.
package service

import (
	"encoding/json"
	"net/http"

	"github.com/mosaicnetworks/mesh/src/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Service serves engine state over HTTP.
type Service struct {
	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
	mux         *http.ServeMux
	registry    *prometheus.Registry
}

// NewService returns a service bound to n. Serve must be called to
// start listening.
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := &Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger.WithField("prefix", "service"),
		mux:         http.NewServeMux(),
		registry:    prometheus.NewRegistry(),
	}

	service.registerMetrics()
	service.registerHandlers()

	return service
}

func (s *Service) registerMetrics() {
	n := s.node

	s.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mesh_peers",
			Help: "Number of direct peer links.",
		}, func() float64 { return float64(n.PeerCount()) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mesh_known_nodes",
			Help: "Number of nodes in the topology registry.",
		}, func() float64 { return float64(n.Topology().Size()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mesh_reliable_sent_total",
			Help: "Reliable messages sent.",
		}, func() float64 { return float64(n.Reliable().Stats().Sent) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mesh_reliable_acknowledged_total",
			Help: "Reliable messages acknowledged.",
		}, func() float64 { return float64(n.Reliable().Stats().Acknowledged) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mesh_reliable_failed_total",
			Help: "Reliable messages that exhausted their retries.",
		}, func() float64 { return float64(n.Reliable().Stats().Failed) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mesh_routed_messages_total",
			Help: "Messages routed by this node.",
		}, func() float64 { return float64(n.Router().Stats().Routed) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mesh_forwarded_messages_total",
			Help: "Transit messages forwarded by this node.",
		}, func() float64 { return float64(n.Router().Stats().Forwarded) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mesh_transfer_bytes_sent_total",
			Help: "Data-transfer bytes sent.",
		}, func() float64 { return float64(n.Exchange().Stats().BytesSent) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mesh_transfer_bytes_received_total",
			Help: "Data-transfer bytes received.",
		}, func() float64 { return float64(n.Exchange().Stats().BytesReceived) }),
	)
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	s.mux.HandleFunc("/topology", s.makeHandler(s.GetTopology))
	s.mux.HandleFunc("/transfers", s.makeHandler(s.GetTransfers))
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		fn(w, r)
	}
}

// Serve blocks serving the API.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Info("Serving API")

	if err := http.ListenAndServe(s.bindAddress, s.mux); err != nil {
		s.logger.WithError(err).Error("API server stopped")
	}
}

// Handler returns the HTTP handler, for embedding in another server.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Stats is the /stats response body.
type Stats struct {
	ID             string  `json:"id"`
	Addr           string  `json:"addr"`
	State          string  `json:"state"`
	Registration   string  `json:"registration"`
	Peers          int     `json:"peers"`
	KnownNodes     int     `json:"known_nodes"`
	Connected      bool    `json:"connected"`
	Sent           uint64  `json:"reliable_sent"`
	Acknowledged   uint64  `json:"reliable_acknowledged"`
	Failed         uint64  `json:"reliable_failed"`
	DeliveryRate   float64 `json:"delivery_rate"`
	Routed         uint64  `json:"routed"`
	Forwarded      uint64  `json:"forwarded"`
	AverageHops    float64 `json:"average_hops"`
	BytesSent      uint64  `json:"transfer_bytes_sent"`
	BytesReceived  uint64  `json:"transfer_bytes_received"`
	TransfersOK    uint64  `json:"transfers_completed"`
	TransfersBroke uint64  `json:"transfers_failed"`
}

// GetStats returns the aggregate engine statistics.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	n := s.node
	rel := n.Reliable().Stats()
	rt := n.Router().Stats()
	ex := n.Exchange().Stats()

	stats := Stats{
		ID:             n.ID().String(),
		Addr:           n.Addr().String(),
		State:          n.GetState().String(),
		Registration:   n.RegistrationStatus().String(),
		Peers:          n.PeerCount(),
		KnownNodes:     n.Topology().Size(),
		Connected:      n.Topology().IsConnected(),
		Sent:           rel.Sent,
		Acknowledged:   rel.Acknowledged,
		Failed:         rel.Failed,
		DeliveryRate:   rel.DeliveryRate(),
		Routed:         rt.Routed,
		Forwarded:      rt.Forwarded,
		AverageHops:    rt.AverageHopCount(),
		BytesSent:      ex.BytesSent,
		BytesReceived:  ex.BytesReceived,
		TransfersOK:    ex.Completed,
		TransfersBroke: ex.Failed,
	}

	s.writeJSON(w, stats)
}

// PeerInfo is one entry of the /peers response.
type PeerInfo struct {
	ID      string `json:"id"`
	NetAddr string `json:"addr"`
}

// GetPeers returns the current peer links.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	out := []PeerInfo{}
	for _, p := range s.node.Peers() {
		out = append(out, PeerInfo{ID: p.ID.String(), NetAddr: p.NetAddr.String()})
	}

	s.writeJSON(w, out)
}

// TopologyView is the /topology response body.
type TopologyView struct {
	Nodes     map[string]string   `json:"nodes"`
	Adjacency map[string][]string `json:"adjacency"`
	Connected bool                `json:"connected"`
}

// GetTopology returns the registry and adjacency.
func (s *Service) GetTopology(w http.ResponseWriter, r *http.Request) {
	registry, adjacency := s.node.Topology().Snapshot()

	view := TopologyView{
		Nodes:     make(map[string]string, len(registry)),
		Adjacency: make(map[string][]string, len(adjacency)),
		Connected: s.node.Topology().IsConnected(),
	}
	for id, addr := range registry {
		view.Nodes[id.String()] = addr.String()
	}
	for id, neighbors := range adjacency {
		list := make([]string, len(neighbors))
		for i, n := range neighbors {
			list[i] = n.String()
		}
		view.Adjacency[id.String()] = list
	}

	s.writeJSON(w, view)
}

// GetTransfers returns the in-progress transfers.
func (s *Service) GetTransfers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.node.Exchange().ActiveTransfers())
}

func (s *Service) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
