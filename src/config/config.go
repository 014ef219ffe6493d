package config

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/mesh/src/common"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default configuration values.
const (
	DefaultLogLevel  = "debug"
	DefaultPort      = 8888
	DefaultBindAddr  = "127.0.0.1:8888"
	DefaultMaxPeers  = 10
	DefaultMaxHops   = 8
	DefaultChunkSize = 4096

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultNodeTimeout       = 90 * time.Second
	DefaultDetectionPeriod   = 30 * time.Second
	DefaultRoutingRefresh    = 30 * time.Second
	DefaultRetryTimeout      = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultAckTTL            = 300 * time.Second
	DefaultSeenTTL           = 300 * time.Second
	DefaultDiscoveryInterval = 60 * time.Second
	DefaultStaleTimeout      = 300 * time.Second
	DefaultTransferTTL       = 3600 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
)

// Config contains all the configuration properties of a mesh node.
type Config struct {
	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output into a file.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port the node listens on for peer
	// connections. Use AdvertiseAddr when the bound address is not the
	// one other nodes can reach.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is the address advertised to other nodes. Empty
	// means the bound address is advertised.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP status service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP status service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Bootstrap is the list of host:port addresses used to enter an
	// existing overlay. Empty starts a fresh overlay.
	Bootstrap []string `mapstructure:"join"`

	// MaxPeers caps the number of direct peer links.
	MaxPeers int `mapstructure:"max-peers"`

	// MaxHops is carried in the configuration but not read by the engine;
	// floods start with routing.DefaultMaxHops.
	MaxHops int `mapstructure:"max-hops"`

	// ChunkSize is the data-transfer fragment size in bytes.
	ChunkSize int `mapstructure:"chunk-size"`

	// HeartbeatInterval is the period of the liveness broadcast.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// NodeTimeout is how long a node may stay silent before the failure
	// detector counts a strike against it.
	NodeTimeout time.Duration `mapstructure:"node-timeout"`

	// DetectionPeriod is the failure-detector tick.
	DetectionPeriod time.Duration `mapstructure:"detection-period"`

	// RoutingRefresh is the routing-table rebuild period.
	RoutingRefresh time.Duration `mapstructure:"routing-refresh"`

	// RetryTimeout is how long the reliable layer waits for an
	// acknowledgement before retrying.
	RetryTimeout time.Duration `mapstructure:"retry-timeout"`

	// MaxRetries is the total transmission budget per reliable message.
	MaxRetries int `mapstructure:"max-retries"`

	// ConnectTimeout applies to outbound dials and the identity
	// handshake.
	ConnectTimeout time.Duration `mapstructure:"timeout"`

	// DiscoveryInterval is the periodic peer-sweep period.
	DiscoveryInterval time.Duration `mapstructure:"discovery-interval"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:          DefaultLogLevel,
		BindAddr:          DefaultBindAddr,
		ServiceAddr:       "127.0.0.1:8000",
		MaxPeers:          DefaultMaxPeers,
		MaxHops:           DefaultMaxHops,
		ChunkSize:         DefaultChunkSize,
		HeartbeatInterval: DefaultHeartbeatInterval,
		NodeTimeout:       DefaultNodeTimeout,
		DetectionPeriod:   DefaultDetectionPeriod,
		RoutingRefresh:    DefaultRoutingRefresh,
		RetryTimeout:      DefaultRetryTimeout,
		MaxRetries:        DefaultMaxRetries,
		ConnectTimeout:    DefaultConnectTimeout,
		DiscoveryInterval: DefaultDiscoveryInterval,
	}
}

// NewTestConfig returns a config object with default values and a
// logger that writes through testing.T.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// Logger returns a formatted logrus Entry, with prefix set to "mesh".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			c.logger.Hooks.Add(lfshook.NewHook(lfshook.PathMap{
				logrus.DebugLevel: c.LogFile,
				logrus.InfoLevel:  c.LogFile,
				logrus.WarnLevel:  c.LogFile,
				logrus.ErrorLevel: c.LogFile,
				logrus.FatalLevel: c.LogFile,
				logrus.PanicLevel: c.LogFile,
			}, c.logger.Formatter))
		}
	}
	return c.logger.WithField("prefix", "mesh")
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
