package command

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mosaicnetworks/mesh/src/mesh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd produces the run command. It accepts the short positional
// form `run <port> [bootstrap_host bootstrap_port]` alongside the
// flags.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [port [bootstrap_host bootstrap_port]]",
		Short: "Run a mesh node",
		Args:  cobra.MaximumNArgs(3),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlagsLoadViper(cmd); err != nil {
				return err
			}
			return applyPositionalArgs(args)
		},
		RunE: runMesh,
	}

	addRunFlags(cmd)

	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for peer connections")
	cmd.Flags().String("advertise", _config.AdvertiseAddr, "Advertise IP:Port to be reached at")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP API")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API")
	cmd.Flags().StringSliceP("join", "j", _config.Bootstrap, "Bootstrap IP:Port, repeatable")
	cmd.Flags().String("log", _config.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
	cmd.Flags().String("log-file", _config.LogFile, "Duplicate log output into a file")
	cmd.Flags().Int("max-peers", _config.MaxPeers, "Maximum number of direct peers")
	cmd.Flags().Int("max-hops", _config.MaxHops, "Flood TTL (not applied; floods use the router default of 8)")
	cmd.Flags().Int("chunk-size", _config.ChunkSize, "Data-transfer chunk size in bytes")
	cmd.Flags().Duration("heartbeat", _config.HeartbeatInterval, "Heartbeat period")
	cmd.Flags().Duration("node-timeout", _config.NodeTimeout, "Failure-detection silence window")
	cmd.Flags().Duration("detection-period", _config.DetectionPeriod, "Failure-detection tick")
	cmd.Flags().Duration("routing-refresh", _config.RoutingRefresh, "Routing-table rebuild period")
	cmd.Flags().Duration("retry-timeout", _config.RetryTimeout, "Reliable-messaging retry timeout")
	cmd.Flags().Int("max-retries", _config.MaxRetries, "Reliable-messaging transmission budget")
	cmd.Flags().DurationP("timeout", "t", _config.ConnectTimeout, "Connection timeout")
	cmd.Flags().Duration("discovery-interval", _config.DiscoveryInterval, "Periodic discovery period")
	cmd.Flags().StringP("moniker", "m", _config.Moniker, "Friendly name of this node")
}

func bindFlagsLoadViper(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	viper.SetConfigName("mesh")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().WithField("file", viper.ConfigFileUsed()).Debug("Using config file")
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		return err
	}

	return viper.Unmarshal(_config)
}

// applyPositionalArgs maps `<port> [bootstrap_host bootstrap_port]`
// onto the config.
func applyPositionalArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}

	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil || port == 0 {
		return fmt.Errorf("invalid port %q", args[0])
	}

	host, _, err := net.SplitHostPort(_config.BindAddr)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	_config.BindAddr = net.JoinHostPort(host, strconv.FormatUint(port, 10))

	switch len(args) {
	case 1:
	case 3:
		bootPort, err := strconv.ParseUint(args[2], 10, 16)
		if err != nil || bootPort == 0 {
			return fmt.Errorf("invalid bootstrap port %q", args[2])
		}
		_config.Bootstrap = append(_config.Bootstrap, net.JoinHostPort(args[1], args[2]))
	default:
		return fmt.Errorf("bootstrap_host and bootstrap_port go together")
	}

	return nil
}

func runMesh(cmd *cobra.Command, args []string) error {
	engine := mesh.NewMesh(_config)

	if err := engine.Init(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Node.Leave()
	}()

	_config.Logger().WithField("id", engine.ID).Info("Starting mesh node")

	return engine.Run()
}
