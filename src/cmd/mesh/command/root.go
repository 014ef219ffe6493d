package command

import (
	"github.com/mosaicnetworks/mesh/src/config"
	"github.com/spf13/cobra"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for the mesh overlay node.
var RootCmd = &cobra.Command{
	Use:   "mesh",
	Short: "mesh p2p overlay node",
}
