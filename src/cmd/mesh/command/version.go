package command

import (
	"fmt"

	"github.com/mosaicnetworks/mesh/src/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd produces the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}
