package main

import (
	"os"

	cmd "github.com/mosaicnetworks/mesh/src/cmd/mesh/command"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.NewRunCmd(),
		cmd.NewVersionCmd(),
	)

	// do not print usage text on runtime errors
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
