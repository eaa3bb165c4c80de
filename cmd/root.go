// Package cmd defines the harvester command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Point-of-interest harvesting over hexagonal map grids",
		Long: `harvester decomposes geographic regions into a hexagonal cell grid and
works through every (cell, category) pair against a map provider, deduplicating
discovered places into a durable store. Interrupted runs resume from coverage
records instead of starting over.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHarvestCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
