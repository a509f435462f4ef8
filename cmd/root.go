// Package cmd provides the CLI commands for netsentry using Cobra.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/netsentry/netsentry/internal/config"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "netsentry",
	Short: "Network traffic security analyzer",
	Long: `NetSentry ingests decoded packet records into a disk-backed SQLite
store or a RAM-resident store and answers filtered, paginated, and
aggregated queries against them.

Examples:
  netsentry index capture.pcap --db capture.db      # Index a pcap file
  netsentry query --db capture.db --protocol TCP    # Query stored packets
  netsentry stats --db capture.db                   # Per-protocol breakdown
  netsentry watch en0 --expr 'frame.len > 100'      # Live in-memory analysis`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		return err
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "",
		"Path to YAML config file")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(watchCmd)
}
