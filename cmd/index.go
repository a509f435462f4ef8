package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/netsentry/netsentry/capture"
	"github.com/netsentry/netsentry/pkg/ingest"
	"github.com/netsentry/netsentry/pkg/store/sqlite"
)

var (
	indexDBPath    string
	indexBPFFilter string
	indexBatchSize int
)

var indexCmd = &cobra.Command{
	Use:   "index <file>",
	Short: "Index a pcap/pcapng file into a SQLite database",
	Example: `  netsentry index capture.pcap
  netsentry index capture.pcap --db capture.db
  netsentry index capture.pcap --bpf "tcp port 443"`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexDBPath, "db", "", "Database path (default <file>.db or config)")
	indexCmd.Flags().StringVarP(&indexBPFFilter, "bpf", "f", "", "BPF capture filter expression")
	indexCmd.Flags().IntVar(&indexBatchSize, "batch", 0, "Packets per insert batch (default from config)")
}

func runIndex(cmd *cobra.Command, args []string) error {
	file := args[0]

	dbPath := indexDBPath
	if dbPath == "" {
		dbPath = file + ".db"
	}
	batch := indexBatchSize
	if batch <= 0 {
		batch = cfg.BatchSize
	}

	src, err := capture.OpenFile(file, indexBPFFilter)
	if err != nil {
		return err
	}
	defer src.Stop()

	st := sqlite.New()
	if err := st.Initialize(dbPath); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pipeline := ingest.New(ingest.Config{
		Store:     st,
		BatchSize: batch,
		Progress: func(processed int64, elapsed time.Duration) {
			fmt.Fprintf(os.Stderr, "\rindexed %d packets (%.0f pkt/s)",
				processed, float64(processed)/elapsed.Seconds())
		},
	})

	result, err := pipeline.Run(ctx, src.Records())
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("index %s: %w", file, err)
	}

	fmt.Printf("indexed %d packets (%d bytes, %d flows) into %s in %s\n",
		result.TotalPackets, result.TotalBytes, result.TotalFlows, dbPath, result.Duration.Round(time.Millisecond))
	return nil
}
