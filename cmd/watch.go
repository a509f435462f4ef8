package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/netsentry/netsentry/capture"
	"github.com/netsentry/netsentry/pkg/filter"
	"github.com/netsentry/netsentry/pkg/ingest"
	"github.com/netsentry/netsentry/pkg/store"
	"github.com/netsentry/netsentry/pkg/store/memory"
)

var (
	watchBPFFilter string
	watchExpr      string
	watchInterval  time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch <interface>",
	Short: "Live capture into the in-memory store with periodic summaries",
	Long: `Watch captures packets from a network interface into the RAM-resident
store and prints an aggregate summary every interval. An optional
predicate expression narrows the summary; expressions run only against
the in-memory backend.`,
	Example: `  netsentry watch en0
  netsentry watch en0 --expr 'frame.len > 100 && protocol == "TCP"'
  netsentry watch en0 --bpf "not port 22" --interval 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchBPFFilter, "bpf", "f", "", "BPF capture filter expression")
	watchCmd.Flags().StringVarP(&watchExpr, "expr", "e", "", "Predicate expression (e.g. 'dstport == 443')")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "Summary interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	iface := args[0]

	var f *filter.PacketFilter
	if watchExpr != "" {
		pred, err := filter.CompileExpr(watchExpr)
		if err != nil {
			return err
		}
		f = &filter.PacketFilter{Custom: pred, Description: watchExpr}
	}

	src, err := capture.OpenLive(iface, watchBPFFilter)
	if err != nil {
		return err
	}
	defer src.Stop()

	st := memory.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pipeline := ingest.New(ingest.Config{Store: st, BatchSize: 100})
	done := make(chan error, 1)
	go func() {
		_, err := pipeline.Run(ctx, src.Records())
		done <- err
	}()

	fmt.Fprintf(os.Stderr, "watching %s (interval %s), Ctrl-C to stop\n", iface, watchInterval)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	printSummary := func() error {
		res, err := st.QueryPackets(ctx, &store.PacketQuery{
			Filter:         f,
			PageSize:       1,
			IncludeSummary: true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s  packets=%d bytes=%d threats=%d\n",
			time.Now().Format("15:04:05"), res.TotalCount, res.TotalBytes, res.ThreatCount)
		return nil
	}

	for {
		select {
		case <-ticker.C:
			if err := printSummary(); err != nil && ctx.Err() == nil {
				return err
			}
		case err := <-done:
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		case <-ctx.Done():
			src.Stop()
			<-done
			return nil
		}
	}
}
