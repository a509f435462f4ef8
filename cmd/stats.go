package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/netsentry/netsentry/pkg/filter"
	"github.com/netsentry/netsentry/pkg/model"
	"github.com/netsentry/netsentry/pkg/store"
	"github.com/netsentry/netsentry/pkg/store/sqlite"
)

var statsDBPath string

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Per-protocol traffic breakdown",
	Example: `  netsentry stats --db capture.db`,
	RunE:    runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsDBPath, "db", "", "Database path (default from config)")
}

func runStats(cmd *cobra.Command, args []string) error {
	dbPath := statsDBPath
	if dbPath == "" {
		dbPath = cfg.DatabasePath
	}

	st := sqlite.New()
	if err := st.Initialize(dbPath); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	total, err := st.QueryPackets(ctx, &store.PacketQuery{
		PageSize:       1,
		IncludeSummary: true,
	})
	if err != nil {
		return fmt.Errorf("query totals: %w", err)
	}

	protocols := []model.Protocol{
		model.ProtocolTCP, model.ProtocolUDP, model.ProtocolICMP,
		model.ProtocolARP, model.ProtocolDNS, model.ProtocolHTTP,
		model.ProtocolHTTPS, model.ProtocolUnknown,
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROTOCOL\tPACKETS\tBYTES\tTHREATS\tSHARE")
	for _, proto := range protocols {
		res, err := st.QueryPackets(ctx, &store.PacketQuery{
			Filter:         &filter.PacketFilter{Protocol: proto},
			PageSize:       1,
			IncludeSummary: true,
		})
		if err != nil {
			return fmt.Errorf("query %s: %w", proto, err)
		}
		if res.TotalCount == 0 {
			continue
		}
		share := 0.0
		if total.TotalCount > 0 {
			share = float64(res.TotalCount) / float64(total.TotalCount) * 100
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f%%\n",
			proto, res.TotalCount, res.TotalBytes, res.ThreatCount, share)
	}
	fmt.Fprintf(w, "total\t%d\t%d\t%d\t\n", total.TotalCount, total.TotalBytes, total.ThreatCount)
	return w.Flush()
}
