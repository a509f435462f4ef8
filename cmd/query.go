package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/netsentry/netsentry/pkg/export"
	"github.com/netsentry/netsentry/pkg/filter"
	"github.com/netsentry/netsentry/pkg/model"
	"github.com/netsentry/netsentry/pkg/store"
	"github.com/netsentry/netsentry/pkg/store/sqlite"
)

var (
	queryDBPath   string
	querySrcIP    string
	queryDstIP    string
	querySrcPort  string
	queryDstPort  string
	queryProtocol string
	queryMinLen   int
	queryMaxLen   int
	queryInfo     string
	querySince    string
	queryUntil    string
	queryPage     int
	queryPageSize int
	queryDesc     bool
	queryNoSum    bool
	queryFormat   string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query indexed packets with filters and pagination",
	Example: `  netsentry query --db capture.db --protocol TCP --dst-port 443
  netsentry query --db capture.db --src-ip "192.168.*" --page 2
  netsentry query --db capture.db --info scan --format json`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryDBPath, "db", "", "Database path (default from config)")
	queryCmd.Flags().StringVar(&querySrcIP, "src-ip", "", "Source IP pattern (exact, glob, or prefix/len)")
	queryCmd.Flags().StringVar(&queryDstIP, "dst-ip", "", "Destination IP pattern")
	queryCmd.Flags().StringVar(&querySrcPort, "src-port", "", "Source port pattern (e.g. 80 or 22,80,443 or 8000-9000)")
	queryCmd.Flags().StringVar(&queryDstPort, "dst-port", "", "Destination port pattern")
	queryCmd.Flags().StringVar(&queryProtocol, "protocol", "", "Protocol (TCP, UDP, ICMP, ARP, DNS, HTTP, HTTPS)")
	queryCmd.Flags().IntVar(&queryMinLen, "min-len", 0, "Minimum packet length")
	queryCmd.Flags().IntVar(&queryMaxLen, "max-len", 0, "Maximum packet length")
	queryCmd.Flags().StringVar(&queryInfo, "info", "", "Substring to search in the info field")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Start of time range (RFC3339)")
	queryCmd.Flags().StringVar(&queryUntil, "until", "", "End of time range (RFC3339)")
	queryCmd.Flags().IntVar(&queryPage, "page", 1, "Page number (1-based)")
	queryCmd.Flags().IntVar(&queryPageSize, "page-size", 0, "Page size (default from config)")
	queryCmd.Flags().BoolVar(&queryDesc, "desc", false, "Sort by frame number descending")
	queryCmd.Flags().BoolVar(&queryNoSum, "no-summary", false, "Skip aggregate summary")
	queryCmd.Flags().StringVar(&queryFormat, "format", "text", "Output format: text or json")
}

func buildQueryFilter() (*filter.PacketFilter, error) {
	f := &filter.PacketFilter{
		SrcIPPattern:   querySrcIP,
		DstIPPattern:   queryDstIP,
		SrcPortPattern: querySrcPort,
		DstPortPattern: queryDstPort,
		MinLength:      queryMinLen,
		MaxLength:      queryMaxLen,
		InfoContains:   queryInfo,
	}
	if queryProtocol != "" {
		f.Protocol = model.ParseProtocol(queryProtocol)
	}
	if querySince != "" {
		t, err := time.Parse(time.RFC3339, querySince)
		if err != nil {
			return nil, fmt.Errorf("parse --since: %w", err)
		}
		f.StartTime = t
	}
	if queryUntil != "" {
		t, err := time.Parse(time.RFC3339, queryUntil)
		if err != nil {
			return nil, fmt.Errorf("parse --until: %w", err)
		}
		f.EndTime = t
	}
	return f, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	dbPath := queryDBPath
	if dbPath == "" {
		dbPath = cfg.DatabasePath
	}
	size := queryPageSize
	if size <= 0 {
		size = cfg.PageSize
	}
	format, err := export.ParseFormat(queryFormat)
	if err != nil {
		return err
	}

	f, err := buildQueryFilter()
	if err != nil {
		return err
	}

	st := sqlite.New()
	if err := st.Initialize(dbPath); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sort := store.SortAscending
	if queryDesc {
		sort = store.SortDescending
	}

	result, err := st.QueryPackets(context.Background(), &store.PacketQuery{
		Filter:         f,
		PageNumber:     queryPage,
		PageSize:       size,
		IncludeSummary: !queryNoSum,
		IncludePackets: true,
		Sort:           sort,
	})
	if err != nil {
		return fmt.Errorf("query packets: %w", err)
	}

	return export.NewExporter(os.Stdout, format).WriteResult(result)
}
