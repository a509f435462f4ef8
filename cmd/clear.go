package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netsentry/netsentry/pkg/store/sqlite"
)

var clearDBPath string

var clearCmd = &cobra.Command{
	Use:     "clear",
	Short:   "Delete all packet and flow records from a database",
	Example: `  netsentry clear --db capture.db`,
	RunE:    runClear,
}

func init() {
	clearCmd.Flags().StringVar(&clearDBPath, "db", "", "Database path (default from config)")
}

func runClear(cmd *cobra.Command, args []string) error {
	dbPath := clearDBPath
	if dbPath == "" {
		dbPath = cfg.DatabasePath
	}

	st := sqlite.New()
	if err := st.Initialize(dbPath); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Clear(context.Background()); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	fmt.Printf("cleared %s\n", dbPath)
	return nil
}
