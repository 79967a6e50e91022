package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/ivanreyes/denue-harvest/internal/ledger"
	"github.com/ivanreyes/denue-harvest/internal/storage"
	"github.com/ivanreyes/denue-harvest/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ingestion ledger and store contents",
	Long: `Show every snapshot the ledger knows about, its outcome and row
counts, followed by the tables currently present in the columnar store.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("failed-only", false, "list only failed or partial snapshots")
	viper.BindPFlag("failed-only", statusCmd.Flags().Lookup("failed-only"))
}

func runStatus(cmd *cobra.Command, args []string) error {
	util.SetVerbose(viper.GetBool("verbose"))
	util.SetQuiet(viper.GetBool("quiet"))

	led, err := ledger.Open(GetConfigString("db", "dnh-state.db"))
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer led.Close()

	entries, err := led.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Ledger is empty, nothing ingested yet.")
		return nil
	}

	failedOnly := viper.GetBool("failed-only")

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINGERPRINT\tFEDERATION\tPERIOD\tSTATUS\tROWS\tWHEN")
	for _, e := range entries {
		if failedOnly && e.Status == ledger.StatusSuccess {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Fingerprint[:12], e.Federation, e.Period, e.Status,
			humanize.Comma(e.RowsWritten), humanize.Time(e.CommittedAt))
	}
	w.Flush()

	succeeded, err := led.CountByStatus(ledger.StatusSuccess)
	if err != nil {
		return err
	}
	failed, err := led.CountByStatus(ledger.StatusFailed)
	if err != nil {
		return err
	}
	partial, err := led.CountByStatus(ledger.StatusPartial)
	if err != nil {
		return err
	}
	fmt.Printf("\n%d committed, %d failed, %d partial\n", succeeded, failed, partial)

	cols, err := led.CanonicalColumns()
	if err != nil {
		return err
	}
	fmt.Printf("Canonical schema: %d column(s)\n", len(cols))

	// Store tables are informative only; a missing store file is not an
	// error for status
	store, err := storage.Open(GetConfigString("duckdb", "denue.duckdb"))
	if err != nil {
		util.WarnLog("Columnar store unavailable: %v", err)
		return nil
	}
	defer store.Close()

	ctx := context.Background()
	tables, err := store.Tables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		n, err := store.CountRows(ctx, table)
		if err != nil {
			return err
		}
		fmt.Printf("  %s: %s rows\n", table, humanize.Comma(n))
	}
	return nil
}
