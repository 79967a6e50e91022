package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ivanreyes/denue-harvest/internal/cache"
	"github.com/ivanreyes/denue-harvest/internal/engine"
	"github.com/ivanreyes/denue-harvest/internal/fetch"
	"github.com/ivanreyes/denue-harvest/internal/ledger"
	"github.com/ivanreyes/denue-harvest/internal/model"
	"github.com/ivanreyes/denue-harvest/internal/report"
	"github.com/ivanreyes/denue-harvest/internal/storage"
	"github.com/ivanreyes/denue-harvest/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest snapshots from a descriptor manifest",
	Long: `Ingest every snapshot named in the descriptor manifest.

Each descriptor identifies one published archive (source URL, federation,
period). Snapshots already committed to the ledger are skipped before any
network traffic. Downloads and extractions are cached, so a failed run can
be retried cheaply. The run ends with a completeness report written as JSON
and summarized on the console.

Interrupting the run (Ctrl-C) lets the snapshot in flight finish or fail
normally, then halts; rerunning resumes where it left off.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringP("manifest", "m", "", "descriptor manifest file (JSON)")
	ingestCmd.Flags().Int("chunk-size", 0, "rows per write transaction (default 50000)")
	ingestCmd.Flags().Int("max-retries", 3, "download attempts per snapshot")
	ingestCmd.Flags().StringSlice("federations", nil, "restrict to these federation IDs")
	ingestCmd.Flags().Int("limit", 0, "process at most N snapshots (0 = all)")
	ingestCmd.Flags().String("report-file", "artifacts/run-report.json", "where to write the run report")

	viper.BindPFlag("manifest", ingestCmd.Flags().Lookup("manifest"))
	viper.BindPFlag("chunk-size", ingestCmd.Flags().Lookup("chunk-size"))
	viper.BindPFlag("max-retries", ingestCmd.Flags().Lookup("max-retries"))
	viper.BindPFlag("federations", ingestCmd.Flags().Lookup("federations"))
	viper.BindPFlag("limit", ingestCmd.Flags().Lookup("limit"))
	viper.BindPFlag("report-file", ingestCmd.Flags().Lookup("report-file"))
}

func runIngest(cmd *cobra.Command, args []string) error {
	util.SetVerbose(viper.GetBool("verbose"))
	util.SetQuiet(viper.GetBool("quiet"))

	manifestPath := viper.GetString("manifest")
	if manifestPath == "" {
		return fmt.Errorf("manifest file is required (use --manifest/-m or set in config)")
	}

	descriptors, err := model.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	util.InfoLog("Manifest lists %d dataset(s)", len(descriptors))

	if federations := GetConfigStringSlice("federations"); len(federations) > 0 {
		wanted := make(map[string]bool, len(federations))
		for _, f := range federations {
			wanted[f] = true
		}
		descriptors = model.FilterFederations(descriptors, wanted)
		util.InfoLog("Federation filter keeps %d dataset(s)", len(descriptors))
	}
	if limit := viper.GetInt("limit"); limit > 0 && limit < len(descriptors) {
		descriptors = descriptors[:limit]
		util.InfoLog("Limiting run to first %d dataset(s)", limit)
	}
	if len(descriptors) == 0 {
		util.WarnLog("Nothing to ingest")
		return nil
	}

	dbPath := GetConfigString("db", "dnh-state.db")
	util.InfoLog("Opening state database: %s", dbPath)
	led, err := ledger.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer led.Close()

	duckPath := GetConfigString("duckdb", "denue.duckdb")
	util.InfoLog("Opening columnar store: %s", duckPath)
	store, err := storage.Open(duckPath)
	if err != nil {
		return err
	}
	defer store.Close()

	cacheStore, err := cache.Open(GetConfigString("cache-dir", "cache"))
	if err != nil {
		return err
	}

	fetcher := fetch.New(&fetch.Config{
		Timeout:     10 * time.Minute,
		MaxAttempts: GetConfigInt("max-retries", 3),
		ShowBar:     util.IsTerminal(os.Stderr.Fd()) && !util.IsQuiet(),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(fetcher, cacheStore, led, store, viper.GetInt("chunk-size"))
	run, runErr := eng.Run(ctx, descriptors)

	reportPath := GetConfigString("report-file", "artifacts/run-report.json")
	if err := report.WriteJSON(run, reportPath); err != nil {
		util.ErrorLog("Could not write run report: %v", err)
	} else {
		util.InfoLog("Run report: %s", reportPath)
	}
	report.PrintSummary(run)

	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	// Individual failures are in the report; the run itself only fails
	// when nothing succeeded
	if run.Failed > 0 && run.Failed == run.DatasetsDetected {
		return fmt.Errorf("all %d dataset(s) failed", run.Failed)
	}
	return nil
}
