package main

import (
	"fmt"
	"os"

	"github.com/ivanreyes/denue-harvest/internal/report"
	"github.com/ivanreyes/denue-harvest/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the completeness report of the last run",
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().String("report-file", "artifacts/run-report.json", "run report to read")
	reportCmd.Flags().Bool("json", false, "print the raw JSON report to stdout")
}

func runReport(cmd *cobra.Command, args []string) error {
	util.SetVerbose(viper.GetBool("verbose"))
	util.SetQuiet(viper.GetBool("quiet"))

	path, _ := cmd.Flags().GetString("report-file")

	run, err := report.Load(path)
	if err != nil {
		return fmt.Errorf("no run report at %s, run 'dnh ingest' first: %w", path, err)
	}

	if raw, _ := cmd.Flags().GetBool("json"); raw {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	report.PrintSummary(run)
	return nil
}
