package main

import (
	"fmt"
	"os"

	"github.com/ivanreyes/denue-harvest/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is set at build time
	Version = "dev"

	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "dnh",
		Short: "DENUE Harvest - idempotent snapshot ingestion into DuckDB",
		Long: `dnh (DENUE Harvest) ingests periodically published DENUE census
snapshots into a local DuckDB columnar store. Every snapshot is tracked in a
durable ledger so reruns skip what is already committed, schema differences
between publications are resolved against a growing canonical schema, and
each run produces a completeness report.`,
		Version: Version,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/dnh.yaml)")
	rootCmd.PersistentFlags().String("db", "dnh-state.db", "state database file (ledger and canonical schema)")
	rootCmd.PersistentFlags().String("duckdb", "denue.duckdb", "columnar store file")
	rootCmd.PersistentFlags().String("cache-dir", "cache", "download and extraction cache directory")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "quiet output (errors only)")

	// Bind flags to viper
	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("duckdb", rootCmd.PersistentFlags().Lookup("duckdb"))
	viper.BindPFlag("cache-dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in common locations
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.SetConfigName("dnh")
		viper.SetConfigType("yaml")
	}

	// Read in environment variables that match
	viper.SetEnvPrefix("DNH")
	viper.AutomaticEnv()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil && !viper.GetBool("quiet") {
		util.InfoLog("Using config file: %s", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
