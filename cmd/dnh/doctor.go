package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/ivanreyes/denue-harvest/internal/ledger"
	"github.com/ivanreyes/denue-harvest/internal/model"
	"github.com/ivanreyes/denue-harvest/internal/storage"
	"github.com/ivanreyes/denue-harvest/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks on the environment and configuration",
	Long: `Run diagnostic checks to ensure dnh can operate correctly.

This command checks:
- State database accessibility and integrity
- SQLite version compatibility
- Columnar store accessibility
- Cache directory permissions
- Disk space availability
- Manifest readability (when configured)

Use this command to troubleshoot issues before running an ingestion.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().StringP("manifest", "m", "", "descriptor manifest to validate (optional)")
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	util.SetVerbose(viper.GetBool("verbose"))
	util.SetQuiet(viper.GetBool("quiet"))

	util.InfoLog("=== DNH Doctor - System Diagnostics ===")
	util.InfoLog("")

	results := []checkResult{}

	results = append(results, checkSQLite())
	results = append(results, checkStateDatabase(GetConfigString("db", "dnh-state.db")))
	results = append(results, checkColumnarStore(GetConfigString("duckdb", "denue.duckdb")))

	cacheDir := GetConfigString("cache-dir", "cache")
	results = append(results, checkCacheDirectory(cacheDir))
	results = append(results, checkDiskSpace(cacheDir))

	manifestPath, _ := cmd.Flags().GetString("manifest")
	if manifestPath == "" {
		manifestPath = viper.GetString("manifest")
	}
	if manifestPath != "" {
		results = append(results, checkManifest(manifestPath))
	}

	// Print results
	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("Some critical checks failed. Please resolve errors before running dnh.")
		return fmt.Errorf("system diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("All checks passed! System is ready for ingestion.")
	}

	return nil
}

// checkSQLite verifies the embedded SQLite is usable
func checkSQLite() checkResult {
	version := ledger.SQLiteVersion()
	if version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: "unable to determine version",
		}
	}
	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkStateDatabase verifies state database accessibility and integrity
func checkStateDatabase(dbPath string) checkResult {
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return checkResult{
				name:    "State database",
				message: fmt.Sprintf("%s (will be created on first run)", dbPath),
			}
		}
		return checkResult{
			name:    "State database",
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", dbPath, err),
		}
	}
	if !info.Mode().IsRegular() {
		return checkResult{
			name:    "State database",
			error:   true,
			message: fmt.Sprintf("%s is not a regular file", dbPath),
		}
	}

	led, err := ledger.Open(dbPath)
	if err != nil {
		return checkResult{
			name:    "State database",
			error:   true,
			message: fmt.Sprintf("cannot open %s: %v", dbPath, err),
		}
	}
	defer led.Close()

	if err := led.CheckIntegrity(); err != nil {
		return checkResult{
			name:    "State database",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %v", err),
		}
	}

	committed, _ := led.CountByStatus(ledger.StatusSuccess)
	return checkResult{
		name: "State database",
		message: fmt.Sprintf("%s (%s, %d snapshots committed)",
			dbPath, humanize.Bytes(uint64(info.Size())), committed),
	}
}

// checkColumnarStore verifies the duckdb file can be opened
func checkColumnarStore(path string) checkResult {
	store, err := storage.Open(path)
	if err != nil {
		return checkResult{
			name:    "Columnar store",
			error:   true,
			message: fmt.Sprintf("cannot open %s: %v", path, err),
		}
	}
	defer store.Close()

	tables, err := store.Tables(context.Background())
	if err != nil {
		return checkResult{
			name:    "Columnar store",
			error:   true,
			message: fmt.Sprintf("cannot list tables: %v", err),
		}
	}
	return checkResult{
		name:    "Columnar store",
		message: fmt.Sprintf("%s (%d tables)", path, len(tables)),
	}
}

// checkCacheDirectory verifies the cache directory is writable
func checkCacheDirectory(path string) checkResult {
	if err := util.EnsureDir(path); err != nil {
		return checkResult{
			name:    "Cache directory",
			error:   true,
			message: fmt.Sprintf("cannot create %s: %v", path, err),
		}
	}

	probe := filepath.Join(path, ".dnh-write-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return checkResult{
			name:    "Cache directory",
			error:   true,
			message: fmt.Sprintf("cannot write to %s: %v", path, err),
		}
	}
	os.Remove(probe)

	return checkResult{
		name:    "Cache directory",
		message: path,
	}
}

// checkDiskSpace reports free space where the cache lives. Snapshot
// archives run to hundreds of megabytes each, so warn below 5 GB.
func checkDiskSpace(path string) checkResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return checkResult{
			name:    "Disk space",
			warning: true,
			message: fmt.Sprintf("cannot determine free space for %s: %v", path, err),
		}
	}

	free := stat.Bavail * uint64(stat.Bsize)
	const warnBelow = 5 << 30
	if free < warnBelow {
		return checkResult{
			name:    "Disk space",
			warning: true,
			message: fmt.Sprintf("only %s free at %s", humanize.Bytes(free), path),
		}
	}
	return checkResult{
		name:    "Disk space",
		message: fmt.Sprintf("%s free at %s", humanize.Bytes(free), path),
	}
}

// checkManifest verifies the manifest parses and its descriptors validate
func checkManifest(path string) checkResult {
	descriptors, err := model.LoadManifest(path)
	if err != nil {
		return checkResult{
			name:    "Manifest",
			error:   true,
			message: fmt.Sprintf("%v", err),
		}
	}
	return checkResult{
		name:    "Manifest",
		message: fmt.Sprintf("%s (%d descriptors)", path, len(descriptors)),
	}
}
