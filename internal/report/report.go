// Package report renders the per-run completeness report produced by
// the ingestion engine.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ivanreyes/denue-harvest/internal/util"
)

// DatasetResult captures the outcome of one snapshot within a run.
type DatasetResult struct {
	Fingerprint    string   `json:"fingerprint"`
	SourceURL      string   `json:"source_url"`
	Federation     string   `json:"federation"`
	Period         string   `json:"period"`
	Status         string   `json:"status"`
	RowsRead       int64    `json:"rows_read"`
	RowsWritten    int64    `json:"rows_written"`
	RowErrors      int64    `json:"row_errors"`
	MissingColumns []string `json:"missing_columns,omitempty"`
	UnknownColumns []string `json:"unknown_columns,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Run is the completeness report for one engine run.
type Run struct {
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
	DatasetsDetected  int             `json:"datasets_detected"`
	Succeeded         int             `json:"succeeded"`
	Failed            int             `json:"failed"`
	Skipped           int             `json:"skipped_already_ingested"`
	TotalRowsRead     int64           `json:"total_rows_read"`
	TotalRowsWritten  int64           `json:"total_rows_written"`
	CompletenessRatio float64         `json:"completeness_ratio"`
	Datasets          []DatasetResult `json:"per_dataset"`
}

// Finalize computes the aggregate counters from the per-dataset results.
func (r *Run) Finalize() {
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	r.TotalRowsRead, r.TotalRowsWritten = 0, 0
	for _, d := range r.Datasets {
		switch d.Status {
		case "success", "partial":
			r.Succeeded++
		case "failed":
			r.Failed++
		case "skipped":
			r.Skipped++
		}
		r.TotalRowsRead += d.RowsRead
		r.TotalRowsWritten += d.RowsWritten
	}
	r.DatasetsDetected = len(r.Datasets)
	if r.TotalRowsRead > 0 {
		r.CompletenessRatio = float64(r.TotalRowsWritten) / float64(r.TotalRowsRead)
	} else {
		r.CompletenessRatio = 1.0
	}
}

// WriteJSON writes the report atomically to path.
func WriteJSON(r *Run, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	data = append(data, '\n')
	if err := util.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}
	return nil
}

// Load reads a previously written report back from path.
func Load(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run report: %w", err)
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse run report: %w", err)
	}
	return &r, nil
}

// PrintSummary logs a human-readable digest of the run.
func PrintSummary(r *Run) {
	util.InfoLog("run finished in %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	util.InfoLog("datasets: %d detected, %d succeeded, %d failed, %d skipped",
		r.DatasetsDetected, r.Succeeded, r.Failed, r.Skipped)
	util.InfoLog("rows: %s read, %s written (completeness %.4f)",
		humanize.Comma(r.TotalRowsRead), humanize.Comma(r.TotalRowsWritten), r.CompletenessRatio)

	for _, d := range r.Datasets {
		switch d.Status {
		case "failed":
			util.ErrorLog("  %s %s: %s", d.Federation, d.Period, d.Error)
		case "partial":
			util.WarnLog("  %s %s: partial, %s of %s rows written",
				d.Federation, d.Period, humanize.Comma(d.RowsWritten), humanize.Comma(d.RowsRead))
		}
	}

	if r.Failed == 0 {
		util.SuccessLog("all datasets accounted for")
	} else {
		util.WarnLog("%d dataset(s) failed, rerun to retry", r.Failed)
	}
}
