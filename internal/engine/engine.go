// Package engine drives the ingestion pipeline: one snapshot at a time
// through download, extraction, schema resolution and columnar append,
// with every attempt recorded in the ledger.
package engine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/ivanreyes/denue-harvest/internal/archive"
	"github.com/ivanreyes/denue-harvest/internal/cache"
	"github.com/ivanreyes/denue-harvest/internal/ledger"
	"github.com/ivanreyes/denue-harvest/internal/model"
	"github.com/ivanreyes/denue-harvest/internal/reader"
	"github.com/ivanreyes/denue-harvest/internal/report"
	"github.com/ivanreyes/denue-harvest/internal/schema"
	"github.com/ivanreyes/denue-harvest/internal/storage"
	"github.com/ivanreyes/denue-harvest/internal/util"
)

// State names one stage of a snapshot's ingestion
type State int

const (
	StatePending State = iota
	StateSkipped
	StateDownloading
	StateExtracting
	StateResolving
	StateReading
	StateWriting
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSkipped:
		return "skipped"
	case StateDownloading:
		return "downloading"
	case StateExtracting:
		return "extracting"
	case StateResolving:
		return "resolving"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Downloader fetches a remote archive to a local path
type Downloader interface {
	Fetch(ctx context.Context, rawURL, dest string) (int64, error)
}

// Engine processes descriptors sequentially. Snapshot order inside a run
// is the manifest order; there is no cross-snapshot concurrency because
// the canonical schema and the destination tables are shared state.
type Engine struct {
	downloader Downloader
	cache      *cache.Store
	ledger     *ledger.Ledger
	store      storage.Writer
	chunkSize  int
}

// New wires an engine from its stages
func New(downloader Downloader, cacheStore *cache.Store, led *ledger.Ledger, store storage.Writer, chunkSize int) *Engine {
	if chunkSize <= 0 {
		chunkSize = reader.DefaultChunkSize
	}
	return &Engine{
		downloader: downloader,
		cache:      cacheStore,
		ledger:     led,
		store:      store,
		chunkSize:  chunkSize,
	}
}

// Run ingests every descriptor in order and returns the run report.
// Cancellation is honored between snapshots: the one in flight finishes
// (or fails) normally, then the run halts and the context error is
// returned alongside the report built so far.
func (e *Engine) Run(ctx context.Context, descriptors []model.DatasetDescriptor) (*report.Run, error) {
	run := &report.Run{StartedAt: time.Now()}

	for i, d := range descriptors {
		if err := ctx.Err(); err != nil {
			util.WarnLog("Run cancelled after %d of %d datasets", i, len(descriptors))
			break
		}
		util.InfoLog("[%d/%d] %s %s", i+1, len(descriptors), d.FederationID, d.SourceURL)
		run.Datasets = append(run.Datasets, e.ingest(ctx, d))
	}

	run.FinishedAt = time.Now()
	run.Finalize()
	return run, ctx.Err()
}

// ingest walks one snapshot through the state machine. Every terminal
// state except skipped writes a ledger entry.
func (e *Engine) ingest(ctx context.Context, d model.DatasetDescriptor) report.DatasetResult {
	res := report.DatasetResult{
		Fingerprint: d.Fingerprint(),
		SourceURL:   d.SourceURL,
		Federation:  d.FederationID,
		Period:      d.PeriodLabel,
	}
	state := StatePending

	committed, err := e.ledger.IsCommitted(res.Fingerprint)
	if err != nil {
		return e.finish(&res, ledger.StatusFailed, err)
	}
	if committed {
		state = StateSkipped
		util.InfoLog("Already ingested, skipping (%s)", res.Fingerprint[:12])
		res.Status = "skipped"
		return res
	}

	state = StateDownloading
	util.DebugLog("State %s: %s", state, res.Fingerprint[:12])
	archivePath, err := e.download(ctx, res.Fingerprint, d)
	if err != nil {
		return e.finish(&res, ledger.StatusFailed, fmt.Errorf("download: %w", err))
	}

	state = StateExtracting
	util.DebugLog("State %s: %s", state, res.Fingerprint[:12])
	extractedDir, origin, err := e.extract(res.Fingerprint, d, archivePath)
	if err != nil {
		return e.finish(&res, ledger.StatusFailed, fmt.Errorf("extract: %w", err))
	}
	res.Period = origin.Period

	state = StateResolving
	util.DebugLog("State %s: %s", state, res.Fingerprint[:12])
	mapping, err := e.resolve(extractedDir, origin)
	if err != nil {
		return e.finish(&res, ledger.StatusFailed, fmt.Errorf("resolve: %w", err))
	}
	res.MissingColumns = mapping.Missing
	res.UnknownColumns = mapping.Added
	if len(mapping.Added) > 0 {
		util.InfoLog("Canonical schema grew by %d column(s): %v", len(mapping.Added), mapping.Added)
		if err := e.ledger.AddCanonicalColumns(mapping.Added); err != nil {
			return e.finish(&res, ledger.StatusFailed, fmt.Errorf("persist schema growth: %w", err))
		}
	}
	if len(mapping.Missing) > 0 {
		util.WarnLog("Snapshot is missing %d canonical column(s): %v", len(mapping.Missing), mapping.Missing)
	}

	state = StateReading
	util.DebugLog("State %s: %s", state, res.Fingerprint[:12])
	status, err := e.writeRecords(ctx, &res, d, extractedDir, origin, mapping)
	if err != nil {
		return e.finish(&res, status, err)
	}

	state = StateCommitted
	util.DebugLog("State %s: %s", state, res.Fingerprint[:12])
	out := e.finish(&res, ledger.StatusSuccess, nil)
	util.SuccessLog("Committed %s %s: %d rows written, %d row errors",
		d.FederationID, res.Period, res.RowsWritten, res.RowErrors)
	return out
}

// finish records the terminal ledger entry and fills the result status.
// Ledger write failures are logged, never masked into a panic; the run
// report still carries the outcome.
func (e *Engine) finish(res *report.DatasetResult, status string, cause error) report.DatasetResult {
	if cause != nil {
		res.Error = cause.Error()
		util.DebugLog("State %s: %s", StateFailed, res.Fingerprint[:12])
		util.ErrorLog("Failed %s %s: %v", res.Federation, res.Period, cause)
	}
	res.Status = status

	entry := &ledger.Entry{
		Fingerprint:    res.Fingerprint,
		SourceURL:      res.SourceURL,
		Federation:     res.Federation,
		Period:         res.Period,
		Status:         status,
		RowsRead:       res.RowsRead,
		RowsWritten:    res.RowsWritten,
		MissingColumns: res.MissingColumns,
		UnknownColumns: res.UnknownColumns,
		ErrorSummary:   res.Error,
	}
	if err := e.ledger.Record(entry); err != nil {
		util.ErrorLog("Could not record ledger entry for %s: %v", res.Fingerprint[:12], err)
	}
	return *res
}

// download returns the local archive path, serving from the cache when a
// valid entry exists and fetching otherwise.
func (e *Engine) download(ctx context.Context, fingerprint string, d model.DatasetDescriptor) (string, error) {
	validate := cache.NonZeroFile(d.DeclaredSize)
	entry, err := e.cache.Get(fingerprint, cache.KindDownload, validate)
	if err != nil {
		return "", err
	}
	if entry != nil {
		util.InfoLog("Using cached archive")
		return entry.Path, nil
	}

	entry, err = e.cache.Put(fingerprint, cache.KindDownload, func(staging string) error {
		_, err := e.downloader.Fetch(ctx, d.SourceURL, staging)
		return err
	})
	if err != nil {
		return "", err
	}
	return entry.Path, nil
}

// Extracted member names inside a cache entry. The dataset keeps its
// original legacy encoding; origin.json carries the provenance inferred
// at extraction time so cache hits skip re-opening the archive.
const (
	memberDataset    = "dataset.csv"
	memberDictionary = "dictionary.csv"
	memberOrigin     = "origin.json"
)

var extractedMembers = []string{memberDataset, memberOrigin}

type extractedOrigin struct {
	Period        string `json:"period"`
	SourceFile    string `json:"source_file"`
	Layout        string `json:"layout"`
	HasDictionary bool   `json:"has_dictionary"`
}

// extract materializes the archive's relevant members into the extracted
// cache and returns the entry directory plus provenance.
func (e *Engine) extract(fingerprint string, d model.DatasetDescriptor, archivePath string) (string, *extractedOrigin, error) {
	entry, err := e.cache.Get(fingerprint, cache.KindExtracted, cache.HasMembers(extractedMembers))
	if err != nil {
		return "", nil, err
	}
	if entry == nil {
		entry, err = e.cache.Put(fingerprint, cache.KindExtracted, func(staging string) error {
			return extractArchive(d, archivePath, staging)
		})
		if err != nil {
			return "", nil, err
		}
	}

	origin, err := loadOrigin(filepath.Join(entry.Path, memberOrigin))
	if err != nil {
		return "", nil, err
	}
	return entry.Path, origin, nil
}

func extractArchive(d model.DatasetDescriptor, archivePath, staging string) error {
	h, err := archive.Open(archivePath)
	if err != nil {
		return err
	}
	defer h.Close()

	members, err := archive.DetectLayout(h)
	if err != nil {
		return err
	}
	util.DebugLog("Detected %s layout, dataset member %s", members.Layout, members.Dataset)

	if err := copyMember(h, members.Dataset, filepath.Join(staging, memberDataset)); err != nil {
		return err
	}
	hasDictionary := false
	if members.Dictionary != "" {
		if err := copyMember(h, members.Dictionary, filepath.Join(staging, memberDictionary)); err != nil {
			return err
		}
		hasDictionary = true
	}

	period := d.PeriodLabel
	if period == "" {
		period = archive.InferPeriod(path.Base(d.SourceURL), h, members)
		util.DebugLog("Inferred period %q", period)
	}

	origin := extractedOrigin{
		Period:        period,
		SourceFile:    path.Base(members.Dataset),
		Layout:        members.Layout.String(),
		HasDictionary: hasDictionary,
	}
	data, err := json.Marshal(origin)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(staging, memberOrigin), data, 0o644)
}

func copyMember(h *archive.Handle, member, dest string) error {
	rc, err := h.Read(member)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func loadOrigin(path string) (*extractedOrigin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var origin extractedOrigin
	if err := json.Unmarshal(data, &origin); err != nil {
		return nil, fmt.Errorf("corrupt origin member: %w", err)
	}
	return &origin, nil
}

// resolve builds the column mapping for the snapshot against the
// persisted canonical schema.
func (e *Engine) resolve(extractedDir string, origin *extractedOrigin) (*schema.Mapping, error) {
	cols, err := e.ledger.CanonicalColumns()
	if err != nil {
		return nil, err
	}
	canon := schema.NewCanonical(cols)

	header, err := readDatasetHeader(filepath.Join(extractedDir, memberDataset))
	if err != nil {
		return nil, err
	}

	var dictionary io.Reader
	if origin.HasDictionary {
		f, err := os.Open(filepath.Join(extractedDir, memberDictionary))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dictionary = f
	}

	return schema.Resolve(dictionary, header, canon)
}

// readDatasetHeader decodes just the dataset's header row so resolution
// can run before streaming begins.
func readDatasetHeader(datasetPath string) ([]string, error) {
	f, err := os.Open(datasetPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(charmap.ISO8859_3.NewDecoder().Reader(f))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("unreadable dataset header: %w", err)
	}
	return header, nil
}

// writeRecords streams the dataset into the store in chunked
// transactions. Returns the ledger status to record alongside any error:
// a write failure after at least one committed chunk is partial, not
// failed, since rows are already durable.
func (e *Engine) writeRecords(ctx context.Context, res *report.DatasetResult, d model.DatasetDescriptor, extractedDir string, origin *extractedOrigin, mapping *schema.Mapping) (string, error) {
	table := storage.TableName(origin.Period)

	if err := e.store.EnsureTable(ctx, table, mapping.Schema); err != nil {
		return ledger.StatusFailed, err
	}
	removed, err := e.store.DeleteSnapshot(ctx, table, res.Fingerprint)
	if err != nil {
		return ledger.StatusFailed, err
	}
	if removed > 0 {
		util.WarnLog("Replacing %d rows from a previous attempt", removed)
	}

	f, err := os.Open(filepath.Join(extractedDir, memberDataset))
	if err != nil {
		return ledger.StatusFailed, err
	}
	defer f.Close()

	rd, err := reader.New(f, mapping, reader.Origin{
		Period:     origin.Period,
		Federation: d.FederationID,
		SourceFile: origin.SourceFile,
	}, e.chunkSize)
	if err != nil {
		return ledger.StatusFailed, err
	}

	util.DebugLog("State %s: %s", StateWriting, res.Fingerprint[:12])
	for {
		records, rowErrors, err := rd.Next()
		res.RowsRead += int64(len(records)) + int64(len(rowErrors))
		res.RowErrors += int64(len(rowErrors))
		for _, re := range rowErrors {
			util.DebugLog("Row %d dropped: %s", re.Row, re.Reason)
		}

		storage.StampFingerprint(records, res.Fingerprint)
		n, werr := e.store.Append(ctx, table, mapping.Schema, records)
		res.RowsWritten += int64(n)
		if werr != nil {
			if res.RowsWritten > 0 {
				return ledger.StatusPartial, werr
			}
			return ledger.StatusFailed, werr
		}

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if res.RowsWritten > 0 {
				return ledger.StatusPartial, err
			}
			return ledger.StatusFailed, err
		}
	}

	if res.RowsWritten == 0 {
		return ledger.StatusFailed, fmt.Errorf("%w: dataset %s", util.ErrZeroValidRows, origin.SourceFile)
	}
	return ledger.StatusSuccess, nil
}
