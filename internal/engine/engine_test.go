package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ivanreyes/denue-harvest/internal/cache"
	"github.com/ivanreyes/denue-harvest/internal/ledger"
	"github.com/ivanreyes/denue-harvest/internal/model"
	"github.com/ivanreyes/denue-harvest/internal/reader"
)

// fakeDownloader serves a fixed archive payload and counts fetches
type fakeDownloader struct {
	payload []byte
	err     error
	calls   int
}

func (f *fakeDownloader) Fetch(ctx context.Context, rawURL, dest string) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if err := os.WriteFile(dest, f.payload, 0o644); err != nil {
		return 0, err
	}
	return int64(len(f.payload)), nil
}

// fakeWriter records what the engine appends without a real store
type fakeWriter struct {
	tables       map[string][]string
	rows         map[string][]reader.Record
	deletes      map[string]int
	appendErr    error
	failAppend   error // returned on the failAppendAt-th Append only
	failAppendAt int
	appendCalls  int
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		tables:  make(map[string][]string),
		rows:    make(map[string][]reader.Record),
		deletes: make(map[string]int),
	}
}

func (w *fakeWriter) EnsureTable(ctx context.Context, table string, columns []string) error {
	w.tables[table] = columns
	return nil
}

func (w *fakeWriter) Append(ctx context.Context, table string, columns []string, records []reader.Record) (int, error) {
	w.appendCalls++
	if w.appendErr != nil {
		return 0, w.appendErr
	}
	if w.failAppend != nil && w.appendCalls == w.failAppendAt {
		return 0, w.failAppend
	}
	w.rows[table] = append(w.rows[table], records...)
	return len(records), nil
}

func (w *fakeWriter) DeleteSnapshot(ctx context.Context, table string, fingerprint string) (int64, error) {
	w.deletes[table]++
	kept := w.rows[table][:0]
	var removed int64
	for _, rec := range w.rows[table] {
		if rec["ingest_fingerprint"] == fingerprint {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	w.rows[table] = kept
	return removed, nil
}

func (w *fakeWriter) Close() error { return nil }

func buildArchive(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func standardArchive(t *testing.T) []byte {
	return buildArchive(t, map[string]string{
		"conjunto_de_datos/denue_09.csv": "ID,Nombre,Codigo Postal\n1,Taller Uno,06700\n2,Taller Dos,06800\n",
		"diccionario_de_datos/diccionario.csv": "Diccionario de datos DENUE\n" +
			"nombre_del_atributo_en_csv,descripcion\n" +
			"ID,identificador\n" +
			"Nombre,razon social\n" +
			"Codigo Postal,codigo postal\n",
		"metadatos/metadatos.txt": "Identificador: denue.2024-05\n",
	})
}

type harness struct {
	engine     *Engine
	downloader *fakeDownloader
	writer     *fakeWriter
	ledger     *ledger.Ledger
	cache      *cache.Store
}

func newHarness(t *testing.T, payload []byte) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := cache.Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	led, err := ledger.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })

	dl := &fakeDownloader{payload: payload}
	w := newFakeWriter()
	return &harness{
		engine:     New(dl, store, led, w, 1000),
		downloader: dl,
		writer:     w,
		ledger:     led,
		cache:      store,
	}
}

func testDescriptor(payload []byte) model.DatasetDescriptor {
	return model.DatasetDescriptor{
		SourceURL:    "https://example.org/denue_09_csv.zip",
		FederationID: "09",
		PeriodLabel:  "2024-05",
		DeclaredSize: int64(len(payload)),
	}
}

func TestRunFullPipeline(t *testing.T) {
	payload := standardArchive(t)
	h := newHarness(t, payload)
	d := testDescriptor(payload)

	run, err := h.engine.Run(context.Background(), []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Succeeded != 1 || run.Failed != 0 {
		t.Fatalf("run = %d succeeded / %d failed, expected 1/0: %+v", run.Succeeded, run.Failed, run.Datasets)
	}
	if run.TotalRowsRead != 2 || run.TotalRowsWritten != 2 {
		t.Errorf("rows = %d read / %d written, expected 2/2", run.TotalRowsRead, run.TotalRowsWritten)
	}
	if run.CompletenessRatio != 1.0 {
		t.Errorf("completeness = %f, expected 1.0", run.CompletenessRatio)
	}

	rows := h.writer.rows["denue_2024_05"]
	if len(rows) != 2 {
		t.Fatalf("store holds %d rows, expected 2", len(rows))
	}
	first := rows[0]
	if first["nombre"] != "Taller Uno" || first["codigo_postal"] != "06700" {
		t.Errorf("unexpected first record: %v", first)
	}
	if first["snapshot_period"] != "2024-05" || first["federation"] != "09" {
		t.Errorf("origin columns not synthesized: %v", first)
	}
	if first["source_file"] != "denue_09.csv" {
		t.Errorf("source_file = %q", first["source_file"])
	}
	if first["ingest_fingerprint"] != d.Fingerprint() {
		t.Errorf("records not stamped with fingerprint")
	}

	committed, err := h.ledger.IsCommitted(d.Fingerprint())
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Error("ledger should record the snapshot as committed")
	}

	// Canonical schema persisted for the next run
	cols, err := h.ledger.CanonicalColumns()
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 3 {
		t.Errorf("canonical columns = %v, expected id/nombre/codigo_postal", cols)
	}
}

func TestRunSkipsCommittedSnapshot(t *testing.T) {
	payload := standardArchive(t)
	h := newHarness(t, payload)
	d := testDescriptor(payload)
	ctx := context.Background()

	if _, err := h.engine.Run(ctx, []model.DatasetDescriptor{d}); err != nil {
		t.Fatal(err)
	}
	run, err := h.engine.Run(ctx, []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}

	if run.Skipped != 1 || run.Succeeded != 0 {
		t.Errorf("second run = %d skipped / %d succeeded, expected 1/0", run.Skipped, run.Succeeded)
	}
	if h.downloader.calls != 1 {
		t.Errorf("downloader called %d times, expected 1 (skip happens before any download)", h.downloader.calls)
	}
	if len(h.writer.rows["denue_2024_05"]) != 2 {
		t.Errorf("store rows changed on skipped run")
	}
}

func TestDownloadFailureRecordsFailed(t *testing.T) {
	payload := standardArchive(t)
	h := newHarness(t, payload)
	h.downloader.err = errors.New("connection reset")
	d := testDescriptor(payload)

	run, err := h.engine.Run(context.Background(), []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}
	if run.Failed != 1 {
		t.Fatalf("run should report 1 failed dataset: %+v", run.Datasets)
	}

	entry, err := h.ledger.Get(d.Fingerprint())
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Status != ledger.StatusFailed {
		t.Fatalf("ledger should hold a failed entry, got %+v", entry)
	}
	if entry.ErrorSummary == "" {
		t.Error("failed entry should carry an error summary")
	}

	// A later run with the network back retries and commits
	h.downloader.err = nil
	run, err = h.engine.Run(context.Background(), []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}
	if run.Succeeded != 1 {
		t.Errorf("retry run should succeed: %+v", run.Datasets)
	}
}

func TestRetryAfterWriteFailureUsesCache(t *testing.T) {
	payload := standardArchive(t)
	h := newHarness(t, payload)
	h.writer.appendErr = errors.New("disk full")
	d := testDescriptor(payload)
	ctx := context.Background()

	run, err := h.engine.Run(ctx, []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}
	if run.Failed != 1 {
		t.Fatalf("write failure should fail the dataset: %+v", run.Datasets)
	}

	h.writer.appendErr = nil
	run, err = h.engine.Run(ctx, []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}
	if run.Succeeded != 1 {
		t.Fatalf("retry should succeed: %+v", run.Datasets)
	}
	if h.downloader.calls != 1 {
		t.Errorf("downloader called %d times, expected 1 (retry served from cache)", h.downloader.calls)
	}
	if h.writer.deletes["denue_2024_05"] != 2 {
		t.Errorf("DeleteSnapshot called %d times, expected once per attempt", h.writer.deletes["denue_2024_05"])
	}
	if len(h.writer.rows["denue_2024_05"]) != 2 {
		t.Errorf("store holds %d rows after retry, expected 2", len(h.writer.rows["denue_2024_05"]))
	}
}

func TestWriteFailureAfterCommittedChunkIsPartial(t *testing.T) {
	payload := standardArchive(t)
	h := newHarness(t, payload)
	d := testDescriptor(payload)
	ctx := context.Background()

	// Chunk size 1 turns the two-row archive into two Append calls;
	// the second one dies after the first chunk already committed
	h.writer.failAppend = errors.New("disk full")
	h.writer.failAppendAt = 2
	eng := New(h.downloader, h.cache, h.ledger, h.writer, 1)

	run, err := eng.Run(ctx, []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}
	if run.Failed != 1 {
		t.Fatalf("interrupted write should fail the dataset: %+v", run.Datasets)
	}
	if run.Datasets[0].RowsWritten != 1 {
		t.Errorf("rows written = %d, expected 1 committed chunk", run.Datasets[0].RowsWritten)
	}

	entry, err := h.ledger.Get(d.Fingerprint())
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != ledger.StatusPartial {
		t.Fatalf("ledger status = %s, expected partial", entry.Status)
	}
	if entry.RowsWritten != 1 {
		t.Errorf("ledger rows_written = %d, expected 1", entry.RowsWritten)
	}

	// A partial entry does not block the retry; the rerun replaces the
	// orphaned chunk and commits cleanly
	h.writer.failAppend = nil
	run, err = eng.Run(ctx, []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}
	if run.Succeeded != 1 {
		t.Fatalf("retry after partial should succeed: %+v", run.Datasets)
	}
	if len(h.writer.rows["denue_2024_05"]) != 2 {
		t.Errorf("store holds %d rows after retry, expected 2 (partial chunk replaced)", len(h.writer.rows["denue_2024_05"]))
	}
	committed, err := h.ledger.IsCommitted(d.Fingerprint())
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Error("retry should overwrite the partial entry with success")
	}
}

func TestZeroValidRowsFails(t *testing.T) {
	payload := buildArchive(t, map[string]string{
		"conjunto_de_datos/denue_09.csv": "ID,Nombre\n",
		"metadatos/metadatos.txt":        "Identificador: denue.2024-05\n",
	})
	h := newHarness(t, payload)
	d := testDescriptor(payload)

	run, err := h.engine.Run(context.Background(), []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}
	if run.Failed != 1 {
		t.Fatalf("header-only dataset should fail: %+v", run.Datasets)
	}
	entry, err := h.ledger.Get(d.Fingerprint())
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != ledger.StatusFailed {
		t.Errorf("ledger status = %s, expected failed", entry.Status)
	}
}

func TestSchemaGrowsAcrossSnapshots(t *testing.T) {
	first := standardArchive(t)
	second := buildArchive(t, map[string]string{
		"conjunto_de_datos/denue_11.csv": "ID,Nombre,Codigo Postal,Telefono\n3,Taller Tres,37000,4771234567\n",
		"metadatos/metadatos.txt":        "Identificador: denue.2024-11\n",
	})
	h := newHarness(t, first)
	ctx := context.Background()

	d1 := testDescriptor(first)
	if _, err := h.engine.Run(ctx, []model.DatasetDescriptor{d1}); err != nil {
		t.Fatal(err)
	}

	h.downloader.payload = second
	d2 := model.DatasetDescriptor{
		SourceURL:    "https://example.org/denue_11_csv.zip",
		FederationID: "11",
		PeriodLabel:  "2024-11",
		DeclaredSize: int64(len(second)),
	}
	run, err := h.engine.Run(ctx, []model.DatasetDescriptor{d2})
	if err != nil {
		t.Fatal(err)
	}
	if run.Succeeded != 1 {
		t.Fatalf("second snapshot should succeed: %+v", run.Datasets)
	}

	res := run.Datasets[0]
	if len(res.UnknownColumns) != 1 || res.UnknownColumns[0] != "telefono" {
		t.Errorf("unknown columns = %v, expected [telefono]", res.UnknownColumns)
	}

	cols, err := h.ledger.CanonicalColumns()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"id": true, "nombre": true, "codigo_postal": true, "telefono": true}
	if len(cols) != len(want) {
		t.Fatalf("canonical columns = %v", cols)
	}
	for _, c := range cols {
		if !want[c] {
			t.Errorf("unexpected canonical column %q", c)
		}
	}
}

func TestMissingColumnsReported(t *testing.T) {
	// Second snapshot lacks a column the first one established
	first := standardArchive(t)
	second := buildArchive(t, map[string]string{
		"conjunto_de_datos/denue_11.csv": "ID,Nombre\n3,Taller Tres\n",
		"metadatos/metadatos.txt":        "Identificador: denue.2024-11\n",
	})
	h := newHarness(t, first)
	ctx := context.Background()

	if _, err := h.engine.Run(ctx, []model.DatasetDescriptor{testDescriptor(first)}); err != nil {
		t.Fatal(err)
	}

	h.downloader.payload = second
	d2 := model.DatasetDescriptor{
		SourceURL:    "https://example.org/denue_11_csv.zip",
		FederationID: "11",
		PeriodLabel:  "2024-11",
		DeclaredSize: int64(len(second)),
	}
	run, err := h.engine.Run(ctx, []model.DatasetDescriptor{d2})
	if err != nil {
		t.Fatal(err)
	}

	res := run.Datasets[0]
	if len(res.MissingColumns) != 1 || res.MissingColumns[0] != "codigo_postal" {
		t.Errorf("missing columns = %v, expected [codigo_postal]", res.MissingColumns)
	}
	// The absent column is filled with the sentinel, not dropped
	rows := h.writer.rows["denue_2024_11"]
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["codigo_postal"] != reader.MissingValue {
		t.Errorf("absent column = %q, expected missing sentinel", rows[0]["codigo_postal"])
	}
}

func TestSingleFileLayout(t *testing.T) {
	// Older snapshots ship a lone CSV at the archive root, no dictionary
	// or metadata; the header is the raw column list
	payload := buildArchive(t, map[string]string{
		"denue_inegi_2019.csv": "ID,Nombre\n1,Taller Uno\n",
	})
	h := newHarness(t, payload)
	d := model.DatasetDescriptor{
		SourceURL:    "https://example.org/denue_inegi_2019.zip",
		FederationID: "09",
		DeclaredSize: int64(len(payload)),
	}

	run, err := h.engine.Run(context.Background(), []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}
	if run.Succeeded != 1 {
		t.Fatalf("single-file snapshot should ingest: %+v", run.Datasets)
	}
	// Period inferred from the year in the archive filename
	if run.Datasets[0].Period != "2019" {
		t.Errorf("inferred period = %q, expected 2019", run.Datasets[0].Period)
	}
	rows := h.writer.rows["denue_2019"]
	if len(rows) != 1 || rows[0]["nombre"] != "Taller Uno" {
		t.Errorf("unexpected store contents: %v", rows)
	}
}

func TestAmbiguousSchemaFailsSnapshot(t *testing.T) {
	// "Código Postal" and "codigo_postal" normalize identically
	payload := buildArchive(t, map[string]string{
		"conjunto_de_datos/denue_09.csv": "ID,C\xf3digo Postal,codigo_postal\n1,06700,06700\n",
		"metadatos/metadatos.txt":        "Identificador: denue.2024-05\n",
	})
	h := newHarness(t, payload)
	d := testDescriptor(payload)

	run, err := h.engine.Run(context.Background(), []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}
	if run.Failed != 1 {
		t.Fatalf("ambiguous columns should fail the snapshot: %+v", run.Datasets)
	}
	if run.Datasets[0].RowsWritten != 0 {
		t.Errorf("ambiguous snapshot wrote %d rows, expected 0", run.Datasets[0].RowsWritten)
	}
	entry, err := h.ledger.Get(d.Fingerprint())
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != ledger.StatusFailed {
		t.Errorf("ledger status = %s, expected failed", entry.Status)
	}
}

func TestCancelledContextHaltsRun(t *testing.T) {
	payload := standardArchive(t)
	h := newHarness(t, payload)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.engine.Run(ctx, []model.DatasetDescriptor{testDescriptor(payload)})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(run.Datasets) != 0 {
		t.Errorf("cancelled run processed %d datasets", len(run.Datasets))
	}
	if h.downloader.calls != 0 {
		t.Errorf("cancelled run should not download")
	}
}

func TestPeriodInferredFromMetadata(t *testing.T) {
	payload := standardArchive(t)
	h := newHarness(t, payload)
	d := testDescriptor(payload)
	d.PeriodLabel = "" // force inference

	run, err := h.engine.Run(context.Background(), []model.DatasetDescriptor{d})
	if err != nil {
		t.Fatal(err)
	}
	if run.Succeeded != 1 {
		t.Fatalf("run should succeed: %+v", run.Datasets)
	}
	if run.Datasets[0].Period != "denue_2024_05" {
		t.Errorf("inferred period = %q", run.Datasets[0].Period)
	}
	if _, ok := h.writer.tables["denue_denue_2024_05"]; !ok {
		t.Errorf("table name should derive from inferred period, got %v", keys(h.writer.tables))
	}
}

func keys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
