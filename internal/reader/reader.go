package reader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ivanreyes/denue-harvest/internal/schema"
	"golang.org/x/text/encoding/charmap"
)

// MissingValue marks a canonical column the snapshot did not carry. It is
// deliberately distinct from the empty string, which is a real value the
// source can (and does) publish.
const MissingValue = "__missing__"

// DefaultChunkSize bounds how many records are materialized per Next call
const DefaultChunkSize = 50000

// Record is one canonical row. Every record carries every canonical column
// known at the time its snapshot's mapping was resolved; all values are
// text; the source's "numeric" columns routinely hold placeholder prose,
// so typed access is a downstream concern.
type Record map[string]string

// RowError describes a single row that could not be turned into a record.
// Row errors never fail the stream; they are tallied into the snapshot's
// completeness ratio.
type RowError struct {
	Row    int
	Reason string
}

// Origin carries the synthesized per-record provenance values
type Origin struct {
	Period     string
	Federation string
	SourceFile string
}

// Reader streams a snapshot's dataset rows as canonical records in
// bounded-memory chunks. A Reader is not restartable mid-stream: a retry
// re-opens the dataset from the start.
type Reader struct {
	cr        *csv.Reader
	byIndex   []string // header position -> canonical column, "" = unresolved
	schemaAt  []string // canonical schema when the mapping was resolved
	origin    Origin
	chunkSize int
	row       int // data row index, 1-based, header excluded
	done      bool
}

// New prepares a reader over the dataset stream. The stream's first row is
// the raw header; it is consumed immediately to bind columns to positions
// via the mapping. Bytes are decoded with the publisher's fixed legacy
// encoding (ISO 8859-3).
func New(r io.Reader, mapping *schema.Mapping, origin Origin, chunkSize int) (*Reader, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	cr := csv.NewReader(charmap.ISO8859_3.NewDecoder().Reader(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset header: %w", err)
	}

	byIndex := make([]string, len(header))
	for i, cell := range header {
		if canonical, ok := mapping.Canonical(cell); ok {
			byIndex[i] = canonical
		}
	}

	return &Reader{
		cr:        cr,
		byIndex:   byIndex,
		schemaAt:  mapping.Schema,
		origin:    origin,
		chunkSize: chunkSize,
	}, nil
}

// Next returns the next chunk of canonical records and the row errors
// encountered while producing it. It returns io.EOF (with any final
// records) when the stream is exhausted.
func (r *Reader) Next() ([]Record, []RowError, error) {
	if r.done {
		return nil, nil, io.EOF
	}

	records := make([]Record, 0, r.chunkSize)
	var rowErrs []RowError

	for len(records) < r.chunkSize {
		row, err := r.cr.Read()
		if err == io.EOF {
			r.done = true
			return records, rowErrs, io.EOF
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				r.row++
				rowErrs = append(rowErrs, RowError{Row: r.row, Reason: err.Error()})
				continue
			}
			return records, rowErrs, fmt.Errorf("dataset read failed at row %d: %w", r.row, err)
		}

		r.row++

		if reason, bad := undecodable(row); bad {
			rowErrs = append(rowErrs, RowError{Row: r.row, Reason: reason})
			continue
		}

		records = append(records, r.toRecord(row))
	}

	return records, rowErrs, nil
}

// toRecord builds a canonical record: every schema column present, absent
// source columns filled with the missing sentinel, origin columns
// synthesized from the descriptor.
func (r *Reader) toRecord(row []string) Record {
	rec := make(Record, len(r.schemaAt))
	for _, col := range r.schemaAt {
		rec[col] = MissingValue
	}

	for i, value := range row {
		if i >= len(r.byIndex) || r.byIndex[i] == "" {
			continue
		}
		rec[r.byIndex[i]] = value
	}

	rec[schema.ColSnapshotPeriod] = r.origin.Period
	rec[schema.ColFederation] = r.origin.Federation
	rec[schema.ColSourceFile] = r.origin.SourceFile
	return rec
}

// undecodable reports whether the decoded row still carries replacement
// runes, meaning its original bytes were invalid even under best-effort
// substitution
func undecodable(row []string) (string, bool) {
	for i, field := range row {
		if strings.ContainsRune(field, '�') {
			return fmt.Sprintf("field %d undecodable under ISO 8859-3", i+1), true
		}
	}
	return "", false
}

// Schema returns the canonical column set this reader's records carry
func (r *Reader) Schema() []string {
	return r.schemaAt
}
