// Package storage writes resolved records into a columnar DuckDB store.
// Every column is VARCHAR; typing is deferred to downstream consumers.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/ivanreyes/denue-harvest/internal/reader"
	"github.com/ivanreyes/denue-harvest/internal/util"
)

// Writer is the sink the ingestion engine appends resolved records to.
type Writer interface {
	// EnsureTable creates the table if absent and adds any canonical
	// columns it does not yet carry. Existing columns are never dropped
	// or retyped.
	EnsureTable(ctx context.Context, table string, columns []string) error

	// Append writes one chunk of records inside a single transaction.
	Append(ctx context.Context, table string, columns []string, records []reader.Record) (int, error)

	// DeleteSnapshot removes all rows previously written for one
	// snapshot fingerprint, so a retried ingestion never duplicates.
	DeleteSnapshot(ctx context.Context, table string, fingerprint string) (int64, error)

	Close() error
}

const fingerprintColumn = "ingest_fingerprint"

var tableNamePattern = regexp.MustCompile(`[^a-z0-9_]+`)

// TableName derives the destination table for a snapshot period.
func TableName(period string) string {
	name := tableNamePattern.ReplaceAllString(strings.ToLower(period), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "unknown"
	}
	return "denue_" + name
}

// DuckDB is the Writer backed by a duckdb database file.
type DuckDB struct {
	db *sql.DB
}

// Open opens (or creates) the duckdb file at path.
func Open(path string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to duckdb store: %w", err)
	}
	return &DuckDB{db: db}, nil
}

func (s *DuckDB) Close() error {
	return s.db.Close()
}

func (s *DuckDB) EnsureTable(ctx context.Context, table string, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("%w: table %s needs at least one column", util.ErrStorageWrite, table)
	}

	existing, err := s.tableColumns(ctx, table)
	if err != nil {
		return err
	}
	if existing == nil {
		defs := make([]string, 0, len(columns)+1)
		defs = append(defs, quoteIdent(fingerprintColumn)+" VARCHAR")
		for _, col := range columns {
			defs = append(defs, quoteIdent(col)+" VARCHAR")
		}
		create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
		if _, err := s.db.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("%w: failed to create table %s: %v", util.ErrStorageWrite, table, err)
		}
		util.DebugLog("created table %s with %d columns", table, len(columns))
		return nil
	}

	for _, col := range columns {
		if existing[col] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s VARCHAR", quoteIdent(table), quoteIdent(col))
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("%w: failed to add column %s to %s: %v", util.ErrStorageWrite, col, table, err)
		}
		util.DebugLog("added column %s to table %s", col, table)
	}
	return nil
}

func (s *DuckDB) Append(ctx context.Context, table string, columns []string, records []reader.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %v", util.ErrStorageWrite, err)
	}
	defer tx.Rollback()

	quoted := make([]string, 0, len(columns)+1)
	quoted = append(quoted, quoteIdent(fingerprintColumn))
	for _, col := range columns {
		quoted = append(quoted, quoteIdent(col))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(quoted)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), placeholders)

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prepare insert: %v", util.ErrStorageWrite, err)
	}
	defer stmt.Close()

	args := make([]any, len(quoted))
	for _, rec := range records {
		args[0] = rec[fingerprintColumn]
		for i, col := range columns {
			args[i+1] = rec[col]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("%w: failed to insert row: %v", util.ErrStorageWrite, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit chunk: %v", util.ErrStorageWrite, err)
	}
	return len(records), nil
}

func (s *DuckDB) DeleteSnapshot(ctx context.Context, table string, fingerprint string) (int64, error) {
	existing, err := s.tableColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(fingerprintColumn)),
		fingerprint)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to delete snapshot rows: %v", util.ErrStorageWrite, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// CountRows is used by the status command and tests.
func (s *DuckDB) CountRows(ctx context.Context, table string) (int64, error) {
	existing, err := s.tableColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		return 0, nil
	}
	var n int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return n, nil
}

// Tables lists the denue tables currently present in the store.
func (s *DuckDB) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_name LIKE 'denue_%' ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// tableColumns returns the column set of table, or nil when the table
// does not exist.
func (s *DuckDB) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = ?", table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols map[string]bool
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if cols == nil {
			cols = make(map[string]bool)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// StampFingerprint tags each record with the snapshot fingerprint so
// DeleteSnapshot can target a retried ingestion precisely.
func StampFingerprint(records []reader.Record, fingerprint string) {
	for _, rec := range records {
		rec[fingerprintColumn] = fingerprint
	}
}
