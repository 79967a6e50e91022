package ledger

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const currentSchemaVersion = 1

// Ingestion outcomes. A success entry is the single authority for
// skip-on-rerun; failed and partial entries never block a retry.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Entry records the outcome of one ingestion attempt for one snapshot
type Entry struct {
	Fingerprint    string
	SourceURL      string
	Federation     string
	Period         string
	Status         string
	RowsRead       int64
	RowsWritten    int64
	MissingColumns []string
	UnknownColumns []string
	ErrorSummary   string
	CommittedAt    time.Time
}

// Ledger is the durable record of which snapshots have been committed,
// backed by a SQLite state database. It also persists the canonical
// column registry so schema growth stays monotonic across runs.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the state database at the given path
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_timeout=5000&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return l, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

// migrate applies database migrations
func (l *Ledger) migrate() error {
	version, err := l.getSchemaVersion()
	if err != nil {
		return err
	}
	if version >= currentSchemaVersion {
		return nil
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if version < 1 {
		if _, err := tx.Exec(schemaV1); err != nil {
			return fmt.Errorf("failed to apply schema v1: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", 1); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func (l *Ledger) getSchemaVersion() (int, error) {
	var exists int
	err := l.db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// IsCommitted reports whether a snapshot has a success entry. This is the
// single authority for skip-on-rerun and is checked before any download
// or extraction work, which keeps the cache a pure performance
// optimization rather than a correctness dependency.
func (l *Ledger) IsCommitted(fingerprint string) (bool, error) {
	var count int
	err := l.db.QueryRow(`
		SELECT COUNT(*) FROM ingestion_ledger
		WHERE fingerprint = ? AND status = ?
	`, fingerprint, StatusSuccess).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return count > 0, nil
}

// Record upserts a ledger entry keyed by fingerprint. A later attempt
// overwrites an earlier failed or partial entry; a success entry is never
// overwritten automatically.
func (l *Ledger) Record(e *Entry) error {
	if e.Status != StatusSuccess && e.Status != StatusPartial && e.Status != StatusFailed {
		return fmt.Errorf("invalid ledger status %q", e.Status)
	}

	_, err := l.db.Exec(`
		INSERT INTO ingestion_ledger
		  (fingerprint, source_url, federation, period, status,
		   rows_read, rows_written, missing_columns, unknown_columns,
		   error_summary, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(fingerprint) DO UPDATE SET
			source_url = excluded.source_url,
			federation = excluded.federation,
			period = excluded.period,
			status = excluded.status,
			rows_read = excluded.rows_read,
			rows_written = excluded.rows_written,
			missing_columns = excluded.missing_columns,
			unknown_columns = excluded.unknown_columns,
			error_summary = excluded.error_summary,
			committed_at = CURRENT_TIMESTAMP
		WHERE ingestion_ledger.status != ?
	`, e.Fingerprint, e.SourceURL, e.Federation, e.Period, e.Status,
		e.RowsRead, e.RowsWritten,
		strings.Join(e.MissingColumns, ","), strings.Join(e.UnknownColumns, ","),
		e.ErrorSummary, StatusSuccess)

	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

// Get retrieves the ledger entry for a fingerprint, or nil if none exists
func (l *Ledger) Get(fingerprint string) (*Entry, error) {
	e := &Entry{}
	var missing, unknown string

	err := l.db.QueryRow(`
		SELECT fingerprint, source_url, COALESCE(federation, ''),
		       COALESCE(period, ''), status, rows_read, rows_written,
		       COALESCE(missing_columns, ''), COALESCE(unknown_columns, ''),
		       COALESCE(error_summary, ''), committed_at
		FROM ingestion_ledger WHERE fingerprint = ?
	`, fingerprint).Scan(
		&e.Fingerprint, &e.SourceURL, &e.Federation, &e.Period, &e.Status,
		&e.RowsRead, &e.RowsWritten, &missing, &unknown,
		&e.ErrorSummary, &e.CommittedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	e.MissingColumns = splitColumns(missing)
	e.UnknownColumns = splitColumns(unknown)
	return e, nil
}

// List returns all ledger entries ordered by commit time
func (l *Ledger) List() ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT fingerprint, source_url, COALESCE(federation, ''),
		       COALESCE(period, ''), status, rows_read, rows_written,
		       COALESCE(missing_columns, ''), COALESCE(unknown_columns, ''),
		       COALESCE(error_summary, ''), committed_at
		FROM ingestion_ledger ORDER BY committed_at, fingerprint
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var missing, unknown string
		if err := rows.Scan(
			&e.Fingerprint, &e.SourceURL, &e.Federation, &e.Period, &e.Status,
			&e.RowsRead, &e.RowsWritten, &missing, &unknown,
			&e.ErrorSummary, &e.CommittedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.MissingColumns = splitColumns(missing)
		e.UnknownColumns = splitColumns(unknown)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByStatus returns the number of entries with a given status
func (l *Ledger) CountByStatus(status string) (int, error) {
	var count int
	err := l.db.QueryRow(
		"SELECT COUNT(*) FROM ingestion_ledger WHERE status = ?", status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return count, nil
}

// CanonicalColumns loads the persisted canonical column names
func (l *Ledger) CanonicalColumns() ([]string, error) {
	rows, err := l.db.Query("SELECT name FROM canonical_columns ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical columns: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AddCanonicalColumns persists newly observed canonical column names
func (l *Ledger) AddCanonicalColumns(names []string) error {
	if len(names) == 0 {
		return nil
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, name := range names {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO canonical_columns (name) VALUES (?)", name,
		); err != nil {
			return fmt.Errorf("failed to persist canonical column %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// CheckIntegrity runs PRAGMA integrity_check on the state database
func (l *Ledger) CheckIntegrity() error {
	var result string
	if err := l.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// SQLiteVersion reports the embedded SQLite version, used by doctor
func SQLiteVersion() string {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return ""
	}
	defer db.Close()

	var version string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&version); err != nil {
		return ""
	}
	return version
}

func splitColumns(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
