package ledger

// Schema v1 - ingestion ledger and canonical schema registry
const schemaV1 = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One row per snapshot fingerprint: the single authority for
-- "has this snapshot been ingested, and how cleanly"
CREATE TABLE IF NOT EXISTS ingestion_ledger (
  fingerprint TEXT PRIMARY KEY,
  source_url TEXT NOT NULL,
  federation TEXT,
  period TEXT,
  status TEXT NOT NULL,
  rows_read INTEGER NOT NULL DEFAULT 0,
  rows_written INTEGER NOT NULL DEFAULT 0,
  missing_columns TEXT,
  unknown_columns TEXT,
  error_summary TEXT,
  committed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_ledger_status ON ingestion_ledger(status);
CREATE INDEX IF NOT EXISTS idx_ledger_period ON ingestion_ledger(period);

-- Canonical column vocabulary, persisted so schema growth stays
-- monotonic across runs
CREATE TABLE IF NOT EXISTS canonical_columns (
  name TEXT PRIMARY KEY,
  added_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`
