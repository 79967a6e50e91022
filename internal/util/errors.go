package util

import "errors"

// Sentinel errors for the ingestion failure taxonomy. The engine branches
// on these with errors.Is, so every failure path must wrap exactly one.
var (
	// ErrTransientIO indicates a network or timeout failure worth retrying
	ErrTransientIO = errors.New("transient i/o failure")

	// ErrPermanentIO indicates a fetch failure that retrying cannot fix (404, bad URL)
	ErrPermanentIO = errors.New("permanent i/o failure")

	// ErrLayoutDetection indicates an archive whose internal layout could not
	// be recognized, or whose dataset member is ambiguous
	ErrLayoutDetection = errors.New("archive layout detection failed")

	// ErrSchemaAmbiguity indicates two raw column names that normalize to the
	// same canonical name
	ErrSchemaAmbiguity = errors.New("ambiguous column mapping")

	// ErrZeroValidRows indicates a snapshot that produced no writable rows
	ErrZeroValidRows = errors.New("no valid rows in snapshot")

	// ErrStorageWrite indicates a failed append to the columnar store
	ErrStorageWrite = errors.New("storage write failed")

	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// IsTransient reports whether err should go through the retry policy.
// Everything else in the taxonomy is snapshot-fatal without retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}
