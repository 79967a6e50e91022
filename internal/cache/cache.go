package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ivanreyes/denue-harvest/internal/util"
)

// Entry kinds. A download entry is the archive file as fetched; an
// extracted entry is a directory holding the archive's members.
const (
	KindDownload  = "download"
	KindExtracted = "extracted"
)

// Entry describes one materialized cache hit
type Entry struct {
	Fingerprint string
	Kind        string
	Path        string
	CreatedAt   time.Time
}

// ValidateFunc checks that a cached path is complete and usable. A non-nil
// error marks the entry invalid, which Get treats as a miss and evicts.
type ValidateFunc func(path string) error

// Store is a fingerprint-addressed cache of downloaded archives and their
// extracted contents. Writes go through a staging area and are promoted
// atomically, so a crash mid-write never leaves a valid-looking entry.
// There is no TTL: the cache exists for idempotent re-runs, not freshness;
// a new logical period always produces a new fingerprint.
type Store struct {
	root string
}

// Open creates (if needed) and returns a cache store rooted at dir
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"tmp", KindDownload, KindExtracted} {
		if err := util.EnsureDir(filepath.Join(dir, sub)); err != nil {
			return nil, err
		}
	}
	return &Store{root: dir}, nil
}

// entryPath returns the final location for a fingerprint and kind
func (s *Store) entryPath(fingerprint, kind string) string {
	return filepath.Join(s.root, kind, fingerprint)
}

// Put materializes a cache entry. The producer receives a staging path
// (a file path for downloads, an existing empty directory for extractions)
// and must fully populate it; only on success is the staging path promoted
// to its final fingerprint-keyed location with an atomic rename.
func (s *Store) Put(fingerprint, kind string, producer func(staging string) error) (*Entry, error) {
	staging := filepath.Join(s.root, "tmp", uuid.NewString())

	if kind == KindExtracted {
		if err := util.EnsureDir(staging); err != nil {
			return nil, err
		}
	}

	if err := producer(staging); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	final := s.entryPath(fingerprint, kind)
	os.RemoveAll(final)
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to promote cache entry %s/%s: %w", kind, fingerprint, err)
	}

	util.DebugLog("Cache put: %s/%s", kind, fingerprint)
	return &Entry{
		Fingerprint: fingerprint,
		Kind:        kind,
		Path:        final,
		CreatedAt:   time.Now(),
	}, nil
}

// Get returns the cached entry for a fingerprint and kind, or (nil, nil)
// on a miss. The entry is re-validated before being returned as a hit;
// an entry that fails validation is evicted and reported as a miss, so a
// stale or truncated cache can only cost a re-download, never a bad load.
func (s *Store) Get(fingerprint, kind string, validate ValidateFunc) (*Entry, error) {
	path := s.entryPath(fingerprint, kind)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache entry: %w", err)
	}

	if validate != nil {
		if err := validate(path); err != nil {
			util.WarnLog("Evicting invalid cache entry %s/%s: %v", kind, fingerprint, err)
			if evictErr := s.Evict(fingerprint, kind); evictErr != nil {
				return nil, evictErr
			}
			return nil, nil
		}
	}

	return &Entry{
		Fingerprint: fingerprint,
		Kind:        kind,
		Path:        path,
		CreatedAt:   info.ModTime(),
	}, nil
}

// Evict removes a cache entry if present
func (s *Store) Evict(fingerprint, kind string) error {
	if err := os.RemoveAll(s.entryPath(fingerprint, kind)); err != nil {
		return fmt.Errorf("failed to evict cache entry %s/%s: %w", kind, fingerprint, err)
	}
	return nil
}

// NonZeroFile validates a download entry: the file must exist, be non-empty
// and, when the publisher declared a size, match it.
func NonZeroFile(expectedSize int64) ValidateFunc {
	return func(path string) error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("expected file, found directory")
		}
		if info.Size() == 0 {
			return fmt.Errorf("zero-byte file")
		}
		if expectedSize > 0 && info.Size() != expectedSize {
			return fmt.Errorf("size %d does not match declared size %d", info.Size(), expectedSize)
		}
		return nil
	}
}

// HasMembers validates an extracted entry: every required member path,
// relative to the entry directory, must exist and be non-empty.
func HasMembers(required []string) ValidateFunc {
	return func(path string) error {
		for _, member := range required {
			info, err := os.Stat(filepath.Join(path, member))
			if err != nil {
				return fmt.Errorf("missing member %s: %w", member, err)
			}
			if !info.IsDir() && info.Size() == 0 {
				return fmt.Errorf("member %s is empty", member)
			}
		}
		return nil
	}
}
