package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPutAndGetDownload(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	entry, err := store.Put("fp1", KindDownload, func(staging string) error {
		return os.WriteFile(staging, []byte("archive"), 0o644)
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	hit, err := store.Get("fp1", KindDownload, NonZeroFile(7))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hit == nil {
		t.Fatal("expected cache hit")
	}
	if hit.Path != entry.Path {
		t.Errorf("hit path %s != put path %s", hit.Path, entry.Path)
	}
}

func TestGetMiss(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	hit, err := store.Get("unknown", KindDownload, nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hit != nil {
		t.Error("expected miss for unknown fingerprint")
	}
}

func TestPutFailureLeavesNoEntry(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("producer blew up")
	_, err = store.Put("fp1", KindDownload, func(staging string) error {
		// Simulate a crash after a partial write
		os.WriteFile(staging, []byte("part"), 0o644)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected producer error, got %v", err)
	}

	hit, err := store.Get("fp1", KindDownload, nil)
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Error("failed Put must not leave a visible cache entry")
	}
}

func TestInvalidEntryEvictedAsMiss(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Truncated file planted directly at the final location, as a crash
	// between rename and close could never produce but a stray copy might
	planted := filepath.Join(dir, KindDownload, "fp1")
	if err := os.WriteFile(planted, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	hit, err := store.Get("fp1", KindDownload, NonZeroFile(0))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hit != nil {
		t.Fatal("zero-byte entry must be treated as a miss")
	}

	if _, err := os.Stat(planted); !os.IsNotExist(err) {
		t.Error("invalid entry should have been evicted")
	}
}

func TestDeclaredSizeMismatchIsMiss(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Put("fp1", KindDownload, func(staging string) error {
		return os.WriteFile(staging, []byte("short"), 0o644)
	})
	if err != nil {
		t.Fatal(err)
	}

	hit, err := store.Get("fp1", KindDownload, NonZeroFile(9999))
	if err != nil {
		t.Fatal(err)
	}
	if hit != nil {
		t.Error("size mismatch must invalidate the entry")
	}
}

func TestExtractedEntryMemberValidation(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Put("fp1", KindExtracted, func(staging string) error {
		if err := os.MkdirAll(filepath.Join(staging, "conjunto_de_datos"), 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(staging, "conjunto_de_datos", "data.csv"), []byte("a,b\n1,2\n"), 0o644)
	})
	if err != nil {
		t.Fatal(err)
	}

	hit, err := store.Get("fp1", KindExtracted, HasMembers([]string{"conjunto_de_datos/data.csv"}))
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil {
		t.Fatal("expected hit for complete extraction")
	}

	missing, err := store.Get("fp1", KindExtracted, HasMembers([]string{"diccionario_de_datos/dict.csv"}))
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("extraction missing a required member must be a miss")
	}
}

func TestPutOverwritesPreviousEntry(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, content := range []string{"first", "second"} {
		c := content
		if _, err := store.Put("fp1", KindDownload, func(staging string) error {
			return os.WriteFile(staging, []byte(c), 0o644)
		}); err != nil {
			t.Fatal(err)
		}
	}

	hit, err := store.Get("fp1", KindDownload, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(hit.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("expected latest content, got %q", data)
	}
}
