package archive

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/ivanreyes/denue-harvest/internal/util"
	"golang.org/x/text/encoding/charmap"
)

// Layout identifies the internal structure of a snapshot archive
type Layout int

const (
	// LayoutThreeFolder is the publisher's standard structure: dataset,
	// dictionary and metadata members in separate folders
	LayoutThreeFolder Layout = iota

	// LayoutSingleFile is the fallback for older snapshots shipped as a
	// single CSV at the archive root, with no dictionary or metadata
	LayoutSingleFile
)

func (l Layout) String() string {
	switch l {
	case LayoutThreeFolder:
		return "three-folder"
	case LayoutSingleFile:
		return "single-file"
	default:
		return "unknown"
	}
}

// Members names the archive members relevant to ingestion. Dataset is
// always set; Dictionary and Metadata are empty under LayoutSingleFile.
type Members struct {
	Layout     Layout
	Dataset    string
	Dictionary string
	Metadata   string
}

// Handle exposes an opened snapshot archive without extracting it to disk
type Handle struct {
	rc *zip.ReadCloser
}

// Open opens a zip archive for member access
func Open(archivePath string) (*Handle, error) {
	rc, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	return &Handle{rc: rc}, nil
}

// Close releases the archive
func (h *Handle) Close() error {
	return h.rc.Close()
}

// MemberNames returns the paths of all file members in the archive
func (h *Handle) MemberNames() []string {
	names := make([]string, 0, len(h.rc.File))
	for _, f := range h.rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
	}
	return names
}

// Read opens a member for streaming
func (h *Handle) Read(member string) (io.ReadCloser, error) {
	for _, f := range h.rc.File {
		if f.Name == member {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%w: archive member %s", util.ErrNotFound, member)
}

// Member name tokens, matched case-insensitively. The publisher has used
// both Spanish and English folder names across years.
var (
	datasetTokens    = []string{"conjunto_de_datos", "dataset"}
	dictionaryTokens = []string{"diccionario", "dictionary"}
	metadataTokens   = []string{"metadatos", "metadata"}
)

func matchesAny(name string, tokens []string) bool {
	lower := strings.ToLower(name)
	for _, token := range tokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// DetectLayout inspects the archive's member names and returns the members
// to ingest. Detection never guesses: an archive matching neither layout,
// or with more than one dataset candidate, fails with ErrLayoutDetection.
func DetectLayout(h *Handle) (*Members, error) {
	names := h.MemberNames()

	var datasets, dictionaries, metadatas, rootCSVs []string
	for _, name := range names {
		isCSV := strings.EqualFold(path.Ext(name), ".csv")

		switch {
		case isCSV && matchesAny(name, dictionaryTokens):
			dictionaries = append(dictionaries, name)
		case isCSV && matchesAny(name, datasetTokens):
			datasets = append(datasets, name)
		case matchesAny(name, metadataTokens):
			metadatas = append(metadatas, name)
		case isCSV && !strings.Contains(name, "/"):
			rootCSVs = append(rootCSVs, name)
		}
	}

	if len(datasets) == 1 {
		m := &Members{Layout: LayoutThreeFolder, Dataset: datasets[0]}
		if len(dictionaries) > 0 {
			m.Dictionary = dictionaries[0]
		}
		if len(metadatas) > 0 {
			m.Metadata = metadatas[0]
		}
		return m, nil
	}
	if len(datasets) > 1 {
		return nil, fmt.Errorf("%w: %d dataset candidates: %s",
			util.ErrLayoutDetection, len(datasets), strings.Join(datasets, ", "))
	}

	// Fallback: exactly one CSV at the archive root
	if len(rootCSVs) == 1 {
		util.DebugLog("Archive uses single-file layout: %s", rootCSVs[0])
		return &Members{Layout: LayoutSingleFile, Dataset: rootCSVs[0]}, nil
	}
	if len(rootCSVs) > 1 {
		return nil, fmt.Errorf("%w: %d root-level csv candidates: %s",
			util.ErrLayoutDetection, len(rootCSVs), strings.Join(rootCSVs, ", "))
	}

	return nil, fmt.Errorf("%w: no dataset member found among %d members",
		util.ErrLayoutDetection, len(names))
}

var yearPattern = regexp.MustCompile(`20\d{2}`)

// InferPeriod derives the snapshot period label when the descriptor does
// not carry one: a 20xx year in the archive filename wins, then the
// identifier line of the metadata member, then "unknown".
func InferPeriod(archiveName string, h *Handle, members *Members) string {
	if year := yearPattern.FindString(path.Base(archiveName)); year != "" {
		return year
	}

	if members != nil && members.Metadata != "" {
		if period := periodFromMetadata(h, members.Metadata); period != "" {
			return period
		}
	}

	return "unknown"
}

// periodFromMetadata reads the first line of the metadata member, which
// carries a dotted identifier like "denue.2024-05"
func periodFromMetadata(h *Handle, member string) string {
	rc, err := h.Read(member)
	if err != nil {
		return ""
	}
	defer rc.Close()

	scanner := bufio.NewScanner(charmap.ISO8859_3.NewDecoder().Reader(rc))
	if !scanner.Scan() {
		return ""
	}

	line := strings.TrimSpace(scanner.Text())
	for _, prefix := range []string{"Identificador:", "Identifier:"} {
		line = strings.TrimSpace(strings.TrimPrefix(line, prefix))
	}
	if line == "" {
		return ""
	}

	normalized := strings.ToLower(line)
	normalized = strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(normalized)
	return normalized
}
