package schema

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ivanreyes/denue-harvest/internal/util"
	"golang.org/x/text/encoding/charmap"
)

// attributeColumn is the dictionary column listing the raw attribute names
// as they appear in the dataset CSV, in normalized form
const attributeColumn = "nombre_del_atributo_en_csv"

// Mapping is the per-snapshot resolution result: which canonical column
// each raw source column maps to, which canonical columns the snapshot
// lacks, and which it introduced. It is derived once per snapshot and
// consumed only for that snapshot's processing.
type Mapping struct {
	// Inferred is true when no usable dictionary was available and the
	// raw column list was taken from the dataset's own header row
	Inferred bool

	// columns maps each normalized raw name to its canonical name
	columns map[string]string

	// Present lists canonical columns this snapshot carries (sorted)
	Present []string

	// Missing lists canonical columns absent from this snapshot (sorted);
	// the record reader fills these with the missing-value sentinel
	Missing []string

	// Added lists canonical columns first observed in this snapshot
	// (sorted), the "unknown columns" of the snapshot's diff report
	Added []string

	// Schema is the full canonical column set at resolution time (sorted).
	// Records produced under this mapping carry exactly these keys.
	Schema []string
}

// Canonical returns the canonical column for a raw source column name
func (m *Mapping) Canonical(raw string) (string, bool) {
	name, ok := m.columns[Normalize(raw)]
	return name, ok
}

// Resolve builds the column mapping for one snapshot. The dictionary
// stream, when present, is the authoritative raw column list; the dataset
// header supplies positional names and any columns the dictionary omits.
// Names unknown to the canonical schema are added to it (schema growth,
// never rejection). Two raw names normalizing identically fail the
// snapshot with ErrSchemaAmbiguity rather than silently merging columns.
func Resolve(dictionary io.Reader, datasetHeader []string, canon *Canonical) (*Mapping, error) {
	mapping := &Mapping{columns: make(map[string]string)}

	var rawNames []string
	if dictionary != nil {
		parsed, err := parseDictionary(dictionary)
		if err != nil {
			util.WarnLog("Dictionary unparsable, falling back to header inference: %v", err)
			mapping.Inferred = true
		} else {
			rawNames = parsed
		}
	} else {
		mapping.Inferred = true
	}

	// Header-only columns are still real observed fields; include them
	// after the dictionary's declared order
	dictCount := len(rawNames)
	rawNames = append(rawNames, datasetHeader...)

	// Ambiguity means two distinct columns within ONE source normalizing
	// identically. The header re-listing a dictionary column under another
	// spelling (case or diacritics differ) is the same column, not a
	// collision.
	seenDict := make(map[string]string)   // normalized -> first raw spelling
	seenHeader := make(map[string]string) // likewise, header names only
	for i, raw := range rawNames {
		normalized := Normalize(raw)
		if normalized == "" {
			continue
		}

		fromHeader := i >= dictCount
		seen := seenDict
		if fromHeader {
			seen = seenHeader
		}
		if first, dup := seen[normalized]; dup {
			if strings.TrimSpace(first) == strings.TrimSpace(raw) {
				continue // same column listed twice identically
			}
			return nil, fmt.Errorf("%w: %q and %q both normalize to %q",
				util.ErrSchemaAmbiguity, first, raw, normalized)
		}
		seen[normalized] = raw

		if fromHeader {
			if _, inDict := seenDict[normalized]; inDict {
				continue // header echo of a dictionary column
			}
		}

		canonical := normalized
		if IsReserved(normalized) {
			// Origin columns are always synthesized; a source column with
			// the same name is kept under a distinct canonical name
			canonical = normalized + "_src"
			util.WarnLog("Source column %q collides with reserved column, mapped to %q", raw, canonical)
		}

		if canon.Add(canonical) {
			mapping.Added = append(mapping.Added, canonical)
		}
		mapping.columns[normalized] = canonical
		mapping.Present = append(mapping.Present, canonical)
	}

	if len(mapping.columns) == 0 {
		return nil, fmt.Errorf("no resolvable raw columns in snapshot")
	}

	presentSet := make(map[string]bool, len(mapping.Present))
	for _, col := range mapping.Present {
		presentSet[col] = true
	}

	mapping.Schema = canon.Columns()
	for _, col := range mapping.Schema {
		if IsReserved(col) || presentSet[col] {
			continue
		}
		mapping.Missing = append(mapping.Missing, col)
	}

	sort.Strings(mapping.Present)
	sort.Strings(mapping.Missing)
	sort.Strings(mapping.Added)

	return mapping, nil
}

// parseDictionary extracts the raw attribute names from a dictionary CSV.
// The first row is a free-text banner and is skipped; the following header
// row locates the attribute-name column.
func parseDictionary(r io.Reader) ([]string, error) {
	cr := csv.NewReader(charmap.ISO8859_3.NewDecoder().Reader(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	// Banner row
	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("failed to read dictionary banner: %w", err)
	}

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read dictionary header: %w", err)
	}

	attrIdx := -1
	for i, cell := range header {
		if Normalize(cell) == attributeColumn {
			attrIdx = i
			break
		}
	}
	if attrIdx < 0 {
		return nil, fmt.Errorf("dictionary has no %q column", attributeColumn)
	}

	var names []string
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read dictionary row: %w", err)
		}
		if attrIdx >= len(row) {
			continue
		}
		if name := strings.TrimSpace(row[attrIdx]); name != "" {
			names = append(names, name)
		}
	}

	if len(names) == 0 {
		return nil, fmt.Errorf("dictionary lists no attribute names")
	}

	return names, nil
}
