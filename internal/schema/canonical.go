package schema

import "sort"

// Reserved column names, synthesized per record from the snapshot's
// descriptor rather than mapped from source data. They tag each record's
// origin so canonical records from different periods stay distinguishable
// in one logical key space.
const (
	ColSnapshotPeriod = "snapshot_period"
	ColFederation     = "federation"
	ColSourceFile     = "source_file"
)

// ReservedColumns lists the synthesized origin columns in record order
var ReservedColumns = []string{ColSnapshotPeriod, ColFederation, ColSourceFile}

// IsReserved reports whether a canonical name is a synthesized origin column
func IsReserved(name string) bool {
	for _, r := range ReservedColumns {
		if name == r {
			return true
		}
	}
	return false
}

// Canonical is the process-wide, monotonically growing column vocabulary
// shared across all snapshots. It has a single writer (the resolver, called
// sequentially per snapshot) and is therefore unsynchronized; introducing
// concurrent snapshot processing would require a lock here.
type Canonical struct {
	columns map[string]bool
}

// NewCanonical creates a canonical schema seeded with the given column
// names plus the reserved origin columns.
func NewCanonical(seed []string) *Canonical {
	c := &Canonical{columns: make(map[string]bool, len(seed)+len(ReservedColumns))}
	for _, name := range ReservedColumns {
		c.columns[name] = true
	}
	for _, name := range seed {
		if name != "" {
			c.columns[name] = true
		}
	}
	return c
}

// Has reports whether a canonical column exists
func (c *Canonical) Has(name string) bool {
	return c.columns[name]
}

// Add registers a canonical column, returning true when it is new.
// Columns are only ever added: a later snapshot's new names are additions,
// never renames of existing canonical names.
func (c *Canonical) Add(name string) bool {
	if c.columns[name] {
		return false
	}
	c.columns[name] = true
	return true
}

// Columns returns the full canonical column set in sorted order
func (c *Canonical) Columns() []string {
	out := make([]string, 0, len(c.columns))
	for name := range c.columns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of canonical columns, reserved included
func (c *Canonical) Len() int {
	return len(c.columns)
}
