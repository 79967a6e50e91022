package model

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DatasetDescriptor identifies one published snapshot to ingest. Descriptors
// are produced by an external discovery step (scraper, static list, manual
// file); the pipeline only relies on the identity tuple being stable.
type DatasetDescriptor struct {
	SourceURL    string `json:"source_url"`
	FederationID string `json:"federation_id"`
	PeriodLabel  string `json:"period_label"`
	DeclaredSize int64  `json:"declared_size,omitempty"`
}

// Fingerprint derives the stable snapshot identity from the descriptor
// tuple. It is deliberately content-independent: re-downloads of the same
// logical snapshot must hash identically even if the archive bytes differ.
func (d DatasetDescriptor) Fingerprint() string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s", d.SourceURL, d.FederationID, d.PeriodLabel)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Validate checks that the descriptor carries a usable identity tuple.
// PeriodLabel may be empty: discovery often cannot tell the period from a
// listing page, and the engine infers it from the archive itself; the
// fingerprint is stable either way.
func (d DatasetDescriptor) Validate() error {
	if strings.TrimSpace(d.SourceURL) == "" {
		return fmt.Errorf("descriptor has empty source_url")
	}
	return nil
}

// LoadManifest reads a JSON array of descriptors produced by discovery
func LoadManifest(path string) ([]DatasetDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var descriptors []DatasetDescriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	for i, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
	}

	return descriptors, nil
}

// FilterFederations keeps only descriptors whose federation ID is in the
// given set. An empty set keeps everything.
func FilterFederations(descriptors []DatasetDescriptor, federations map[string]bool) []DatasetDescriptor {
	if len(federations) == 0 {
		return descriptors
	}

	filtered := make([]DatasetDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if federations[d.FederationID] {
			filtered = append(filtered, d)
		}
	}
	return filtered
}
