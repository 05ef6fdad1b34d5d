package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/canonicalize"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// ObjectStore receives finished evidence packs. The evidence package
// provides filesystem, S3, and GCS implementations.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// ExportResult describes a generated evidence pack.
type ExportResult struct {
	SubjectID   string    `json:"subject_id"`
	Checksum    string    `json:"checksum"`
	Location    string    `json:"location,omitempty"`
	SizeBytes   int       `json:"size_bytes"`
	EntryCount  int       `json:"entry_count"`
	ChainValid  bool      `json:"chain_valid"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Exporter assembles downloadable evidence packs: the full chain, the
// ledger anchor, and a verification report, zipped with a checksummed
// manifest. Entries are packed exactly as stored so a recipient can
// recompute every hash link; redaction here would destroy that property.
type Exporter struct {
	log   *Log
	store ObjectStore
	clock func() time.Time
}

// NewExporter wires an exporter. store may be nil, in which case packs
// are returned to the caller without being persisted.
func NewExporter(log *Log, store ObjectStore) *Exporter {
	return &Exporter{log: log, store: store, clock: time.Now}
}

// WithClock overrides the manifest timestamp source for tests.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// ExportPack builds the pack for a subject and, when an object store is
// configured, uploads it under packs/<subject>/<timestamp>.zip.
func (e *Exporter) ExportPack(ctx context.Context, subjectID string) ([]byte, *ExportResult, error) {
	if subjectID == "" {
		return nil, nil, errkind.New(errkind.Validation, "subject_id is required")
	}

	entries, err := e.log.Chain(ctx, subjectID)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, nil, errkind.New(errkind.NotFound, "no audit chain for subject %s", subjectID)
	}
	report := verifyEntries(subjectID, entries)
	anchor, anchored, err := e.log.Anchor(ctx, subjectID)
	if err != nil {
		return nil, nil, err
	}

	generatedAt := e.clock().UTC()
	files := []packFile{
		{name: "chain.json", payload: entries},
		{name: "verification.json", payload: report},
	}
	if anchored {
		files = append(files, packFile{name: "anchor.json", payload: anchor})
	}

	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	checksums := make(map[string]string, len(files))
	for _, f := range files {
		data, err := json.MarshalIndent(f.payload, "", "  ")
		if err != nil {
			return nil, nil, fmt.Errorf("audit: encode %s: %w", f.name, err)
		}
		checksums[f.name] = canonicalize.HashBytes(data)
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, nil, fmt.Errorf("audit: create %s: %w", f.name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, nil, fmt.Errorf("audit: write %s: %w", f.name, err)
		}
	}

	manifest := map[string]any{
		"subject_id":   subjectID,
		"generated_at": generatedAt,
		"entry_count":  len(entries),
		"chain_valid":  report.Valid,
		"anchored":     anchored,
		"checksums":    checksums,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: encode manifest: %w", err)
	}
	w, err := zw.Create("manifest.json")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: create manifest: %w", err)
	}
	if _, err := w.Write(manifestJSON); err != nil {
		return nil, nil, fmt.Errorf("audit: write manifest: %w", err)
	}

	w, err = zw.Create("README.txt")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: create readme: %w", err)
	}
	fmt.Fprintf(w, "Integrity evidence pack for subject %s\nGenerated at %s\n\n", subjectID, generatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "chain.json holds the full hash-chained decision log.\n")
	fmt.Fprintf(w, "verification.json is the chain recomputation at export time.\n")
	fmt.Fprintf(w, "manifest.json lists SHA-256 checksums for every file.\n")

	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("audit: close pack: %w", err)
	}

	pack := buf.Bytes()
	result := &ExportResult{
		SubjectID:   subjectID,
		Checksum:    canonicalize.HashBytes(pack),
		SizeBytes:   len(pack),
		EntryCount:  len(entries),
		ChainValid:  report.Valid,
		GeneratedAt: generatedAt,
	}

	if e.store != nil {
		key := fmt.Sprintf("packs/%s/%s.zip", subjectID, generatedAt.Format("20060102T150405Z"))
		location, err := e.store.Put(ctx, key, pack)
		if err != nil {
			return nil, nil, fmt.Errorf("audit: store pack: %w", err)
		}
		result.Location = location
	}
	return pack, result, nil
}

type packFile struct {
	name    string
	payload any
}
