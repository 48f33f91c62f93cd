package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a backing chain.
	ErrStoreNotConfigured = errors.New("audit: chain store not configured (fail-closed)")
)

// ExportRequest defines what to export. Zero times mean unbounded; an empty
// actor exports everyone's events.
type ExportRequest struct {
	Actor     string    `json:"actor,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter packages chain segments into sealed evidence archives.
type Exporter struct {
	chain *ChainStore
}

func NewExporter(chain *ChainStore) *Exporter {
	return &Exporter{chain: chain}
}

// GeneratePack creates a zip containing the matching chain entries and a
// manifest binding them to the chain head. Returns the archive bytes and
// their sha256 checksum, which doubles as the content address when the
// archive is handed to blob storage.
func (e *Exporter) GeneratePack(_ context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.chain == nil {
		return nil, "", ErrStoreNotConfigured
	}

	var entries []*ChainEntry
	for _, entry := range e.chain.Entries() {
		if req.Actor != "" && entry.Event.Actor != req.Actor {
			continue
		}
		if !req.StartTime.IsZero() && entry.Event.Timestamp.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && entry.Event.Timestamp.After(req.EndTime) {
			continue
		}
		entries = append(entries, entry)
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}

	manifest := map[string]any{
		"generated_at": time.Now().UTC(),
		"entry_count":  len(entries),
		"chain_head":   e.chain.Head(),
		"actor":        req.Actor,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("entries.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Audit evidence pack\nGenerated at %s\nChain head %s\n",
		time.Now().UTC().Format(time.RFC3339), e.chain.Head())

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
