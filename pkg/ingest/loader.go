// Package ingest loads captured production traffic from NDJSON files into
// the record store.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/psantana5/data-flywheel/pkg/models"
	"github.com/psantana5/data-flywheel/pkg/store"
)

// maxLineBytes bounds a single capture line; chat transcripts with long
// tool outputs can get large
const maxLineBytes = 16 * 1024 * 1024

// LoadFile reads one NDJSON capture file. Blank lines are skipped; a
// malformed or invalid record aborts the load with its line number so the
// capture can be fixed rather than silently truncated.
func LoadFile(path string) ([]models.InteractionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()

	records, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// Read parses NDJSON records from r
func Read(r io.Reader) ([]models.InteractionRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var records []models.InteractionRecord
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec models.InteractionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: invalid JSON: %w", line, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no records found")
	}
	return records, nil
}

// LoadIntoStore reads a capture file and inserts its records, returning
// (read, inserted). Duplicates of already-stored records are dropped by the
// store's natural-key dedup.
func LoadIntoStore(st store.Store, path string) (int, int, error) {
	records, err := LoadFile(path)
	if err != nil {
		return 0, 0, err
	}
	inserted, err := st.InsertRecords(records)
	if err != nil {
		return len(records), 0, fmt.Errorf("failed to insert records: %w", err)
	}
	return len(records), inserted, nil
}
