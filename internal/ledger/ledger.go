// Package ledger persists the local record of sticker packs known to have been
// uploaded. The ledger is a JSON array of PackRecord keyed by pack name.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the ledger file name inside the storage directory
const FileName = "stickers.json"

// ErrCorrupt is returned when the ledger file is not a JSON array of records
var ErrCorrupt = errors.New("ledger is corrupt")

// PackRecord is one pack as last synced to the remote service
type PackRecord struct {
	PackName  string   `json:"packName"`
	PackTitle string   `json:"packTitle"`
	ShareURL  string   `json:"stickerShare"`
	Files     []string `json:"files"` // basenames only
}

// HasFile reports whether name is listed in the record
func (r PackRecord) HasFile(name string) bool {
	for _, f := range r.Files {
		if f == name {
			return true
		}
	}
	return false
}

// Store reads and writes the ledger file. It assumes a single process owns the
// file for the duration of a run.
type Store struct {
	path string
}

// NewStore creates a store backed by the file at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the ledger file location
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the ledger file is present on disk
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads all records. A missing file yields an empty ledger and
// os.ErrNotExist so callers can tell "no ledger" from "empty ledger".
func (s *Store) Load() ([]PackRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read ledger: %w", os.ErrNotExist)
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var records []PackRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return records, nil
}

// Find returns the record for packName. A missing ledger file is not an error.
func (s *Store) Find(packName string) (PackRecord, bool, error) {
	records, err := s.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PackRecord{}, false, nil
		}
		return PackRecord{}, false, err
	}

	for _, r := range records {
		if r.PackName == packName {
			return r, true, nil
		}
	}
	return PackRecord{}, false, nil
}

// Save upserts rec into the ledger, replacing any record with the same pack
// name. A corrupt existing ledger is reported rather than overwritten.
func (s *Store) Save(rec PackRecord) error {
	if rec.PackName == "" {
		return fmt.Errorf("save ledger: record has no pack name")
	}

	existing, err := s.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("save ledger: %w", err)
	}

	return s.write(Merge(existing, rec))
}

// Overwrite replaces the whole ledger with records
func (s *Store) Overwrite(records []PackRecord) error {
	return s.write(Merge(nil, records...))
}

// Remove deletes the record for packName and rewrites the ledger. It reports
// whether a record was removed.
func (s *Store) Remove(packName string) (bool, error) {
	records, err := s.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	kept := make([]PackRecord, 0, len(records))
	for _, r := range records {
		if r.PackName != packName {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(records) {
		return false, nil
	}

	if err := s.Overwrite(kept); err != nil {
		return false, err
	}
	return true, nil
}

// Merge applies updates on top of base with last-write-wins semantics keyed by
// pack name. Existing names keep their position; new names are appended.
func Merge(base []PackRecord, updates ...PackRecord) []PackRecord {
	out := make([]PackRecord, 0, len(base)+len(updates))
	index := make(map[string]int, len(base)+len(updates))

	for _, r := range append(append([]PackRecord{}, base...), updates...) {
		if i, ok := index[r.PackName]; ok {
			out[i] = r
			continue
		}
		index[r.PackName] = len(out)
		out = append(out, r)
	}
	return out
}

// write stores records as indented JSON with an atomic rename
func (s *Store) write(records []PackRecord) error {
	if records == nil {
		records = []PackRecord{}
	}
	for i := range records {
		if records[i].Files == nil {
			records[i].Files = []string{}
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(s.path), ".stickersync-ledger-*")
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}
