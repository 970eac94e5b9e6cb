package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// IndexEntry is the lightweight metadata held per document so list and
// dedup operations never read document files.
type IndexEntry struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Type            Type      `json:"type"`
	Project         string    `json:"project"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	SourceSessionID string    `json:"sourceSessionId,omitempty"`
	SourceAgentID   string    `json:"sourceAgentId,omitempty"`
	Origin          string    `json:"origin,omitempty"`
	MachineID       string    `json:"machineId,omitempty"`
	PartCount       int       `json:"partCount"`
}

// indexFile is the serialized form of the index.
type indexFile struct {
	Knowledges map[string]IndexEntry `json:"knowledges"`
	NextID     int                   `json:"nextId"`
}

// index is the in-memory knowledge index. Not safe for concurrent use;
// the store serializes access.
type index struct {
	path    string
	entries map[string]IndexEntry
	nextID  int
}

// loadIndex reads the index file, starting empty when it does not exist.
func loadIndex(path string) (*index, error) {
	idx := &index{
		path:    path,
		entries: make(map[string]IndexEntry),
		nextID:  1,
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index %s: %w", path, err)
	}
	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing index %s: %w", path, err)
	}
	if file.Knowledges != nil {
		idx.entries = file.Knowledges
	}
	if file.NextID > 0 {
		idx.nextID = file.NextID
	}
	return idx, nil
}

// save rewrites the whole index file atomically (temp file + rename).
func (idx *index) save() error {
	file := indexFile{Knowledges: idx.entries, NextID: idx.nextID}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling index: %w", err)
	}
	tmp := idx.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return fmt.Errorf("replacing index: %w", err)
	}
	return nil
}

// allocate returns the next local ID and advances the allocator.
func (idx *index) allocate() string {
	id := FormatID(idx.nextID)
	idx.nextID++
	return id
}

// advancePast moves the allocator beyond an externally chosen ID so future
// allocations cannot collide with it.
func (idx *index) advancePast(id string) {
	var n int
	if _, err := fmt.Sscanf(id, "K%d", &n); err != nil {
		return
	}
	if n >= idx.nextID {
		idx.nextID = n + 1
	}
}

// entryFor builds an index entry from a document.
func entryFor(k *Knowledge) IndexEntry {
	return IndexEntry{
		ID:              k.ID,
		Title:           k.Title,
		Type:            k.Type,
		Project:         k.Project,
		Status:          k.Status,
		CreatedAt:       k.CreatedAt,
		UpdatedAt:       k.UpdatedAt,
		SourceSessionID: k.SourceSessionID,
		SourceAgentID:   k.SourceAgentID,
		Origin:          k.Origin,
		MachineID:       k.MachineID,
		PartCount:       len(k.Parts),
	}
}
