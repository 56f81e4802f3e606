// Package manifest persists per-index bookkeeping: directories, an overall
// checksum, and per-file entries (mtime, chunk ids) in a single JSON file.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dreamerlzl/markdown-qa/internal/scanner"
)

// FileName is the manifest file name inside the cache directory.
const FileName = "indexes.json"

// FileEntry records what is indexed for one file.
type FileEntry struct {
	MTime    float64  `json:"mtime"`
	ChunkIDs []uint64 `json:"chunk_ids"`
}

// Record is the bookkeeping for one named index.
type Record struct {
	Name            string               `json:"name"`
	Directories     []string             `json:"directories"`
	OverallChecksum string               `json:"overall_checksum"`
	Files           map[string]FileEntry `json:"files"`
}

// Manifest is the on-disk collection of index records.
type Manifest struct {
	Indexes map[string]*Record `json:"indexes"`

	path string
}

// New creates an empty manifest persisted at the given cache directory.
func New(cacheDir string) *Manifest {
	return &Manifest{
		Indexes: make(map[string]*Record),
		path:    filepath.Join(cacheDir, FileName),
	}
}

// Load reads the manifest from the cache directory. A missing file yields an
// empty manifest; unknown JSON fields are ignored for forward compatibility.
func Load(cacheDir string) (*Manifest, error) {
	m := New(cacheDir)

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Indexes == nil {
		m.Indexes = make(map[string]*Record)
	}
	return m, nil
}

// Get returns the record for an index name, or nil.
func (m *Manifest) Get(name string) *Record {
	return m.Indexes[name]
}

// Set replaces the record for an index name.
func (m *Manifest) Set(name string, rec *Record) {
	m.Indexes[name] = rec
}

// Save writes the manifest atomically (temp file, fsync, rename).
func (m *Manifest) Save() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// Changes classifies the filesystem against a record's file entries.
type Changes struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Empty reports whether no change was detected.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// DetectChanges diffs the current filesystem listing against the record.
// A file is modified iff its recorded mtime differs from the observed value;
// regressions count as modified. Output slices are sorted.
func (r *Record) DetectChanges(current []scanner.FileInfo) Changes {
	var out Changes

	seen := make(map[string]bool, len(current))
	for _, f := range current {
		seen[f.Path] = true
		prev, ok := r.Files[f.Path]
		switch {
		case !ok:
			out.Added = append(out.Added, f.Path)
		case prev.MTime != f.MTime:
			out.Modified = append(out.Modified, f.Path)
		}
	}

	for path := range r.Files {
		if !seen[path] {
			out.Deleted = append(out.Deleted, path)
		}
	}

	sort.Strings(out.Added)
	sort.Strings(out.Modified)
	sort.Strings(out.Deleted)
	return out
}

// Clone deep-copies the record so an update can build its successor without
// mutating the published one.
func (r *Record) Clone() *Record {
	out := &Record{
		Name:            r.Name,
		Directories:     append([]string(nil), r.Directories...),
		OverallChecksum: r.OverallChecksum,
		Files:           make(map[string]FileEntry, len(r.Files)),
	}
	for path, ent := range r.Files {
		out.Files[path] = FileEntry{
			MTime:    ent.MTime,
			ChunkIDs: append([]uint64(nil), ent.ChunkIDs...),
		}
	}
	return out
}

// Checksum computes the overall corpus checksum from a file listing:
// sha256 over the sorted (path, mtime) pairs.
func Checksum(files []scanner.FileInfo) string {
	sorted := append([]scanner.FileInfo(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, f := range sorted {
		fmt.Fprintf(h, "%s\x00%.9f\n", f.Path, f.MTime)
	}
	return hex.EncodeToString(h.Sum(nil))
}
