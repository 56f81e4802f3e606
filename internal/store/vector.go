// Package store holds the in-memory similarity index over chunk vectors plus
// the parallel chunk metadata table, with atomic persistence.
package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/dreamerlzl/markdown-qa/internal/chunk"
	qaerrors "github.com/dreamerlzl/markdown-qa/internal/errors"
)

// Result is a single search hit.
type Result struct {
	ID       uint64
	Distance float32
	Chunk    chunk.Chunk
}

// entry pairs a chunk with its (normalized) vector in the metadata table.
// Keeping vectors in the table makes Clone a pure data copy and lets Save
// compact the graph.
type entry struct {
	Chunk  chunk.Chunk
	Vector []float32
}

// metaFile is the persisted form of the metadata table.
type metaFile struct {
	Dimensions int
	Entries    map[uint64]entry
}

// VectorStore is an ID-mapped HNSW similarity index with a parallel chunk
// table. Removal is lazy in the graph: removed ids leave the table
// immediately and orphaned graph nodes are filtered from search results and
// dropped at the next compaction (Clone or Save), or when the same id is
// added again.
type VectorStore struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	table   map[uint64]entry
	dims    int
	orphans int
}

// NewVectorStore creates an empty store.
func NewVectorStore() *VectorStore {
	return &VectorStore{
		graph: newGraph(),
		table: make(map[uint64]entry),
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.Ml = 0.25
	g.EfSearch = 64
	return g
}

// AddWithIDs appends vectors and chunks under their ids.
// Preconditions: equal lengths and no id already present.
func (s *VectorStore) AddWithIDs(ids []uint64, vectors [][]float32, chunks []chunk.Chunk) error {
	if len(ids) != len(vectors) || len(ids) != len(chunks) {
		return fmt.Errorf("ids, vectors, and chunks length mismatch: %d/%d/%d", len(ids), len(vectors), len(chunks))
	}
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, id := range ids {
		if _, exists := s.table[id]; exists {
			return qaerrors.FatalError(qaerrors.ErrCodeIDCollision,
				fmt.Sprintf("chunk id %d already present (file %s)", id, chunks[i].FilePath), nil)
		}
		if s.dims == 0 {
			s.dims = len(vectors[i])
		}
		if len(vectors[i]) != s.dims {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d", s.dims, len(vectors[i]))
		}
	}

	for i, id := range ids {
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		// A previously removed id may still sit in the graph as an orphan;
		// delete it so the id can be added again.
		if s.graph.Delete(id) {
			s.orphans--
		}
		s.graph.Add(hnsw.MakeNode(id, vec))
		s.table[id] = entry{Chunk: chunks[i], Vector: vec}
	}
	return nil
}

// RemoveIDs removes each id from the store. Missing ids are not an error.
// Graph nodes are orphaned rather than deleted and filtered out of searches.
func (s *VectorStore) RemoveIDs(ids []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, exists := s.table[id]; exists {
			delete(s.table, id)
			s.orphans++
		}
	}
}

// Search returns up to k results in ascending distance, ties broken by
// ascending id.
func (s *VectorStore) Search(query []float32, k int) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 || len(s.table) == 0 {
		return []Result{}, nil
	}
	if s.dims != 0 && len(query) != s.dims {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", s.dims, len(query))
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-fetch to compensate for orphaned graph nodes.
	fetch := k + s.orphans
	if max := s.graph.Len(); fetch > max {
		fetch = max
	}

	nodes := s.graph.Search(normalized, fetch)

	results := make([]Result, 0, k)
	for _, node := range nodes {
		ent, ok := s.table[node.Key]
		if !ok {
			continue
		}
		results = append(results, Result{
			ID:       node.Key,
			Distance: s.graph.Distance(normalized, node.Value),
			Chunk:    ent.Chunk,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Contains reports whether the id is present.
func (s *VectorStore) Contains(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.table[id]
	return ok
}

// Chunk returns the chunk stored under id.
func (s *VectorStore) Chunk(id uint64) (chunk.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.table[id]
	return ent.Chunk, ok
}

// Count returns the number of live chunks.
func (s *VectorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// AllIDs returns the ids of all live chunks, sorted ascending.
func (s *VectorStore) AllIDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.table))
	for id := range s.table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone copies the store into an independent working copy. The clone's graph
// is rebuilt from live entries only, so orphans do not carry over and later
// mutations of either store are invisible to the other.
func (s *VectorStore) Clone() *VectorStore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := NewVectorStore()
	out.dims = s.dims
	for id, ent := range s.table {
		vec := make([]float32, len(ent.Vector))
		copy(vec, ent.Vector)
		out.graph.Add(hnsw.MakeNode(id, vec))
		out.table[id] = entry{Chunk: ent.Chunk, Vector: vec}
	}
	return out
}

// Save persists the similarity structure to indexPath and the metadata table
// to metaPath. Both writes are atomic (temp file, fsync, rename). The graph
// is compacted first so the persisted structure matches the table exactly.
func (s *VectorStore) Save(indexPath, metaPath string) error {
	s.mu.Lock()
	if s.orphans > 0 {
		fresh := newGraph()
		for id, ent := range s.table {
			fresh.Add(hnsw.MakeNode(id, ent.Vector))
		}
		s.graph = fresh
		s.orphans = 0
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	if err := writeAtomic(indexPath, func(f *os.File) error {
		return s.graph.Export(f)
	}); err != nil {
		return fmt.Errorf("save similarity index: %w", err)
	}

	meta := metaFile{Dimensions: s.dims, Entries: s.table}
	if err := writeAtomic(metaPath, func(f *os.File) error {
		return gob.NewEncoder(f).Encode(meta)
	}); err != nil {
		return fmt.Errorf("save chunk metadata: %w", err)
	}
	return nil
}

// Load restores a store persisted with Save. A divergence between the
// similarity structure and the metadata table is reported as an
// inconsistency, which callers resolve with a full rebuild.
func Load(indexPath, metaPath string) (*VectorStore, error) {
	metaF, err := os.Open(metaPath)
	if err != nil {
		return nil, fmt.Errorf("open chunk metadata: %w", err)
	}
	defer metaF.Close()

	var meta metaFile
	if err := gob.NewDecoder(metaF).Decode(&meta); err != nil {
		return nil, qaerrors.InconsistencyError("decode chunk metadata", err)
	}

	s := NewVectorStore()
	s.dims = meta.Dimensions
	if meta.Entries != nil {
		s.table = meta.Entries
	}

	indexF, err := os.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("open similarity index: %w", err)
	}
	defer indexF.Close()

	// Import requires an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(indexF)); err != nil {
		return nil, qaerrors.InconsistencyError("import similarity index", err)
	}

	if s.graph.Len() != len(s.table) {
		return nil, qaerrors.InconsistencyError(
			fmt.Sprintf("similarity index has %d nodes but metadata has %d chunks", s.graph.Len(), len(s.table)), nil)
	}
	return s, nil
}

// writeAtomic writes a file via temp + fsync + rename.
func writeAtomic(path string, write func(*os.File) error) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
