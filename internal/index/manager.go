// Package index builds, loads, swaps, and incrementally updates the vector
// index, coordinating the scanner, splitter, embedder, vector store, and
// manifest.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/dreamerlzl/markdown-qa/internal/chunk"
	"github.com/dreamerlzl/markdown-qa/internal/config"
	"github.com/dreamerlzl/markdown-qa/internal/embed"
	qaerrors "github.com/dreamerlzl/markdown-qa/internal/errors"
	"github.com/dreamerlzl/markdown-qa/internal/manifest"
	"github.com/dreamerlzl/markdown-qa/internal/scanner"
	"github.com/dreamerlzl/markdown-qa/internal/store"
)

// Snapshot is one published (vector store, manifest record) pair. Snapshots
// are immutable after publication; readers that acquired a snapshot before a
// swap finish on it, and the garbage collector reclaims it after the last
// reader releases it.
type Snapshot struct {
	Store  *store.VectorStore
	Record *manifest.Record
}

// Status reflects index availability for the status responder.
type Status string

const (
	StatusReady    Status = "ready"
	StatusIndexing Status = "indexing"
	StatusNotReady Status = "not_ready"
)

// Manager owns the index lifecycle. Updates are serialized; reads go through
// the atomically swapped handle and never block on writers.
type Manager struct {
	cacheDir string
	splitter *chunk.Splitter
	embedder embed.Embedder
	embCache *embed.Cache

	handle atomic.Pointer[Snapshot]

	// updateMu serializes all index mutations (build, incremental update).
	updateMu sync.Mutex
	mani     *manifest.Manifest
	indexing atomic.Bool
}

// NewManager creates a manager over the given cache directory. The embedder
// should already be wrapped with the persistent cache; embCache is retained
// so updates can flush it alongside the index.
func NewManager(cacheDir string, splitter *chunk.Splitter, embedder embed.Embedder, embCache *embed.Cache) *Manager {
	return &Manager{
		cacheDir: cacheDir,
		splitter: splitter,
		embedder: embedder,
		embCache: embCache,
	}
}

// Snapshot returns the current published snapshot, or nil before the first
// publication.
func (m *Manager) Snapshot() *Snapshot {
	return m.handle.Load()
}

// Status reports index availability: ready once a snapshot is published,
// indexing while the first build is still running.
func (m *Manager) Status() Status {
	if m.handle.Load() != nil {
		return StatusReady
	}
	if m.indexing.Load() {
		return StatusIndexing
	}
	return StatusNotReady
}

// Search runs a similarity query against the current snapshot. The snapshot
// is acquired once, so a concurrent swap cannot change results mid-query.
func (m *Manager) Search(query []float32, k int) ([]store.Result, error) {
	snap := m.handle.Load()
	if snap == nil {
		return nil, qaerrors.NotReadyError("index not ready yet")
	}
	return snap.Store.Search(query, k)
}

func (m *Manager) indexPath(name string) string {
	return filepath.Join(m.cacheDir, name+".faiss")
}

func (m *Manager) metaPath(name string) string {
	return filepath.Join(m.cacheDir, name+".meta")
}

// LoadOrBuild adopts the cached index when the manifest has per-file data
// covering every file currently on disk; otherwise it rebuilds from scratch.
func (m *Manager) LoadOrBuild(ctx context.Context, cfg *config.Config) error {
	m.updateMu.Lock()
	mani, err := manifest.Load(m.cacheDir)
	if err != nil {
		slog.Warn("manifest unreadable, rebuilding", slog.String("error", err.Error()))
		mani = manifest.New(m.cacheDir)
	}
	m.mani = mani
	m.updateMu.Unlock()

	name := cfg.Server.IndexName
	rec := mani.Get(name)
	if rec == nil {
		slog.Info("no manifest entry, building index", slog.String("index", name))
		return m.FullRebuild(ctx, cfg)
	}

	files, err := scanner.New(cfg.Server.Directories).Scan()
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, ok := rec.Files[f.Path]; !ok {
			slog.Info("manifest missing per-file data, rebuilding",
				slog.String("index", name), slog.String("file", f.Path))
			return m.FullRebuild(ctx, cfg)
		}
	}

	st, err := store.Load(m.indexPath(name), m.metaPath(name))
	if err != nil {
		slog.Warn("cached index unusable, rebuilding",
			slog.String("index", name), slog.String("error", err.Error()))
		return m.FullRebuild(ctx, cfg)
	}

	if err := verifyConsistency(st, rec); err != nil {
		slog.Warn("index inconsistency detected, rebuilding",
			slog.String("index", name), slog.String("error", err.Error()))
		return m.FullRebuild(ctx, cfg)
	}

	m.handle.Store(&Snapshot{Store: st, Record: rec})
	slog.Info("index loaded from cache",
		slog.String("index", name), slog.Int("chunks", st.Count()), slog.Int("files", len(rec.Files)))
	return nil
}

// FullRebuild enumerates, splits, and embeds the whole corpus into a fresh
// store, persists it, and publishes it.
func (m *Manager) FullRebuild(ctx context.Context, cfg *config.Config) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	m.indexing.Store(true)
	defer m.indexing.Store(false)

	name := cfg.Server.IndexName
	files, err := scanner.New(cfg.Server.Directories).Scan()
	if err != nil {
		return err
	}

	split, err := m.splitFiles(ctx, files)
	if err != nil {
		return err
	}

	working := store.NewVectorStore()
	rec := &manifest.Record{
		Name:            name,
		Directories:     cfg.Server.Directories,
		OverallChecksum: manifest.Checksum(files),
		Files:           make(map[string]manifest.FileEntry, len(files)),
	}

	for _, fc := range split {
		if err := m.addFile(ctx, working, rec, fc); err != nil {
			return err
		}
	}

	if err := m.persistAndPublish(working, rec, cfg); err != nil {
		return err
	}
	slog.Info("full rebuild complete",
		slog.String("index", name), slog.Int("files", len(files)), slog.Int("chunks", working.Count()))
	return nil
}

// IncrementalUpdate diffs the filesystem against the manifest and applies
// add/modify/delete on a working copy, publishing only on full success. The
// live index is never mutated; any failure before publication leaves it
// untouched.
func (m *Manager) IncrementalUpdate(ctx context.Context, cfg *config.Config) error {
	m.updateMu.Lock()
	snap := m.handle.Load()
	if snap == nil || snap.Record == nil || len(snap.Record.Files) == 0 {
		m.updateMu.Unlock()
		slog.Info("no incremental baseline, falling back to full rebuild")
		return m.FullRebuild(ctx, cfg)
	}
	defer m.updateMu.Unlock()

	name := cfg.Server.IndexName
	files, err := scanner.New(cfg.Server.Directories).Scan()
	if err != nil {
		return err
	}

	changes := snap.Record.DetectChanges(files)
	if changes.Empty() {
		slog.Debug("no changes detected", slog.String("index", name))
		return nil
	}

	mtimes := make(map[string]float64, len(files))
	for _, f := range files {
		mtimes[f.Path] = f.MTime
	}

	working := snap.Store.Clone()
	rec := snap.Record.Clone()
	rec.Directories = cfg.Server.Directories
	rec.OverallChecksum = manifest.Checksum(files)

	// Remove before add so a modified file never holds two generations of
	// chunks at once.
	for _, path := range append(append([]string(nil), changes.Deleted...), changes.Modified...) {
		if old, ok := rec.Files[path]; ok {
			working.RemoveIDs(old.ChunkIDs)
		}
		delete(rec.Files, path)
	}

	toIndex := make([]scanner.FileInfo, 0, len(changes.Added)+len(changes.Modified))
	for _, path := range append(append([]string(nil), changes.Added...), changes.Modified...) {
		toIndex = append(toIndex, scanner.FileInfo{Path: path, MTime: mtimes[path]})
	}
	sort.Slice(toIndex, func(i, j int) bool { return toIndex[i].Path < toIndex[j].Path })

	split, err := m.splitFiles(ctx, toIndex)
	if err != nil {
		return err
	}
	for _, fc := range split {
		if err := m.addFile(ctx, working, rec, fc); err != nil {
			return err
		}
	}

	if err := m.persistAndPublish(working, rec, cfg); err != nil {
		return err
	}
	slog.Info("incremental update complete",
		slog.String("index", name),
		slog.Int("added", len(changes.Added)),
		slog.Int("modified", len(changes.Modified)),
		slog.Int("deleted", len(changes.Deleted)),
		slog.Int("chunks", working.Count()))
	return nil
}

// fileChunks pairs a scanned file with its split output.
type fileChunks struct {
	info   scanner.FileInfo
	chunks []chunk.Chunk
}

// splitFiles reads and splits files with bounded parallelism, preserving the
// input order in the result.
func (m *Manager) splitFiles(ctx context.Context, files []scanner.FileInfo) ([]fileChunks, error) {
	out := make([]fileChunks, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			text, err := scanner.ReadFile(f.Path)
			if err != nil {
				return fmt.Errorf("read %s: %w", f.Path, err)
			}
			chunks, err := m.splitter.Split(f.Path, text)
			if err != nil {
				return err
			}
			out[i] = fileChunks{info: f, chunks: chunks}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// addFile embeds one file's chunks and adds them to the working store,
// recording the manifest entry. An id collision aborts the update.
func (m *Manager) addFile(ctx context.Context, working *store.VectorStore, rec *manifest.Record, fc fileChunks) error {
	ids := make([]uint64, len(fc.chunks))
	texts := make([]string, len(fc.chunks))
	for i, c := range fc.chunks {
		ids[i] = c.ID
		texts[i] = c.Text
	}

	vectors, err := m.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return err
	}

	if err := working.AddWithIDs(ids, vectors, fc.chunks); err != nil {
		return err
	}

	rec.Files[fc.info.Path] = manifest.FileEntry{MTime: fc.info.MTime, ChunkIDs: ids}
	return nil
}

// persistAndPublish saves the working pair and the embedding cache, then
// swaps the handle. Persistence failures leave the live index unchanged.
func (m *Manager) persistAndPublish(working *store.VectorStore, rec *manifest.Record, cfg *config.Config) error {
	name := cfg.Server.IndexName

	if err := working.Save(m.indexPath(name), m.metaPath(name)); err != nil {
		return qaerrors.Wrap(qaerrors.ErrCodeCacheIO, err)
	}

	if m.mani == nil {
		m.mani = manifest.New(m.cacheDir)
	}
	m.mani.Set(name, rec)
	if err := m.mani.Save(); err != nil {
		return qaerrors.Wrap(qaerrors.ErrCodeCacheIO, err)
	}

	if m.embCache != nil {
		if err := m.embCache.Save(); err != nil {
			slog.Warn("failed to persist embedding cache", slog.String("error", err.Error()))
		}
	}

	m.handle.Store(&Snapshot{Store: working, Record: rec})
	return nil
}

// verifyConsistency checks that the manifest's chunk ids and the store's
// contents agree exactly.
func verifyConsistency(st *store.VectorStore, rec *manifest.Record) error {
	total := 0
	for path, ent := range rec.Files {
		total += len(ent.ChunkIDs)
		for _, id := range ent.ChunkIDs {
			if !st.Contains(id) {
				return qaerrors.InconsistencyError(
					fmt.Sprintf("manifest chunk %d of %s missing from store", id, path), nil)
			}
		}
	}
	if st.Count() != total {
		return qaerrors.InconsistencyError(
			fmt.Sprintf("store has %d chunks but manifest lists %d", st.Count(), total), nil)
	}
	return nil
}
