package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamerlzl/markdown-qa/internal/chunk"
	qaerrors "github.com/dreamerlzl/markdown-qa/internal/errors"
)

func testChunk(id uint64, path string) chunk.Chunk {
	return chunk.Chunk{ID: id, FilePath: path, Text: "text"}
}

func addThree(t *testing.T, s *VectorStore) {
	t.Helper()
	err := s.AddWithIDs(
		[]uint64{1, 2, 3},
		[][]float32{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0.9, 0.1, 0, 0},
		},
		[]chunk.Chunk{testChunk(1, "/a.md"), testChunk(2, "/b.md"), testChunk(3, "/c.md")},
	)
	require.NoError(t, err)
}

func TestAddAndSearch(t *testing.T) {
	s := NewVectorStore()
	addThree(t, s)

	results, err := s.Search([]float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, uint64(1), results[0].ID)
	assert.Equal(t, uint64(3), results[1].ID)
	assert.LessOrEqual(t, results[0].Distance, results[1].Distance)
	assert.Equal(t, "/a.md", results[0].Chunk.FilePath)
}

func TestSearchTieBreaksByID(t *testing.T) {
	s := NewVectorStore()
	// Two identical vectors under different ids.
	err := s.AddWithIDs(
		[]uint64{9, 4},
		[][]float32{{1, 0}, {1, 0}},
		[]chunk.Chunk{testChunk(9, "/x.md"), testChunk(4, "/y.md")},
	)
	require.NoError(t, err)

	results, err := s.Search([]float32{1, 0}, 2)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, uint64(4), results[0].ID)
	assert.Equal(t, uint64(9), results[1].ID)
}

func TestAddLengthMismatch(t *testing.T) {
	s := NewVectorStore()
	err := s.AddWithIDs([]uint64{1}, [][]float32{{1, 0}, {0, 1}}, []chunk.Chunk{testChunk(1, "/a.md")})
	assert.Error(t, err)
}

func TestAddDuplicateIDIsFatal(t *testing.T) {
	s := NewVectorStore()
	addThree(t, s)

	err := s.AddWithIDs([]uint64{2}, [][]float32{{0, 0, 1, 0}}, []chunk.Chunk{testChunk(2, "/dup.md")})
	require.Error(t, err)
	assert.Equal(t, qaerrors.KindFatal, qaerrors.GetKind(err))
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := NewVectorStore()
	addThree(t, s)

	s.RemoveIDs([]uint64{1, 99})
	assert.Equal(t, 2, s.Count())
	assert.False(t, s.Contains(1))

	// Second invocation with the same ids is a no-op.
	s.RemoveIDs([]uint64{1, 99})
	assert.Equal(t, 2, s.Count())
}

func TestSearchExcludesRemoved(t *testing.T) {
	s := NewVectorStore()
	addThree(t, s)
	s.RemoveIDs([]uint64{1})

	results, err := s.Search([]float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, uint64(1), r.ID)
	}
}

func TestSearchEmptyStore(t *testing.T) {
	s := NewVectorStore()
	results, err := s.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewVectorStore()
	addThree(t, s)

	working := s.Clone()
	working.RemoveIDs([]uint64{1})
	require.NoError(t, working.AddWithIDs(
		[]uint64{10},
		[][]float32{{0, 0, 0, 1}},
		[]chunk.Chunk{testChunk(10, "/new.md")},
	))

	// The live store is untouched.
	assert.Equal(t, 3, s.Count())
	assert.True(t, s.Contains(1))
	assert.False(t, s.Contains(10))

	assert.Equal(t, 3, working.Count())
	assert.True(t, working.Contains(10))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "default.faiss")
	metaPath := filepath.Join(dir, "default.meta")

	s := NewVectorStore()
	addThree(t, s)
	require.NoError(t, s.Save(indexPath, metaPath))

	loaded, err := Load(indexPath, metaPath)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Count())

	want, err := s.Search([]float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	got, err := loaded.Search([]float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.InDelta(t, want[i].Distance, got[i].Distance, 1e-6)
	}
}

func TestSaveCompactsOrphans(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "default.faiss")
	metaPath := filepath.Join(dir, "default.meta")

	s := NewVectorStore()
	addThree(t, s)
	s.RemoveIDs([]uint64{2})
	require.NoError(t, s.Save(indexPath, metaPath))

	loaded, err := Load(indexPath, metaPath)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Count())
	assert.False(t, loaded.Contains(2))
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "x.faiss"), filepath.Join(dir, "x.meta"))
	assert.Error(t, err)
}
