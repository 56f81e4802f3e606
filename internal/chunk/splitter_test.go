package chunk

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkIDFormula(t *testing.T) {
	path := "/docs/notes.md"
	sum := sha256.Sum256([]byte(path))
	want := binary.BigEndian.Uint64(sum[:8])<<16 | 3

	assert.Equal(t, want, ChunkID(path, 3))
}

func TestChunkIDIsDeterministic(t *testing.T) {
	assert.Equal(t, ChunkID("/a.md", 0), ChunkID("/a.md", 0))
	assert.NotEqual(t, ChunkID("/a.md", 0), ChunkID("/a.md", 1))
	assert.NotEqual(t, ChunkID("/a.md", 0), ChunkID("/b.md", 0))
}

func TestSplitEmpty(t *testing.T) {
	s := NewSplitter(Options{})

	chunks, err := s.Split("/a.md", "")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = s.Split("/a.md", "  \n\n \n")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplitSmallFileIsOneChunk(t *testing.T) {
	s := NewSplitter(Options{})
	text := "# Title\n\nAlpha Bravo Charlie."

	chunks, err := s.Split("/notes.md", text)
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	c := chunks[0]
	assert.Equal(t, uint16(0), c.Index)
	assert.Equal(t, ChunkID("/notes.md", 0), c.ID)
	assert.Equal(t, "/notes.md", c.FilePath)
	assert.Contains(t, c.Text, "Alpha Bravo Charlie.")
	require.Len(t, c.Headers, 1)
	assert.Equal(t, Header{Level: 1, Title: "Title"}, c.Headers[0])
}

func TestSplitIndicesAreDense(t *testing.T) {
	s := NewSplitter(Options{ChunkSize: 120, Overlap: 20})

	var b strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, "Paragraph %d with some filler text to occupy space.\n\n", i)
	}

	chunks, err := s.Split("/big.md", b.String())
	require.NoError(t, err)
	require.Greater(t, len(chunks), 3)

	for i, c := range chunks {
		assert.Equal(t, uint16(i), c.Index)
		assert.Equal(t, ChunkID("/big.md", uint16(i)), c.ID)
	}
}

func TestSplitRespectsChunkSizeAtParagraphBoundaries(t *testing.T) {
	s := NewSplitter(Options{ChunkSize: 100, Overlap: 10})

	para := strings.Repeat("word ", 12) // ~60 chars
	text := para + "\n\n" + para + "\n\n" + para

	chunks, err := s.Split("/a.md", text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// Paragraphs fit individually, so no chunk should be cut mid-paragraph.
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 100+10+1)
	}
}

func TestSplitOverlapCarriesTail(t *testing.T) {
	s := NewSplitter(Options{ChunkSize: 80, Overlap: 30})

	text := "first paragraph ends with MARKER-ONE\n\nsecond paragraph is long enough to overflow the first chunk"
	chunks, err := s.Split("/a.md", text)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	// The second chunk starts with the tail of the first.
	assert.Contains(t, chunks[1].Text, "MARKER-ONE")
	assert.Contains(t, chunks[1].Text, "second paragraph")
}

func TestSplitHeaderStack(t *testing.T) {
	s := NewSplitter(Options{ChunkSize: 60, Overlap: 10})

	text := strings.Join([]string{
		"# Guide",
		"",
		"intro text",
		"",
		"## Install",
		"",
		"install text that is long enough to need its own chunk here",
		"",
		"## Usage",
		"",
		"usage text",
	}, "\n")

	chunks, err := s.Split("/g.md", text)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)

	// Every chunk under "## Usage" carries the full enclosing stack.
	var sawUsage bool
	for _, c := range chunks {
		if strings.Contains(c.Text, "usage text") {
			sawUsage = true
			require.NotEmpty(t, c.Headers)
			assert.Equal(t, "Guide", c.Headers[0].Title)
			assert.Equal(t, "Usage", c.Headers[len(c.Headers)-1].Title)
		}
	}
	assert.True(t, sawUsage)
}

func TestSplitHeaderSnapshotTakenAtChunkStart(t *testing.T) {
	s := NewSplitter(Options{})

	text := "# A\n\n## B\n\nb text\n\n## C\n\nc text"
	chunks, err := s.Split("/h.md", text)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	// Single chunk: headers snapshot is taken at chunk start.
	assert.Equal(t, []Header{{Level: 1, Title: "A"}}, chunks[0].Headers)
}

func TestSplitKeepsFencedBlockWhole(t *testing.T) {
	s := NewSplitter(Options{ChunkSize: 120, Overlap: 20})

	fence := "```go\nfunc main() {\n\tprintln(\"hi\")\n}\n```"
	text := "intro paragraph with enough text to nearly fill a chunk of one hundred twenty characters in total size\n\n" + fence

	chunks, err := s.Split("/code.md", text)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	// The fence lands intact in one chunk.
	var found bool
	for _, c := range chunks {
		if strings.Contains(c.Text, "```go") {
			assert.Contains(t, c.Text, "func main()")
			assert.True(t, strings.Count(c.Text, "```") >= 2)
			found = true
		}
	}
	assert.True(t, found)
}

func TestSplitOversizedFenceIsSplit(t *testing.T) {
	s := NewSplitter(Options{ChunkSize: 100, Overlap: 10})

	var b strings.Builder
	b.WriteString("```\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "line %02d of a very long code listing\n", i)
	}
	b.WriteString("```")

	chunks, err := s.Split("/long.md", b.String())
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
}

func TestSplitDeterministic(t *testing.T) {
	s := NewSplitter(Options{ChunkSize: 200, Overlap: 40})
	text := strings.Repeat("# H\n\nsome paragraph text here\n\n", 20)

	first, err := s.Split("/d.md", text)
	require.NoError(t, err)
	second, err := s.Split("/d.md", text)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
