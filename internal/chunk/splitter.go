package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

// Options configures the splitter.
type Options struct {
	// ChunkSize is the target chunk size in characters (default 1000).
	ChunkSize int
	// Overlap is the number of trailing characters carried into the next
	// chunk (default 200).
	Overlap int
}

// Splitter partitions Markdown text into chunks.
type Splitter struct {
	options Options
}

// Matches ATX headers: # Title, ## Title, etc.
var headerPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

// NewSplitter creates a splitter with defaults applied.
func NewSplitter(opts Options) *Splitter {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap == 0 {
		opts.Overlap = DefaultOverlap
	}
	if opts.Overlap >= opts.ChunkSize {
		opts.Overlap = opts.ChunkSize / 2
	}
	return &Splitter{options: opts}
}

// blockKind distinguishes structural block types during accumulation.
type blockKind int

const (
	blockParagraph blockKind = iota
	blockHeader
	blockFence
)

// block is one structural unit of the document: a header line, a fenced code
// block, or a run of non-blank lines.
type block struct {
	kind  blockKind
	text  string
	level int
	title string
}

// Split partitions text into ordered chunks with dense indices. Chunk
// boundaries fall on Markdown break points (headers, fence boundaries, blank
// lines); fenced code blocks stay whole unless they exceed the chunk size.
func (s *Splitter) Split(filePath, text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	blocks := parseBlocks(text)

	var (
		chunks  []Chunk
		stack   []Header
		current strings.Builder
		open    []Header // header stack snapshot at current chunk start
		overlap string   // carried tail from the previous chunk
	)

	flush := func() error {
		body := strings.TrimRight(current.String(), "\n")
		current.Reset()
		if strings.TrimSpace(body) == "" {
			return nil
		}
		if len(chunks) >= MaxChunksPerFile {
			return fmt.Errorf("file %s produced more than %d chunks", filePath, MaxChunksPerFile)
		}
		idx := uint16(len(chunks))
		chunks = append(chunks, Chunk{
			ID:       ChunkID(filePath, idx),
			FilePath: filePath,
			Index:    idx,
			Text:     body,
			Headers:  open,
		})
		overlap = tailOnLineBoundary(body, s.options.Overlap)
		return nil
	}

	appendBlock := func(b block) error {
		// Emit the current chunk when adding this block would overflow it.
		if current.Len() > 0 && current.Len()+len(b.text) > s.options.ChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
		if current.Len() == 0 {
			open = append([]Header(nil), stack...)
			if overlap != "" {
				current.WriteString(overlap)
				current.WriteString("\n")
			}
		}
		current.WriteString(b.text)
		current.WriteString("\n")
		return nil
	}

	for _, b := range blocks {
		if b.kind == blockHeader {
			stack = pushHeader(stack, Header{Level: b.level, Title: b.title})
		}

		if len(b.text) <= s.options.ChunkSize {
			if err := appendBlock(b); err != nil {
				return nil, err
			}
			continue
		}

		// Oversized block (usually a long fenced code block): split by lines
		// into size-budget pieces.
		for _, piece := range splitOversized(b.text, s.options.ChunkSize) {
			if err := appendBlock(block{kind: b.kind, text: piece}); err != nil {
				return nil, err
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// parseBlocks scans the document into headers, fenced code blocks, and
// paragraph runs. Blank lines separate paragraphs and are dropped.
func parseBlocks(text string) []block {
	lines := strings.Split(text, "\n")

	var blocks []block
	var para []string

	flushPara := func() {
		if len(para) == 0 {
			return
		}
		blocks = append(blocks, block{kind: blockParagraph, text: strings.Join(para, "\n")})
		para = nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if isFenceDelimiter(trimmed) {
			flushPara()
			fence := []string{line}
			marker := fenceMarker(trimmed)
			for i++; i < len(lines); i++ {
				fence = append(fence, lines[i])
				if closesFence(strings.TrimSpace(lines[i]), marker) {
					break
				}
			}
			blocks = append(blocks, block{kind: blockFence, text: strings.Join(fence, "\n")})
			continue
		}

		if match := headerPattern.FindStringSubmatch(line); match != nil {
			flushPara()
			blocks = append(blocks, block{
				kind:  blockHeader,
				text:  line,
				level: len(match[1]),
				title: match[2],
			})
			continue
		}

		if trimmed == "" {
			flushPara()
			continue
		}

		para = append(para, line)
	}
	flushPara()

	return blocks
}

// pushHeader updates the header stack for a newly seen header: entries at the
// same or deeper level are popped before the new header is pushed.
func pushHeader(stack []Header, h Header) []Header {
	for len(stack) > 0 && stack[len(stack)-1].Level >= h.Level {
		stack = stack[:len(stack)-1]
	}
	return append(stack, h)
}

// tailOnLineBoundary returns the last at-most-n characters of text. When that
// tail contains a line break before its last character, it is trimmed to
// start after the first one, so the overlap begins on a whole line; a tail
// without such a break is returned as is and may begin mid-line.
func tailOnLineBoundary(text string, n int) string {
	if n <= 0 || text == "" {
		return ""
	}
	if len(text) <= n {
		return text
	}
	tail := text[len(text)-n:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}

// splitOversized splits a block exceeding the chunk size into line-aligned
// pieces no larger than size. A single line longer than size is hard-cut.
func splitOversized(text string, size int) []string {
	var pieces []string
	var current strings.Builder

	emit := func() {
		if current.Len() > 0 {
			pieces = append(pieces, strings.TrimRight(current.String(), "\n"))
			current.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for len(line) > size {
			emit()
			pieces = append(pieces, line[:size])
			line = line[size:]
		}
		if current.Len()+len(line) > size {
			emit()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	emit()

	return pieces
}

func isFenceDelimiter(trimmed string) bool {
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// fenceMarker returns the delimiter characters that opened a fence.
func fenceMarker(trimmed string) string {
	if strings.HasPrefix(trimmed, "~~~") {
		return "~~~"
	}
	return "```"
}

// closesFence reports whether a line closes a fence opened with marker.
func closesFence(trimmed, marker string) bool {
	return trimmed == marker || (strings.HasPrefix(trimmed, marker) && strings.TrimLeft(trimmed, string(marker[0])) == "")
}
