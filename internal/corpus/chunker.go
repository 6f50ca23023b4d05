package corpus

import (
	"regexp"
	"strings"
)

// sentencePattern matches runs of text terminated by sentence punctuation.
var sentencePattern = regexp.MustCompile(`(?m)(?U)([^.!?\n]+[.!?\n])`)

// Chunker splits documents into fixed-size, overlapping chunks. Splitting is
// sentence-aware: a chunk is a run of whole sentences packed up to the size
// budget, and consecutive chunks share trailing sentences up to the overlap
// budget. Oversized single sentences are hard-split.
type Chunker struct {
	size    int // chunk size budget in characters
	overlap int // overlap budget in characters
}

// NewChunker creates a chunker. size must be positive; overlap must be
// smaller than size. Out-of-range values fall back to 512/20.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 512
	}
	if overlap < 0 || overlap >= size {
		overlap = 20
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk splits a document's text. An empty document yields no chunks; text
// within the size budget yields exactly one chunk spanning the whole text.
func (c *Chunker) Chunk(doc Document) []Chunk {
	text := doc.Text
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.size {
		return []Chunk{{Text: text, Start: 0, End: len(text), Index: 0}}
	}

	sentences := c.split(text)

	var chunks []Chunk
	var cur []span
	curLen := 0
	for _, s := range sentences {
		if curLen > 0 && curLen+s.length() > c.size {
			chunks = append(chunks, makeChunk(text, cur, len(chunks)))
			cur = carryOverlap(cur, c.overlap)
			curLen = spanLen(cur)
		}
		cur = append(cur, s)
		curLen += s.length()
	}
	if len(cur) > 0 {
		chunks = append(chunks, makeChunk(text, cur, len(chunks)))
	}
	return chunks
}

// span is a half-open [start, end) byte range within the document text.
type span struct {
	start, end int
}

func (s span) length() int { return s.end - s.start }

func spanLen(spans []span) int {
	n := 0
	for _, s := range spans {
		n += s.length()
	}
	return n
}

// split locates sentence boundaries, hard-splitting any sentence that alone
// exceeds the chunk size budget.
func (c *Chunker) split(text string) []span {
	var spans []span
	locs := sentencePattern.FindAllStringIndex(text, -1)
	prev := 0
	for _, loc := range locs {
		// Include any inter-sentence gap with the following sentence so
		// spans cover the text without holes.
		spans = append(spans, span{start: prev, end: loc[1]})
		prev = loc[1]
	}
	if prev < len(text) {
		spans = append(spans, span{start: prev, end: len(text)})
	}

	var out []span
	for _, s := range spans {
		for s.length() > c.size {
			out = append(out, span{start: s.start, end: s.start + c.size})
			s.start += c.size - c.overlap
		}
		if s.length() > 0 {
			out = append(out, s)
		}
	}
	return out
}

// carryOverlap returns the trailing spans of a chunk totaling at most the
// overlap budget, to be shared with the next chunk.
func carryOverlap(spans []span, overlap int) []span {
	carried := 0
	i := len(spans)
	for i > 0 && carried+spans[i-1].length() <= overlap {
		carried += spans[i-1].length()
		i--
	}
	return append([]span(nil), spans[i:]...)
}

func makeChunk(text string, spans []span, index int) Chunk {
	start := spans[0].start
	end := spans[len(spans)-1].end
	return Chunk{
		Text:  text[start:end],
		Start: start,
		End:   end,
		Index: index,
	}
}
