// Package ingest reads source documents and splits them into overlapping chunks.
package ingest

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"rulebot/internal/domain"
)

// DefaultChunkSize is the default chunk length in runes.
const DefaultChunkSize = 850

// DefaultChunkOverlap is the default number of runes carried between adjacent chunks.
const DefaultChunkOverlap = 200

// DefaultSeparators lists split boundaries from coarsest to finest. The empty
// separator splits into single runes and must come last.
var DefaultSeparators = []string{"\n\n", "\n", "。", ". ", " ", ""}

// Splitter is a recursive character splitter. It splits on the coarsest
// separator present in the text, recursing into pieces that are still too
// long, then greedily merges pieces into chunks of at most chunkSize runes
// with up to chunkOverlap runes repeated between neighbours.
type Splitter struct {
	chunkSize  int
	overlap    int
	separators []string
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithChunkSize sets the maximum chunk length in runes.
func WithChunkSize(size int) Option {
	return func(s *Splitter) { s.chunkSize = size }
}

// WithChunkOverlap sets the overlap between adjacent chunks in runes.
func WithChunkOverlap(overlap int) Option {
	return func(s *Splitter) { s.overlap = overlap }
}

// WithSeparators replaces the separator hierarchy.
func WithSeparators(seps ...string) Option {
	return func(s *Splitter) { s.separators = seps }
}

// NewSplitter creates a splitter. Both size and overlap must be positive and
// overlap must be smaller than size.
func NewSplitter(opts ...Option) (*Splitter, error) {
	s := &Splitter{
		chunkSize:  DefaultChunkSize,
		overlap:    DefaultChunkOverlap,
		separators: DefaultSeparators,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", s.chunkSize)
	}
	if s.overlap <= 0 {
		return nil, fmt.Errorf("chunk overlap must be positive, got %d", s.overlap)
	}
	if s.overlap >= s.chunkSize {
		return nil, fmt.Errorf("chunk overlap (%d) must be smaller than chunk size (%d)", s.overlap, s.chunkSize)
	}
	if len(s.separators) == 0 || s.separators[len(s.separators)-1] != "" {
		s.separators = append(append([]string(nil), s.separators...), "")
	}
	return s, nil
}

// ChunkSize returns the configured chunk size.
func (s *Splitter) ChunkSize() int { return s.chunkSize }

// ChunkOverlap returns the configured overlap.
func (s *Splitter) ChunkOverlap() int { return s.overlap }

// TextChunk is a chunk of a single text together with its byte offset.
type TextChunk struct {
	Text   string
	Offset int
}

// span is a contiguous slice of the text being split.
type span struct {
	text  string
	start int
}

func (sp span) runes() int { return utf8.RuneCountInString(sp.text) }

// SplitText splits a single text. The output depends only on the input and
// the splitter configuration.
func (s *Splitter) SplitText(text string) []TextChunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.split(span{text: text}, s.separators)
}

func (s *Splitter) split(in span, separators []string) []TextChunk {
	sep := separators[len(separators)-1]
	var rest []string
	for i, candidate := range separators {
		if candidate == "" {
			sep = candidate
			break
		}
		if strings.Contains(in.text, candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	var out []TextChunk
	var good []span
	for _, piece := range splitKeepSeparator(in, sep) {
		if piece.runes() < s.chunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			out = appendTrimmed(out, piece)
		} else {
			out = append(out, s.split(piece, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, s.merge(good)...)
	}
	return out
}

// merge combines adjacent pieces into chunks no longer than chunkSize. When a
// chunk is emitted, pieces are dropped from the front until at most overlap
// runes remain; those carry into the next chunk.
func (s *Splitter) merge(pieces []span) []TextChunk {
	var out []TextChunk
	var current []span
	total := 0

	for _, p := range pieces {
		n := p.runes()
		if total+n > s.chunkSize && len(current) > 0 {
			out = appendTrimmed(out, join(current))
			for total > s.overlap || (total > 0 && total+n > s.chunkSize) {
				total -= current[0].runes()
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}
	if len(current) > 0 {
		out = appendTrimmed(out, join(current))
	}
	return out
}

// join concatenates contiguous spans. Pieces produced by splitKeepSeparator
// are adjacent in the source, so the result is a single source slice.
func join(spans []span) span {
	var b strings.Builder
	for _, sp := range spans {
		b.WriteString(sp.text)
	}
	return span{text: b.String(), start: spans[0].start}
}

func appendTrimmed(out []TextChunk, sp span) []TextChunk {
	trimmed := strings.TrimLeftFunc(sp.text, unicode.IsSpace)
	offset := sp.start + len(sp.text) - len(trimmed)
	trimmed = strings.TrimRightFunc(trimmed, unicode.IsSpace)
	if trimmed == "" {
		return out
	}
	return append(out, TextChunk{Text: trimmed, Offset: offset})
}

// splitKeepSeparator splits on sep and attaches each separator to the start
// of the piece that follows it. An empty sep splits into runes. Empty pieces
// are dropped.
func splitKeepSeparator(in span, sep string) []span {
	var out []span
	if sep == "" {
		for i, r := range in.text {
			out = append(out, span{text: string(r), start: in.start + i})
		}
		return out
	}

	text := in.text
	start, from := 0, 0
	for {
		idx := strings.Index(text[from:], sep)
		if idx < 0 {
			break
		}
		cut := from + idx
		if cut > start {
			out = append(out, span{text: text[start:cut], start: in.start + start})
			start = cut
		}
		from = cut + len(sep)
	}
	if start < len(text) {
		out = append(out, span{text: text[start:], start: in.start + start})
	}
	return out
}

// SplitDocuments chunks every page of every document. IDs are stable across
// runs ("<path>#p<page>-<n>") and Seq numbers chunks in output order.
func (s *Splitter) SplitDocuments(docs []domain.SourceDocument) []domain.Chunk {
	var chunks []domain.Chunk
	for _, doc := range docs {
		n := 0
		for _, page := range doc.Pages {
			for _, tc := range s.SplitText(page.Text) {
				chunks = append(chunks, domain.Chunk{
					ID:   fmt.Sprintf("%s#p%d-%d", doc.Path, page.Number, n),
					Text: tc.Text,
					Metadata: domain.ChunkMetadata{
						Source: doc.Path,
						Page:   page.Number,
						Offset: tc.Offset,
						Seq:    len(chunks),
					},
				})
				n++
			}
		}
	}
	return chunks
}
