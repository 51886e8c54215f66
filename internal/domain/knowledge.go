package domain

// Page is one extracted unit of a source document. Number is 1-based for
// paginated formats and 0 when the format has no pages.
type Page struct {
	Number int
	Text   string
}

// SourceDocument is a document read from the source directory. It only lives
// long enough to be chunked.
type SourceDocument struct {
	Path  string // relative to the source directory
	Pages []Page
}

// ChunkMetadata locates a chunk in its source.
type ChunkMetadata struct {
	Source string `json:"source"`
	Page   int    `json:"page,omitempty"`
	Offset int    `json:"offset"` // byte offset within the page text
	Seq    int    `json:"seq"`    // global insertion order, used to break score ties
}

// Chunk is a bounded, overlapping slice of a document and the unit of retrieval.
type Chunk struct {
	ID       string        `json:"id"`
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
}

// ScoredChunk is a retrieval hit. Score is cosine similarity; higher is closer.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}
