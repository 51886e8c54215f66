// Package knowledge builds, persists, and queries the vector index.
//
// An index is a directory holding a chromem-go persistent database under db/
// and a manifest.json describing how it was built. The manifest is written
// last, so a directory without one is never treated as a usable index.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/philippgille/chromem-go"

	"rulebot/internal/domain"
)

const (
	manifestFile  = "manifest.json"
	dbDir         = "db"
	formatVersion = 1
)

// Manifest records how an index was built.
type Manifest struct {
	FormatVersion     int       `json:"format_version"`
	EmbeddingProvider string    `json:"embedding_provider"`
	EmbeddingModel    string    `json:"embedding_model"`
	Dimensions        int       `json:"dimensions"`
	ChunkCount        int       `json:"chunk_count"`
	ChunkSize         int       `json:"chunk_size"`
	ChunkOverlap      int       `json:"chunk_overlap"`
	SourceDir         string    `json:"source_dir,omitempty"`
	Collection        string    `json:"collection"`
	BuiltAt           time.Time `json:"built_at"`
}

// ReadManifest reads the manifest of the index at dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no index at %s", domain.ErrIndexNotFound, dir)
		}
		return nil, fmt.Errorf("%w: read manifest: %w", domain.ErrIndexCorrupt, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse manifest: %w", domain.ErrIndexCorrupt, err)
	}
	if m.FormatVersion != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", domain.ErrIndexCorrupt, m.FormatVersion)
	}
	if m.Collection == "" {
		return nil, fmt.Errorf("%w: manifest has no collection", domain.ErrIndexCorrupt)
	}
	return &m, nil
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, manifestFile), data, 0o644)
}

// chunkMetadata flattens chunk metadata into chromem's string map.
func chunkMetadata(c domain.Chunk) map[string]string {
	return map[string]string{
		"source": c.Metadata.Source,
		"page":   strconv.Itoa(c.Metadata.Page),
		"offset": strconv.Itoa(c.Metadata.Offset),
		"seq":    strconv.Itoa(c.Metadata.Seq),
	}
}

func chunkFromResult(r chromem.Result) domain.Chunk {
	atoi := func(key string) int {
		n, _ := strconv.Atoi(r.Metadata[key])
		return n
	}
	return domain.Chunk{
		ID:   r.ID,
		Text: r.Content,
		Metadata: domain.ChunkMetadata{
			Source: r.Metadata["source"],
			Page:   atoi("page"),
			Offset: atoi("offset"),
			Seq:    atoi("seq"),
		},
	}
}

// embeddingFunc adapts an Embedder for chromem. Vectors are always supplied
// explicitly; this keeps chromem from falling back to its own default client.
func embeddingFunc(e domain.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.Embed(ctx, text)
	}
}
