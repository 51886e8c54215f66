package rag

import (
	"path"
	"strings"

	"rulebot/internal/domain"
)

// Assembler turns retrieval results into a labelled context block.
type Assembler struct {
	labels  map[string]string
	generic string
}

func NewAssembler(t *PromptTemplate) *Assembler {
	if t == nil {
		t = DefaultPromptTemplate()
	}
	labels := make(map[string]string, len(t.Sources))
	for k, v := range t.Sources {
		labels[strings.ToLower(k)] = v
	}
	generic := t.GenericSource
	if generic == "" {
		generic = "公式文書"
	}
	return &Assembler{labels: labels, generic: generic}
}

// DisplayName maps a chunk source to a human-readable rule name. It never
// returns an empty string.
func (a *Assembler) DisplayName(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return a.generic
	}
	base := strings.ToLower(path.Base(strings.ReplaceAll(source, `\`, "/")))
	if base == "." || base == "/" {
		return a.generic
	}
	if label, ok := a.labels[base]; ok && label != "" {
		return label
	}
	name := strings.TrimSuffix(base, path.Ext(base))
	if strings.TrimSpace(name) == "" {
		return a.generic
	}
	return name
}

// Assemble renders results as 【label】 blocks in retrieval order.
func (a *Assembler) Assemble(results []domain.ScoredChunk) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = "【" + a.DisplayName(r.Chunk.Metadata.Source) + "】\n" + r.Chunk.Text
	}
	return strings.Join(parts, "\n\n")
}

// Sources lists the distinct labels of results in first-seen order.
func (a *Assembler) Sources(results []domain.ScoredChunk) []string {
	seen := make(map[string]bool, len(results))
	var out []string
	for _, r := range results {
		label := a.DisplayName(r.Chunk.Metadata.Source)
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out
}
