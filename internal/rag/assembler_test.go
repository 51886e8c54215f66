package rag

import (
	"strings"
	"testing"

	"rulebot/internal/domain"
)

func TestDisplayName_Total(t *testing.T) {
	a := NewAssembler(nil)
	tests := []struct {
		source string
		want   string
	}{
		{"", "公式文書"},
		{"   ", "公式文書"},
		{"kyougi_kitei.pdf", "競技規定"},
		{"data/karuta_rules_pdfs/KYOUGI_SAISOKU.PDF", "競技細則"},
		{`C:\rules\kyougi_saisoku_dantai.pdf`, "競技細則（団体）"},
		{"/abs/kyougikai_kitei.pdf", "競技会規定"},
		{"unknown_rules.pdf", "unknown_rules"},
		{"notes.txt", "notes"},
		{".pdf", "公式文書"},
		{"/", "公式文書"},
		{"dir/", "dir"},
	}
	for _, tt := range tests {
		got := a.DisplayName(tt.source)
		if got != tt.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tt.source, got, tt.want)
		}
		if got == "" {
			t.Errorf("DisplayName(%q) returned empty string", tt.source)
		}
	}
}

func TestAssemble(t *testing.T) {
	a := NewAssembler(nil)
	got := a.Assemble([]domain.ScoredChunk{
		hit("kyougi_kitei.pdf", "札は50枚とする。", 0.9),
		hit("", "出典不明の本文", 0.5),
	})
	want := "【競技規定】\n札は50枚とする。\n\n【公式文書】\n出典不明の本文"
	if got != want {
		t.Fatalf("Assemble:\n got %q\nwant %q", got, want)
	}
	if a.Assemble(nil) != "" {
		t.Fatal("no results should assemble to an empty string")
	}
}

func TestSources_DistinctInOrder(t *testing.T) {
	a := NewAssembler(nil)
	got := a.Sources([]domain.ScoredChunk{
		hit("kyougikai_kitei.pdf", "a", 0.9),
		hit("kyougi_kitei.pdf", "b", 0.8),
		hit("kyougikai_kitei.pdf", "c", 0.7),
	})
	if strings.Join(got, ",") != "競技会規定,競技規定" {
		t.Fatalf("unexpected sources: %v", got)
	}
}
