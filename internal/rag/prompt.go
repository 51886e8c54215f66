// Package rag answers questions from retrieved rule text: it expands the
// question with conversation history, retrieves context, and asks the
// completion model for a grounded, cited answer.
package rag

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// PromptTemplate holds every user-visible string of the answer path. System
// and User are text/template sources rendered with .Question and .Context.
type PromptTemplate struct {
	System          string            `yaml:"system"`
	User            string            `yaml:"user"`
	HistoryPreamble string            `yaml:"history_preamble"`
	Apology         string            `yaml:"apology"`
	NoContext       string            `yaml:"no_context"`
	GenericSource   string            `yaml:"generic_source"`
	Sources         map[string]string `yaml:"sources"`

	system *template.Template
	user   *template.Template
}

const defaultSystemPrompt = `あなたは競技かるたの公式ルール文書からのみ回答するアシスタントです。
質問そのものが正確かどうかも検討したうえで、与えられたコンテキストに従って回答してください。
回答では根拠としたルール名を必ず明示してください。例：「競技規定によると、」「競技会規定によると、」。
複数のルールにまたがる場合はそれぞれに言及してください。`

const defaultUserPrompt = `質問:
{{.Question}}

コンテキスト（【】内がルール名です）:
{{.Context}}

上記のコンテキスト以外の情報は一切使わずに答えてください。回答のどこかで、根拠としたルール名（競技規定・競技細則・競技会規定など）を「〇〇によると」の形で明示してください。`

// DefaultPromptTemplate returns the built-in karuta rules prompt.
func DefaultPromptTemplate() *PromptTemplate {
	t := &PromptTemplate{
		System:          defaultSystemPrompt,
		User:            defaultUserPrompt,
		HistoryPreamble: "以下はこれまでの会話です。この会話を踏まえて、新しい質問に答えてください。",
		Apology:         "申し訳ありません。回答できませんでした。",
		NoContext:       "該当するルールが見つかりませんでした。質問を言い換えてもう一度お試しください。",
		GenericSource:   "公式文書",
		Sources: map[string]string{
			"kyougi_kitei.pdf":          "競技規定",
			"kyougi_saisoku.pdf":        "競技細則",
			"kyougi_saisoku_dantai.pdf": "競技細則（団体）",
			"kyougikai_kitei.pdf":       "競技会規定",
		},
	}
	if err := t.compile(); err != nil {
		panic(err)
	}
	return t
}

// LoadPromptTemplate reads a YAML prompt file. Fields left out of the file
// keep their default values; a sources table in the file replaces the
// default table entirely.
func LoadPromptTemplate(path string) (*PromptTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	return ParsePromptTemplate(data)
}

// ParsePromptTemplate parses YAML prompt data over the defaults.
func ParsePromptTemplate(data []byte) (*PromptTemplate, error) {
	var override PromptTemplate
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse prompt file: %w", err)
	}

	t := DefaultPromptTemplate()
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&t.System, override.System)
	set(&t.User, override.User)
	set(&t.HistoryPreamble, override.HistoryPreamble)
	set(&t.Apology, override.Apology)
	set(&t.NoContext, override.NoContext)
	set(&t.GenericSource, override.GenericSource)
	if len(override.Sources) > 0 {
		t.Sources = make(map[string]string, len(override.Sources))
		for k, v := range override.Sources {
			t.Sources[strings.ToLower(k)] = v
		}
	}

	if err := t.compile(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *PromptTemplate) compile() error {
	var err error
	if t.system, err = template.New("system").Option("missingkey=error").Parse(t.System); err != nil {
		return fmt.Errorf("parse system template: %w", err)
	}
	if t.user, err = template.New("user").Option("missingkey=error").Parse(t.User); err != nil {
		return fmt.Errorf("parse user template: %w", err)
	}
	if !strings.Contains(t.User, ".Question") {
		return fmt.Errorf("user template must reference .Question")
	}
	return nil
}

type promptData struct {
	Question string
	Context  string
}

// Render produces the system and user messages for one question.
func (t *PromptTemplate) Render(question, context string) (system, user string, err error) {
	if t.system == nil || t.user == nil {
		if err := t.compile(); err != nil {
			return "", "", err
		}
	}
	data := promptData{Question: question, Context: context}

	var buf bytes.Buffer
	if err := t.system.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render system prompt: %w", err)
	}
	system = buf.String()

	buf.Reset()
	if err := t.user.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render user prompt: %w", err)
	}
	return system, buf.String(), nil
}
