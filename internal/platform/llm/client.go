// Package llm wraps the OpenAI chat API and the citation markup the
// assistant prompt asks the model to use.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var ErrEmptyCompletion = errors.New("llm: empty completion")

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Message is one turn of a chat prompt. Role is "system", "user" or
// "assistant".
type Message struct {
	Role    string
	Content string
}

type Client struct {
	api   *openai.Client
	model string
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{api: openai.NewClientWithConfig(oc), model: model}
}

// Chat sends messages and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.2,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// Citation is a [doc-id#paragraph-id] marker found in model output.
type Citation struct {
	DocumentID  string
	ParagraphID string
}

var (
	citationRe = regexp.MustCompile(`\[([A-Za-z0-9_-]+)#([A-Za-z0-9_-]+)\]`)
	// markers opening a line keep the indentation and drop the space after them
	leadingCitationRe = regexp.MustCompile(`(?m)^([ \t]*)(?:\[[A-Za-z0-9_-]+#[A-Za-z0-9_-]+\][ \t]*)+`)
	inlineCitationRe  = regexp.MustCompile(`[ \t]*\[[A-Za-z0-9_-]+#[A-Za-z0-9_-]+\]`)
)

// CitationTag renders the marker the model is asked to emit.
func CitationTag(documentID, paragraphID string) string {
	return "[" + documentID + "#" + paragraphID + "]"
}

// ParseCitations returns the distinct citations in text, in order of first
// appearance, and the text with the markers removed.
func ParseCitations(text string) ([]Citation, string) {
	seen := make(map[Citation]bool)
	var out []Citation
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		c := Citation{DocumentID: m[1], ParagraphID: m[2]}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	stripped := leadingCitationRe.ReplaceAllString(text, "${1}")
	stripped = inlineCitationRe.ReplaceAllString(stripped, "")
	lines := strings.Split(stripped, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return out, strings.Trim(strings.Join(lines, "\n"), "\n")
}
