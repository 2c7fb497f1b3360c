package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"atlas/internal/llm"
	"atlas/internal/llm/anthropic"
	"atlas/internal/llm/google"
	openaillm "atlas/internal/llm/openai"
)

// CompletionBackend is the json-completion capability contract: given a
// prompt and a target JSON schema, return a value satisfying that schema.
// llm.Provider has no native structured-completion call, so every
// implementation here drives it through a single forced tool definition
// named resultToolName whose parameters ARE the schema, then parses that
// tool call's arguments — the same "one tool, always call it" technique
// used industry-wide to get schema-conformant JSON out of a chat API.
type CompletionBackend interface {
	Backend
	CompleteJSON(ctx context.Context, prompt string, schema map[string]any) (json.RawMessage, error)
}

const resultToolName = "emit_result"

// providerCompletionBackend adapts any llm.Provider into a CompletionBackend.
type providerCompletionBackend struct {
	id    string
	caps  []Capability
	model string
	p     llm.Provider
}

func (b *providerCompletionBackend) Name() string              { return b.id }
func (b *providerCompletionBackend) Capabilities() []Capability { return b.caps }
func (b *providerCompletionBackend) Close() error               { return nil }

func (b *providerCompletionBackend) Ready(ctx context.Context) error {
	_, err := b.CompleteJSON(ctx, "Reply with {\"ok\":true}.", map[string]any{
		"type":       "object",
		"properties": map[string]any{"ok": map[string]any{"type": "boolean"}},
		"required":   []any{"ok"},
	})
	return err
}

func (b *providerCompletionBackend) CompleteJSON(ctx context.Context, prompt string, schema map[string]any) (json.RawMessage, error) {
	tool := llm.ToolSchema{
		Name:        resultToolName,
		Description: "Emit the final structured result. Always call this tool exactly once with arguments matching the schema; never respond with plain text.",
		Parameters:  schema,
	}
	msgs := []llm.Message{
		{Role: "system", Content: "You must respond by calling the \"" + resultToolName + "\" tool exactly once with arguments conforming to its schema. Do not include any other text."},
		{Role: "user", Content: prompt},
	}
	out, err := b.p.Chat(ctx, msgs, []llm.ToolSchema{tool}, b.model)
	if err != nil {
		return nil, fmt.Errorf("json completion: %w", err)
	}
	for _, tc := range out.ToolCalls {
		if tc.Name == resultToolName {
			if len(tc.Args) == 0 {
				return nil, fmt.Errorf("json completion: empty tool arguments")
			}
			if !json.Valid(tc.Args) {
				return nil, fmt.Errorf("json completion: invalid JSON in tool arguments")
			}
			return tc.Args, nil
		}
	}
	// Fallback: some providers answer in plain content despite instructions.
	content := strings.TrimSpace(out.Content)
	if content != "" && json.Valid([]byte(content)) {
		return json.RawMessage(content), nil
	}
	return nil, fmt.Errorf("json completion: no %q tool call in response", resultToolName)
}

// NewAnthropicCompletionBackend builds a json-completion backend over the
// Anthropic Messages API. Recognized params: api_key, base_url, model,
// capability (comma-separated, default "json-completion").
func NewAnthropicCompletionBackend(spec Spec) (Backend, error) {
	p := spec.Params
	client := anthropic.New(anthropic.Config{
		APIKey:  p["api_key"],
		BaseURL: p["base_url"],
		Model:   p["model"],
	}, http.DefaultClient)
	return &providerCompletionBackend{
		id:    spec.ID,
		caps:  parseCapabilities(p["capability"], CapJSONCompletion),
		model: p["model"],
		p:     client,
	}, nil
}

// NewOpenAICompletionBackend builds a json-completion backend over any
// OpenAI-wire-compatible endpoint (OpenAI itself, or a self-hosted server).
func NewOpenAICompletionBackend(spec Spec) (Backend, error) {
	p := spec.Params
	client := openaillm.New(openaillm.Config{
		APIKey:  p["api_key"],
		BaseURL: p["base_url"],
		Model:   p["model"],
		API:     p["api"],
	}, http.DefaultClient)
	return &providerCompletionBackend{
		id:    spec.ID,
		caps:  parseCapabilities(p["capability"], CapJSONCompletion),
		model: p["model"],
		p:     client,
	}, nil
}

// NewGoogleCompletionBackend builds a json-completion backend over the
// Google GenAI SDK.
func NewGoogleCompletionBackend(spec Spec) (Backend, error) {
	p := spec.Params
	timeout, _ := strconv.Atoi(p["timeout_seconds"])
	client, err := google.New(google.Config{
		APIKey:  p["api_key"],
		BaseURL: p["base_url"],
		Model:   p["model"],
		Timeout: timeout,
	}, http.DefaultClient)
	if err != nil {
		return nil, fmt.Errorf("construct google client: %w", err)
	}
	return &providerCompletionBackend{
		id:    spec.ID,
		caps:  parseCapabilities(p["capability"], CapJSONCompletion),
		model: p["model"],
		p:     client,
	}, nil
}
