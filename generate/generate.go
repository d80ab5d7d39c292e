// Package generate provides the inference collaborator: an opaque call that
// takes the full conversation and fixed sampling parameters and returns the
// newly generated assistant text.
package generate

import (
	"context"
	"fmt"
	"log/slog"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
)

// Collaborator generates the next assistant turn for a conversation.
// Calls are blocking; the relay never retries them.
type Collaborator interface {
	Generate(ctx context.Context, messages []stemmgpt.Message, sampling stemmgpt.Sampling) (string, error)
	Close()
}

// APIError is returned when a provider answers with a non-success status.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Body)
}

// New builds the collaborator selected by generation.api_type.
func New(cfg *stemmgpt.Config) (Collaborator, error) {
	if cfg == nil {
		cfg = stemmgpt.DefaultConfig()
	}
	baseURL := stemmgpt.ResolveBaseURL(cfg)
	apiKey := stemmgpt.ResolveAPIKey(cfg)
	model := stemmgpt.ResolveModel(cfg)
	timeout := cfg.GenerationTimeout()

	switch cfg.Generation.APIType {
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key; set STEMMGPT_API_KEY or generation.api_key")
		}
		return NewAnthropic(baseURL, apiKey, model, timeout), nil
	case "responses", "chat_completions":
		return NewGenerator(baseURL, apiKey, model, cfg.Generation.APIType, timeout), nil
	default:
		slog.Warn("unknown api_type, using chat_completions", "api_type", cfg.Generation.APIType)
		return NewGenerator(baseURL, apiKey, model, "chat_completions", timeout), nil
	}
}
