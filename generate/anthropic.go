package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = anthropic.ModelClaude3_7SonnetLatest

// Anthropic performs text generation via the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropic creates an Anthropic collaborator. An empty baseURL uses the SDK default.
func NewAnthropic(baseURL, apiKey, model string, timeout time.Duration) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	m := anthropic.Model(model)
	if model == "" {
		m = DefaultAnthropicModel
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  m,
	}
}

// Generate sends the conversation and returns the text of the reply.
// System messages (prompt and preamble) are sent as system blocks.
func (a *Anthropic) Generate(ctx context.Context, messages []stemmgpt.Message, sampling stemmgpt.Sampling) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(sampling.MaxNewTokens),
	}
	if sampling.DoSample {
		params.Temperature = anthropic.Float(sampling.Temperature)
		params.TopK = anthropic.Int(int64(sampling.TopK))
		params.TopP = anthropic.Float(sampling.TopP)
	} else {
		params.Temperature = anthropic.Float(0)
	}

	for _, m := range messages {
		switch m.Role {
		case stemmgpt.RoleSystem:
			if m.Content != "" {
				params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
			}
		case stemmgpt.RoleUser:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case stemmgpt.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var parts []string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok && tb.Text != "" {
			parts = append(parts, tb.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text content in response")
	}
	return strings.Join(parts, "\n"), nil
}

// Close is a no-op.
func (a *Anthropic) Close() {}
