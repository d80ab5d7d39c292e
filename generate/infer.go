package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
)

// DefaultBaseURL is used when no base URL is configured (a local llama-server or vLLM).
const DefaultBaseURL = "http://127.0.0.1:8080/v1"

// Generator performs text generation via an OpenAI-compatible API.
type Generator struct {
	baseURL string
	apiKey  string
	model   string
	apiType string // "responses" or "chat_completions"
	client  *http.Client
}

// NewGenerator creates a generator. A zero timeout disables the HTTP timeout.
func NewGenerator(baseURL, apiKey, model, apiType string, timeout time.Duration) *Generator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Generator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		apiType: apiType,
		client:  &http.Client{Timeout: timeout},
	}
}

// Generate sends the conversation to the API and returns the generated text.
func (g *Generator) Generate(ctx context.Context, messages []stemmgpt.Message, sampling stemmgpt.Sampling) (string, error) {
	if g.apiType == "responses" {
		return g.generateResponses(ctx, messages, sampling)
	}
	return g.generateChatCompletions(ctx, messages, sampling)
}

// Close is a no-op (no subprocess to manage).
func (g *Generator) Close() {}

// --- Responses API ---

type responsesRequest struct {
	Model       string           `json:"model"`
	Input       []responsesInput `json:"input"`
	MaxTokens   int              `json:"max_output_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
}

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesResponse struct {
	Output []responsesOutput `json:"output"`
	Error  *apiError         `json:"error,omitempty"`
}

type responsesOutput struct {
	Type    string             `json:"type"`
	Content []responsesContent `json:"content,omitempty"`
}

type responsesContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (g *Generator) generateResponses(ctx context.Context, messages []stemmgpt.Message, sampling stemmgpt.Sampling) (string, error) {
	reqBody := responsesRequest{
		Model:     g.model,
		Input:     make([]responsesInput, len(messages)),
		MaxTokens: sampling.MaxNewTokens,
	}
	for i, m := range messages {
		reqBody.Input[i] = responsesInput{Role: string(m.Role), Content: m.Content}
	}
	if sampling.DoSample {
		reqBody.Temperature = &sampling.Temperature
		reqBody.TopP = &sampling.TopP
	} else {
		zero := 0.0
		reqBody.Temperature = &zero
	}

	body, err := g.post(ctx, "/responses", reqBody)
	if err != nil {
		return "", err
	}

	var result responsesResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w (body: %s)", err, string(body))
	}

	if result.Error != nil {
		return "", fmt.Errorf("API error: %s", result.Error.Message)
	}

	// The last message output carries the reply.
	for i := len(result.Output) - 1; i >= 0; i-- {
		out := result.Output[i]
		if out.Type != "message" {
			continue
		}
		for _, c := range out.Content {
			if c.Type == "output_text" {
				return c.Text, nil
			}
		}
	}

	return "", fmt.Errorf("no text content in response")
}

// --- Chat Completions API ---

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopK        int           `json:"top_k,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

func (g *Generator) generateChatCompletions(ctx context.Context, messages []stemmgpt.Message, sampling stemmgpt.Sampling) (string, error) {
	reqBody := chatCompletionsRequest{
		Model:     g.model,
		Messages:  make([]chatMessage, len(messages)),
		MaxTokens: sampling.MaxNewTokens,
	}
	for i, m := range messages {
		reqBody.Messages[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	if sampling.DoSample {
		reqBody.Temperature = &sampling.Temperature
		reqBody.TopK = sampling.TopK
		reqBody.TopP = &sampling.TopP
	} else {
		// Greedy decoding.
		zero := 0.0
		reqBody.Temperature = &zero
	}

	body, err := g.post(ctx, "/chat/completions", reqBody)
	if err != nil {
		return "", err
	}

	var result chatCompletionsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w (body: %s)", err, string(body))
	}

	if result.Error != nil {
		return "", fmt.Errorf("API error: %s", result.Error.Message)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return result.Choices[0].Message.Content, nil
}

// post marshals reqBody, sends it to path and returns the raw body of a 2xx response.
func (g *Generator) post(ctx context.Context, path string, reqBody any) ([]byte, error) {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	g.setHeaders(httpReq)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// setHeaders sets common headers for API requests.
func (g *Generator) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
}
