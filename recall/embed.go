package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/generate"
)

const embedTimeout = 30 * time.Second

// Embedder turns exchange text into vectors through an OpenAI-compatible
// /embeddings endpoint.
type Embedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewEmbedder(baseURL, apiKey, model string) *Embedder {
	return &Embedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: embedTimeout},
	}
}

// Model names the embedding model; cached vectors are only reused for the same one.
func (e *Embedder) Model() string { return e.model }

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     *int      `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.request(ctx, text, 1)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.request(ctx, texts, len(texts))
}

func (e *Embedder) request(ctx context.Context, input any, want int) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: e.model, Input: input})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &generate.APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	var decoded embedResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(decoded.Data) != want {
		return nil, fmt.Errorf("embeddings: asked for %d, got %d", want, len(decoded.Data))
	}

	// Servers may return items out of order; place by index when given.
	vecs := make([][]float32, want)
	for i, item := range decoded.Data {
		pos := i
		if item.Index != nil {
			pos = *item.Index
		}
		if pos < 0 || pos >= want || vecs[pos] != nil {
			return nil, errors.New("embeddings: bad index in response")
		}
		vecs[pos] = item.Embedding
	}
	return vecs, nil
}
