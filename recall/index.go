// Package recall indexes completed exchanges by embedding and retrieves the
// earlier exchanges most relevant to a new question.
package recall

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/renameio"
)

const indexBatchSize = 32

// Exchange is one completed user/assistant pair.
type Exchange struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Text returns the form that is embedded and shown to the model.
func (e Exchange) Text() string {
	return "user: " + e.User + "\nassistant: " + e.Assistant
}

// Index is an in-memory HNSW graph of exchanges keyed by content hash.
type Index struct {
	embedder *Embedder

	mu        sync.RWMutex
	graph     *hnsw.Graph[string]
	exchanges map[string]Exchange
}

// NewIndex creates an empty index. A nil embedder disables Add and Search.
func NewIndex(embedder *Embedder) *Index {
	return &Index{
		embedder:  embedder,
		graph:     hnsw.NewGraph[string](),
		exchanges: make(map[string]Exchange),
	}
}

// Len returns the number of indexed exchanges.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.graph.Len()
}

// Add embeds and indexes the given exchanges, skipping ones already present.
func (idx *Index) Add(ctx context.Context, exchanges ...Exchange) error {
	if idx.embedder == nil || len(exchanges) == 0 {
		return nil
	}

	idx.mu.RLock()
	var toEmbed []Exchange
	var hashes []string
	seen := make(map[string]bool)
	for _, ex := range exchanges {
		hash := hashText(ex.Text())
		if seen[hash] {
			continue
		}
		seen[hash] = true
		if _, exists := idx.graph.Lookup(hash); !exists {
			toEmbed = append(toEmbed, ex)
			hashes = append(hashes, hash)
		}
	}
	idx.mu.RUnlock()

	if len(toEmbed) == 0 {
		return nil
	}

	var nodes []hnsw.Node[string]
	added := make(map[string]Exchange, len(toEmbed))
	var firstErr error

	for i := 0; i < len(toEmbed); i += indexBatchSize {
		end := i + indexBatchSize
		if end > len(toEmbed) {
			end = len(toEmbed)
		}
		texts := make([]string, 0, end-i)
		for _, ex := range toEmbed[i:end] {
			texts = append(texts, ex.Text())
		}

		vectors, err := idx.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			slog.Error("batch embed error", "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for j, vec := range vectors {
			hash := hashes[i+j]
			nodes = append(nodes, hnsw.MakeNode(hash, vec))
			added[hash] = toEmbed[i+j]
		}
	}

	if len(nodes) > 0 {
		idx.mu.Lock()
		idx.graph.Add(nodes...)
		for k, v := range added {
			idx.exchanges[k] = v
		}
		idx.mu.Unlock()
	}
	return firstErr
}

// Search embeds the query and returns up to topK of the most similar exchanges.
func (idx *Index) Search(ctx context.Context, query string, topK int) ([]Exchange, error) {
	if idx.embedder == nil || topK <= 0 || idx.Len() == 0 {
		return nil, nil
	}

	queryVec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	neighbors := idx.graph.Search(queryVec, topK)
	out := make([]Exchange, 0, len(neighbors))
	for _, n := range neighbors {
		if ex, ok := idx.exchanges[n.Key]; ok {
			out = append(out, ex)
		}
	}
	return out, nil
}

// Prompt renders exchanges as the text of an ephemeral system message.
// It returns an empty string when there is nothing to show.
func Prompt(exchanges []Exchange) string {
	if len(exchanges) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant earlier exchanges:")
	for _, ex := range exchanges {
		sb.WriteString("\n- ")
		sb.WriteString(strings.ReplaceAll(ex.Text(), "\n", "\n  "))
	}
	return sb.String()
}

type cacheFile struct {
	Model   string       `json:"model"`
	Entries []cacheEntry `json:"entries"`
}

type cacheEntry struct {
	Hash      string    `json:"hash"`
	Exchange  Exchange  `json:"exchange"`
	Embedding []float32 `json:"embedding"`
}

// SaveCache writes the current index (exchanges + embeddings) to disk atomically.
func (idx *Index) SaveCache(path string) error {
	if idx.embedder == nil {
		return nil
	}
	idx.mu.RLock()
	entries := make([]cacheEntry, 0, len(idx.exchanges))
	for hash, ex := range idx.exchanges {
		vec, ok := idx.graph.Lookup(hash)
		if !ok {
			continue
		}
		entries = append(entries, cacheEntry{Hash: hash, Exchange: ex, Embedding: vec})
	}
	idx.mu.RUnlock()

	data, err := json.Marshal(cacheFile{Model: idx.embedder.Model(), Entries: entries})
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0644)
}

// LoadCache loads a previously saved index from disk.
// If the model doesn't match, the cache is silently skipped.
func (idx *Index) LoadCache(path string) error {
	if idx.embedder == nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse recall cache: %w", err)
	}
	if cf.Model != idx.embedder.Model() {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	nodes := make([]hnsw.Node[string], 0, len(cf.Entries))
	for _, e := range cf.Entries {
		if _, exists := idx.graph.Lookup(e.Hash); exists {
			continue
		}
		nodes = append(nodes, hnsw.MakeNode(e.Hash, e.Embedding))
		idx.exchanges[e.Hash] = e.Exchange
	}
	if len(nodes) > 0 {
		idx.graph.Add(nodes...)
	}
	return nil
}

func hashText(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h)
}
