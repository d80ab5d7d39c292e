package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
)

// stubCollaborator records every call and answers with reply.
type stubCollaborator struct {
	mu       sync.Mutex
	calls    [][]stemmgpt.Message
	sampling []stemmgpt.Sampling

	reply   func(msgs []stemmgpt.Message) (string, error)
	started chan struct{} // signalled when a call begins, if set
	release chan struct{} // a call waits on it, if set
}

func (s *stubCollaborator) Generate(ctx context.Context, msgs []stemmgpt.Message, sampling stemmgpt.Sampling) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, msgs)
	s.sampling = append(s.sampling, sampling)
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.reply != nil {
		return s.reply(msgs)
	}
	return "ok", nil
}

func (s *stubCollaborator) Close() {}

func (s *stubCollaborator) Calls() [][]stemmgpt.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]stemmgpt.Message(nil), s.calls...)
}

func replyWith(text string) func([]stemmgpt.Message) (string, error) {
	return func([]stemmgpt.Message) (string, error) { return text, nil }
}

func failWith(msg string) func([]stemmgpt.Message) (string, error) {
	return func([]stemmgpt.Message) (string, error) { return "", errors.New(msg) }
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = "You are a helpful assistant."
	}
	e := NewEngine(opts)
	t.Cleanup(e.Close)
	return e
}

func writeRequest(t *testing.T, p Paths, text string) {
	t.Helper()
	tmp := filepath.Join(filepath.Dir(p.Input), ".request.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(text), 0644))
	require.NoError(t, os.Rename(tmp, p.Input))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
