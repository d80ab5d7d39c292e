package generate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
)

func TestAnthropicSendsSystemBlocksAndSampling(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "4"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 1}
		}`)
	}))
	defer srv.Close()

	a := NewAnthropic(srv.URL, "sk-ant", "claude-test", 0)
	msgs := append([]stemmgpt.Message{}, testMessages...)
	msgs = append(msgs, stemmgpt.Message{Role: stemmgpt.RoleAssistant, Content: "4"}, stemmgpt.Message{Role: stemmgpt.RoleUser, Content: "and 3+3?"})

	out, err := a.Generate(context.Background(), msgs, stemmgpt.DefaultSampling())
	if err != nil {
		t.Fatal(err)
	}
	if out != "4" {
		t.Errorf("expected 4, got %q", out)
	}
	if path != "/v1/messages" {
		t.Errorf("unexpected path %s", path)
	}
	if got["max_tokens"] != float64(256) || got["top_k"] != float64(50) {
		t.Errorf("unexpected sampling fields: %v", got)
	}
	system, _ := got["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("expected 1 system block, got %v", got["system"])
	}
	turns, _ := got["messages"].([]any)
	if len(turns) != 3 {
		t.Errorf("expected 3 non-system messages, got %d", len(turns))
	}
}

func TestNewRequiresKeyForAnthropic(t *testing.T) {
	t.Setenv("STEMMGPT_API_KEY", "")
	cfg := stemmgpt.DefaultConfig()
	cfg.Generation.APIType = "anthropic"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestNewSelectsProvider(t *testing.T) {
	t.Setenv("STEMMGPT_API_KEY", "")
	cfg := stemmgpt.DefaultConfig()
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*Generator); !ok {
		t.Errorf("expected *Generator, got %T", c)
	}

	cfg.Generation.APIType = "responses"
	c, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if g, ok := c.(*Generator); !ok || g.apiType != "responses" {
		t.Errorf("expected responses generator, got %T", c)
	}

	t.Setenv("STEMMGPT_API_KEY", "sk")
	cfg.Generation.APIType = "anthropic"
	c, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*Anthropic); !ok {
		t.Errorf("expected *Anthropic, got %T", c)
	}
}
