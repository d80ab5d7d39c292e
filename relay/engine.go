// Package relay turns requests from the file and socket channels into
// conversation turns, one generation at a time.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/conversation"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/generate"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/memory"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/recall"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/store"
)

// ErrBusy is returned by Reply under the reject policy while another
// generation is in flight.
var ErrBusy = errors.New("relay: a generation is already in progress")

// Options configures an Engine. Only Collaborator is required.
type Options struct {
	Collaborator generate.Collaborator
	Sampling     stemmgpt.Sampling
	SystemPrompt string

	Memory        *memory.File // nil or disabled: no memory
	MemoryMode    string       // stemmgpt.MemoryModePreamble or stemmgpt.MemoryModeFold
	PersistMemory bool

	BusyPolicy string // stemmgpt.BusyPolicyQueue or stemmgpt.BusyPolicyReject
	SessionTTL time.Duration

	DB         *sql.DB       // turn journal; nil disables it
	Recall     *recall.Index // nil disables recall
	RecallTopK int
}

// Engine owns the sessions and the single in-flight slot.
type Engine struct {
	opts     Options
	slot     chan struct{}
	sessions *Sessions

	// journalMu orders journal writes against Reset.
	journalMu sync.Mutex
}

// NewEngine creates an engine from opts.
func NewEngine(opts Options) *Engine {
	if opts.Sampling == (stemmgpt.Sampling{}) {
		opts.Sampling = stemmgpt.DefaultSampling()
	}
	if opts.MemoryMode == "" {
		opts.MemoryMode = stemmgpt.MemoryModePreamble
	}
	e := &Engine{
		opts: opts,
		slot: make(chan struct{}, 1),
	}
	e.sessions = NewSessions(opts.SessionTTL, e.newConversation)
	return e
}

// Close stops session expiry.
func (e *Engine) Close() {
	e.sessions.Close()
}

// Sessions exposes the session cache.
func (e *Engine) Sessions() *Sessions {
	return e.sessions
}

// SessionCount returns the number of live sessions.
func (e *Engine) SessionCount() int {
	return e.sessions.Len()
}

// Busy reports whether a generation is in flight.
func (e *Engine) Busy() bool {
	return len(e.slot) > 0
}

// Reply runs one request/response cycle for sessionID. Under the reject
// policy it returns ErrBusy instead of waiting for the in-flight slot.
func (e *Engine) Reply(ctx context.Context, sessionID, text string) (string, error) {
	return e.reply(ctx, sessionID, text, e.opts.BusyPolicy != stemmgpt.BusyPolicyReject)
}

// Resume replays the journalled turns of the file session. It returns the
// number of messages restored.
func (e *Engine) Resume() (int, error) {
	if e.opts.DB == nil {
		return 0, nil
	}
	msgs, err := store.LoadTurns(e.opts.DB, FileSession)
	if err != nil {
		return 0, err
	}
	e.sessions.Get(FileSession).Restore(msgs)
	return len(msgs), nil
}

// Reset forgets a session and its journalled turns. It reports whether a
// live session existed.
func (e *Engine) Reset(sessionID string) bool {
	id := sessionKey(sessionID)
	e.journalMu.Lock()
	defer e.journalMu.Unlock()
	existed := e.sessions.Reset(id)
	if e.opts.DB != nil {
		if _, err := store.DeleteTurns(e.opts.DB, id); err != nil {
			slog.Warn("journal delete failed", "session", id, "error", err)
		}
		e.logEvent("", store.EventSessionReset, map[string]any{"session_id": id})
	}
	return existed
}

// History returns a copy of a session's messages, or nil if it does not exist.
func (e *Engine) History(sessionID string) []stemmgpt.Message {
	conv, ok := e.sessions.Lookup(sessionID)
	if !ok {
		return nil
	}
	return conv.Snapshot()
}

func (e *Engine) reply(ctx context.Context, sessionID, text string, wait bool) (string, error) {
	if err := e.acquire(ctx, wait); err != nil {
		return "", err
	}
	defer func() { <-e.slot }()

	id := sessionKey(sessionID)
	requestID := uuid.NewString()
	log := slog.With("request_id", requestID, "session", id)

	conv := e.sessions.Get(id)
	userText := text
	if e.opts.MemoryMode == stemmgpt.MemoryModeFold && e.memoryEnabled() {
		mem, err := e.opts.Memory.Load()
		if err != nil {
			log.Warn("memory read failed", "error", err)
		}
		userText = conversation.FoldMemory(mem, text)
	}

	e.logEvent(requestID, store.EventRequestReceived, map[string]any{"session_id": id, "chars": len(text)})
	conv.AppendUser(userText)

	prompt := e.withRecall(ctx, log, conv.Snapshot(), text)

	start := time.Now()
	log.Debug("generating", "messages", len(prompt))
	reply, err := e.opts.Collaborator.Generate(ctx, prompt, e.opts.Sampling)
	if err != nil {
		conv.DropLastUser()
		log.Warn("generation failed", "error", err, "elapsed", time.Since(start))
		e.logEvent(requestID, store.EventGenerationFailed, map[string]any{"session_id": id, "error": err.Error()})
		return "", err
	}
	conv.AppendAssistant(reply)
	log.Info("reply generated", "elapsed", time.Since(start), "chars", len(reply), "messages", conv.Len())

	e.record(ctx, log, conv, requestID, id, userText, text, reply)
	return reply, nil
}

func (e *Engine) acquire(ctx context.Context, wait bool) error {
	if !wait {
		select {
		case e.slot <- struct{}{}:
			return nil
		default:
			return ErrBusy
		}
	}
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRecall inserts earlier relevant exchanges after the leading system
// messages of the prompt copy.
func (e *Engine) withRecall(ctx context.Context, log *slog.Logger, prompt []stemmgpt.Message, query string) []stemmgpt.Message {
	if e.opts.Recall == nil || e.opts.RecallTopK <= 0 {
		return prompt
	}
	found, err := e.opts.Recall.Search(ctx, query, e.opts.RecallTopK)
	if err != nil {
		log.Warn("recall search failed", "error", err)
		return prompt
	}
	text := recall.Prompt(found)
	if text == "" {
		return prompt
	}
	at := 0
	for at < len(prompt) && prompt[at].Role == stemmgpt.RoleSystem {
		at++
	}
	out := make([]stemmgpt.Message, 0, len(prompt)+1)
	out = append(out, prompt[:at]...)
	out = append(out, stemmgpt.Message{Role: stemmgpt.RoleSystem, Content: text})
	out = append(out, prompt[at:]...)
	log.Debug("recall context added", "exchanges", len(found))
	return out
}

// record persists a completed exchange. The journal is skipped when conv
// was reset or expired while the reply was generated. Failures are logged only.
func (e *Engine) record(ctx context.Context, log *slog.Logger, conv *conversation.Conversation, requestID, sessionID, userTurn, text, reply string) {
	if !e.journal(log, conv, requestID, sessionID, userTurn, reply) {
		log.Info("session reset during generation, exchange not journalled")
	}
	if e.opts.PersistMemory && e.memoryEnabled() {
		if err := e.opts.Memory.AppendExchange(text, reply); err != nil {
			log.Warn("memory append failed", "error", err)
		}
	}
	if e.opts.Recall != nil {
		if err := e.opts.Recall.Add(ctx, recall.Exchange{User: text, Assistant: reply}); err != nil {
			log.Warn("recall index failed", "error", err)
		}
	}
}

// journal appends the exchange unless conv is no longer the live
// conversation of sessionID. It reports whether conv is still live.
func (e *Engine) journal(log *slog.Logger, conv *conversation.Conversation, requestID, sessionID, userTurn, reply string) bool {
	e.journalMu.Lock()
	defer e.journalMu.Unlock()
	if current, ok := e.sessions.Lookup(sessionID); !ok || current != conv {
		return false
	}
	if e.opts.DB == nil {
		return true
	}
	err := store.AppendTurns(e.opts.DB, sessionID, requestID,
		stemmgpt.Message{Role: stemmgpt.RoleUser, Content: userTurn},
		stemmgpt.Message{Role: stemmgpt.RoleAssistant, Content: reply},
	)
	if err != nil {
		log.Warn("journal append failed", "error", err)
	}
	e.logEvent(requestID, store.EventReplyWritten, map[string]any{"session_id": sessionID, "chars": len(reply)})
	return true
}

func (e *Engine) logEvent(requestID, eventType string, payload map[string]any) {
	if e.opts.DB == nil {
		return
	}
	if _, err := store.LogEvent(e.opts.DB, requestID, eventType, payload); err != nil {
		slog.Warn("journal event failed", "event", eventType, "error", err)
	}
}

func (e *Engine) memoryEnabled() bool {
	return e.opts.Memory != nil && e.opts.Memory.Enabled()
}

func (e *Engine) newConversation(id string) *conversation.Conversation {
	conv := conversation.New(e.opts.SystemPrompt)
	if e.opts.MemoryMode != stemmgpt.MemoryModePreamble || !e.memoryEnabled() {
		return conv
	}
	mem, err := e.opts.Memory.Load()
	if err != nil {
		slog.Warn("memory read failed", "session", id, "error", err)
		return conv
	}
	if err := conv.AddPreamble(mem); err != nil {
		slog.Warn("memory preamble rejected", "session", id, "error", err)
	}
	return conv
}
