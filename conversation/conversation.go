// Package conversation holds the ordered, append-only transcript handed to
// the inference collaborator.
package conversation

import (
	"errors"
	"sync"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
)

// ErrPreamble is returned when a preamble is added after the session started
// or when one is already present.
var ErrPreamble = errors.New("conversation: preamble must be added once, before the first user turn")

// Conversation is an ordered sequence of messages whose first element is
// always the system prompt. Insertion order is chronological order.
// No truncation or windowing is applied; the sequence grows for the life
// of the process.
type Conversation struct {
	mu       sync.RWMutex
	messages []stemmgpt.Message
	preamble bool
}

// New creates a conversation seeded with the system prompt.
// An empty prompt still produces a system message.
func New(systemPrompt string) *Conversation {
	return &Conversation{
		messages: []stemmgpt.Message{{Role: stemmgpt.RoleSystem, Content: systemPrompt}},
	}
}

// AddPreamble inserts a structured preamble turn (role system) after the
// system prompt. It must be called before the first user turn, at most once.
// Empty text is a no-op.
func (c *Conversation) AddPreamble(text string) error {
	if text == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.preamble || len(c.messages) > 1 {
		return ErrPreamble
	}
	c.messages = append(c.messages, stemmgpt.Message{Role: stemmgpt.RoleSystem, Content: text})
	c.preamble = true
	return nil
}

// AppendUser appends a user turn. Content is not validated.
func (c *Conversation) AppendUser(text string) {
	c.append(stemmgpt.RoleUser, text)
}

// AppendAssistant appends an assistant turn.
func (c *Conversation) AppendAssistant(text string) {
	c.append(stemmgpt.RoleAssistant, text)
}

func (c *Conversation) append(role stemmgpt.Role, text string) {
	c.mu.Lock()
	c.messages = append(c.messages, stemmgpt.Message{Role: role, Content: text})
	c.mu.Unlock()
}

// DropLastUser removes the final message if it is an unanswered user turn.
// It reports whether a message was removed.
func (c *Conversation) DropLastUser() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.messages)
	if n < 2 || c.messages[n-1].Role != stemmgpt.RoleUser {
		return false
	}
	c.messages = c.messages[:n-1]
	return true
}

// Snapshot returns a copy of the full ordered sequence.
func (c *Conversation) Snapshot() []stemmgpt.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]stemmgpt.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages, including the system prompt.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Turns returns the number of assistant replies recorded so far.
func (c *Conversation) Turns() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, m := range c.messages {
		if m.Role == stemmgpt.RoleAssistant {
			n++
		}
	}
	return n
}

// Restore appends previously journalled user and assistant turns.
// System messages and rows with an unknown role are skipped; the current
// system prompt is kept.
func (c *Conversation) Restore(msgs []stemmgpt.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if !m.Role.Valid() || m.Role == stemmgpt.RoleSystem {
			continue
		}
		c.messages = append(c.messages, m)
	}
}

// FoldMemory prepends memory to text, newline-joined. This collapses the
// memory into the user turn; AddPreamble keeps it as a separate turn.
func FoldMemory(memory, text string) string {
	if memory == "" {
		return text
	}
	return memory + "\n" + text
}
