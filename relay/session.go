package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/conversation"
)

// FileSession is the conversation used by the file channel. It never expires.
const FileSession = "file"

// Sessions is a TTL cache of conversations keyed by session ID.
type Sessions struct {
	mu      sync.Mutex
	cache   *ttlcache.Cache[string, *conversation.Conversation]
	factory func(id string) *conversation.Conversation
}

// NewSessions creates the cache. A zero ttl keeps sessions until reset.
// factory builds the conversation for a session seen for the first time.
func NewSessions(ttl time.Duration, factory func(id string) *conversation.Conversation) *Sessions {
	c := ttlcache.New[string, *conversation.Conversation](
		ttlcache.WithTTL[string, *conversation.Conversation](ttl),
	)
	c.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *conversation.Conversation]) {
		if reason == ttlcache.EvictionReasonExpired {
			slog.Info("session expired", "session", item.Key(), "messages", item.Value().Len())
		}
	})
	go c.Start()
	return &Sessions{cache: c, factory: factory}
}

// Close stops the expiration loop.
func (s *Sessions) Close() {
	s.cache.Stop()
}

// Get returns the conversation for id, creating it if needed.
// An empty id selects FileSession.
func (s *Sessions) Get(id string) *conversation.Conversation {
	id = sessionKey(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.cache.Get(id); item != nil {
		return item.Value()
	}
	conv := s.factory(id)
	ttl := ttlcache.DefaultTTL
	if id == FileSession {
		ttl = ttlcache.NoTTL
	}
	s.cache.Set(id, conv, ttl)
	return conv
}

// Lookup returns the conversation for id without creating one or
// extending its lifetime.
func (s *Sessions) Lookup(id string) (*conversation.Conversation, bool) {
	item := s.cache.Get(sessionKey(id), ttlcache.WithDisableTouchOnHit[string, *conversation.Conversation]())
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Reset forgets a session. It reports whether the session existed.
func (s *Sessions) Reset(id string) bool {
	id = sessionKey(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cache.Has(id) {
		return false
	}
	s.cache.Delete(id)
	return true
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	return s.cache.Len()
}

func sessionKey(id string) string {
	if id == "" {
		return FileSession
	}
	return id
}
