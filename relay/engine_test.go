package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/memory"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/recall"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/store"
)

func TestReplyAppendsTurns(t *testing.T) {
	collab := &stubCollaborator{reply: replyWith("4")}
	e := newTestEngine(t, Options{Collaborator: collab})

	reply, err := e.Reply(context.Background(), "", "2+2?")
	require.NoError(t, err)
	require.Equal(t, "4", reply)

	require.Equal(t, []stemmgpt.Message{
		{Role: stemmgpt.RoleSystem, Content: "You are a helpful assistant."},
		{Role: stemmgpt.RoleUser, Content: "2+2?"},
		{Role: stemmgpt.RoleAssistant, Content: "4"},
	}, e.History(FileSession))

	calls := collab.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)
	require.Equal(t, stemmgpt.DefaultSampling(), collab.sampling[0])
}

func TestConversationGrowsByTwoPerCycle(t *testing.T) {
	collab := &stubCollaborator{}
	e := newTestEngine(t, Options{Collaborator: collab})

	for n := 1; n <= 4; n++ {
		_, err := e.Reply(context.Background(), FileSession, "q")
		require.NoError(t, err)
		require.Len(t, e.History(FileSession), 1+2*n)
	}
}

func TestReplyFailureRollsBackUserTurn(t *testing.T) {
	collab := &stubCollaborator{reply: failWith("connection refused")}
	e := newTestEngine(t, Options{Collaborator: collab})

	_, err := e.Reply(context.Background(), "", "hello")
	require.EqualError(t, err, "connection refused")
	require.Len(t, e.History(FileSession), 1)

	collab.reply = replyWith("hi")
	_, err = e.Reply(context.Background(), "", "hello")
	require.NoError(t, err)
	require.Len(t, e.History(FileSession), 3)
}

func TestFoldMemory(t *testing.T) {
	memPath := filepath.Join(t.TempDir(), "memory.txt")
	mem := memory.New(memPath)
	_, err := mem.Seed("You are terse.")
	require.NoError(t, err)

	collab := &stubCollaborator{}
	e := newTestEngine(t, Options{
		Collaborator: collab,
		Memory:       mem,
		MemoryMode:   stemmgpt.MemoryModeFold,
	})

	_, err = e.Reply(context.Background(), "", "Hi")
	require.NoError(t, err)

	calls := collab.Calls()
	require.Len(t, calls[0], 2)
	require.Equal(t, stemmgpt.Message{Role: stemmgpt.RoleUser, Content: "You are terse.\nHi"}, calls[0][1])
}

func TestPreambleMemory(t *testing.T) {
	memPath := filepath.Join(t.TempDir(), "memory.txt")
	mem := memory.New(memPath)
	_, err := mem.Seed("The user's name is Sam.")
	require.NoError(t, err)

	collab := &stubCollaborator{}
	e := newTestEngine(t, Options{Collaborator: collab, Memory: mem})

	_, err = e.Reply(context.Background(), "", "Hi")
	require.NoError(t, err)
	_, err = e.Reply(context.Background(), "", "Again")
	require.NoError(t, err)

	calls := collab.Calls()
	require.Equal(t, []stemmgpt.Message{
		{Role: stemmgpt.RoleSystem, Content: "You are a helpful assistant."},
		{Role: stemmgpt.RoleSystem, Content: "The user's name is Sam."},
		{Role: stemmgpt.RoleUser, Content: "Hi"},
	}, calls[0])
	require.Len(t, calls[1], 5)
	require.Equal(t, "Again", calls[1][4].Content)
}

func TestPersistMemory(t *testing.T) {
	memPath := filepath.Join(t.TempDir(), "memory.txt")
	mem := memory.New(memPath)
	collab := &stubCollaborator{reply: replyWith("4")}
	e := newTestEngine(t, Options{Collaborator: collab, Memory: mem, PersistMemory: true})

	_, err := e.Reply(context.Background(), "", "2+2?")
	require.NoError(t, err)

	text, err := mem.Load()
	require.NoError(t, err)
	require.Equal(t, "user: 2+2?\nassistant: 4", text)
}

func TestRejectPolicyReturnsBusy(t *testing.T) {
	collab := &stubCollaborator{started: make(chan struct{}, 1), release: make(chan struct{})}
	e := newTestEngine(t, Options{Collaborator: collab, BusyPolicy: stemmgpt.BusyPolicyReject})

	done := make(chan error, 1)
	go func() {
		_, err := e.Reply(context.Background(), "a", "first")
		done <- err
	}()
	<-collab.started
	require.True(t, e.Busy())

	_, err := e.Reply(context.Background(), "b", "second")
	require.ErrorIs(t, err, ErrBusy)

	close(collab.release)
	require.NoError(t, <-done)
	require.False(t, e.Busy())
	require.Nil(t, e.History("b"))
}

func TestQueuePolicyWaits(t *testing.T) {
	collab := &stubCollaborator{started: make(chan struct{}, 2), release: make(chan struct{})}
	e := newTestEngine(t, Options{Collaborator: collab})

	first := make(chan error, 1)
	go func() {
		_, err := e.Reply(context.Background(), "a", "first")
		first <- err
	}()
	<-collab.started

	// A waiter whose context ends gives up without generating.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Reply(ctx, "b", "second")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	second := make(chan error, 1)
	go func() {
		_, err := e.Reply(context.Background(), "b", "third")
		second <- err
	}()

	close(collab.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	require.Len(t, collab.Calls(), 2)
}

func TestSessionsAreIsolated(t *testing.T) {
	collab := &stubCollaborator{}
	e := newTestEngine(t, Options{Collaborator: collab})
	ctx := context.Background()

	_, err := e.Reply(ctx, "alice", "one")
	require.NoError(t, err)
	_, err = e.Reply(ctx, "bob", "two")
	require.NoError(t, err)

	require.Len(t, e.History("alice"), 3)
	require.Len(t, e.History("bob"), 3)
	require.Equal(t, 2, e.Sessions().Len())

	require.True(t, e.Reset("alice"))
	require.False(t, e.Reset("alice"))
	require.Nil(t, e.History("alice"))
	require.Equal(t, 1, e.Sessions().Len())
}

func TestSessionExpiry(t *testing.T) {
	collab := &stubCollaborator{}
	e := newTestEngine(t, Options{Collaborator: collab, SessionTTL: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := e.Reply(ctx, "", "file request")
	require.NoError(t, err)
	_, err = e.Reply(ctx, "socket-client", "socket request")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.History("socket-client") == nil
	}, time.Second, 5*time.Millisecond)
	require.Len(t, e.History(FileSession), 3)
}

func TestJournalAndResume(t *testing.T) {
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(db))
	t.Cleanup(func() { db.Close() })

	collab := &stubCollaborator{reply: replyWith("4")}
	first := newTestEngine(t, Options{Collaborator: collab, DB: db})
	_, err = first.Reply(context.Background(), "", "2+2?")
	require.NoError(t, err)

	collab.reply = failWith("boom")
	_, err = first.Reply(context.Background(), "", "fails")
	require.Error(t, err)

	n, err := store.CountEvents(db, store.EventGenerationFailed)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second := newTestEngine(t, Options{Collaborator: collab, DB: db})
	restored, err := second.Resume()
	require.NoError(t, err)
	require.Equal(t, 2, restored)
	require.Equal(t, []stemmgpt.Message{
		{Role: stemmgpt.RoleSystem, Content: "You are a helpful assistant."},
		{Role: stemmgpt.RoleUser, Content: "2+2?"},
		{Role: stemmgpt.RoleAssistant, Content: "4"},
	}, second.History(FileSession))

	second.Reset(FileSession)
	msgs, err := store.LoadTurns(db, FileSession)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestResetDuringGenerationSkipsJournal(t *testing.T) {
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(db))
	t.Cleanup(func() { db.Close() })

	collab := &stubCollaborator{
		reply:   replyWith("old"),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	e := newTestEngine(t, Options{Collaborator: collab, DB: db})

	done := make(chan error, 1)
	go func() {
		_, err := e.Reply(context.Background(), "", "before reset")
		done <- err
	}()
	<-collab.started
	require.True(t, e.Reset(FileSession))
	close(collab.release)
	require.NoError(t, <-done)

	msgs, err := store.LoadTurns(db, FileSession)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Nil(t, e.History(FileSession))

	resumed := newTestEngine(t, Options{Collaborator: collab, DB: db})
	n, err := resumed.Resume()
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, resumed.History(FileSession), 1)
}

// embeddingServer embeds text as keyword counts.
func embeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input json.RawMessage `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var texts []string
		if err := json.Unmarshal(req.Input, &texts); err != nil {
			var one string
			json.Unmarshal(req.Input, &one)
			texts = []string{one}
		}
		type item struct {
			Embedding []float32 `json:"embedding"`
		}
		var resp struct {
			Data []item `json:"data"`
		}
		for _, text := range texts {
			resp.Data = append(resp.Data, item{Embedding: []float32{
				float32(strings.Count(text, "paris")),
				float32(strings.Count(text, "tokyo")),
				0.1,
			}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRecallIsEphemeral(t *testing.T) {
	srv := embeddingServer(t)
	idx := recall.NewIndex(recall.NewEmbedder(srv.URL, "k", "m"))
	collab := &stubCollaborator{reply: replyWith("noted")}
	e := newTestEngine(t, Options{Collaborator: collab, Recall: idx, RecallTopK: 1})
	ctx := context.Background()

	_, err := e.Reply(ctx, "a", "i live in paris")
	require.NoError(t, err)
	require.Equal(t, 1, idx.Len())

	_, err = e.Reply(ctx, "b", "what about paris?")
	require.NoError(t, err)

	calls := collab.Calls()
	require.Len(t, calls[1], 3)
	require.Equal(t, stemmgpt.RoleSystem, calls[1][1].Role)
	require.Contains(t, calls[1][1].Content, "user: i live in paris")
	require.Equal(t, "what about paris?", calls[1][2].Content)

	// The recall message is not stored in the conversation.
	require.Len(t, e.History("b"), 3)
	require.Equal(t, stemmgpt.RoleUser, e.History("b")[1].Role)
}
