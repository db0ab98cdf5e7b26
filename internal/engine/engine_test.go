// ABOUTME: Tests for the session engine
// ABOUTME: Verifies commit-then-ask durability, marker embedding, budget trimming, and serialization

package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hallryn/attache/internal/budget"
	"github.com/hallryn/attache/internal/history"
	"github.com/hallryn/attache/internal/stage"
	"github.com/hallryn/attache/internal/store"
	"github.com/hallryn/attache/internal/tags"
	"github.com/hallryn/attache/internal/tokens"
)

// mockModel implements ModelClient for testing
type mockModel struct {
	mu       sync.Mutex
	err      error
	calls    [][]*store.Turn
	snippets [][]string
}

func (m *mockModel) Generate(ctx context.Context, turns []*store.Turn, snippets []string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, turns)
	m.snippets = append(m.snippets, snippets)
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	// Echo the free text of the newest user turn so tests can pair replies
	// with the turns that produced them.
	last := turns[len(turns)-1]
	_, query := tags.Decode(last.Content)
	return "echo: " + query, nil
}

func (m *mockModel) lastCall() []*store.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

// mockRetriever implements Retriever for testing
type mockRetriever struct {
	snippets  []string
	err       error
	lastQuery string
}

func (r *mockRetriever) Retrieve(ctx context.Context, query string) ([]string, error) {
	r.lastQuery = query
	return r.snippets, r.err
}

type fixture struct {
	engine *Engine
	log    *history.Log
	stage  *stage.Stage
	model  *mockModel
}

func newFixture(t *testing.T, model *mockModel, retriever Retriever, systemPrompt string, ceiling int) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := history.New(s, nil)
	st := stage.New(s, nil)
	enforcer := budget.New(tokens.Estimator{}, ceiling)
	return &fixture{
		engine: New(log, st, enforcer, model, retriever, systemPrompt, nil),
		log:    log,
		stage:  st,
		model:  model,
	}
}

func TestSend_EndToEndWithStagedDocument(t *testing.T) {
	f := newFixture(t, &mockModel{}, nil, "", 10000)
	ctx := context.Background()

	_, err := f.stage.Add(ctx, "sess-1", "tax.pdf", "/u/1.pdf", "extracted tax text")
	require.NoError(t, err)

	res, err := f.engine.Send(ctx, "sess-1", "is this about tax", false)
	require.NoError(t, err)

	// Committed content starts with one marker block for tax.pdf
	// referencing /u/1.pdf, followed by the user text.
	require.True(t, strings.HasPrefix(res.UserTurn.Content,
		"<user_document filename=\"tax.pdf\" file_path=\"/u/1.pdf\">"))
	assert.True(t, strings.HasSuffix(res.UserTurn.Content, "is this about tax"))

	docs, rest := tags.Decode(res.UserTurn.Content)
	require.Len(t, docs, 1)
	assert.Equal(t, "tax.pdf", docs[0].Filename)
	assert.Equal(t, "/u/1.pdf", docs[0].StorageRef)
	assert.Equal(t, "extracted tax text", docs[0].Text)
	assert.Equal(t, "is this about tax", rest)

	// Stage is empty after a successful send.
	staged, err := f.stage.List(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, staged)

	assert.Equal(t, "echo: is this about tax", res.Reply)
}

func TestSend_MarkersInStagingOrder(t *testing.T) {
	f := newFixture(t, &mockModel{}, nil, "", 10000)
	ctx := context.Background()

	for i, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		_, err := f.stage.Add(ctx, "sess-1", name, fmt.Sprintf("/u/%d", i), "text")
		require.NoError(t, err)
	}

	res, err := f.engine.Send(ctx, "sess-1", "question", false)
	require.NoError(t, err)

	docs, _ := tags.Decode(res.UserTurn.Content)
	require.Len(t, docs, 3)
	assert.Equal(t, "a.pdf", docs[0].Filename)
	assert.Equal(t, "b.pdf", docs[1].Filename)
	assert.Equal(t, "c.pdf", docs[2].Filename)
}

func TestSend_ModelFailureLeavesCommittedUserTurn(t *testing.T) {
	f := newFixture(t, &mockModel{err: errors.New("model unavailable")}, nil, "", 10000)
	ctx := context.Background()

	_, err := f.stage.Add(ctx, "sess-1", "doc.pdf", "/u/doc", "body")
	require.NoError(t, err)

	_, err = f.engine.Send(ctx, "sess-1", "hello", false)
	require.Error(t, err)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, PhaseAwaitingModel, sendErr.Phase)
	assert.True(t, sendErr.Committed, "user turn was durable before the model was asked")

	// The log shows the user's message with correctly embedded markers and
	// no assistant turn.
	turns, err := f.log.Read(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, store.RoleUser, turns[0].Role)
	docs, rest := tags.Decode(turns[0].Content)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc.pdf", docs[0].Filename)
	assert.Equal(t, "hello", rest)

	// The stage was consumed at commit and is not restored.
	staged, err := f.stage.List(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestRetry_AfterModelFailure(t *testing.T) {
	model := &mockModel{err: errors.New("model unavailable")}
	f := newFixture(t, model, nil, "", 10000)
	ctx := context.Background()

	_, err := f.engine.Send(ctx, "sess-1", "still there?", false)
	require.Error(t, err)

	// The model recovers; retry re-runs only the model step.
	model.mu.Lock()
	model.err = nil
	model.mu.Unlock()

	res, err := f.engine.Retry(ctx, "sess-1", false)
	require.NoError(t, err)
	assert.Equal(t, "echo: still there?", res.Reply)

	turns, err := f.log.Read(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, store.RoleUser, turns[0].Role)
	assert.Equal(t, store.RoleAssistant, turns[1].Role)
}

func TestRetry_NothingPending(t *testing.T) {
	f := newFixture(t, &mockModel{}, nil, "", 10000)
	ctx := context.Background()

	_, err := f.engine.Retry(ctx, "sess-1", false)
	assert.ErrorIs(t, err, ErrNoPendingTurn)

	// A completed exchange has no pending turn either.
	_, err = f.engine.Send(ctx, "sess-1", "hi", false)
	require.NoError(t, err)
	_, err = f.engine.Retry(ctx, "sess-1", false)
	assert.ErrorIs(t, err, ErrNoPendingTurn)
}

func TestSend_ModelSeesTaggedContent(t *testing.T) {
	f := newFixture(t, &mockModel{}, nil, "", 10000)
	ctx := context.Background()

	_, err := f.stage.Add(ctx, "sess-1", "doc.pdf", "/u/doc", "full extracted body")
	require.NoError(t, err)

	_, err = f.engine.Send(ctx, "sess-1", "what does it say", false)
	require.NoError(t, err)

	// The model receives the committed tagged content, documents included.
	sent := f.model.lastCall()
	last := sent[len(sent)-1]
	assert.Contains(t, last.Content, "<user_document")
	assert.Contains(t, last.Content, "full extracted body")
}

func TestSend_SystemPromptSetOnceAndAlwaysSent(t *testing.T) {
	f := newFixture(t, &mockModel{}, nil, "you answer tax questions", 10000)
	ctx := context.Background()

	_, err := f.engine.Send(ctx, "sess-1", "first", false)
	require.NoError(t, err)
	_, err = f.engine.Send(ctx, "sess-1", "second", false)
	require.NoError(t, err)

	turns, err := f.log.Read(ctx, "sess-1")
	require.NoError(t, err)
	systemCount := 0
	for _, turn := range turns {
		if turn.Role == store.RoleSystem {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount)

	sent := f.model.lastCall()
	assert.Equal(t, store.RoleSystem, sent[0].Role)
}

func TestSend_BudgetTrimsOldHistory(t *testing.T) {
	f := newFixture(t, &mockModel{}, nil, "", 60)
	ctx := context.Background()

	long := strings.Repeat("abcd", 40) // ~40 tokens per turn
	for i := 0; i < 4; i++ {
		_, err := f.engine.Send(ctx, "sess-1", long, false)
		require.NoError(t, err)
	}

	sent := f.model.lastCall()
	// With a 60 token ceiling only the newest turn fits.
	require.Len(t, sent, 1)
	assert.Equal(t, store.RoleUser, sent[0].Role)
}

func TestSend_RetrievalFailureIsNonFatal(t *testing.T) {
	retriever := &mockRetriever{err: errors.New("vector store down")}
	f := newFixture(t, &mockModel{}, retriever, "", 10000)

	res, err := f.engine.Send(context.Background(), "sess-1", "query", true)
	require.NoError(t, err)
	assert.Equal(t, "echo: query", res.Reply)
	assert.Empty(t, f.model.snippets[len(f.model.snippets)-1])
}

func TestSend_RetrievalSnippetsForwarded(t *testing.T) {
	retriever := &mockRetriever{snippets: []string{"snippet one", "snippet two"}}
	f := newFixture(t, &mockModel{}, retriever, "", 10000)

	_, err := f.engine.Send(context.Background(), "sess-1", "deductions?", true)
	require.NoError(t, err)
	assert.Equal(t, "deductions?", retriever.lastQuery)
	assert.Equal(t, []string{"snippet one", "snippet two"}, f.model.snippets[0])
}

func TestSend_ConcurrentDistinctSessions(t *testing.T) {
	f := newFixture(t, &mockModel{}, nil, "", 10000)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessionID := fmt.Sprintf("sess-%d", i)
			_, err := f.engine.Send(ctx, sessionID, fmt.Sprintf("message %d", i), false)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		turns, err := f.log.Read(ctx, fmt.Sprintf("sess-%d", i))
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, fmt.Sprintf("message %d", i), turns[0].Content)
		assert.Equal(t, fmt.Sprintf("echo: message %d", i), turns[1].Content)
	}
}

func TestSend_ConcurrentSameSessionSerializes(t *testing.T) {
	f := newFixture(t, &mockModel{}, nil, "", 100000)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Send(ctx, "shared", fmt.Sprintf("message %d", i), false)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	turns, err := f.log.Read(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, turns, 2*n, "no turn lost or duplicated")

	// Sequence numbers are a contiguous, definite order.
	for i, turn := range turns {
		assert.Equal(t, i, turn.Seq)
	}

	// Every send produced exactly one user turn and one reply; every user
	// message survived intact. Replies echo whichever user turn was newest
	// when the model ran, so each echoed message must appear in the log
	// before the reply that echoes it.
	userSeq := make(map[string]int)
	users, assistants := 0, 0
	for _, turn := range turns {
		switch turn.Role {
		case store.RoleUser:
			users++
			userSeq[turn.Content] = turn.Seq
		case store.RoleAssistant:
			assistants++
		}
	}
	assert.Equal(t, n, users)
	assert.Equal(t, n, assistants)
	for i := 0; i < n; i++ {
		require.Contains(t, userSeq, fmt.Sprintf("message %d", i))
	}
	for _, turn := range turns {
		if turn.Role != store.RoleAssistant {
			continue
		}
		echoed := strings.TrimPrefix(turn.Content, "echo: ")
		require.Contains(t, userSeq, echoed)
		assert.Greater(t, turn.Seq, userSeq[echoed])
	}
}
