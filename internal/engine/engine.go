// ABOUTME: Session engine - orchestrates a chat turn end to end
// ABOUTME: Commit first, then ask: the user turn is durable before the model is invoked

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hallryn/attache/internal/budget"
	"github.com/hallryn/attache/internal/history"
	"github.com/hallryn/attache/internal/stage"
	"github.com/hallryn/attache/internal/store"
	"github.com/hallryn/attache/internal/tags"
)

// ErrNoPendingTurn is returned by Retry when the log does not end with a
// user turn awaiting a reply.
var ErrNoPendingTurn = errors.New("no pending user turn to retry")

// Phase identifies where in the send pipeline a request is, or where it
// failed.
type Phase string

const (
	PhaseStaging       Phase = "staging"
	PhaseCommitting    Phase = "committing"
	PhaseAwaitingModel Phase = "awaiting_model"
	PhaseCompleted     Phase = "completed"
)

// SendError reports a failed send. Committed tells the caller whether the
// user turn was durably recorded before the failure: post-commit failures
// must not be blindly resent.
type SendError struct {
	Phase     Phase
	Committed bool
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed during %s (committed=%t): %v", e.Phase, e.Committed, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ModelClient defines what the engine needs from the model capability.
type ModelClient interface {
	Generate(ctx context.Context, turns []*store.Turn, snippets []string) (string, error)
}

// Retriever defines what the engine needs from the retrieval capability.
// Failures are non-fatal: the engine proceeds with an empty snippet set.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]string, error)
}

// Engine orchestrates chat turns: it consumes staged documents, builds the
// tagged user turn, commits it, and only then invokes retrieval and the
// model with budget-trimmed history.
type Engine struct {
	log          *history.Log
	stage        *stage.Stage
	enforcer     *budget.Enforcer
	model        ModelClient
	retriever    Retriever // nil disables retrieval
	systemPrompt string
	locks        *sessionLocks
	logger       *slog.Logger
}

// New creates a session engine. retriever may be nil; systemPrompt may be
// empty to run sessions without a system turn.
func New(log *history.Log, st *stage.Stage, enforcer *budget.Enforcer, model ModelClient, retriever Retriever, systemPrompt string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		log:          log,
		stage:        st,
		enforcer:     enforcer,
		model:        model,
		retriever:    retriever,
		systemPrompt: systemPrompt,
		locks:        newSessionLocks(),
		logger:       logger.With("component", "engine"),
	}
}

// SendResult is the outcome of a completed send.
type SendResult struct {
	SessionID     string
	UserTurn      *store.Turn
	AssistantTurn *store.Turn
	Reply         string
}

// Send processes one chat turn. The user turn (with one marker per staged
// document, in staging order) is appended and the stage cleared before the
// model is invoked; a model failure leaves the user turn in the log and is
// reported with Committed=true so the caller can Retry instead of resending.
func (e *Engine) Send(ctx context.Context, sessionID, text string, includeRetrieval bool) (*SendResult, error) {
	userTurn, err := e.commit(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}

	reply, assistantTurn, err := e.complete(ctx, sessionID, text, includeRetrieval)
	if err != nil {
		return nil, err
	}

	e.logger.Info("turn completed",
		"session_id", sessionID,
		"user_turn", userTurn.ID,
		"assistant_turn", assistantTurn.ID)
	return &SendResult{
		SessionID:     sessionID,
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
		Reply:         reply,
	}, nil
}

// Retry re-runs the model step for a session whose last send failed after
// commit. The staged documents were already consumed; only the
// AwaitingModel step is repeated.
func (e *Engine) Retry(ctx context.Context, sessionID string, includeRetrieval bool) (*SendResult, error) {
	turns, err := e.log.Read(ctx, sessionID)
	if err != nil {
		return nil, &SendError{Phase: PhaseAwaitingModel, Committed: true, Err: err}
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != store.RoleUser {
		return nil, ErrNoPendingTurn
	}
	userTurn := turns[len(turns)-1]

	// The retrieval query is the user's free text, not the embedded
	// document bodies.
	_, query := tags.Decode(userTurn.Content)

	reply, assistantTurn, err := e.complete(ctx, sessionID, query, includeRetrieval)
	if err != nil {
		return nil, err
	}

	return &SendResult{
		SessionID:     sessionID,
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
		Reply:         reply,
	}, nil
}

// commit runs the Staging and Committing phases under the session lock.
// Once the user turn append returns, the message and its documents are
// permanently recorded regardless of what the model does later.
func (e *Engine) commit(ctx context.Context, sessionID, text string) (*store.Turn, error) {
	release := e.locks.acquire(sessionID)
	defer release()

	docs, err := e.stage.List(ctx, sessionID)
	if err != nil {
		return nil, &SendError{Phase: PhaseStaging, Err: fmt.Errorf("reading stage: %w", err)}
	}

	if e.systemPrompt != "" {
		if err := e.log.SetSystemPrompt(ctx, sessionID, e.systemPrompt); err != nil {
			return nil, &SendError{Phase: PhaseCommitting, Err: err}
		}
	}

	blocks := make([]tags.Block, len(docs))
	for i, d := range docs {
		blocks[i] = tags.Block{
			Filename:   d.Filename,
			StorageRef: d.StorageRef,
			Text:       d.Text,
		}
	}
	content := tags.Encode(blocks, text)

	userTurn, err := e.log.Append(ctx, sessionID, store.RoleUser, content)
	if err != nil {
		return nil, &SendError{Phase: PhaseCommitting, Err: err}
	}

	// Durability point passed: from here on every failure reports
	// Committed=true.
	if err := e.stage.Clear(ctx, sessionID); err != nil {
		return nil, &SendError{Phase: PhaseCommitting, Committed: true, Err: fmt.Errorf("clearing stage: %w", err)}
	}

	e.logger.Debug("user turn committed",
		"session_id", sessionID,
		"turn_id", userTurn.ID,
		"documents", len(docs))
	return userTurn, nil
}

// complete runs the AwaitingModel phase and appends the assistant turn.
// The session lock is NOT held across the retrieval and model calls; it is
// reacquired only for the final append.
func (e *Engine) complete(ctx context.Context, sessionID, query string, includeRetrieval bool) (string, *store.Turn, error) {
	turns, err := e.log.Read(ctx, sessionID)
	if err != nil {
		return "", nil, &SendError{Phase: PhaseAwaitingModel, Committed: true, Err: fmt.Errorf("reading log: %w", err)}
	}

	selected := e.enforcer.Select(turns)

	var snippets []string
	if includeRetrieval && e.retriever != nil {
		snippets, err = e.retriever.Retrieve(ctx, query)
		if err != nil {
			e.logger.Warn("retrieval failed, proceeding without context",
				"session_id", sessionID, "error", err)
			snippets = nil
		}
	}

	reply, err := e.model.Generate(ctx, selected, snippets)
	if err != nil {
		return "", nil, &SendError{Phase: PhaseAwaitingModel, Committed: true, Err: err}
	}

	release := e.locks.acquire(sessionID)
	assistantTurn, err := e.log.Append(ctx, sessionID, store.RoleAssistant, reply)
	release()
	if err != nil {
		return "", nil, &SendError{Phase: PhaseAwaitingModel, Committed: true, Err: fmt.Errorf("recording reply: %w", err)}
	}

	return reply, assistantTurn, nil
}
