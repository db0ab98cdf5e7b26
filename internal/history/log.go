// ABOUTME: Conversation log service - the ordered, durable record of role-tagged turns
// ABOUTME: History is append-only and the source of truth, never a side effect

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hallryn/attache/internal/store"
)

// ErrInvalidRole is returned for an unknown role or an attempt to append a
// second system turn. This is a programming error, surfaced to the caller
// and never retried.
var ErrInvalidRole = errors.New("invalid role")

// LogStore defines what the log needs from storage
type LogStore interface {
	AppendTurn(ctx context.Context, turn *store.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]*store.Turn, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Log records role-tagged turns for sessions. Turns are immutable once
// appended and the sequence is never reordered.
type Log struct {
	store  LogStore
	logger *slog.Logger
}

// New creates a conversation log backed by the given store.
func New(st LogStore, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:  st,
		logger: logger.With("component", "history"),
	}
}

// Append adds a turn to the session's log and returns it with its assigned
// sequence number. The session is created implicitly if unknown.
func (l *Log) Append(ctx context.Context, sessionID, role, content string) (*store.Turn, error) {
	switch role {
	case store.RoleSystem, store.RoleUser, store.RoleAssistant:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	turn := &store.Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := l.store.AppendTurn(ctx, turn); err != nil {
		if errors.Is(err, store.ErrSystemTurnExists) {
			return nil, fmt.Errorf("%w: session already has a system turn", ErrInvalidRole)
		}
		return nil, fmt.Errorf("appending turn: %w", err)
	}

	l.logger.Debug("turn appended",
		"session_id", sessionID,
		"turn_id", turn.ID,
		"role", role,
		"seq", turn.Seq)
	return turn, nil
}

// Read returns the full ordered turn sequence for a session, creating the
// session implicitly (as an empty log) if unknown.
func (l *Log) Read(ctx context.Context, sessionID string) ([]*store.Turn, error) {
	return l.store.ListTurns(ctx, sessionID)
}

// Clear deletes all turns and the session's existence for future
// enumeration. Used by explicit deletion, not by normal turn flow.
func (l *Log) Clear(ctx context.Context, sessionID string) error {
	if err := l.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	l.logger.Info("session cleared", "session_id", sessionID)
	return nil
}

// SetSystemPrompt appends a system turn if the session does not already
// have one. Called at session creation; a no-op afterwards.
func (l *Log) SetSystemPrompt(ctx context.Context, sessionID, prompt string) error {
	turns, err := l.store.ListTurns(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}
	for _, t := range turns {
		if t.Role == store.RoleSystem {
			return nil
		}
	}
	_, err = l.Append(ctx, sessionID, store.RoleSystem, prompt)
	if errors.Is(err, ErrInvalidRole) {
		// Lost a race to another writer; the prompt is set either way.
		return nil
	}
	return err
}
