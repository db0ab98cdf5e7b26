// ABOUTME: Store interface and data types for attache session persistence
// ABOUTME: Defines Turn, StagedDocument structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSystemTurnExists is returned when appending a second system turn to a session
var ErrSystemTurnExists = errors.New("system turn already exists")

// ErrOutOfRange is returned when a staged-document index does not match a
// currently valid position. Stale indices are rejected rather than ignored
// so callers notice a desynchronized stage view.
var ErrOutOfRange = errors.New("stage index out of range")

// Turn roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one role-tagged message in a session's history. Turns are
// immutable once appended; Seq is assigned by the store and strictly
// increasing per session.
type Turn struct {
	ID        string
	SessionID string
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}

// StagedDocument is an uploaded document held pending inclusion in the next
// sent turn. Position is assigned by the store and preserves insertion order.
type StagedDocument struct {
	ID         string
	SessionID  string
	Position   int
	Filename   string
	StorageRef string
	Text       string
	CreatedAt  time.Time
}

// SessionInfo is a lightweight summary of a session for listing.
type SessionInfo struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	TurnCount int
}

// Store defines the interface for session, turn, and stage persistence.
// Implementations must provide per-key read-modify-write atomicity: two
// concurrent AppendTurn calls for the same session must observe distinct
// sequence numbers.
type Store interface {
	// AppendTurn creates the session implicitly if unknown and returns
	// ErrSystemTurnExists when a second system turn is appended.
	AppendTurn(ctx context.Context, turn *Turn) error
	// ListTurns returns the full ordered turn sequence, creating the
	// session implicitly (as an empty log) on first read.
	ListTurns(ctx context.Context, sessionID string) ([]*Turn, error)

	// Sessions
	ListSessions(ctx context.Context, limit int) ([]*SessionInfo, error)
	// DeleteSession removes the session's turns, stage, and its existence
	// for future enumeration.
	DeleteSession(ctx context.Context, sessionID string) error

	// Document stage
	AddStagedDocument(ctx context.Context, doc *StagedDocument) error
	ListStagedDocuments(ctx context.Context, sessionID string) ([]*StagedDocument, error)
	// RemoveStagedDocument removes by current list position and returns
	// ErrOutOfRange for anything else.
	RemoveStagedDocument(ctx context.Context, sessionID string, index int) error
	// ClearStage empties the stage unconditionally; idempotent.
	ClearStage(ctx context.Context, sessionID string) error

	// Close releases any resources held by the store
	Close() error
}
