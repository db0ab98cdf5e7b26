// ABOUTME: Document stage service - per-session holding area for uploaded documents
// ABOUTME: Documents live here between upload and the next successful send

package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hallryn/attache/internal/store"
)

// StageStore defines what the stage needs from storage
type StageStore interface {
	AddStagedDocument(ctx context.Context, doc *store.StagedDocument) error
	ListStagedDocuments(ctx context.Context, sessionID string) ([]*store.StagedDocument, error)
	RemoveStagedDocument(ctx context.Context, sessionID string, index int) error
	ClearStage(ctx context.Context, sessionID string) error
}

// Stage holds uploaded documents awaiting inclusion in a user turn.
type Stage struct {
	store  StageStore
	logger *slog.Logger
}

// New creates a document stage backed by the given store.
func New(st StageStore, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		store:  st,
		logger: logger.With("component", "stage"),
	}
}

// Add appends a document to the session's stage. No deduplication by
// filename: two documents with the same name are legal and distinct.
func (s *Stage) Add(ctx context.Context, sessionID, filename, storageRef, text string) (*store.StagedDocument, error) {
	doc := &store.StagedDocument{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Filename:   filename,
		StorageRef: storageRef,
		Text:       text,
		CreatedAt:  time.Now(),
	}
	if err := s.store.AddStagedDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("staging document: %w", err)
	}

	s.logger.Debug("document staged",
		"session_id", sessionID,
		"document_id", doc.ID,
		"filename", filename,
		"position", doc.Position)
	return doc, nil
}

// List returns the current stage in insertion order without mutating it.
func (s *Stage) List(ctx context.Context, sessionID string) ([]*store.StagedDocument, error) {
	return s.store.ListStagedDocuments(ctx, sessionID)
}

// Remove deletes the document at the given position. A stale index fails
// with store.ErrOutOfRange so the caller knows to refresh its stage view.
func (s *Stage) Remove(ctx context.Context, sessionID string, index int) error {
	if err := s.store.RemoveStagedDocument(ctx, sessionID, index); err != nil {
		return err
	}
	s.logger.Debug("staged document removed", "session_id", sessionID, "index", index)
	return nil
}

// Clear empties the session's stage unconditionally. Idempotent.
func (s *Stage) Clear(ctx context.Context, sessionID string) error {
	if err := s.store.ClearStage(ctx, sessionID); err != nil {
		return fmt.Errorf("clearing stage: %w", err)
	}
	s.logger.Debug("stage cleared", "session_id", sessionID)
	return nil
}
