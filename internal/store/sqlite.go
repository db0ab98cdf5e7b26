// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/turn/stage persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Serialize writers at the pool level; SQLite allows one writer at a
	// time and upgrading a deferred transaction under contention returns
	// SQLITE_BUSY instead of waiting.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id),
			UNIQUE(session_id, seq),
			CHECK (role IN ('system', 'user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session_seq
			ON turns(session_id, seq);

		CREATE TABLE IF NOT EXISTS staged_documents (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			filename TEXT NOT NULL,
			storage_ref TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_staged_session_position
			ON staged_documents(session_id, position);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ensureSession inserts the session row if it doesn't exist.
// Runs inside the caller's transaction when tx is non-nil.
func (s *SQLiteStore) ensureSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	now := time.Now().UTC()
	query := `INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, sessionID, now, now)
	} else {
		_, err = s.db.ExecContext(ctx, query, sessionID, now, now)
	}
	return err
}

// touchSession bumps the session's updated_at inside a transaction.
func touchSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// AppendTurn appends a turn to a session's log, creating the session
// implicitly if needed. The sequence number is assigned inside the
// transaction so concurrent appends never collide.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureSession(ctx, tx, turn.SessionID); err != nil {
		return fmt.Errorf("ensuring session: %w", err)
	}

	if turn.Role == RoleSystem {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM turns WHERE session_id = ? AND role = ?`,
			turn.SessionID, RoleSystem).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking system turn: %w", err)
		}
		if count > 0 {
			return ErrSystemTurnExists
		}
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM turns WHERE session_id = ?`,
		turn.SessionID).Scan(&turn.Seq)
	if err != nil {
		return fmt.Errorf("assigning sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, seq, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.Seq, turn.Role, turn.Content, turn.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}

	if err := touchSession(ctx, tx, turn.SessionID); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	return tx.Commit()
}

// ListTurns returns the full ordered turn sequence for a session. An
// unknown session is created implicitly and returns an empty log.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	if err := s.ensureSession(ctx, nil, sessionID); err != nil {
		return nil, fmt.Errorf("ensuring session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, created_at
		 FROM turns WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		t := &Turn{}
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ListSessions returns session summaries ordered by most recently updated.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		 FROM sessions s ORDER BY s.updated_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionInfo
	for rows.Next() {
		info := &SessionInfo{}
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.UpdatedAt, &info.TurnCount); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// DeleteSession removes the session, its turns, and its stage.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM turns WHERE session_id = ?`,
		`DELETE FROM staged_documents WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			return fmt.Errorf("deleting session data: %w", err)
		}
	}

	return tx.Commit()
}

// AddStagedDocument appends a document to the session's stage. Two documents
// with the same filename are legal and distinct; position is assigned inside
// the transaction.
func (s *SQLiteStore) AddStagedDocument(ctx context.Context, doc *StagedDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureSession(ctx, tx, doc.SessionID); err != nil {
		return fmt.Errorf("ensuring session: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM staged_documents WHERE session_id = ?`,
		doc.SessionID).Scan(&doc.Position)
	if err != nil {
		return fmt.Errorf("assigning position: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO staged_documents (id, session_id, position, filename, storage_ref, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SessionID, doc.Position, doc.Filename, doc.StorageRef, doc.Text, doc.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting staged document: %w", err)
	}

	if err := touchSession(ctx, tx, doc.SessionID); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	return tx.Commit()
}

// ListStagedDocuments returns the session's stage in insertion order.
func (s *SQLiteStore) ListStagedDocuments(ctx context.Context, sessionID string) ([]*StagedDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, position, filename, storage_ref, text, created_at
		 FROM staged_documents WHERE session_id = ? ORDER BY position`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying staged documents: %w", err)
	}
	defer rows.Close()

	var docs []*StagedDocument
	for rows.Next() {
		d := &StagedDocument{}
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Position, &d.Filename, &d.StorageRef, &d.Text, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning staged document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// RemoveStagedDocument removes the document at the given position in the
// current insertion-ordered list. Indices from a stale snapshot fail with
// ErrOutOfRange.
func (s *SQLiteStore) RemoveStagedDocument(ctx context.Context, sessionID string, index int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM staged_documents WHERE session_id = ? ORDER BY position`,
		sessionID)
	if err != nil {
		return fmt.Errorf("querying staged documents: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning staged document: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if index < 0 || index >= len(ids) {
		return ErrOutOfRange
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM staged_documents WHERE id = ?`, ids[index]); err != nil {
		return fmt.Errorf("deleting staged document: %w", err)
	}

	return tx.Commit()
}

// ClearStage empties the session's stage. Clearing an empty or unknown
// stage is not an error.
func (s *SQLiteStore) ClearStage(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM staged_documents WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clearing stage: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
