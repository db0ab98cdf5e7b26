// Package store provides persistent storage for attache sessions using SQLite.
//
// # Data Models
//
//   - Turn: One role-tagged message in a session's history. Append-only,
//     immutable, ordered by a per-session sequence number assigned by the
//     store.
//   - StagedDocument: An uploaded document's extracted text held pending
//     inclusion in the next sent turn. Insertion order is preserved via
//     a per-session position assigned by the store.
//   - SessionInfo: Lightweight session summary for listing.
//
// Sessions are created implicitly on first reference: both AppendTurn and
// ListTurns upsert the session row, so an unknown identifier behaves as an
// empty log rather than an error.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// All mutations that read-modify-write (sequence assignment, stage position
// assignment, positional removal) run inside a transaction, which is the
// per-key atomicity the engine's concurrency model relies on.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrSystemTurnExists: A second system turn was appended
//   - ErrOutOfRange: A stage index from a stale snapshot was used
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewSQLiteStore with a t.TempDir() path for integration tests with
// real SQLite.
package store
