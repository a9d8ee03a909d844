package dialect

import (
	"context"
	"database/sql"
	"fmt"
)

// Session is a write transaction on a single pinned connection with the
// capture-suppression flag set. The apply engine does all remote writes
// through one of these so the triggers never log them.
//
// The suppression flag stays set for the whole batch; every exit path clears
// it. Close is safe to defer unconditionally; it rolls back and clears if
// neither Commit nor Rollback ran.
type Session struct {
	Tx   *sql.Tx
	conn *sql.Conn
	// preCommit runs inside the transaction just before commit. The sqlite
	// adapter deletes its suppression flag row here so the flag never
	// becomes visible to other connections; on rollback the row vanishes
	// with the transaction.
	preCommit func(ctx context.Context, tx *sql.Tx) error
	// clear removes connection-level suppression state after the transaction
	// has ended. The mysql adapter unsets its session variable here. May be
	// nil when the flag's lifetime is bound to the transaction itself.
	clear func(ctx context.Context) error
	done  bool
}

// NewSession wires up a session for a dialect adapter. The transaction must
// already have suppression in effect on its connection.
func NewSession(tx *sql.Tx, conn *sql.Conn, preCommit func(ctx context.Context, tx *sql.Tx) error, clear func(ctx context.Context) error) *Session {
	return &Session{Tx: tx, conn: conn, preCommit: preCommit, clear: clear}
}

// Commit commits the batch and clears suppression on the connection.
func (s *Session) Commit(ctx context.Context) error {
	if s.done {
		return fmt.Errorf("session already finished")
	}
	if s.preCommit != nil {
		if err := s.preCommit(ctx, s.Tx); err != nil {
			s.done = true
			_ = s.Tx.Rollback()
			s.release(ctx)
			return fmt.Errorf("clear suppression before commit: %w", err)
		}
	}
	s.done = true
	err := s.Tx.Commit()
	s.release(ctx)
	if err != nil {
		return fmt.Errorf("commit apply session: %w", err)
	}
	return nil
}

// Rollback abandons the batch and clears suppression on the connection.
func (s *Session) Rollback(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.Tx.Rollback()
	s.release(ctx)
	if err != nil {
		return fmt.Errorf("rollback apply session: %w", err)
	}
	return nil
}

// Close rolls back if the session is still open. Safe to defer.
func (s *Session) Close(ctx context.Context) {
	if !s.done {
		_ = s.Rollback(ctx)
	}
}

func (s *Session) release(ctx context.Context) {
	if s.clear != nil {
		_ = s.clear(ctx)
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
