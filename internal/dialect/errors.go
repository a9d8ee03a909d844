package dialect

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors shared by both adapters.
var (
	// ErrNotFound indicates the requested row was not found.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedSchema indicates a user table cannot be captured,
	// typically because it has no primary key.
	ErrUnsupportedSchema = errors.New("unsupported schema")

	// ErrTriggerConflict indicates a non-sync trigger already occupies one of
	// the deterministic capture trigger names.
	ErrTriggerConflict = errors.New("trigger conflict")
)

// WrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to ErrNotFound for consistent handling.
func WrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
