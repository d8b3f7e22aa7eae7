package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrNotInProgress is returned when a write requires an in_progress row
	// and the row has already reached a terminal status.
	ErrNotInProgress = errors.New("storage: not in progress")

	// ErrActiveExecution is returned when a request already has an
	// in_progress execution.
	ErrActiveExecution = errors.New("storage: request already has an active execution")
)

// isUniqueViolation reports whether err is a Postgres unique_violation on
// the named constraint or index.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
