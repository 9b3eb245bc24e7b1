package repository

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	machine, err := store.Machines.GetByID(ctx, id)
//	if errors.Is(err, repository.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example creating a user with a username that already
// exists.
var ErrConflict = errors.New("record already exists")

// isUniqueViolation reports whether err is a unique-constraint violation.
// The two supported drivers surface different concrete error types, so the
// portable check matches on the SQLSTATE / message text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "SQLSTATE 23505") || // postgres (pgx)
		strings.Contains(msg, "duplicate key value") // postgres message text
}
