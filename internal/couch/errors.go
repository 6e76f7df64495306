package couch

import (
	"errors"
	"fmt"
)

// Sentinel errors for the store's well-known failure conditions. Callers
// branch on these with errors.Is; everything else is either a
// *ConnectionError or an unexpected server response.
var (
	// ErrNotFound means the requested document does not exist.
	ErrNotFound = errors.New("couch: not found")

	// ErrConflict means a write lost a revision race. For design documents
	// this is the expected multi-instance outcome, not a failure.
	ErrConflict = errors.New("couch: document update conflict")

	// ErrViewMissing means the queried view (or its design document) does not
	// exist yet on this database. Cleanup and statistics paths treat this as
	// an empty result.
	ErrViewMissing = errors.New("couch: view not found")
)

// ConnectionError means the store was unreachable or answered with a server
// error. It is fatal to the operation that triggered it but never to the
// process; the scheduler's fan-out isolation contains it.
type ConnectionError struct {
	Op  string
	DB  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.DB == "" {
		return fmt.Sprintf("couch: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("couch: %s on %s: %v", e.Op, e.DB, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// serverError is the JSON body CouchDB returns on non-2xx responses.
type serverError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}
