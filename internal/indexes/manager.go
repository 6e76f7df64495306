package indexes

import (
	"context"
	"errors"
	"fmt"
	"log"

	"inkwell/internal/couch"
)

// Store is the slice of the store client the index manager needs.
type Store interface {
	GetDoc(ctx context.Context, db, id string, out any) error
	PutDoc(ctx context.Context, db, id string, doc any) (string, error)
}

// EnsureError scopes an index-ensure failure to a single database so the
// fan-out over sibling databases keeps going.
type EnsureError struct {
	DB  string
	Err error
}

func (e *EnsureError) Error() string {
	return fmt.Sprintf("ensure indexes on %s: %v", e.DB, e.Err)
}

func (e *EnsureError) Unwrap() error { return e.Err }

// Manager keeps each tenant database's design document matching the desired
// definitions. It holds no per-database state; every call goes to the store.
type Manager struct {
	store Store
}

// NewManager creates an index manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Ensure makes db carry the desired snapshot views. It is idempotent and safe
// under races between service instances: the definitions are static, so a
// creation or update conflict means another writer already converged the
// database to the same desired state, and the conflict is swallowed.
func (m *Manager) Ensure(ctx context.Context, db string) error {
	desired := DesiredDesignDoc()

	var current DesignDoc
	err := m.store.GetDoc(ctx, db, couch.DesignDocID, &current)
	switch {
	case errors.Is(err, couch.ErrNotFound):
		if _, err := m.store.PutDoc(ctx, db, couch.DesignDocID, desired); err != nil {
			if errors.Is(err, couch.ErrConflict) {
				log.Printf("[INDEXES] Lost design doc creation race on %s, another instance won", db)
				return nil
			}
			return &EnsureError{DB: db, Err: err}
		}
		log.Printf("[INDEXES] Created design doc on %s", db)
		return nil
	case err != nil:
		return &EnsureError{DB: db, Err: err}
	}

	if Equal(current, desired) {
		return nil
	}

	// Definitions changed since this database was migrated; replace, carrying
	// the current revision forward.
	desired.Rev = current.Rev
	if _, err := m.store.PutDoc(ctx, db, couch.DesignDocID, desired); err != nil {
		if errors.Is(err, couch.ErrConflict) {
			log.Printf("[INDEXES] Lost design doc update race on %s, another instance won", db)
			return nil
		}
		return &EnsureError{DB: db, Err: err}
	}
	log.Printf("[INDEXES] Updated design doc on %s", db)
	return nil
}
