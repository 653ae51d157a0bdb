package checkpoint

import (
	"context"
	"errors"

	"github.com/SteelMorgan/log-shipper/internal/domain"
)

// ErrCorrupt is returned when a stored value cannot be trusted.
// It is fatal: the operator has to inspect the store.
var ErrCorrupt = errors.New("checkpoint store corrupted")

// Store persists file read positions across restarts.
// Implementations: BoltDB
type Store interface {
	// Commit atomically upserts the state for its identity
	Commit(ctx context.Context, state domain.FileState) error

	// LoadAll returns every committed state keyed by identity key
	LoadAll(ctx context.Context) (map[string]domain.FileState, error)

	// Remove deletes the state for the given identity
	Remove(ctx context.Context, id domain.FileIdentity) error

	// Close closes the store
	Close() error
}
