package ledger

import (
	"context"
	"errors"

	"github.com/blindlink/blindlink/arx"
)

// Store errors shared by all implementations.
var (
	// ErrNoSession is returned when a session id is unknown.
	ErrNoSession = errors.New("ledger: no such session")
	// ErrNoRegistry is returned before the registry record exists.
	ErrNoRegistry = errors.New("ledger: registry record not found")
)

// RegistryRecord is the public, persisted face of the registry: the sealed
// state blob, who initialized it, and how many computations were queued
// against it. ComputationCount is a plain invocation counter — it says
// nothing about how many entries the registry holds and must never be
// emitted as if it did.
type RegistryRecord struct {
	Sealed           arx.SealedState
	Authority        string
	ComputationCount uint64
	UpdatedAt        int64
}

// Initialized reports whether the bootstrap computation has committed a
// sealed state yet.
func (r *RegistryRecord) Initialized() bool {
	return r != nil && len(r.Sealed.Ciphertext) > 0
}

// Store persists sessions and the registry record. Implementations must be
// safe for concurrent use; see ledger/memdb and ledger/boltdb.
type Store interface {
	PutSession(ctx context.Context, s *Session) error
	Session(ctx context.Context, id string) (*Session, error)
	SessionsByOwner(ctx context.Context, owner string) ([]*Session, error)

	PutRegistry(ctx context.Context, r *RegistryRecord) error
	Registry(ctx context.Context) (*RegistryRecord, error)

	Close() error
}
