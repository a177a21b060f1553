// Package memdb is an in-memory ledger store. Sessions are spread across
// hash shards so concurrent submissions and finalizations do not contend on
// one mutex; the registry record lives under its own lock.
package memdb

import (
	"context"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/blindlink/blindlink/ledger"
)

const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]ledger.Session
}

// Store implements ledger.Store in memory.
type Store struct {
	shards [shardCount]*shard

	regMu    sync.RWMutex
	registry *ledger.RegistryRecord
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]ledger.Session)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%shardCount]
}

// PutSession stores a copy of the session.
func (s *Store) PutSession(_ context.Context, sess *ledger.Session) error {
	sh := s.shardFor(sess.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sessions[sess.ID] = *sess
	return nil
}

// Session returns a copy of the stored session.
func (s *Store) Session(_ context.Context, id string) (*ledger.Session, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return nil, ledger.ErrNoSession
	}
	out := sess
	return &out, nil
}

// SessionsByOwner scans all shards and returns the owner's sessions, newest
// first. The store is bounded by the session workload so a scan is fine.
func (s *Store) SessionsByOwner(_ context.Context, owner string) ([]*ledger.Session, error) {
	var out []*ledger.Session
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			if sess.Owner == owner {
				cp := sess
				out = append(out, &cp)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutRegistry stores a copy of the registry record.
func (s *Store) PutRegistry(_ context.Context, r *ledger.RegistryRecord) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	cp := *r
	s.registry = &cp
	return nil
}

// Registry returns a copy of the registry record.
func (s *Store) Registry(_ context.Context) (*ledger.RegistryRecord, error) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	if s.registry == nil {
		return nil, ledger.ErrNoRegistry
	}
	cp := *s.registry
	return &cp, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
