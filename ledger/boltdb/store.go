// Package boltdb persists the ledger in a bolt database file. Records are
// stored as hex-friendly JSON so a database can be inspected with plain
// tooling; none of the stored blobs are sensitive on their own since the
// registry state is sealed and results are encrypted to session keys.
package boltdb

import (
	"context"
	"fmt"
	"path"
	"sort"

	hexjson "github.com/nikkolasg/hexjson"
	bolt "go.etcd.io/bbolt"

	"github.com/blindlink/blindlink/common/log"
	"github.com/blindlink/blindlink/ledger"
)

// DatabaseFileName is the file the store creates under its folder.
const DatabaseFileName = "ledger.db"

var (
	sessionBucket  = []byte("sessions")
	registryBucket = []byte("registry")
	registryKey    = []byte("record")
)

// Store implements ledger.Store on bbolt.
type Store struct {
	log log.Logger
	db  *bolt.DB
}

// NewStore opens (creating if needed) the database under folder.
func NewStore(l log.Logger, folder string) (*Store, error) {
	dbPath := path.Join(folder, DatabaseFileName)
	db, err := bolt.Open(dbPath, 0660, nil)
	if err != nil {
		return nil, fmt.Errorf("boltdb: opening %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(registryBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltdb: creating buckets: %w", err)
	}

	return &Store{log: l.Named("boltdb"), db: db}, nil
}

// PutSession writes the session under its id.
func (s *Store) PutSession(_ context.Context, sess *ledger.Session) error {
	buf, err := hexjson.Marshal(sess)
	if err != nil {
		return fmt.Errorf("boltdb: encoding session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put([]byte(sess.ID), buf)
	})
}

// Session reads the session stored under id.
func (s *Store) Session(_ context.Context, id string) (*ledger.Session, error) {
	var sess *ledger.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(sessionBucket).Get([]byte(id))
		if buf == nil {
			return ledger.ErrNoSession
		}
		sess = new(ledger.Session)
		return hexjson.Unmarshal(buf, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// SessionsByOwner scans the session bucket, newest first.
func (s *Store) SessionsByOwner(_ context.Context, owner string) ([]*ledger.Session, error) {
	var out []*ledger.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).ForEach(func(_, v []byte) error {
			sess := new(ledger.Session)
			if err := hexjson.Unmarshal(v, sess); err != nil {
				return err
			}
			if sess.Owner == owner {
				out = append(out, sess)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutRegistry writes the singleton registry record.
func (s *Store) PutRegistry(_ context.Context, r *ledger.RegistryRecord) error {
	buf, err := hexjson.Marshal(r)
	if err != nil {
		return fmt.Errorf("boltdb: encoding registry record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(registryBucket).Put(registryKey, buf)
	})
}

// Registry reads the singleton registry record.
func (s *Store) Registry(_ context.Context) (*ledger.RegistryRecord, error) {
	var rec *ledger.RegistryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(registryBucket).Get(registryKey)
		if buf == nil {
			return ledger.ErrNoRegistry
		}
		rec = new(ledger.RegistryRecord)
		return hexjson.Unmarshal(buf, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
