package boltdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blindlink/blindlink/arx"
	"github.com/blindlink/blindlink/common/log"
	"github.com/blindlink/blindlink/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(log.New(nil, log.ErrorLevel, true), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestStoreSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Session(ctx, "missing")
	require.ErrorIs(t, err, ledger.ErrNoSession)

	sess := &ledger.Session{
		ID:               "s-1",
		Owner:            "alice",
		ComputationID:    42,
		Status:           ledger.StatusCompleted,
		ResultCiphertext: []byte{1, 2, 3},
		ResultNonce:      []byte{4, 5},
		ResultEphemeral:  []byte{6},
		CreatedAt:        100,
	}
	require.NoError(t, store.PutSession(ctx, sess))

	got, err := store.Session(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, sess, got)
}

func TestStoreSessionsByOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutSession(ctx, &ledger.Session{ID: "old", Owner: "alice", CreatedAt: 1}))
	require.NoError(t, store.PutSession(ctx, &ledger.Session{ID: "new", Owner: "alice", CreatedAt: 2}))
	require.NoError(t, store.PutSession(ctx, &ledger.Session{ID: "other", Owner: "bob", CreatedAt: 3}))

	sessions, err := store.SessionsByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "new", sessions[0].ID)
	require.Equal(t, "old", sessions[1].ID)
}

func TestStoreRegistrySurvivesReopen(t *testing.T) {
	folder := t.TempDir()
	l := log.New(nil, log.ErrorLevel, true)
	ctx := context.Background()

	store, err := NewStore(l, folder)
	require.NoError(t, err)

	_, err = store.Registry(ctx)
	require.ErrorIs(t, err, ledger.ErrNoRegistry)

	rec := &ledger.RegistryRecord{
		Sealed:           arx.SealedState{Ciphertext: []byte{9, 9}, Nonce: []byte{8}},
		Authority:        "authority-1",
		ComputationCount: 3,
		UpdatedAt:        50,
	}
	require.NoError(t, store.PutRegistry(ctx, rec))
	require.NoError(t, store.Close())

	reopened, err := NewStore(l, folder)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Registry(ctx)
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.True(t, got.Initialized())
}
