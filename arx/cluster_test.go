package arx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/blindlink/blindlink/canon"
	"github.com/blindlink/blindlink/common/log"
	"github.com/blindlink/blindlink/ecies"
	"github.com/blindlink/blindlink/key"
	"github.com/blindlink/blindlink/registry"
)

// stateHolder plays the ledger's role in tests: it hands out the latest
// committed sealed state and commits verified replacements.
type stateHolder struct {
	mu    sync.Mutex
	state *SealedState
}

func (h *stateHolder) load(context.Context) (*SealedState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, nil
}

func (h *stateHolder) commit(s *SealedState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

func newTestCluster(t *testing.T) (*Cluster, *key.ClusterKeys) {
	t.Helper()
	keys := key.NewClusterKeys()
	c, err := New(log.New(nil, log.ErrorLevel, true), keys)
	require.NoError(t, err)
	return c, keys
}

// runSync queues a request and waits for its signed output.
func runSync(t *testing.T, c *Cluster, req *Request) *SignedOutput {
	t.Helper()
	done := make(chan *SignedOutput, 1)
	req.Callback = func(out *SignedOutput) { done <- out }
	require.NoError(t, c.Queue(context.Background(), req))
	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("computation did not deliver an output")
		return nil
	}
}

func bootstrap(t *testing.T, c *Cluster, h *stateHolder) {
	t.Helper()
	out := runSync(t, c, &Request{ComputationID: 1, Kind: KindInitRegistry})
	require.True(t, out.OK)
	require.NotNil(t, out.State)
	require.NoError(t, Verify(c.Public().Auth, out))
	h.commit(out.State)
}

func encryptFingerprint(t *testing.T, pub *key.ClusterPublic, contact string) *ecies.Ciphertext {
	t.Helper()
	f := canon.FingerprintOf(canon.Normalize(contact))
	ct, err := ecies.Encrypt(key.KeyGroup, pub.Exchange, f.Bytes())
	require.NoError(t, err)
	return ct
}

func TestInitRegistryProducesSealedEmptyState(t *testing.T) {
	c, _ := newTestCluster(t)
	h := &stateHolder{}
	bootstrap(t, c, h)

	// Sealed state is opaque but reveal_size over it reads an empty table.
	out := runSync(t, c, &Request{ComputationID: 2, Kind: KindRevealSize, LoadState: h.load})
	require.True(t, out.OK)
	require.Equal(t, uint64(0), out.TotalOccupied)
}

func TestRegisterRevealsBucketAndSuccess(t *testing.T) {
	c, pub := newTestCluster(t)
	h := &stateHolder{}
	bootstrap(t, c, h)

	f := canon.FingerprintOf(canon.Normalize("alice@example.com"))
	out := runSync(t, c, &Request{
		ComputationID: 2,
		Kind:          KindRegister,
		Payload:       encryptFingerprint(t, pub.Public(), "alice@example.com"),
		LoadState:     h.load,
	})
	require.NoError(t, Verify(c.Public().Auth, out))
	require.True(t, out.OK)
	require.True(t, out.Inserted)
	require.Equal(t, f.Mod(registry.NumBuckets), out.Bucket)
	require.NotNil(t, out.State)
	h.commit(out.State)

	size := runSync(t, c, &Request{ComputationID: 3, Kind: KindRevealSize, LoadState: h.load})
	require.Equal(t, uint64(1), size.TotalOccupied)
}

func TestRegisterFullBucketReportsTruthfully(t *testing.T) {
	c, pub := newTestCluster(t)
	h := &stateHolder{}
	bootstrap(t, c, h)

	// Drive one bucket to capacity, then one more.
	target := canon.FingerprintOf(canon.Normalize("seed@x.test")).Mod(registry.NumBuckets)
	inserted := 0
	for i := 0; inserted < registry.BucketSize+1; i++ {
		contact := canon.Normalize("user" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + "@x.test")
		f := canon.FingerprintOf(contact)
		if f.Mod(registry.NumBuckets) != target {
			continue
		}
		inserted++

		out := runSync(t, c, &Request{
			ComputationID: uint64(10 + i),
			Kind:          KindRegister,
			Payload:       encryptFingerprint(t, pub.Public(), contact),
			LoadState:     h.load,
		})
		require.True(t, out.OK)
		if inserted <= registry.BucketSize {
			require.True(t, out.Inserted, "insert %d", inserted)
		} else {
			// Overflow: signed failure flag, counters untouched.
			require.False(t, out.Inserted)
		}
		h.commit(out.State)
	}

	size := runSync(t, c, &Request{ComputationID: 999, Kind: KindRevealSize, LoadState: h.load})
	require.Equal(t, uint64(registry.BucketSize), size.TotalOccupied)
}

func TestIntersectEndToEnd(t *testing.T) {
	c, pub := newTestCluster(t)
	h := &stateHolder{}
	bootstrap(t, c, h)

	reg := runSync(t, c, &Request{
		ComputationID: 2,
		Kind:          KindRegister,
		Payload:       encryptFingerprint(t, pub.Public(), "alice@example.com"),
		LoadState:     h.load,
	})
	require.True(t, reg.Inserted)
	h.commit(reg.State)

	// Client side: fresh session pair, encrypted batch.
	session := key.NewExchangePair()
	sessionPub, err := session.Public.MarshalBinary()
	require.NoError(t, err)

	fps := []canon.Fingerprint{
		canon.FingerprintOf(canon.Normalize("alice@example.com")),
		canon.FingerprintOf(canon.Normalize("bob@unknown.com")),
		canon.FingerprintOf(canon.Normalize("charlie@test.org")),
	}
	plainBatch, err := EncodeQueryBatch(fps, 3)
	require.NoError(t, err)
	payload, err := ecies.Encrypt(key.KeyGroup, pub.Public().Exchange, plainBatch)
	require.NoError(t, err)

	out := runSync(t, c, &Request{
		ComputationID: 3,
		Kind:          KindIntersect,
		Payload:       payload,
		ClientKey:     sessionPub,
		LoadState:     h.load,
	})
	require.NoError(t, Verify(c.Public().Auth, out))
	require.True(t, out.OK)
	require.NotNil(t, out.Result)
	require.Nil(t, out.State)

	// Only the session key can open the result.
	plain, err := ecies.Decrypt(key.KeyGroup, session.Key, out.Result)
	require.NoError(t, err)
	res, err := DecodeMatchResult(plain)
	require.NoError(t, err)

	require.True(t, res.Matched[0])
	require.False(t, res.Matched[1])
	require.False(t, res.Matched[2])
	require.Equal(t, uint64(1), res.MatchCount)
}

func TestTamperedOutputFailsVerification(t *testing.T) {
	c, _ := newTestCluster(t)
	h := &stateHolder{}
	bootstrap(t, c, h)

	out := runSync(t, c, &Request{ComputationID: 2, Kind: KindRevealSize, LoadState: h.load})
	require.NoError(t, Verify(c.Public().Auth, out))

	out.TotalOccupied++
	require.ErrorIs(t, Verify(c.Public().Auth, out), ErrInvalidProof)

	// A foreign cluster's key never verifies.
	foreign := key.NewClusterKeys()
	out.TotalOccupied--
	require.ErrorIs(t, Verify(foreign.Public().Auth, out), ErrInvalidProof)
}

func TestUndecryptablePayloadYieldsSignedFailure(t *testing.T) {
	c, _ := newTestCluster(t)
	h := &stateHolder{}
	bootstrap(t, c, h)

	// Payload encrypted to the wrong key.
	wrong := key.NewClusterKeys()
	f := canon.FingerprintOf("x")
	payload, err := ecies.Encrypt(key.KeyGroup, wrong.Public().Exchange, f.Bytes())
	require.NoError(t, err)

	out := runSync(t, c, &Request{
		ComputationID: 2,
		Kind:          KindRegister,
		Payload:       payload,
		LoadState:     h.load,
	})
	require.NoError(t, Verify(c.Public().Auth, out))
	require.False(t, out.OK)
	require.Nil(t, out.State)
}

func TestQueueValidation(t *testing.T) {
	c, _ := newTestCluster(t)
	ctx := context.Background()

	err := c.Queue(ctx, &Request{Kind: KindRevealSize})
	require.ErrorIs(t, err, ErrMissingCallback)

	err = c.Queue(ctx, &Request{Kind: KindRevealSize, Callback: func(*SignedOutput) {}})
	require.ErrorIs(t, err, ErrMissingState)

	err = c.Queue(ctx, &Request{
		Kind:      KindRegister,
		Callback:  func(*SignedOutput) {},
		LoadState: (&stateHolder{}).load,
	})
	require.ErrorIs(t, err, ErrMissingPayload)
}

func TestEnvelopeTruncation(t *testing.T) {
	fps := make([]canon.Fingerprint, registry.MaxClientContacts+5)
	for i := range fps {
		fps[i] = canon.FingerprintOf(canon.Normalize("trunc" + string(rune('a'+i)) + "@t.test"))
	}

	data, err := EncodeQueryBatch(fps, uint64(len(fps)))
	require.NoError(t, err)

	batch, count, err := DecodeQueryBatch(data)
	require.NoError(t, err)
	require.Equal(t, uint64(registry.MaxClientContacts), count)
	// First MaxClientContacts entries kept, in order.
	for i := 0; i < registry.MaxClientContacts; i++ {
		require.Equal(t, fps[i], batch[i])
	}
}

func TestEnvelopeRejectsBadFingerprintWidth(t *testing.T) {
	data, err := EncodeQueryBatch([]canon.Fingerprint{canon.FingerprintOf("a")}, 1)
	require.NoError(t, err)

	var w batchWire
	require.NoError(t, cbor.Unmarshal(data, &w))
	w.Fingerprints[0] = w.Fingerprints[0][:8]
	bad, err := cbor.Marshal(w)
	require.NoError(t, err)

	_, _, err = DecodeQueryBatch(bad)
	require.Error(t, err)
}
