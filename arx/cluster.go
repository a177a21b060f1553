// Package arx hosts the computation cluster stand-in: the one boundary
// inside which registry plaintext may exist. It executes the four protocol
// computations over the sealed registry state, serializes every mutation
// behind a single writer, and signs each output so the ledger can verify
// provenance before accepting it.
package arx

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/blindlink/blindlink/canon"
	"github.com/blindlink/blindlink/common/log"
	"github.com/blindlink/blindlink/ecies"
	"github.com/blindlink/blindlink/key"
	"github.com/blindlink/blindlink/registry"
)

const sealNonceLength = 12

var (
	// ErrMissingCallback is returned when a request has nowhere to deliver
	// its output.
	ErrMissingCallback = errors.New("arx: request has no callback")
	// ErrMissingState is returned when a computation that reads the registry
	// has no state loader.
	ErrMissingState = errors.New("arx: request has no state loader")
	// ErrMissingPayload is returned when a computation that consumes client
	// input has none.
	ErrMissingPayload = errors.New("arx: request has no payload")
)

// Request describes one queued computation.
//
// LoadState is called at execution time, not queue time, so a mutation always
// opens the latest committed state. Callback is invoked exactly once, from
// the executing goroutine; for mutating kinds it runs while the writer lock
// is still held, which is what makes "first committed write wins" hold: the
// ledger persists the new sealed state before the next mutation can load it.
type Request struct {
	ComputationID uint64
	Kind          Kind

	// Payload is the client's encrypted input: a single fingerprint for
	// register, a batch envelope for intersect.
	Payload *ecies.Ciphertext
	// ClientKey is the marshaled session public point results are encrypted
	// to (intersect only).
	ClientKey []byte

	LoadState func(ctx context.Context) (*SealedState, error)
	Callback  func(*SignedOutput)
}

// Cluster executes computations. It owns the sealing key for registry state
// at rest, the DH key clients encrypt to, and the signing key outputs are
// verified against.
type Cluster struct {
	log  log.Logger
	keys *key.ClusterKeys
	seal cipher.AEAD

	// mu is the single-writer discipline over the registry: mutations take
	// the write lock, read-only computations the read lock.
	mu sync.RWMutex
}

// New builds a cluster from its key material. The sealing key is derived
// from the exchange scalar so a restored cluster can reopen its own state.
func New(l log.Logger, keys *key.ClusterKeys) (*Cluster, error) {
	secret, err := keys.Exchange.Key.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("arx: marshaling sealing secret: %w", err)
	}

	reader := hkdf.New(sha256.New, secret, nil, []byte("blindlink-registry-seal"))
	sealKey := make([]byte, 32)
	if _, err := reader.Read(sealKey); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cluster{
		log:  l.Named("arx"),
		keys: keys,
		seal: aead,
	}, nil
}

// Public returns the cluster's public identity.
func (c *Cluster) Public() *key.ClusterPublic {
	return c.keys.Public()
}

// Queue validates and accepts a computation. Execution is asynchronous; the
// output is delivered to req.Callback. A nil error means the computation WILL
// run to a signed output, success or failure alike.
func (c *Cluster) Queue(ctx context.Context, req *Request) error {
	if req.Callback == nil {
		return ErrMissingCallback
	}
	switch req.Kind {
	case KindInitRegistry:
	case KindRegister, KindIntersect:
		if req.LoadState == nil {
			return ErrMissingState
		}
		if req.Payload == nil {
			return ErrMissingPayload
		}
	case KindRevealSize:
		if req.LoadState == nil {
			return ErrMissingState
		}
	default:
		return fmt.Errorf("arx: unknown computation kind %d", req.Kind)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	go c.run(context.WithoutCancel(ctx), req)
	return nil
}

func (c *Cluster) run(ctx context.Context, req *Request) {
	out := &SignedOutput{
		ComputationID: req.ComputationID,
		Kind:          req.Kind,
	}

	deliver := func() {
		if err := out.sign(c.keys.Auth.Key); err != nil {
			c.log.Errorw("unable to sign output", "computation", req.ComputationID, "err", err)
			return
		}
		req.Callback(out)
	}

	switch req.Kind {
	case KindRegister:
		// Callback fires under the write lock: the new sealed state must be
		// committed by the ledger before the next mutation loads state.
		c.mu.Lock()
		defer c.mu.Unlock()
		c.executeRegister(ctx, req, out)
		deliver()
	case KindInitRegistry:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.executeInit(out)
		deliver()
	case KindIntersect:
		c.mu.RLock()
		c.executeIntersect(ctx, req, out)
		c.mu.RUnlock()
		deliver()
	case KindRevealSize:
		c.mu.RLock()
		c.executeRevealSize(ctx, req, out)
		c.mu.RUnlock()
		deliver()
	}
}

func (c *Cluster) executeInit(out *SignedOutput) {
	sealed, err := c.sealState(registry.New().Encode())
	if err != nil {
		c.log.Errorw("registry bootstrap failed", "err", err)
		return
	}
	out.State = sealed
	out.OK = true
}

func (c *Cluster) executeRegister(ctx context.Context, req *Request, out *SignedOutput) {
	state, err := c.openCurrent(ctx, req)
	if err != nil {
		c.log.Errorw("register: opening state", "computation", req.ComputationID, "err", err)
		return
	}

	plain, err := ecies.Decrypt(key.KeyGroup, c.keys.Exchange.Key, req.Payload)
	if err != nil {
		c.log.Errorw("register: decrypting fingerprint", "computation", req.ComputationID, "err", err)
		return
	}
	if len(plain) != canon.Size {
		c.log.Errorw("register: bad fingerprint width", "computation", req.ComputationID, "got", len(plain))
		return
	}
	f := canon.FingerprintFromBytes(plain)

	inserted := state.Register(f)

	sealed, err := c.sealState(state.Encode())
	if err != nil {
		c.log.Errorw("register: resealing state", "computation", req.ComputationID, "err", err)
		return
	}

	out.State = sealed
	out.Bucket = f.Mod(registry.NumBuckets)
	out.Inserted = inserted
	out.OK = true
}

func (c *Cluster) executeIntersect(ctx context.Context, req *Request, out *SignedOutput) {
	state, err := c.openCurrent(ctx, req)
	if err != nil {
		c.log.Errorw("intersect: opening state", "computation", req.ComputationID, "err", err)
		return
	}

	plain, err := ecies.Decrypt(key.KeyGroup, c.keys.Exchange.Key, req.Payload)
	if err != nil {
		c.log.Errorw("intersect: decrypting batch", "computation", req.ComputationID, "err", err)
		return
	}
	batch, count, err := DecodeQueryBatch(plain)
	if err != nil {
		c.log.Errorw("intersect: bad batch", "computation", req.ComputationID, "err", err)
		return
	}

	matched, matchCount := state.Intersect(batch, count)

	encoded, err := EncodeMatchResult(&MatchResult{Matched: matched, MatchCount: matchCount})
	if err != nil {
		c.log.Errorw("intersect: encoding result", "computation", req.ComputationID, "err", err)
		return
	}

	clientPoint := key.KeyGroup.Point()
	if err := clientPoint.UnmarshalBinary(req.ClientKey); err != nil {
		c.log.Errorw("intersect: bad client key", "computation", req.ComputationID, "err", err)
		return
	}
	result, err := ecies.Encrypt(key.KeyGroup, clientPoint, encoded)
	if err != nil {
		c.log.Errorw("intersect: encrypting result", "computation", req.ComputationID, "err", err)
		return
	}

	out.Result = result
	out.OK = true
}

func (c *Cluster) executeRevealSize(ctx context.Context, req *Request, out *SignedOutput) {
	state, err := c.openCurrent(ctx, req)
	if err != nil {
		c.log.Errorw("reveal_size: opening state", "computation", req.ComputationID, "err", err)
		return
	}
	out.TotalOccupied = state.TotalOccupied
	out.OK = true
}

// openCurrent loads and opens the latest sealed state. Decode re-checks the
// occupancy invariants; a violation aborts the computation before any
// mutation, which is the required halt-on-inconsistency behavior.
func (c *Cluster) openCurrent(ctx context.Context, req *Request) (*registry.State, error) {
	sealed, err := req.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	plain, err := c.openState(sealed)
	if err != nil {
		return nil, err
	}
	return registry.Decode(plain)
}

func (c *Cluster) sealState(plain []byte) (*SealedState, error) {
	nonce := make([]byte, sealNonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &SealedState{
		Nonce:      nonce,
		Ciphertext: c.seal.Seal(nil, nonce, plain, nil),
	}, nil
}

func (c *Cluster) openState(s *SealedState) ([]byte, error) {
	if s == nil || len(s.Ciphertext) == 0 {
		return nil, errors.New("arx: no sealed state")
	}
	return c.seal.Open(nil, s.Nonce, s.Ciphertext, nil)
}
