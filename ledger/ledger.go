// Package ledger implements the public coordination layer of the protocol:
// the session state machine, the registry record, and the operations exposed
// at the protocol boundary. The ledger never sees plaintext fingerprints or
// results; it stores sealed blobs and verifies the cluster's signature on
// every finalization before accepting one.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/blindlink/blindlink/arx"
	"github.com/blindlink/blindlink/common/log"
	"github.com/blindlink/blindlink/ecies"
	"github.com/blindlink/blindlink/internal/metrics"
	"github.com/blindlink/blindlink/key"
)

var (
	// ErrClusterUnavailable is returned when the computation cluster cannot
	// accept a submission. Callers may retry or fall back to a clearly
	// labeled local simulation; the condition never corrupts stored state.
	ErrClusterUnavailable = errors.New("ledger: computation cluster unavailable")
	// ErrNotInitialized is returned when an operation needs the registry
	// before its bootstrap computation has committed.
	ErrNotInitialized = errors.New("ledger: registry not initialized")
	// ErrAlreadyInitialized is returned by a second InitRegistry.
	ErrAlreadyInitialized = errors.New("ledger: registry already initialized")
	// ErrSessionExists is returned when a submitted session id collides.
	ErrSessionExists = errors.New("ledger: session id already in use")
)

// Executor queues computations on the cluster. *arx.Cluster satisfies it.
type Executor interface {
	Queue(ctx context.Context, req *arx.Request) error
}

// Program is the ledger-side protocol endpoint.
type Program struct {
	log     log.Logger
	clock   clockwork.Clock
	store   Store
	exec    Executor
	cluster *key.ClusterPublic

	// transitions serializes session state changes so a finalization racing
	// the submission acknowledgment cannot regress a terminal status.
	transitions sync.Mutex

	callbacks *callbackStore
}

// Option configures a Program.
type Option func(*Program)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(p *Program) { p.clock = c }
}

// NewProgram wires the ledger against a store, an executor and the cluster
// public identity used for proof verification.
func NewProgram(l log.Logger, store Store, exec Executor, cluster *key.ClusterPublic, opts ...Option) *Program {
	p := &Program{
		log:       l.Named("ledger"),
		clock:     clockwork.NewRealClock(),
		store:     store,
		exec:      exec,
		cluster:   cluster,
		callbacks: newCallbackStore(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddCallback registers an event listener under id, replacing any previous
// listener with the same id.
func (p *Program) AddCallback(id string, fn func(Event)) {
	p.callbacks.add(id, fn)
}

// RemoveCallback unregisters a listener.
func (p *Program) RemoveCallback(id string) {
	p.callbacks.remove(id)
}

// InitRegistry performs the one-time bootstrap: it records the authority and
// queues the computation that creates the initial sealed state.
func (p *Program) InitRegistry(ctx context.Context, authority string) (uint64, error) {
	if authority == "" {
		return 0, errors.New("ledger: empty authority")
	}

	// Claiming the record is what makes the bootstrap one-time: a second
	// call is rejected as soon as an authority is recorded, not only once
	// the async bootstrap output has committed the sealed state.
	p.transitions.Lock()
	rec, err := p.store.Registry(ctx)
	switch {
	case err == nil && rec.Authority != "":
		p.transitions.Unlock()
		return 0, ErrAlreadyInitialized
	case err != nil && !errors.Is(err, ErrNoRegistry):
		p.transitions.Unlock()
		return 0, err
	}

	rec = &RegistryRecord{
		Authority: authority,
		UpdatedAt: p.clock.Now().Unix(),
	}
	if err := p.store.PutRegistry(ctx, rec); err != nil {
		p.transitions.Unlock()
		return 0, err
	}
	p.transitions.Unlock()

	id, err := newComputationID()
	if err != nil {
		return 0, err
	}

	req := &arx.Request{
		ComputationID: id,
		Kind:          arx.KindInitRegistry,
		Callback:      func(out *arx.SignedOutput) { p.finalizeRegistry(out) },
	}
	if err := p.exec.Queue(ctx, req); err != nil {
		p.releaseClaim(ctx)
		return 0, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
	}
	metrics.ComputationsQueued.WithLabelValues(req.Kind.String()).Inc()

	p.log.Infow("registry bootstrap queued", "computation", id, "authority", authority)
	return id, nil
}

// Register queues the insertion of one encrypted fingerprint. The payload's
// ephemeral point and nonce are the sender's key-exchange material; the
// fingerprint itself never appears in plaintext here. The outcome arrives as
// a RegistrationCompleted event once the cluster's output verifies.
func (p *Program) Register(ctx context.Context, payload *ecies.Ciphertext) (uint64, error) {
	if err := p.requireInitialized(ctx); err != nil {
		return 0, err
	}

	id, err := newComputationID()
	if err != nil {
		return 0, err
	}

	req := &arx.Request{
		ComputationID: id,
		Kind:          arx.KindRegister,
		Payload:       payload,
		LoadState:     p.loadState,
		Callback:      func(out *arx.SignedOutput) { p.finalizeRegistry(out) },
	}
	if err := p.exec.Queue(ctx, req); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
	}
	metrics.ComputationsQueued.WithLabelValues(req.Kind.String()).Inc()

	p.log.Debugw("registration queued", "computation", id)
	return id, nil
}

// Query submits an encrypted batch for intersection under a submitter-chosen
// session id. The session is recorded Pending before the cluster is
// contacted and moves to Computing once the submission is acknowledged; if
// the cluster is unreachable the session fails and ErrClusterUnavailable is
// returned.
func (p *Program) Query(ctx context.Context, owner, sessionID string, payload *ecies.Ciphertext, sessionKey []byte) (uint64, error) {
	if err := p.requireInitialized(ctx); err != nil {
		return 0, err
	}
	if sessionID == "" {
		return 0, errors.New("ledger: empty session id")
	}
	if _, err := p.store.Session(ctx, sessionID); err == nil {
		return 0, ErrSessionExists
	} else if !errors.Is(err, ErrNoSession) {
		return 0, err
	}

	id, err := newComputationID()
	if err != nil {
		return 0, err
	}

	session := &Session{
		ID:            sessionID,
		Owner:         owner,
		ComputationID: id,
		Status:        StatusPending,
		CreatedAt:     p.clock.Now().Unix(),
	}
	if err := p.store.PutSession(ctx, session); err != nil {
		return 0, err
	}

	req := &arx.Request{
		ComputationID: id,
		Kind:          arx.KindIntersect,
		Payload:       payload,
		ClientKey:     sessionKey,
		LoadState:     p.loadState,
		Callback:      func(out *arx.SignedOutput) { p.finalizeQuery(sessionID, out) },
	}
	if err := p.exec.Queue(ctx, req); err != nil {
		p.failSubmission(ctx, sessionID)
		return 0, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
	}
	metrics.ComputationsQueued.WithLabelValues(req.Kind.String()).Inc()

	p.markComputing(ctx, sessionID)
	p.bumpComputationCount(ctx)

	p.log.Infow("query queued", "session", sessionID, "computation", id, "owner", owner)
	return id, nil
}

// RevealRegistrySize queues the one computation allowed to disclose
// aggregate registry state. The value arrives as a RegistrySizeRevealed
// event after proof verification.
func (p *Program) RevealRegistrySize(ctx context.Context) (uint64, error) {
	if err := p.requireInitialized(ctx); err != nil {
		return 0, err
	}

	id, err := newComputationID()
	if err != nil {
		return 0, err
	}

	req := &arx.Request{
		ComputationID: id,
		Kind:          arx.KindRevealSize,
		LoadState:     p.loadState,
		Callback:      func(out *arx.SignedOutput) { p.finalizeReveal(out) },
	}
	if err := p.exec.Queue(ctx, req); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
	}
	metrics.ComputationsQueued.WithLabelValues(req.Kind.String()).Inc()

	return id, nil
}

// Session returns the current session record.
func (p *Program) Session(ctx context.Context, id string) (*Session, error) {
	return p.store.Session(ctx, id)
}

// SessionsByOwner returns the owner's session history, newest first.
func (p *Program) SessionsByOwner(ctx context.Context, owner string) ([]*Session, error) {
	return p.store.SessionsByOwner(ctx, owner)
}

// Registry returns the current registry record.
func (p *Program) Registry(ctx context.Context) (*RegistryRecord, error) {
	return p.store.Registry(ctx)
}

// Close releases the program's resources.
func (p *Program) Close() error {
	p.callbacks.close()
	var errs *multierror.Error
	errs = multierror.Append(errs, p.store.Close())
	return errs.ErrorOrNil()
}

// finalizeQuery is the single transition function into a terminal session
// status. The proof is verified before any field of the output is believed;
// a duplicate callback on a terminal session is a no-op, never an error that
// touches state.
func (p *Program) finalizeQuery(sessionID string, out *arx.SignedOutput) {
	ctx := context.Background()

	p.transitions.Lock()
	defer p.transitions.Unlock()

	session, err := p.store.Session(ctx, sessionID)
	if err != nil {
		p.log.Errorw("finalization for unknown session", "session", sessionID, "err", err)
		return
	}
	if session.Status.IsTerminal() {
		p.log.Debugw("duplicate finalization ignored", "session", sessionID)
		return
	}

	if err := arx.Verify(p.cluster.Auth, out); err != nil {
		metrics.ProofFailures.Inc()
		p.log.Errorw("query proof rejected", "session", sessionID, "err", err)
		p.storeTerminal(ctx, session, StatusFailed)
		return
	}

	// A valid signature on the wrong computation is still the wrong
	// computation: a misrouted output must never settle this session.
	if out.Kind != arx.KindIntersect || out.ComputationID != session.ComputationID {
		p.log.Errorw("output does not belong to session", "session", sessionID,
			"kind", out.Kind.String(), "computation", out.ComputationID, "want", session.ComputationID)
		return
	}

	if !out.OK || out.Result == nil {
		p.log.Warnw("query computation failed", "session", sessionID)
		p.storeTerminal(ctx, session, StatusFailed)
		return
	}

	session.ResultCiphertext = out.Result.Ciphertext
	session.ResultNonce = out.Result.Nonce
	session.ResultEphemeral = out.Result.Ephemeral
	p.storeTerminal(ctx, session, StatusCompleted)
}

func (p *Program) storeTerminal(ctx context.Context, session *Session, status Status) {
	session.Status = status
	if err := p.store.PutSession(ctx, session); err != nil {
		p.log.Errorw("unable to store terminal session", "session", session.ID, "err", err)
		return
	}
	metrics.SessionsFinalized.WithLabelValues(status.String()).Inc()
	p.callbacks.emit(QueryCompleted{SessionID: session.ID, Status: status})
}

// finalizeRegistry handles init_registry and register outputs: the sealed
// state is only replaced by a verified output, and the emitted event carries
// the truthful per-attempt success flag and nothing more.
func (p *Program) finalizeRegistry(out *arx.SignedOutput) {
	ctx := context.Background()

	if err := arx.Verify(p.cluster.Auth, out); err != nil {
		metrics.ProofFailures.Inc()
		p.log.Errorw("registry proof rejected", "computation", out.ComputationID, "err", err)
		return
	}
	if out.Kind != arx.KindInitRegistry && out.Kind != arx.KindRegister {
		p.log.Errorw("output kind cannot commit registry state", "computation", out.ComputationID, "kind", out.Kind.String())
		return
	}
	if !out.OK || out.State == nil {
		p.log.Warnw("registry computation failed", "computation", out.ComputationID, "kind", out.Kind.String())
		return
	}

	p.transitions.Lock()
	defer p.transitions.Unlock()

	rec, err := p.store.Registry(ctx)
	if err != nil {
		p.log.Errorw("registry record missing on finalization", "err", err)
		return
	}
	rec.Sealed = *out.State
	rec.UpdatedAt = p.clock.Now().Unix()
	if err := p.store.PutRegistry(ctx, rec); err != nil {
		p.log.Errorw("unable to store sealed registry state", "err", err)
		return
	}

	if out.Kind == arx.KindRegister {
		p.callbacks.emit(RegistrationCompleted{
			ComputationID: out.ComputationID,
			Bucket:        out.Bucket,
			Inserted:      out.Inserted,
		})
	} else {
		p.log.Infow("registry bootstrapped", "computation", out.ComputationID)
	}
}

func (p *Program) finalizeReveal(out *arx.SignedOutput) {
	if err := arx.Verify(p.cluster.Auth, out); err != nil {
		metrics.ProofFailures.Inc()
		p.log.Errorw("size reveal proof rejected", "computation", out.ComputationID, "err", err)
		return
	}
	if !out.OK {
		p.log.Warnw("size reveal failed", "computation", out.ComputationID)
		return
	}
	p.callbacks.emit(RegistrySizeRevealed{
		ComputationID: out.ComputationID,
		TotalOccupied: out.TotalOccupied,
	})
}

func (p *Program) markComputing(ctx context.Context, sessionID string) {
	p.transitions.Lock()
	defer p.transitions.Unlock()

	session, err := p.store.Session(ctx, sessionID)
	if err != nil {
		p.log.Errorw("session missing after submission", "session", sessionID, "err", err)
		return
	}
	// The finalization may already have landed; never regress.
	if session.Status != StatusPending {
		return
	}
	session.Status = StatusComputing
	if err := p.store.PutSession(ctx, session); err != nil {
		p.log.Errorw("unable to mark session computing", "session", sessionID, "err", err)
	}
}

func (p *Program) failSubmission(ctx context.Context, sessionID string) {
	p.transitions.Lock()
	defer p.transitions.Unlock()

	session, err := p.store.Session(ctx, sessionID)
	if err != nil || session.Status.IsTerminal() {
		return
	}
	session.Status = StatusFailed
	if err := p.store.PutSession(ctx, session); err != nil {
		p.log.Errorw("unable to fail session", "session", sessionID, "err", err)
		return
	}
	metrics.SessionsFinalized.WithLabelValues(StatusFailed.String()).Inc()
	p.callbacks.emit(QueryCompleted{SessionID: sessionID, Status: StatusFailed})
}

// releaseClaim undoes an authority claim whose bootstrap was never queued,
// so a later InitRegistry can retry.
func (p *Program) releaseClaim(ctx context.Context) {
	p.transitions.Lock()
	defer p.transitions.Unlock()

	rec, err := p.store.Registry(ctx)
	if err != nil || rec.Initialized() {
		return
	}
	rec.Authority = ""
	if err := p.store.PutRegistry(ctx, rec); err != nil {
		p.log.Errorw("unable to release bootstrap claim", "err", err)
	}
}

func (p *Program) bumpComputationCount(ctx context.Context) {
	p.transitions.Lock()
	defer p.transitions.Unlock()

	rec, err := p.store.Registry(ctx)
	if err != nil {
		return
	}
	rec.ComputationCount++
	if err := p.store.PutRegistry(ctx, rec); err != nil {
		p.log.Errorw("unable to bump computation count", "err", err)
	}
}

func (p *Program) requireInitialized(ctx context.Context) error {
	rec, err := p.store.Registry(ctx)
	if errors.Is(err, ErrNoRegistry) {
		return ErrNotInitialized
	}
	if err != nil {
		return err
	}
	if !rec.Initialized() {
		return ErrNotInitialized
	}
	return nil
}

func (p *Program) loadState(ctx context.Context) (*arx.SealedState, error) {
	rec, err := p.store.Registry(ctx)
	if err != nil {
		return nil, err
	}
	if !rec.Initialized() {
		return nil, ErrNotInitialized
	}
	return &rec.Sealed, nil
}

// newComputationID draws a routing identifier from the full uint64 range.
func newComputationID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("ledger: drawing computation id: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
