// Package client orchestrates the protocol from the submitter's side:
// canonicalizing contacts, packaging encrypted batches under fresh session
// keys, polling sessions to a terminal status, and opening results. All
// privacy-relevant transformations happen here, before anything leaves the
// process.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"

	"github.com/blindlink/blindlink/arx"
	"github.com/blindlink/blindlink/canon"
	"github.com/blindlink/blindlink/common/log"
	"github.com/blindlink/blindlink/ecies"
	"github.com/blindlink/blindlink/key"
	"github.com/blindlink/blindlink/ledger"
	"github.com/blindlink/blindlink/registry"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultCacheSize    = 32
)

var (
	// ErrNoContacts is returned for an empty submission.
	ErrNoContacts = errors.New("client: no contacts to intersect")
	// ErrComputationFailed is returned when a session settles as failed. The
	// ledger does not disclose whether the cluster reported a failure or its
	// proof was rejected; both surface here.
	ErrComputationFailed = errors.New("client: computation failed")
)

// Node is the ledger surface the client drives. *ledger.Program satisfies it.
type Node interface {
	Register(ctx context.Context, payload *ecies.Ciphertext) (uint64, error)
	Query(ctx context.Context, owner, sessionID string, payload *ecies.Ciphertext, sessionKey []byte) (uint64, error)
	Session(ctx context.Context, id string) (*ledger.Session, error)
}

// Client submits registrations and intersection queries on behalf of one
// owner identity.
type Client struct {
	log     log.Logger
	node    Node
	cluster *key.ClusterPublic
	owner   string

	clock        clockwork.Clock
	pollInterval time.Duration

	// demo is the opt-in plaintext fallback registry; only consulted when
	// the cluster is unavailable and never mixed with verified results.
	demo []canon.Fingerprint

	cache *lru.ARCCache
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets how often a pending session is re-checked.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithClock overrides the poll clock, mainly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithDemoContacts enables the local fallback: when the cluster is
// unavailable, intersections are computed against these contacts and
// returned as *Simulated.
func WithDemoContacts(contacts []string) Option {
	return func(c *Client) {
		c.demo = make([]canon.Fingerprint, 0, len(contacts))
		for _, contact := range contacts {
			c.demo = append(c.demo, canon.FingerprintOf(canon.Normalize(contact)))
		}
	}
}

// WithCacheSize sets how many settled session results are kept in memory
// for Result lookups.
func WithCacheSize(n int) Option {
	return func(c *Client) {
		cache, err := lru.NewARC(n)
		if err == nil {
			c.cache = cache
		}
	}
}

// New builds a client for owner against the given node and cluster identity.
func New(l log.Logger, node Node, cluster *key.ClusterPublic, owner string, opts ...Option) (*Client, error) {
	cache, err := lru.NewARC(defaultCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Client{
		log:          l.Named("client"),
		node:         node,
		cluster:      cluster,
		owner:        owner,
		clock:        clockwork.NewRealClock(),
		pollInterval: defaultPollInterval,
		cache:        cache,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register canonicalizes one contact identifier and submits its encrypted
// fingerprint. The plaintext identifier never leaves this call.
func (c *Client) Register(ctx context.Context, contact string) (uint64, error) {
	f := canon.FingerprintOf(canon.Normalize(contact))
	payload, err := ecies.Encrypt(key.KeyGroup, c.cluster.Exchange, f.Bytes())
	if err != nil {
		return 0, fmt.Errorf("client: encrypting registration: %w", err)
	}
	return c.node.Register(ctx, payload)
}

// Intersect submits the contacts as one encrypted batch under a fresh
// session key and blocks until the session settles or ctx expires. At most
// the batch limit of contacts is submitted; the rest are dropped and the
// result reports Truncated.
func (c *Client) Intersect(ctx context.Context, contacts []string) (Result, error) {
	if len(contacts) == 0 {
		return nil, ErrNoContacts
	}

	truncated := false
	if len(contacts) > registry.MaxClientContacts {
		c.log.Warnw("contact list truncated", "submitted", len(contacts), "limit", registry.MaxClientContacts)
		contacts = contacts[:registry.MaxClientContacts]
		truncated = true
	}

	fps := make([]canon.Fingerprint, len(contacts))
	for i, contact := range contacts {
		fps[i] = canon.FingerprintOf(canon.Normalize(contact))
	}

	plain, err := arx.EncodeQueryBatch(fps, uint64(len(fps)))
	if err != nil {
		return nil, err
	}
	payload, err := ecies.Encrypt(key.KeyGroup, c.cluster.Exchange, plain)
	if err != nil {
		return nil, fmt.Errorf("client: encrypting batch: %w", err)
	}

	// One session key per query; results from different sessions can never
	// be opened with each other's keys.
	session := key.NewExchangePair()
	sessionPub, err := session.Public.MarshalBinary()
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	if _, err := c.node.Query(ctx, c.owner, sessionID, payload, sessionPub); err != nil {
		if errors.Is(err, ledger.ErrClusterUnavailable) && c.demo != nil {
			c.log.Warnw("cluster unavailable, serving simulated result", "session", sessionID)
			return c.simulate(contacts, fps, truncated), nil
		}
		return nil, err
	}

	settled, err := c.await(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if settled.Status != ledger.StatusCompleted {
		return nil, fmt.Errorf("%w: session %s", ErrComputationFailed, sessionID)
	}

	resPlain, err := ecies.Decrypt(key.KeyGroup, session.Key, &ecies.Ciphertext{
		Ephemeral:  settled.ResultEphemeral,
		Nonce:      settled.ResultNonce,
		Ciphertext: settled.ResultCiphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("client: opening result: %w", err)
	}
	match, err := arx.DecodeMatchResult(resPlain)
	if err != nil {
		return nil, err
	}

	matches := make([]ContactMatch, len(contacts))
	for i, contact := range contacts {
		matches[i] = ContactMatch{Contact: contact, Matched: match.Matched[i]}
	}
	result := &Verified{
		sessionID: sessionID,
		matches:   matches,
		count:     match.MatchCount,
		truncated: truncated,
	}
	c.cache.Add(sessionID, Result(result))
	return result, nil
}

// Result returns the settled result of one of this client's past sessions.
// A terminal session is immutable, so serving it from memory is always
// correct — unlike a query batch, which can match differently as soon as one
// more registration lands. That is why Intersect never reuses results: every
// call runs a fresh computation.
func (c *Client) Result(sessionID string) (Result, bool) {
	cached, ok := c.cache.Get(sessionID)
	if !ok {
		return nil, false
	}
	return cached.(Result), true
}

// Sessions returns the owner's query history, newest first.
func (c *Client) Sessions(ctx context.Context) ([]*ledger.Session, error) {
	type lister interface {
		SessionsByOwner(ctx context.Context, owner string) ([]*ledger.Session, error)
	}
	n, ok := c.node.(lister)
	if !ok {
		return nil, errors.New("client: node does not expose session history")
	}
	return n.SessionsByOwner(ctx, c.owner)
}

// await polls the session until it reaches a terminal status.
func (c *Client) await(ctx context.Context, sessionID string) (*ledger.Session, error) {
	for {
		session, err := c.node.Session(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Status.IsTerminal() {
			return session, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}
	}
}

// simulate matches the batch against the demo contacts in plaintext.
func (c *Client) simulate(contacts []string, fps []canon.Fingerprint, truncated bool) *Simulated {
	demo := make(map[canon.Fingerprint]struct{}, len(c.demo))
	for _, f := range c.demo {
		demo[f] = struct{}{}
	}

	matches := make([]ContactMatch, len(contacts))
	var count uint64
	for i, contact := range contacts {
		_, ok := demo[fps[i]]
		matches[i] = ContactMatch{Contact: contact, Matched: ok}
		if ok {
			count++
		}
	}
	return &Simulated{matches: matches, count: count, truncated: truncated}
}

