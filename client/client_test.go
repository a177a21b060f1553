package client_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blindlink/blindlink/arx"
	"github.com/blindlink/blindlink/client"
	"github.com/blindlink/blindlink/common/log"
	"github.com/blindlink/blindlink/ecies"
	"github.com/blindlink/blindlink/key"
	"github.com/blindlink/blindlink/ledger"
	"github.com/blindlink/blindlink/ledger/memdb"
	"github.com/blindlink/blindlink/registry"
)

// testNode wires a full in-process stack: memory store, cluster, program.
func testNode(t *testing.T) (*ledger.Program, *key.ClusterPublic) {
	t.Helper()
	keys := key.NewClusterKeys()
	l := log.New(nil, log.ErrorLevel, true)
	cluster, err := arx.New(l, keys)
	require.NoError(t, err)
	p := ledger.NewProgram(l, memdb.NewStore(), cluster, cluster.Public())

	ctx := context.Background()
	_, err = p.InitRegistry(ctx, "authority-1")
	require.NoError(t, err)
	deadline := time.After(5 * time.Second)
	for {
		rec, err := p.Registry(ctx)
		require.NoError(t, err)
		if rec.Initialized() {
			return p, cluster.Public()
		}
		select {
		case <-deadline:
			t.Fatal("registry never initialized")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// registerAndWait submits a registration and blocks until its verified
// event lands, so a following query is guaranteed to see it.
func registerAndWait(t *testing.T, p *ledger.Program, c *client.Client, contact string) {
	t.Helper()
	done := make(chan ledger.RegistrationCompleted, 4)
	cbID := "test-register-" + contact
	p.AddCallback(cbID, func(e ledger.Event) {
		if reg, ok := e.(ledger.RegistrationCompleted); ok {
			done <- reg
		}
	})
	defer p.RemoveCallback(cbID)

	id, err := c.Register(context.Background(), contact)
	require.NoError(t, err)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case reg := <-done:
			if reg.ComputationID == id {
				require.True(t, reg.Inserted)
				return
			}
		case <-deadline:
			t.Fatalf("registration of %q never settled", contact)
		}
	}
}

func newClient(t *testing.T, node client.Node, pub *key.ClusterPublic, owner string, opts ...client.Option) *client.Client {
	t.Helper()
	opts = append([]client.Option{client.WithPollInterval(5 * time.Millisecond)}, opts...)
	c, err := client.New(log.New(nil, log.ErrorLevel, true), node, pub, owner, opts...)
	require.NoError(t, err)
	return c
}

func TestClientEndToEnd(t *testing.T) {
	node, pub := testNode(t)
	ctx := context.Background()

	alice := newClient(t, node, pub, "alice")
	bob := newClient(t, node, pub, "bob")

	registerAndWait(t, node, alice, " Alice@Example.COM ")
	registerAndWait(t, node, alice, "+1 (555) 010-9999")

	// Bob's address book holds both registered identifiers in different
	// surface forms, plus one stranger.
	res, err := bob.Intersect(ctx, []string{
		"alice@example.com",
		"15550109999",
		"@Dave",
	})
	require.NoError(t, err)

	verified, ok := res.(*client.Verified)
	require.True(t, ok)
	require.NotEmpty(t, verified.SessionID())
	require.False(t, res.Truncated())
	require.Equal(t, uint64(2), res.MatchCount())

	matches := res.Matches()
	require.Len(t, matches, 3)
	require.Equal(t, "alice@example.com", matches[0].Contact)
	require.True(t, matches[0].Matched)
	require.True(t, matches[1].Matched)
	require.False(t, matches[2].Matched)

	// The session history shows the settled query.
	sessions, err := bob.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, ledger.StatusCompleted, sessions[0].Status)
}

func TestClientNormalizationAgreement(t *testing.T) {
	node, pub := testNode(t)
	ctx := context.Background()

	alice := newClient(t, node, pub, "alice")
	bob := newClient(t, node, pub, "bob")

	// Registration and query use different surface forms of the same
	// identifier; canonicalization must make them meet.
	pairs := [][2]string{
		{"+1-555-867-5309", "1 (555) 867 5309"},
		{"USER@HOST.COM", "user@host.com"},
		{"@handle", "handle"},
	}
	for _, pair := range pairs {
		registerAndWait(t, node, alice, pair[0])
	}

	for _, pair := range pairs {
		res, err := bob.Intersect(ctx, []string{pair[1]})
		require.NoError(t, err)
		require.Equal(t, uint64(1), res.MatchCount(), "querying %q after registering %q", pair[1], pair[0])
	}
}

func TestClientTruncatesOversizedBook(t *testing.T) {
	node, pub := testNode(t)
	ctx := context.Background()

	alice := newClient(t, node, pub, "alice")
	bob := newClient(t, node, pub, "bob")

	// Register a contact that only appears beyond the batch limit.
	registerAndWait(t, node, alice, "beyond@example.com")

	contacts := make([]string, registry.MaxClientContacts+4)
	for i := range contacts {
		contacts[i] = fmt.Sprintf("nobody-%d@example.com", i)
	}
	contacts[len(contacts)-1] = "beyond@example.com"

	res, err := bob.Intersect(ctx, contacts)
	require.NoError(t, err)
	require.True(t, res.Truncated())
	require.Len(t, res.Matches(), registry.MaxClientContacts)
	// The dropped tail cannot match.
	require.Equal(t, uint64(0), res.MatchCount())
}

func TestClientEmptyBook(t *testing.T) {
	node, pub := testNode(t)
	bob := newClient(t, node, pub, "bob")

	_, err := bob.Intersect(context.Background(), nil)
	require.ErrorIs(t, err, client.ErrNoContacts)
}

func TestClientRepeatedQuerySeesNewRegistrations(t *testing.T) {
	node, pub := testNode(t)
	ctx := context.Background()

	alice := newClient(t, node, pub, "alice")
	bob := newClient(t, node, pub, "bob")

	book := []string{"late@example.com"}

	first, err := bob.Intersect(ctx, book)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.MatchCount())

	// A registration landing between two identical queries must be visible
	// to the second one: every Intersect runs a fresh computation.
	registerAndWait(t, node, alice, "late@example.com")

	second, err := bob.Intersect(ctx, book)
	require.NoError(t, err)
	require.Equal(t, uint64(1), second.MatchCount())
	require.True(t, second.Matches()[0].Matched)

	sessions, err := bob.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}

func TestClientResultLookup(t *testing.T) {
	node, pub := testNode(t)
	ctx := context.Background()

	bob := newClient(t, node, pub, "bob")

	res, err := bob.Intersect(ctx, []string{"someone@example.com"})
	require.NoError(t, err)
	verified := res.(*client.Verified)

	// Settled sessions are immutable, so their results are served from
	// memory by session id.
	cached, ok := bob.Result(verified.SessionID())
	require.True(t, ok)
	require.Same(t, res, cached)

	_, ok = bob.Result("no-such-session")
	require.False(t, ok)
}

// unavailableNode refuses queries the way an unreachable cluster does.
type unavailableNode struct{}

func (unavailableNode) Register(context.Context, *ecies.Ciphertext) (uint64, error) {
	return 0, ledger.ErrClusterUnavailable
}

func (unavailableNode) Query(context.Context, string, string, *ecies.Ciphertext, []byte) (uint64, error) {
	return 0, fmt.Errorf("%w: refused", ledger.ErrClusterUnavailable)
}

func (unavailableNode) Session(context.Context, string) (*ledger.Session, error) {
	return nil, ledger.ErrNoSession
}

func TestClientSimulatedFallback(t *testing.T) {
	keys := key.NewClusterKeys()
	bob := newClient(t, unavailableNode{}, keys.Public(), "bob",
		client.WithDemoContacts([]string{"Friend@Example.com", "+1 555 010 1234"}))

	res, err := bob.Intersect(context.Background(), []string{
		"friend@example.com",
		"nobody@example.com",
	})
	require.NoError(t, err)

	_, simulated := res.(*client.Simulated)
	require.True(t, simulated)
	require.Equal(t, uint64(1), res.MatchCount())
	require.True(t, res.Matches()[0].Matched)
	require.False(t, res.Matches()[1].Matched)
}

func TestClientNoFallbackWithoutOptIn(t *testing.T) {
	keys := key.NewClusterKeys()
	bob := newClient(t, unavailableNode{}, keys.Public(), "bob")

	_, err := bob.Intersect(context.Background(), []string{"friend@example.com"})
	require.ErrorIs(t, err, ledger.ErrClusterUnavailable)
}

func TestClientFreshSessionPerQuery(t *testing.T) {
	node, pub := testNode(t)
	ctx := context.Background()

	bob := newClient(t, node, pub, "bob")

	first, err := bob.Intersect(ctx, []string{"one@example.com"})
	require.NoError(t, err)
	second, err := bob.Intersect(ctx, []string{"two@example.com"})
	require.NoError(t, err)

	v1 := first.(*client.Verified)
	v2 := second.(*client.Verified)
	require.NotEqual(t, v1.SessionID(), v2.SessionID())
}
