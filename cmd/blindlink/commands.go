package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/blindlink/blindlink/arx"
	"github.com/blindlink/blindlink/client"
	"github.com/blindlink/blindlink/common/log"
	"github.com/blindlink/blindlink/key"
	"github.com/blindlink/blindlink/ledger"
	"github.com/blindlink/blindlink/ledger/boltdb"
	"github.com/blindlink/blindlink/ledger/memdb"
)

// settleTimeout bounds how long a command waits for a computation to settle.
const settleTimeout = 30 * time.Second

// node is the full in-process stack a command runs against: file-backed
// keys, a ledger store, the computation cluster and the ledger program.
type node struct {
	log     log.Logger
	program *ledger.Program
	public  *key.ClusterPublic
}

func buildNode(c *cli.Context) (*node, error) {
	l := logger(c)
	folder := c.String(folderFlag.Name)

	fstore, err := key.NewFileStore(folder)
	if err != nil {
		return nil, err
	}
	keys, err := fstore.LoadCluster()
	if err != nil {
		return nil, fmt.Errorf("no cluster keys under %s, run `blindlink keygen` first: %w", folder, err)
	}

	cluster, err := arx.New(l, keys)
	if err != nil {
		return nil, err
	}

	var store ledger.Store
	switch backend := c.String(backendFlag.Name); backend {
	case "bolt":
		store, err = boltdb.NewStore(l, folder)
		if err != nil {
			return nil, err
		}
	case "memory":
		store = memdb.NewStore()
	default:
		return nil, fmt.Errorf("unknown db backend %q", backend)
	}

	return &node{
		log:     l,
		program: ledger.NewProgram(l, store, cluster, cluster.Public()),
		public:  cluster.Public(),
	}, nil
}

func (n *node) close() {
	if err := n.program.Close(); err != nil {
		n.log.Errorw("closing node", "err", err)
	}
}

// subscribe attaches an event collector. It must be called before the
// computation is queued, otherwise the event can fire into the void.
func (n *node) subscribe(id string) (<-chan ledger.Event, func()) {
	found := make(chan ledger.Event, 64)
	n.program.AddCallback(id, func(e ledger.Event) {
		select {
		case found <- e:
		default:
		}
	})
	return found, func() { n.program.RemoveCallback(id) }
}

// awaitEvent drains the subscription until an event matches the predicate.
func awaitEvent(events <-chan ledger.Event, match func(ledger.Event) bool) (ledger.Event, error) {
	deadline := time.After(settleTimeout)
	for {
		select {
		case e := <-events:
			if match(e) {
				return e, nil
			}
		case <-deadline:
			return nil, errors.New("computation did not settle in time")
		}
	}
}

func keygenCmd(c *cli.Context) error {
	folder := c.String(folderFlag.Name)
	fstore, err := key.NewFileStore(folder)
	if err != nil {
		return err
	}
	if _, err := fstore.LoadCluster(); err == nil {
		return fmt.Errorf("cluster keys already exist under %s", folder)
	}

	keys := key.NewClusterKeys()
	if err := fstore.SaveCluster(keys); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Generated cluster keys under %s\n", folder)
	return nil
}

func initCmd(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("missing authority identity in argument")
	}
	authority := c.Args().First()

	n, err := buildNode(c)
	if err != nil {
		return err
	}
	defer n.close()

	ctx := c.Context
	if _, err := n.program.InitRegistry(ctx, authority); err != nil {
		return err
	}

	// The bootstrap settles when the sealed state lands in the record.
	deadline := time.After(settleTimeout)
	for {
		rec, err := n.program.Registry(ctx)
		if err != nil {
			return err
		}
		if rec.Initialized() {
			fmt.Fprintf(c.App.Writer, "Registry initialized, authority %s\n", authority)
			return nil
		}
		select {
		case <-deadline:
			return errors.New("registry bootstrap did not settle in time")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func registerCmd(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("missing contact identifiers in arguments")
	}

	n, err := buildNode(c)
	if err != nil {
		return err
	}
	defer n.close()

	cl, err := client.New(n.log, n.program, n.public, c.String(ownerFlag.Name))
	if err != nil {
		return err
	}

	events, unsubscribe := n.subscribe("cli-register")
	defer unsubscribe()

	for _, contact := range c.Args().Slice() {
		id, err := cl.Register(c.Context, contact)
		if err != nil {
			return err
		}
		e, err := awaitEvent(events, func(e ledger.Event) bool {
			reg, ok := e.(ledger.RegistrationCompleted)
			return ok && reg.ComputationID == id
		})
		if err != nil {
			return err
		}
		reg := e.(ledger.RegistrationCompleted)
		if reg.Inserted {
			fmt.Fprintf(c.App.Writer, "Registered %q (bucket %d)\n", contact, reg.Bucket)
		} else {
			fmt.Fprintf(c.App.Writer, "Could not register %q: bucket %d is full\n", contact, reg.Bucket)
		}
	}
	return nil
}

func queryCmd(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("missing contact identifiers in arguments")
	}

	n, err := buildNode(c)
	if err != nil {
		return err
	}
	defer n.close()

	opts := []client.Option{}
	if demo := c.StringSlice(demoFlag.Name); len(demo) > 0 {
		opts = append(opts, client.WithDemoContacts(demo))
	}
	cl, err := client.New(n.log, n.program, n.public, c.String(ownerFlag.Name), opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, settleTimeout)
	defer cancel()

	res, err := cl.Intersect(ctx, c.Args().Slice())
	if err != nil {
		return err
	}

	if v, ok := res.(*client.Verified); ok {
		fmt.Fprintf(c.App.Writer, "Session %s completed, %d of %d matched\n",
			v.SessionID(), res.MatchCount(), len(res.Matches()))
	} else {
		fmt.Fprintf(c.App.Writer, "SIMULATED (cluster unavailable), %d of %d matched\n",
			res.MatchCount(), len(res.Matches()))
	}
	if res.Truncated() {
		fmt.Fprintln(c.App.Writer, "Warning: contact list was truncated to the batch limit")
	}
	for _, m := range res.Matches() {
		mark := " "
		if m.Matched {
			mark = "x"
		}
		fmt.Fprintf(c.App.Writer, "  [%s] %s\n", mark, m.Contact)
	}
	return nil
}

func sizeCmd(c *cli.Context) error {
	n, err := buildNode(c)
	if err != nil {
		return err
	}
	defer n.close()

	events, unsubscribe := n.subscribe("cli-size")
	defer unsubscribe()

	id, err := n.program.RevealRegistrySize(c.Context)
	if err != nil {
		return err
	}
	e, err := awaitEvent(events, func(e ledger.Event) bool {
		reveal, ok := e.(ledger.RegistrySizeRevealed)
		return ok && reveal.ComputationID == id
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Registry holds %d occupied slots\n",
		e.(ledger.RegistrySizeRevealed).TotalOccupied)
	return nil
}

func sessionsCmd(c *cli.Context) error {
	n, err := buildNode(c)
	if err != nil {
		return err
	}
	defer n.close()

	sessions, err := n.program.SessionsByOwner(c.Context, c.String(ownerFlag.Name))
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.App.Writer, "No sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(c.App.Writer, "%s  %-10s  created %s\n",
			s.ID, s.Status, time.Unix(s.CreatedAt, 0).Format(time.RFC3339))
	}
	return nil
}
