package ledger

import "sync"

// Events carry only fields that are independently verifiable from public
// state. A query-completed event never discloses a match count: that value
// only exists encrypted under the submitter's session key. A
// registration-completed event never claims a total-user figure: the only
// sanctioned aggregate is the explicit size reveal.

// Event is implemented by all ledger event types.
type Event interface {
	Name() string
}

// QueryCompleted fires when a query session reaches a terminal status.
type QueryCompleted struct {
	SessionID string
	Status    Status
}

func (QueryCompleted) Name() string { return "query_completed" }

// RegistrationCompleted fires when a verified registration output commits.
// Inserted is the truthful per-attempt outcome: false means the target
// bucket was full and nothing changed.
type RegistrationCompleted struct {
	ComputationID uint64
	Bucket        uint64
	Inserted      bool
}

func (RegistrationCompleted) Name() string { return "registration_completed" }

// RegistrySizeRevealed fires when a verified size-reveal output arrives.
type RegistrySizeRevealed struct {
	ComputationID uint64
	TotalOccupied uint64
}

func (RegistrySizeRevealed) Name() string { return "registry_size_revealed" }

// callbackQueueSize bounds how many undelivered events a lagging listener
// may accumulate before emitters block on it.
const callbackQueueSize = 64

// callbackStore fans events out to registered listeners, keyed so listeners
// can unregister. Each listener runs on its own worker goroutine fed by a
// buffered channel: emit only enqueues, so listeners are free to call back
// into the Program without deadlocking on its internal locks. Per-listener
// delivery order is preserved.
type callbackStore struct {
	mu   sync.Mutex
	jobs map[string]chan Event
}

func newCallbackStore() *callbackStore {
	return &callbackStore{jobs: make(map[string]chan Event)}
}

func (c *callbackStore) add(id string, fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, exists := c.jobs[id]; exists {
		close(ch)
	}
	ch := make(chan Event, callbackQueueSize)
	c.jobs[id] = ch
	go func() {
		for e := range ch {
			fn(e)
		}
	}()
}

func (c *callbackStore) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, exists := c.jobs[id]; exists {
		close(ch)
		delete(c.jobs, id)
	}
}

func (c *callbackStore) emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.jobs {
		ch <- e
	}
}

// close stops all listener workers.
func (c *callbackStore) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.jobs {
		close(ch)
		delete(c.jobs, id)
	}
}
