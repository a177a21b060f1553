package client

// ContactMatch pairs one submitted contact with its outcome. Contact is the
// string exactly as the caller passed it, so results can be joined back to
// the caller's address book without re-running canonicalization.
type ContactMatch struct {
	Contact string
	Matched bool
}

// Result is the outcome of an intersection. The concrete type says how much
// to trust it: a *Verified result went through the cluster and carries a
// proof-checked ciphertext; a *Simulated result was computed locally against
// demo data and must never be presented as private.
type Result interface {
	// Matches returns one entry per submitted contact, in submission order.
	Matches() []ContactMatch
	// MatchCount returns how many submitted contacts matched.
	MatchCount() uint64
	// Truncated reports whether the submission was cut to the batch limit.
	Truncated() bool

	isResult()
}

// Verified is a result decrypted from a proof-verified cluster output.
type Verified struct {
	sessionID string
	matches   []ContactMatch
	count     uint64
	truncated bool
}

// SessionID returns the session the result settled under.
func (v *Verified) SessionID() string       { return v.sessionID }
func (v *Verified) Matches() []ContactMatch { return v.matches }
func (v *Verified) MatchCount() uint64      { return v.count }
func (v *Verified) Truncated() bool         { return v.truncated }
func (*Verified) isResult()                 {}

// Simulated is a result computed locally against configured demo contacts.
// It exists so the flow stays demonstrable when no cluster is reachable.
type Simulated struct {
	matches   []ContactMatch
	count     uint64
	truncated bool
}

func (s *Simulated) Matches() []ContactMatch { return s.matches }
func (s *Simulated) MatchCount() uint64      { return s.count }
func (s *Simulated) Truncated() bool         { return s.truncated }
func (*Simulated) isResult()                 {}
