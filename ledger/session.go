package ledger

import "fmt"

// Status is the lifecycle state of a query session. Transitions only move
// forward: Pending -> Computing -> {Completed | Failed}. Terminal statuses
// are immutable.
type Status uint8

const (
	// StatusPending means the query was accepted for submission but the
	// cluster has not acknowledged it yet.
	StatusPending Status = iota
	// StatusComputing means the cluster acknowledged the computation.
	StatusComputing
	// StatusCompleted means a finalization proof verified and the result
	// ciphertext is stored.
	StatusCompleted
	// StatusFailed means the computation failed or its proof was rejected.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusComputing:
		return "computing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// IsTerminal reports whether no further transition may touch the session.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session tracks one query from submission to terminal result. The result
// fields are only populated on StatusCompleted, and only from a
// proof-verified output; they stay empty forever on StatusFailed.
type Session struct {
	// ID is chosen by the submitter from a range wide enough that collisions
	// across concurrent sessions are negligible.
	ID    string
	Owner string
	// ComputationID routes the finalization callback.
	ComputationID uint64
	Status        Status

	// ResultCiphertext/Nonce/Ephemeral are the encrypted match result; only
	// the submitter's session key can open them.
	ResultCiphertext []byte
	ResultNonce      []byte
	ResultEphemeral  []byte

	CreatedAt int64
}
