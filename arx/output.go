package arx

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/drand/kyber"

	"github.com/blindlink/blindlink/ecies"
	"github.com/blindlink/blindlink/key"
)

// Kind enumerates the computations the cluster runs.
type Kind uint8

const (
	// KindInitRegistry creates the initial sealed registry state.
	KindInitRegistry Kind = iota
	// KindRegister inserts one fingerprint into the registry.
	KindRegister
	// KindIntersect matches a client batch against the registry.
	KindIntersect
	// KindRevealSize discloses the registry-wide occupied total.
	KindRevealSize
)

func (k Kind) String() string {
	switch k {
	case KindInitRegistry:
		return "init_registry"
	case KindRegister:
		return "register"
	case KindIntersect:
		return "intersect"
	case KindRevealSize:
		return "reveal_size"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SealedState is the registry table encrypted under the cluster's sealing
// key. Outside the cluster it is opaque: the ledger stores and forwards it
// but can never open it.
type SealedState struct {
	Ciphertext []byte
	Nonce      []byte
}

// ErrInvalidProof is returned when an output's signature does not verify
// against the cluster's public key.
var ErrInvalidProof = errors.New("arx: output proof does not verify")

// SignedOutput is the result of one computation, signed by the cluster so
// that the ledger can verify provenance before accepting any field. OK is
// false when the computation itself failed (undecodable input, corrupted
// state); a signed failure is still an authentic cluster statement.
type SignedOutput struct {
	ComputationID uint64
	Kind          Kind
	OK            bool

	// State is the new sealed registry (init_registry, register).
	State *SealedState
	// Result is the match result encrypted to the client's session key
	// (intersect). Plaintext results never leave the cluster.
	Result *ecies.Ciphertext

	// Revealed fields. Register discloses its bucket and the truthful success
	// flag; reveal_size discloses the occupied total. Nothing else is ever
	// revealed.
	Bucket        uint64
	Inserted      bool
	TotalOccupied uint64

	Signature []byte
}

// digest computes the message the cluster signs: a SHA-256 over every field
// in a fixed order, length-prefixed so no two outputs share an encoding.
func (o *SignedOutput) digest() []byte {
	h := sha256.New()
	_, _ = h.Write([]byte("blindlink/arx/output/v1"))

	var scratch [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		_, _ = h.Write(scratch[:])
	}
	writeBytes := func(b []byte) {
		writeU64(uint64(len(b)))
		_, _ = h.Write(b)
	}
	writeBool := func(b bool) {
		if b {
			_, _ = h.Write([]byte{1})
		} else {
			_, _ = h.Write([]byte{0})
		}
	}

	writeU64(o.ComputationID)
	_, _ = h.Write([]byte{byte(o.Kind)})
	writeBool(o.OK)

	if o.State != nil {
		writeBool(true)
		writeBytes(o.State.Nonce)
		writeBytes(o.State.Ciphertext)
	} else {
		writeBool(false)
	}

	if o.Result != nil {
		writeBool(true)
		writeBytes(o.Result.Ephemeral)
		writeBytes(o.Result.Nonce)
		writeBytes(o.Result.Ciphertext)
	} else {
		writeBool(false)
	}

	writeU64(o.Bucket)
	writeBool(o.Inserted)
	writeU64(o.TotalOccupied)

	return h.Sum(nil)
}

// sign attaches the cluster's signature over the output digest.
func (o *SignedOutput) sign(priv kyber.Scalar) error {
	sig, err := key.AuthScheme.Sign(priv, o.digest())
	if err != nil {
		return fmt.Errorf("arx: signing output: %w", err)
	}
	o.Signature = sig
	return nil
}

// Verify checks the output's signature against the cluster's public key.
// Callers must not consume any output field, OK included, before this
// succeeds.
func Verify(public kyber.Point, o *SignedOutput) error {
	if o == nil || len(o.Signature) == 0 {
		return ErrInvalidProof
	}
	if err := key.AuthScheme.Verify(public, o.digest(), o.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}
