package canon

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Size is the width of a fingerprint in bytes.
const Size = 16

// Fingerprint is a 128-bit identifier derived from a canonical contact
// string: the first 16 bytes of its SHA-256 digest, read little-endian.
// The zero fingerprint doubles as the empty-slot and padding sentinel; a real
// contact hashing to zero would require a SHA-256 preimage of the all-zero
// prefix, so the sentinel never collides with a registered fingerprint in
// practice.
type Fingerprint struct {
	Lo uint64
	Hi uint64
}

// FingerprintOf hashes a canonical contact string into its fingerprint. The
// input is expected to already be in canonical form; callers holding raw
// strings should go through Normalize first.
func FingerprintOf(normalized string) Fingerprint {
	sum := sha256.Sum256([]byte(normalized))
	return FingerprintFromBytes(sum[:Size])
}

// FingerprintFromBytes reads a little-endian 128-bit fingerprint from b.
// b must be exactly Size bytes.
func FingerprintFromBytes(b []byte) Fingerprint {
	if len(b) != Size {
		panic(fmt.Sprintf("canon: fingerprint must be %d bytes, got %d", Size, len(b)))
	}
	return Fingerprint{
		Lo: binary.LittleEndian.Uint64(b[:8]),
		Hi: binary.LittleEndian.Uint64(b[8:]),
	}
}

// Bytes returns the little-endian encoding of f.
func (f Fingerprint) Bytes() []byte {
	out := make([]byte, Size)
	binary.LittleEndian.PutUint64(out[:8], f.Lo)
	binary.LittleEndian.PutUint64(out[8:], f.Hi)
	return out
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x%016x", f.Hi, f.Lo)
}

// IsZero reports whether f is the empty sentinel. Not constant-time; use
// EqMask in scanning code.
func (f Fingerprint) IsZero() bool {
	return f.Lo == 0 && f.Hi == 0
}

// Mod reduces the 128-bit fingerprint modulo n. Used to derive the bucket
// index; must agree everywhere the bucket assignment is computed.
func (f Fingerprint) Mod(n uint64) uint64 {
	// Reduce the high limb first so bits.Div64's quotient cannot overflow.
	r := f.Hi % n
	_, rem := bits.Div64(r, f.Lo, n)
	return rem
}

// EqMask compares two fingerprints without branching on their contents,
// returning 1 when equal and 0 otherwise.
func (f Fingerprint) EqMask(other Fingerprint) uint64 {
	return EqMask64(f.Lo, other.Lo) & EqMask64(f.Hi, other.Hi)
}

// The helpers below are the branch-free building blocks of the registry
// scans. They operate on full words and never feed secret data into a
// branch or a table index.

// EqMask64 returns 1 when x == y, 0 otherwise, in constant time.
func EqMask64(x, y uint64) uint64 {
	z := x ^ y
	return ((z | -z) >> 63) ^ 1
}

// LtMask64 returns 1 when x < y (unsigned), 0 otherwise, in constant time.
func LtMask64(x, y uint64) uint64 {
	// Borrow-out of x - y.
	return ((^x & y) | (^(x ^ y) & (x - y))) >> 63
}

// Select64 returns a when mask is 1 and b when mask is 0, in constant time.
// mask must be 0 or 1.
func Select64(mask, a, b uint64) uint64 {
	return b ^ (-mask & (a ^ b))
}
