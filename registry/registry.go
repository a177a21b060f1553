// Package registry implements the bucketed fingerprint table the matching
// computation runs against. The table only ever exists in plaintext inside
// the computation cluster boundary; outside of it the encoded state travels
// as an opaque ciphertext.
//
// Both scans visit every slot unconditionally and combine results with
// branch-free boolean masks. No control flow and no memory index may depend
// on a fingerprint value: a register call takes the same instruction trace
// whether the target slot is at index 0 or the bucket is full, and an
// intersection never consults the bucket shortcut for its lookups. This is a
// security requirement of the protocol, not an optimization opportunity.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blindlink/blindlink/canon"
)

// Protocol constants. These are part of the external contract and must be
// identical everywhere a bucket index or a batch length is computed.
const (
	// NumBuckets partitions the registry; bucket index = fingerprint mod NumBuckets.
	NumBuckets = 4
	// BucketSize is the slot capacity of a single bucket.
	BucketSize = 16
	// MaxClientContacts is the fixed query batch length; shorter batches are
	// padded with the zero sentinel.
	MaxClientContacts = 16

	// Capacity is the nominal total. The achievable total is lower whenever
	// fingerprints distribute unevenly: a bucket fills at BucketSize no
	// matter how empty its siblings are. That gap is a documented property
	// of the bucket assignment, not a defect.
	Capacity = NumBuckets * BucketSize
)

// EncodedSize is the byte length of the fixed state layout: per bucket,
// BucketSize little-endian 16-byte slots followed by a uint64 occupancy, then
// the registry-wide total.
const EncodedSize = NumBuckets*(BucketSize*canon.Size+8) + 8

// ErrCorrupted is returned when the decoded state violates its own
// accounting. Callers must halt further mutation on this error.
var ErrCorrupted = errors.New("registry: occupancy accounting violated")

// Bucket is a fixed-capacity partition. Slots[0:Occupancy] hold registered
// fingerprints, the rest hold the zero sentinel.
type Bucket struct {
	Slots     [BucketSize]canon.Fingerprint
	Occupancy uint64
}

// State is the full registry table.
type State struct {
	Buckets       [NumBuckets]Bucket
	TotalOccupied uint64
}

// New returns an empty registry: all slots zero, all counters zero.
func New() *State {
	return &State{}
}

// Register inserts f into its bucket, writing the first empty slot (lowest
// index wins). It returns true and bumps both counters only when a slot was
// actually written; a full bucket mutates nothing and returns false. The
// counters are the truthful account of fill state — they never move on a
// rejected insertion.
//
// Duplicates are not detected: re-registering a present fingerprint consumes
// another slot if one is free.
//
// The scan walks every bucket with a target-bucket guard so the trace is
// independent of the fingerprint value.
func (s *State) Register(f canon.Fingerprint) bool {
	target := f.Mod(NumBuckets)

	var inserted uint64
	for b := range s.Buckets {
		bucket := &s.Buckets[b]
		isTarget := canon.EqMask64(uint64(b), target)

		var wroteHere uint64
		for j := range bucket.Slots {
			slot := &bucket.Slots[j]
			empty := slot.EqMask(canon.Fingerprint{})
			write := isTarget & empty & (inserted ^ 1)

			slot.Lo = canon.Select64(write, f.Lo, slot.Lo)
			slot.Hi = canon.Select64(write, f.Hi, slot.Hi)

			wroteHere |= write
			inserted |= write
		}
		bucket.Occupancy += wroteHere
	}
	s.TotalOccupied += inserted

	return inserted == 1
}

// Intersect scans the whole table once per batch slot and reports, per slot,
// whether the fingerprint is registered. Padding slots (index >= trueCount)
// are scanned identically; their flags are returned as computed and it is the
// caller's job to discard them. matchCount only counts hits among the first
// trueCount slots.
//
// Every bucket is visited for every batch slot on purpose: consulting the
// bucket index would turn a secret value into a memory-access pattern.
func (s *State) Intersect(batch [MaxClientContacts]canon.Fingerprint, trueCount uint64) (matched [MaxClientContacts]bool, matchCount uint64) {
	for i := 0; i < MaxClientContacts; i++ {
		q := batch[i]

		var found uint64
		for b := range s.Buckets {
			bucket := &s.Buckets[b]
			for j := range bucket.Slots {
				// Occupancy guard: with insertions always filling the lowest
				// empty slot, occupied slots are exactly [0, Occupancy).
				occupied := canon.LtMask64(uint64(j), bucket.Occupancy)
				found |= occupied & q.EqMask(bucket.Slots[j])
			}
		}

		matched[i] = found == 1
		active := canon.LtMask64(uint64(i), trueCount)
		matchCount += active & found
	}
	return matched, matchCount
}

// CheckInvariants verifies the occupancy accounting: no bucket above
// capacity, and the total equal to the per-bucket sum. A failure means the
// state was corrupted outside this package and no further mutation may run.
func (s *State) CheckInvariants() error {
	var sum uint64
	for b := range s.Buckets {
		occ := s.Buckets[b].Occupancy
		if occ > BucketSize {
			return fmt.Errorf("%w: bucket %d occupancy %d > %d", ErrCorrupted, b, occ, BucketSize)
		}
		sum += occ
	}
	if sum != s.TotalOccupied {
		return fmt.Errorf("%w: total %d != bucket sum %d", ErrCorrupted, s.TotalOccupied, sum)
	}
	return nil
}

// Encode serializes the state into its fixed little-endian layout.
func (s *State) Encode() []byte {
	out := make([]byte, 0, EncodedSize)
	for b := range s.Buckets {
		for j := range s.Buckets[b].Slots {
			out = append(out, s.Buckets[b].Slots[j].Bytes()...)
		}
		out = binary.LittleEndian.AppendUint64(out, s.Buckets[b].Occupancy)
	}
	return binary.LittleEndian.AppendUint64(out, s.TotalOccupied)
}

// Decode parses a fixed-layout state blob and validates its accounting.
func Decode(data []byte) (*State, error) {
	if len(data) != EncodedSize {
		return nil, fmt.Errorf("registry: encoded state must be %d bytes, got %d", EncodedSize, len(data))
	}

	s := New()
	off := 0
	for b := range s.Buckets {
		for j := range s.Buckets[b].Slots {
			s.Buckets[b].Slots[j] = canon.FingerprintFromBytes(data[off : off+canon.Size])
			off += canon.Size
		}
		s.Buckets[b].Occupancy = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}
	s.TotalOccupied = binary.LittleEndian.Uint64(data[off:])

	if err := s.CheckInvariants(); err != nil {
		return nil, err
	}
	return s, nil
}
