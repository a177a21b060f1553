package arx

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/blindlink/blindlink/canon"
	"github.com/blindlink/blindlink/registry"
)

// Wire envelopes for the encrypted payloads crossing the cluster boundary.
// CBOR keeps them compact and schema-stable; integer keys so field renames
// cannot drift the encoding.

type batchWire struct {
	Fingerprints [][]byte `cbor:"1,keyasint"`
	Count        uint64   `cbor:"2,keyasint"`
}

type resultWire struct {
	Matched    []bool `cbor:"1,keyasint"`
	MatchCount uint64 `cbor:"2,keyasint"`
}

// MatchResult is the decrypted outcome of an intersection: one flag per batch
// slot, in submission order, plus the count of hits among the true (unpadded)
// entries.
type MatchResult struct {
	Matched    [registry.MaxClientContacts]bool
	MatchCount uint64
}

// EncodeQueryBatch serializes a fingerprint batch for encryption. Batches
// longer than the protocol maximum are truncated deterministically, keeping
// the first MaxClientContacts entries; count is clamped to the kept length.
// Surfacing the truncation to the submitting party is the orchestrator's job.
func EncodeQueryBatch(fps []canon.Fingerprint, count uint64) ([]byte, error) {
	if len(fps) > registry.MaxClientContacts {
		fps = fps[:registry.MaxClientContacts]
	}
	if count > uint64(len(fps)) {
		count = uint64(len(fps))
	}

	w := batchWire{
		Fingerprints: make([][]byte, len(fps)),
		Count:        count,
	}
	for i, f := range fps {
		w.Fingerprints[i] = f.Bytes()
	}
	return cbor.Marshal(w)
}

// DecodeQueryBatch parses an encrypted-envelope payload into the fixed-width
// batch the engine scans, padded with the zero sentinel. Oversized batches
// are truncated with the same rule as EncodeQueryBatch so both sides of the
// boundary agree.
func DecodeQueryBatch(data []byte) (batch [registry.MaxClientContacts]canon.Fingerprint, count uint64, err error) {
	var w batchWire
	if err = cbor.Unmarshal(data, &w); err != nil {
		return batch, 0, fmt.Errorf("arx: decoding query batch: %w", err)
	}

	fps := w.Fingerprints
	if len(fps) > registry.MaxClientContacts {
		fps = fps[:registry.MaxClientContacts]
	}
	for i, b := range fps {
		if len(b) != canon.Size {
			return batch, 0, fmt.Errorf("arx: batch slot %d has %d bytes, want %d", i, len(b), canon.Size)
		}
		batch[i] = canon.FingerprintFromBytes(b)
	}

	count = w.Count
	if count > uint64(len(fps)) {
		count = uint64(len(fps))
	}
	return batch, count, nil
}

// EncodeMatchResult serializes a match result for encryption to the client.
func EncodeMatchResult(r *MatchResult) ([]byte, error) {
	w := resultWire{
		Matched:    r.Matched[:],
		MatchCount: r.MatchCount,
	}
	return cbor.Marshal(w)
}

// DecodeMatchResult parses a decrypted result envelope.
func DecodeMatchResult(data []byte) (*MatchResult, error) {
	var w resultWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("arx: decoding match result: %w", err)
	}
	if len(w.Matched) != registry.MaxClientContacts {
		return nil, fmt.Errorf("arx: match result has %d slots, want %d", len(w.Matched), registry.MaxClientContacts)
	}

	r := &MatchResult{MatchCount: w.MatchCount}
	copy(r.Matched[:], w.Matched)
	return r, nil
}
