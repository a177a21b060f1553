// Package canon canonicalizes raw contact strings and derives their
// fingerprints. The registration and query paths both call into this package;
// matching only works if the two paths produce bit-identical fingerprints, so
// everything here is pure, total and unsalted. Do not add per-call randomness.
package canon

import (
	"strings"
)

// Kind classifies a raw contact string. Every string classifies into exactly
// one kind; classification never fails.
type Kind uint8

const (
	// KindPhone is a contact whose digit-only projection has a plausible
	// subscriber-number length.
	KindPhone Kind = iota
	// KindEmail is a contact containing an internal '@' after stripping one
	// leading '@'.
	KindEmail
	// KindHandle is everything else, e.g. a username.
	KindHandle
)

func (k Kind) String() string {
	switch k {
	case KindPhone:
		return "phone"
	case KindEmail:
		return "email"
	default:
		return "handle"
	}
}

// Phone classification bounds on the digit-only projection. Shorter or longer
// digit runs are treated as handles, never padded or country-code inferred.
const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// Normalize maps a raw contact string to its canonical form. Rules, in
// priority order: surrounding whitespace is stripped; a digit-only projection
// of length [7,15] classifies the string as a phone number and becomes the
// canonical form; otherwise one leading '@' is stripped and the remainder is
// lowercased (both for emails and handles). Normalize is idempotent.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)

	if digits := digitsOf(s); len(digits) >= minPhoneDigits && len(digits) <= maxPhoneDigits {
		return digits
	}

	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

// Classify reports the kind Normalize assigned to a raw contact string. It is
// informational only; the canonical form is fully determined by Normalize.
func Classify(raw string) Kind {
	s := strings.TrimSpace(raw)

	if digits := digitsOf(s); len(digits) >= minPhoneDigits && len(digits) <= maxPhoneDigits {
		return KindPhone
	}

	s = strings.TrimPrefix(s, "@")
	// An '@' still sitting at the front is not internal.
	if strings.Index(s, "@") > 0 {
		return KindEmail
	}
	return KindHandle
}

// digitsOf returns the digit-only projection of s, preserving digit order.
func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
