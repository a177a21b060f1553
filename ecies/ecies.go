// Package ecies implements the ephemeral-static encryption used between a
// querying party and the computation cluster: a fresh DH exchange per
// message, HKDF key derivation, and AES-GCM for the payload.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	krandom "github.com/drand/kyber/util/random"
	"golang.org/x/crypto/hkdf"
)

const (
	keyLength   = 32
	nonceLength = 12
)

// Ciphertext carries everything needed to decrypt except the recipient's
// private key: the sender's ephemeral public point, the AEAD nonce, and the
// sealed payload.
type Ciphertext struct {
	Ephemeral  []byte
	Nonce      []byte
	Ciphertext []byte
}

// Encrypt performs an ephemeral-static DH exchange against the recipient's
// public point, derives a symmetric key with HKDF-SHA256, and seals msg with
// AES-GCM. A fresh ephemeral scalar is drawn on every call.
func Encrypt(g kyber.Group, public kyber.Point, msg []byte) (*Ciphertext, error) {
	r := g.Scalar().Pick(krandom.New())
	eph := g.Point().Mul(r, nil)

	ephBuff, err := eph.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ecies: marshaling ephemeral point: %w", err)
	}

	dh := g.Point().Mul(r, public)
	aead, err := deriveAEAD(dh)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &Ciphertext{
		Ephemeral:  ephBuff,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, msg, nil),
	}, nil
}

// Decrypt redoes the DH exchange with the recipient's private scalar and the
// sender's ephemeral point, then opens the payload.
func Decrypt(g kyber.Group, priv kyber.Scalar, c *Ciphertext) ([]byte, error) {
	eph := g.Point()
	if err := eph.UnmarshalBinary(c.Ephemeral); err != nil {
		return nil, fmt.Errorf("ecies: unmarshaling ephemeral point: %w", err)
	}

	dh := g.Point().Mul(priv, eph)
	aead, err := deriveAEAD(dh)
	if err != nil {
		return nil, err
	}

	return aead.Open(nil, c.Nonce, c.Ciphertext, nil)
}

func deriveAEAD(dh kyber.Point) (cipher.AEAD, error) {
	dhBuff, err := dh.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ecies: marshaling shared point: %w", err)
	}

	reader := hkdf.New(sha256.New, dhBuff, nil, nil)
	key := make([]byte, keyLength)
	n, err := reader.Read(key)
	if err != nil {
		return nil, err
	} else if n != keyLength {
		return nil, errors.New("ecies: not enough bits from the shared secret")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
