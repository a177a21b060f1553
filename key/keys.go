// Package key manages the computation cluster's long-term key material: a
// BLS pair that signs computation outputs and a DH pair clients encrypt
// their submissions to. Keys are saved and loaded as TOML files.
package key

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	sign "github.com/drand/kyber/sign/bls" //nolint:staticcheck // single-key use, no aggregation
	"github.com/drand/kyber/util/random"
)

// Pairing is the pairing suite the protocol runs on.
var Pairing = bls.NewBLS12381Suite()

// KeyGroup is the group used for public keys, the DH exchange pair and the
// client's ephemeral session keys.
var KeyGroup = Pairing.G1()

// SigGroup is the group computation-output signatures live in; it must always
// be different from KeyGroup.
var SigGroup = Pairing.G2()

// AuthScheme is the signature scheme for computation outputs: keys on G1,
// signatures on G2.
var AuthScheme = sign.NewSchemeOnG2(Pairing)

// Pair is a private scalar with its public point.
type Pair struct {
	Key    kyber.Scalar
	Public kyber.Point
}

// NewAuthPair generates a fresh signing pair for the AuthScheme.
func NewAuthPair() *Pair {
	priv, pub := AuthScheme.NewKeyPair(random.New())
	return &Pair{Key: priv, Public: pub}
}

// NewExchangePair generates a fresh DH pair on KeyGroup.
func NewExchangePair() *Pair {
	priv := KeyGroup.Scalar().Pick(random.New())
	return &Pair{Key: priv, Public: KeyGroup.Point().Mul(priv, nil)}
}

// ClusterKeys bundles the cluster's private material.
type ClusterKeys struct {
	Auth     *Pair
	Exchange *Pair
}

// NewClusterKeys generates the full private key set of a cluster.
func NewClusterKeys() *ClusterKeys {
	return &ClusterKeys{
		Auth:     NewAuthPair(),
		Exchange: NewExchangePair(),
	}
}

// Public strips the private scalars.
func (c *ClusterKeys) Public() *ClusterPublic {
	return &ClusterPublic{
		Auth:     c.Auth.Public,
		Exchange: c.Exchange.Public,
	}
}

// ClusterPublic is the publicly distributed part of a cluster identity: the
// proof-verification key and the submission-encryption key. This is the
// "known public material" sessions verify finalization proofs against.
type ClusterPublic struct {
	Auth     kyber.Point
	Exchange kyber.Point
}

// Equal reports whether two public identities match.
func (p *ClusterPublic) Equal(o *ClusterPublic) bool {
	return p.Auth.Equal(o.Auth) && p.Exchange.Equal(o.Exchange)
}

// ClusterTOML is the TOML-able version of ClusterKeys.
type ClusterTOML struct {
	AuthKey     string
	ExchangeKey string
}

// ClusterPublicTOML is the TOML-able version of ClusterPublic.
type ClusterPublicTOML struct {
	AuthPublic     string
	ExchangePublic string
}

// TOML returns a struct that can be marshaled by a TOML encoder.
func (c *ClusterKeys) TOML() *ClusterTOML {
	return &ClusterTOML{
		AuthKey:     scalarToString(c.Auth.Key),
		ExchangeKey: scalarToString(c.Exchange.Key),
	}
}

// FromTOML reconstructs the private pairs, re-deriving the public points.
func (c *ClusterKeys) FromTOML(t *ClusterTOML) error {
	authKey, err := stringToScalar(KeyGroup, t.AuthKey)
	if err != nil {
		return fmt.Errorf("key: decoding auth key: %w", err)
	}
	exchKey, err := stringToScalar(KeyGroup, t.ExchangeKey)
	if err != nil {
		return fmt.Errorf("key: decoding exchange key: %w", err)
	}
	c.Auth = &Pair{Key: authKey, Public: KeyGroup.Point().Mul(authKey, nil)}
	c.Exchange = &Pair{Key: exchKey, Public: KeyGroup.Point().Mul(exchKey, nil)}
	return nil
}

// TOML returns a struct that can be marshaled by a TOML encoder.
func (p *ClusterPublic) TOML() *ClusterPublicTOML {
	return &ClusterPublicTOML{
		AuthPublic:     pointToString(p.Auth),
		ExchangePublic: pointToString(p.Exchange),
	}
}

// FromTOML reconstructs the public identity.
func (p *ClusterPublic) FromTOML(t *ClusterPublicTOML) error {
	auth, err := stringToPoint(KeyGroup, t.AuthPublic)
	if err != nil {
		return fmt.Errorf("key: decoding auth public: %w", err)
	}
	exch, err := stringToPoint(KeyGroup, t.ExchangePublic)
	if err != nil {
		return fmt.Errorf("key: decoding exchange public: %w", err)
	}
	p.Auth = auth
	p.Exchange = exch
	return nil
}

func scalarToString(s kyber.Scalar) string {
	buff, err := s.MarshalBinary()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(buff)
}

func stringToScalar(g kyber.Group, s string) (kyber.Scalar, error) {
	if s == "" {
		return nil, errors.New("empty scalar")
	}
	buff, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	sc := g.Scalar()
	if err := sc.UnmarshalBinary(buff); err != nil {
		return nil, err
	}
	return sc, nil
}

func pointToString(p kyber.Point) string {
	buff, err := p.MarshalBinary()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(buff)
}

func stringToPoint(g kyber.Group, s string) (kyber.Point, error) {
	if s == "" {
		return nil, errors.New("empty point")
	}
	buff, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	p := g.Point()
	if err := p.UnmarshalBinary(buff); err != nil {
		return nil, err
	}
	return p, nil
}
