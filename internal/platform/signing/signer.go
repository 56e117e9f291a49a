// Package signing seals clinical record content behind an Ed25519 signature
// and binds confirmation events to timestamp proofs. A signature attests that
// exact content existed and was confirmed at a point in time; it is never
// recomputed against a record's later state.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/medseal/medseal/internal/platform/canonical"
)

// AlgorithmEd25519 identifies the only signature algorithm currently issued.
const AlgorithmEd25519 = "Ed25519"

// ErrSigningKeyUnavailable is returned when no signing key is configured.
// Confirmation must abort rather than proceed unsigned.
var ErrSigningKeyUnavailable = errors.New("signing: signing key unavailable")

// SignableRecord carries the stable fields of a clinical record that the
// content hash covers. Later mutations of the live record do not affect a
// hash computed from a SignableRecord snapshot.
type SignableRecord struct {
	ID       string
	VisitRef string
	Content  *string
	Version  int
}

// SignatureProof is the persisted result of signing a record.
type SignatureProof struct {
	Algorithm      string    `json:"algorithm"`
	SignatureValue string    `json:"signature_value"`
	SignedAt       time.Time `json:"signed_at"`
	ContentHash    string    `json:"content_hash"`
}

// KeyProvider supplies the process-wide signing key pair. Implementations
// must be read-only after initialization and safe for concurrent use.
type KeyProvider interface {
	SigningKey() (ed25519.PrivateKey, error)
	VerificationKey() (ed25519.PublicKey, error)
}

// StaticKeyProvider holds an Ed25519 key pair derived from a configured seed.
type StaticKeyProvider struct {
	priv ed25519.PrivateKey
}

// NewStaticKeyProvider derives a key pair from a 32-byte hex-encoded seed.
func NewStaticKeyProvider(hexSeed string) (*StaticKeyProvider, error) {
	if hexSeed == "" {
		return nil, ErrSigningKeyUnavailable
	}
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("signing: seed is not valid hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &StaticKeyProvider{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (p *StaticKeyProvider) SigningKey() (ed25519.PrivateKey, error) {
	if p == nil || p.priv == nil {
		return nil, ErrSigningKeyUnavailable
	}
	return p.priv, nil
}

func (p *StaticKeyProvider) VerificationKey() (ed25519.PublicKey, error) {
	if p == nil || p.priv == nil {
		return nil, ErrSigningKeyUnavailable
	}
	return p.priv.Public().(ed25519.PublicKey), nil
}

// Signer signs record content hashes and verifies stored proofs.
type Signer struct {
	keys KeyProvider
	now  func() time.Time
}

// NewSigner creates a Signer backed by the given key provider.
func NewSigner(keys KeyProvider) *Signer {
	return &Signer{keys: keys, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// ContentHash computes the canonical content hash over a record's stable
// fields: id, visitRef, content and version.
func ContentHash(rec SignableRecord) (string, error) {
	var content any
	if rec.Content != nil {
		content = *rec.Content
	}
	return canonical.Hash(map[string]any{
		"id":       rec.ID,
		"visitRef": rec.VisitRef,
		"content":  content,
		"version":  rec.Version,
	})
}

// Sign computes the content hash for rec and signs it with the configured
// key. It has no side effects beyond reading the key.
func (s *Signer) Sign(rec SignableRecord) (*SignatureProof, error) {
	if s.keys == nil {
		return nil, ErrSigningKeyUnavailable
	}
	priv, err := s.keys.SigningKey()
	if err != nil {
		return nil, err
	}

	hash, err := ContentHash(rec)
	if err != nil {
		return nil, fmt.Errorf("signing: content hash: %w", err)
	}

	sig := ed25519.Sign(priv, []byte(hash))
	return &SignatureProof{
		Algorithm:      AlgorithmEd25519,
		SignatureValue: base64.StdEncoding.EncodeToString(sig),
		SignedAt:       s.now().UTC(),
		ContentHash:    hash,
	}, nil
}

// Verify checks proof's signature against the content hash stored inside the
// proof itself. It is deliberately backward-looking: the hash captured at
// signing time is the subject, not the record's current fields. Any
// structural or cryptographic mismatch yields false, never an error.
func (s *Signer) Verify(proof *SignatureProof) bool {
	if s == nil || s.keys == nil || proof == nil {
		return false
	}
	if proof.Algorithm != AlgorithmEd25519 || proof.ContentHash == "" {
		return false
	}
	pub, err := s.keys.VerificationKey()
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(proof.SignatureValue)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(proof.ContentHash), sig)
}
