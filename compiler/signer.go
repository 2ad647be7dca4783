package compiler

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c360studio/semgov/policy"
)

// Signer signs rules with an ed25519 key.
type Signer struct {
	key   ed25519.PrivateKey
	keyID string
}

// NewSigner wraps a private key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	return &Signer{key: key, keyID: KeyID(key.Public().(ed25519.PublicKey))}, nil
}

// NewSignerFromSeed builds a signer from a base64 or hex encoded 32-byte seed.
func NewSignerFromSeed(encoded string) (*Signer, error) {
	seed, err := decodeSeed(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed))
}

// LoadSigner reads a seed file written by GenerateSeed.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return NewSignerFromSeed(string(data))
}

// GenerateSeed returns a new base64 encoded seed.
func GenerateSeed() (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("generate seed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(seed), nil
}

func decodeSeed(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) == ed25519.SeedSize {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signing seed is neither hex nor base64: %w", err)
	}
	if len(b) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(b))
	}
	return b, nil
}

// KeyID derives a short stable identifier from a public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// KeyID returns the signer's key identifier.
func (s *Signer) KeyID() string {
	return s.keyID
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// SignaturePayload binds rule id, version, predecessor and body digest.
func SignaturePayload(r *policy.CompiledPolicyRule) []byte {
	digest := sha256.Sum256(r.Body)
	return []byte(r.ID + "|" + strconv.Itoa(r.Version) + "|" + r.Predecessor + "|" + hex.EncodeToString(digest[:]))
}

// Sign sets Signature and KeyID on r.
func (s *Signer) Sign(r *policy.CompiledPolicyRule) {
	r.KeyID = s.keyID
	r.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, SignaturePayload(r)))
}

// Keyring maps key ids to verification keys.
type Keyring map[string]ed25519.PublicKey

// Add registers pub under its key id.
func (k Keyring) Add(pub ed25519.PublicKey) {
	k[KeyID(pub)] = pub
}

// Verify checks the signature of r.
func (k Keyring) Verify(r *policy.CompiledPolicyRule) error {
	pub, ok := k[r.KeyID]
	if !ok {
		return fmt.Errorf("unknown signing key %q", r.KeyID)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, SignaturePayload(r), sig) {
		return errors.New("invalid signature")
	}
	return nil
}
