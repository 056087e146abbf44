package credentials

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations is the PBKDF2 work factor for new records.
const DefaultIterations = 100000

const keySize = 32

// Hasher generates and verifies credential records. It is safe for
// concurrent use; its fields are fixed at construction.
type Hasher struct {
	iterations int
	random     io.Reader
	dummy      Record
}

// Option customises a Hasher.
type Option func(*Hasher)

// WithRandom replaces crypto/rand.Reader as the salt source.
func WithRandom(r io.Reader) Option {
	return func(h *Hasher) { h.random = r }
}

// NewHasher returns a Hasher producing records with the given work factor.
func NewHasher(iterations int, opts ...Option) (*Hasher, error) {
	if iterations <= 0 {
		return nil, errors.New("iterations must be positive")
	}
	h := &Hasher{iterations: iterations, random: rand.Reader}
	for _, opt := range opts {
		opt(h)
	}
	h.dummy = Record{
		Version:    V2,
		Salt:       make([]byte, SaltSize),
		Iterations: iterations,
		Verifier:   make([]byte, VerifierSize),
	}
	return h, nil
}

// Iterations returns the work factor used by Generate.
func (h *Hasher) Iterations() int { return h.iterations }

// Generate draws a fresh salt and derives a V2 record for password. If the
// random source fails no record is produced.
func (h *Hasher) Generate(password string) (Record, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(h.random, salt); err != nil {
		return Record{}, fmt.Errorf("read salt: %w", err)
	}
	return Record{
		Version:    V2,
		Salt:       salt,
		Iterations: h.iterations,
		Verifier:   deriveVerifier([]byte(password), salt, h.iterations),
	}, nil
}

// Verify reports whether password matches r. The V2 comparison is constant
// time. An error means r itself is unusable and wraps
// common.ErrMalformedRecord.
func (h *Hasher) Verify(password string, r Record) (bool, error) {
	switch r.Version {
	case V2:
		if r.Iterations <= 0 || len(r.Salt) != SaltSize || len(r.Verifier) != VerifierSize {
			return false, malformed("incomplete v2 record")
		}
		candidate := deriveVerifier([]byte(password), r.Salt, r.Iterations)
		return subtle.ConstantTimeCompare(candidate, r.Verifier) == 1, nil
	case V1:
		err := bcrypt.CompareHashAndPassword([]byte(r.Legacy), []byte(password))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, malformed("legacy hash: %v", err)
		}
	default:
		return false, malformed("unknown version %d", int(r.Version))
	}
}

// VerifyDummy spends one full key derivation against a record that matches
// no password. Login calls it for unknown accounts so both failure paths
// cost the same.
func (h *Hasher) VerifyDummy(password string) {
	_, _ = h.Verify(password, h.dummy)
}

// NeedsUpgrade reports whether r should be regenerated with the current
// scheme and work factor.
func (h *Hasher) NeedsUpgrade(r Record) bool {
	return r.Version != V2 || r.Iterations < h.iterations
}

func deriveVerifier(password, salt []byte, iterations int) []byte {
	key := pbkdf2.Key(password, salt, iterations, keySize, sha256.New)
	defer common.WipeByteArray(key)

	mac := hmac.New(sha256.New, salt)
	mac.Write(key)
	return mac.Sum(nil)
}
