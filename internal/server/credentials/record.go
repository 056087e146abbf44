package credentials

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"golang.org/x/crypto/bcrypt"
)

// Version tags the derivation scheme of a Record.
type Version int

const (
	VersionUnknown Version = iota
	// V1 is a legacy bcrypt hash stored as-is.
	V1
	// V2 is PBKDF2-HMAC-SHA256 with an HMAC verifier.
	V2
)

const (
	SaltSize     = 16
	VerifierSize = 32

	v2Tag       = "v2"
	v2Fields    = 4
	v2Delimiter = ":"
)

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return v2Tag
	default:
		return "unknown"
	}
}

// Record is a decoded credential record. Salt, Iterations and Verifier are
// set for V2; Legacy holds the bcrypt hash for V1.
type Record struct {
	Version    Version
	Salt       []byte
	Iterations int
	Verifier   []byte
	Legacy     string
}

// Encode serialises r into its stored form. It is the inverse of Decode for
// every record Decode accepts. Records with an unknown version encode to "".
func (r Record) Encode() string {
	switch r.Version {
	case V1:
		return r.Legacy
	case V2:
		return strings.Join([]string{
			v2Tag,
			base64.StdEncoding.EncodeToString(r.Salt),
			strconv.Itoa(r.Iterations),
			base64.StdEncoding.EncodeToString(r.Verifier),
		}, v2Delimiter)
	default:
		return ""
	}
}

// Decode parses a stored credential record. Every failure wraps
// common.ErrMalformedRecord.
func Decode(s string) (Record, error) {
	if isBcrypt(s) {
		if _, err := bcrypt.Cost([]byte(s)); err != nil {
			return Record{}, malformed("legacy hash: %v", err)
		}
		return Record{Version: V1, Legacy: s}, nil
	}

	parts := strings.Split(s, v2Delimiter)
	if len(parts) != v2Fields {
		return Record{}, malformed("expected %d fields, got %d", v2Fields, len(parts))
	}
	if parts[0] != v2Tag {
		return Record{}, malformed("unknown version tag %q", parts[0])
	}

	iterations, err := strconv.Atoi(parts[2])
	if err != nil {
		return Record{}, malformed("iterations: %v", err)
	}
	// only the canonical decimal form round-trips through Encode
	if iterations <= 0 || strconv.Itoa(iterations) != parts[2] {
		return Record{}, malformed("iterations must be a positive integer, got %q", parts[2])
	}

	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return Record{}, malformed("salt: %v", err)
	}
	if len(salt) != SaltSize {
		return Record{}, malformed("salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	verifier, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Record{}, malformed("verifier: %v", err)
	}
	if len(verifier) != VerifierSize {
		return Record{}, malformed("verifier must be %d bytes, got %d", VerifierSize, len(verifier))
	}

	return Record{Version: V2, Salt: salt, Iterations: iterations, Verifier: verifier}, nil
}

func isBcrypt(s string) bool {
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{common.ErrMalformedRecord}, args...)...)
}
