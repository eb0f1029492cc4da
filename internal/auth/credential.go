package auth

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MacJediWizard/continuum/internal/crypto"
)

// HashAlgorithm is the only algorithm tag accepted in stored admin hashes.
const HashAlgorithm = "pbkdf2_sha256"

// SaltSize is the salt length used by HashSecret.
const SaltSize = 16

// Credential verifies an operator-supplied admin secret.
type Credential interface {
	Verify(candidate string) bool
	Kind() string
}

// PlaintextCredential compares candidates against a configured password.
type PlaintextCredential struct {
	secret string
}

// NewPlaintextCredential accepts secret only if it satisfies CheckPolicy.
func NewPlaintextCredential(secret string) (*PlaintextCredential, error) {
	if ok, reason := CheckPolicy(secret); !ok {
		return nil, wrap(ErrCredentialWeak, errors.New(reason))
	}
	return &PlaintextCredential{secret: secret}, nil
}

// Verify compares in constant time.
func (c *PlaintextCredential) Verify(candidate string) bool {
	return c.secret != "" && crypto.EqualString(candidate, c.secret)
}

// Kind returns "plaintext".
func (c *PlaintextCredential) Kind() string { return "plaintext" }

// HashedCredential is a parsed pbkdf2_sha256$<iterations>$<salt_b64>$<digest_hex> string.
type HashedCredential struct {
	Iterations int
	Salt       []byte
	Digest     []byte
}

// ParseHash parses a stored admin hash. Unknown algorithms and malformed fields are rejected.
func ParseHash(s string) (*HashedCredential, error) {
	parts := strings.Split(strings.TrimSpace(s), "$")
	if len(parts) != 4 {
		return nil, wrap(ErrCredentialMalformed, fmt.Errorf("expected 4 fields, got %d", len(parts)))
	}
	if parts[0] != HashAlgorithm {
		return nil, wrap(ErrCredentialMalformed, fmt.Errorf("unsupported algorithm %q", parts[0]))
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return nil, wrap(ErrCredentialMalformed, fmt.Errorf("invalid iteration count %q", parts[1]))
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(salt) == 0 {
		return nil, wrap(ErrCredentialMalformed, errors.New("invalid salt"))
	}
	digest, err := hex.DecodeString(strings.ToLower(parts[3]))
	if err != nil || len(digest) != crypto.StretchSize {
		return nil, wrap(ErrCredentialMalformed, errors.New("invalid digest"))
	}

	return &HashedCredential{Iterations: iterations, Salt: salt, Digest: digest}, nil
}

// Verify reruns the key stretch over candidate and compares in constant time.
func (c *HashedCredential) Verify(candidate string) bool {
	if c == nil || c.Iterations <= 0 || len(c.Digest) == 0 {
		return false
	}
	return crypto.Equal(crypto.Stretch(candidate, c.Salt, c.Iterations), c.Digest)
}

// Kind returns "hashed".
func (c *HashedCredential) Kind() string { return "hashed" }

// String formats the credential back into its stored form.
func (c *HashedCredential) String() string {
	return FormatHash(c.Salt, c.Iterations, c.Digest)
}

// FormatHash renders the stored admin hash format.
func FormatHash(salt []byte, iterations int, digest []byte) string {
	return fmt.Sprintf("%s$%d$%s$%s",
		HashAlgorithm,
		iterations,
		base64.StdEncoding.EncodeToString(salt),
		hex.EncodeToString(digest),
	)
}

// HashSecret stretches secret with a fresh random salt and returns the stored form.
// A non-positive iteration count selects crypto.DefaultIterations.
func HashSecret(secret string, iterations int) (string, error) {
	if secret == "" {
		return "", errors.New("password_required")
	}
	if iterations <= 0 {
		iterations = crypto.DefaultIterations
	}
	salt, err := crypto.RandomBytes(SaltSize)
	if err != nil {
		return "", err
	}
	return FormatHash(salt, iterations, crypto.Stretch(secret, salt, iterations)), nil
}

// ResolveCredential picks the configured credential form. Exactly one of plain and
// hash must be set.
func ResolveCredential(plain, hash string) (Credential, error) {
	hash = strings.TrimSpace(hash)
	switch {
	case plain == "" && hash == "":
		return nil, ErrCredentialMissing
	case plain != "" && hash != "":
		return nil, ErrCredentialAmbiguous
	case hash != "":
		c, err := ParseHash(hash)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		c, err := NewPlaintextCredential(plain)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// PolicyReason extracts the password policy reason from a weak credential error.
func PolicyReason(err error) string {
	var aerr *Error
	if errors.As(err, &aerr) && aerr.Reason == ErrCredentialWeak.Reason && aerr.Err != nil {
		return aerr.Err.Error()
	}
	return ""
}
