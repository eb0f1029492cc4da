package auth

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/MacJediWizard/continuum/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashedCredential_KnownVector(t *testing.T) {
	digest, err := hex.DecodeString("120fb6cffcf8b32c43e7225256c4f837a86548c92ccc35480805987cb70be17b")
	require.NoError(t, err)

	stored := FormatHash([]byte("salt"), 1, digest)
	assert.Equal(t, "pbkdf2_sha256$1$c2FsdA==$120fb6cffcf8b32c43e7225256c4f837a86548c92ccc35480805987cb70be17b", stored)

	cred, err := ParseHash(stored)
	require.NoError(t, err)
	assert.Equal(t, 1, cred.Iterations)
	assert.Equal(t, []byte("salt"), cred.Salt)
	assert.Equal(t, stored, cred.String())
	assert.Equal(t, "hashed", cred.Kind())

	assert.True(t, cred.Verify("password"))
	assert.False(t, cred.Verify("Password"))
	assert.False(t, cred.Verify(""))
}

func TestHashSecret_RoundTrip(t *testing.T) {
	stored, err := HashSecret("Correct-Horse-9", 1000)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored, "pbkdf2_sha256$1000$"))

	cred, err := ParseHash(stored)
	require.NoError(t, err)
	assert.Len(t, cred.Salt, SaltSize)
	assert.True(t, cred.Verify("Correct-Horse-9"))
	assert.False(t, cred.Verify("Correct-Horse-8"))

	again, err := HashSecret("Correct-Horse-9", 1000)
	require.NoError(t, err)
	assert.NotEqual(t, stored, again, "salt must be random")

	_, err = HashSecret("", 1000)
	assert.EqualError(t, err, "password_required")
}

func TestHashSecret_DefaultIterations(t *testing.T) {
	if testing.Short() {
		t.Skip("full-strength stretch")
	}
	stored, err := HashSecret("Correct-Horse-9", 0)
	require.NoError(t, err)
	cred, err := ParseHash(stored)
	require.NoError(t, err)
	assert.Equal(t, crypto.DefaultIterations, cred.Iterations)
}

func TestParseHash_Malformed(t *testing.T) {
	digest := strings.Repeat("ab", 32)
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too few fields", "pbkdf2_sha256$1000$c2FsdA=="},
		{"too many fields", "pbkdf2_sha256$1000$c2FsdA==$" + digest + "$x"},
		{"unknown algorithm", "bcrypt$1000$c2FsdA==$" + digest},
		{"non-numeric iterations", "pbkdf2_sha256$many$c2FsdA==$" + digest},
		{"zero iterations", "pbkdf2_sha256$0$c2FsdA==$" + digest},
		{"bad salt", "pbkdf2_sha256$1000$***$" + digest},
		{"empty salt", "pbkdf2_sha256$1000$$" + digest},
		{"bad digest", "pbkdf2_sha256$1000$c2FsdA==$xyz"},
		{"short digest", "pbkdf2_sha256$1000$c2FsdA==$abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			assert.ErrorIs(t, err, ErrCredentialMalformed)
			assert.ErrorIs(t, err, ErrAuth)
		})
	}
}

func TestHashedCredential_ZeroValueFailsClosed(t *testing.T) {
	var nilCred *HashedCredential
	assert.False(t, nilCred.Verify("anything"))
	assert.False(t, (&HashedCredential{}).Verify(""))
}

func TestPlaintextCredential(t *testing.T) {
	cred, err := NewPlaintextCredential("Correct-Horse-9")
	require.NoError(t, err)
	assert.Equal(t, "plaintext", cred.Kind())
	assert.True(t, cred.Verify("Correct-Horse-9"))
	assert.False(t, cred.Verify("correct-horse-9"))
	assert.False(t, cred.Verify(""))

	_, err = NewPlaintextCredential("short1!")
	assert.ErrorIs(t, err, ErrCredentialWeak)
	assert.Equal(t, PolicyTooShort, PolicyReason(err))
}

func TestResolveCredential(t *testing.T) {
	stored, err := HashSecret("Correct-Horse-9", 1000)
	require.NoError(t, err)

	cred, err := ResolveCredential("", stored)
	require.NoError(t, err)
	assert.Equal(t, "hashed", cred.Kind())
	assert.True(t, cred.Verify("Correct-Horse-9"))

	cred, err = ResolveCredential("Correct-Horse-9", "")
	require.NoError(t, err)
	assert.Equal(t, "plaintext", cred.Kind())

	_, err = ResolveCredential("", "")
	assert.ErrorIs(t, err, ErrCredentialMissing)

	_, err = ResolveCredential("Correct-Horse-9", stored)
	assert.ErrorIs(t, err, ErrCredentialAmbiguous)

	cred, err = ResolveCredential("", "pbkdf2_sha256$broken")
	assert.ErrorIs(t, err, ErrCredentialMalformed)
	assert.Nil(t, cred)

	cred, err = ResolveCredential("weakpass", "")
	assert.ErrorIs(t, err, ErrCredentialWeak)
	assert.Nil(t, cred)
}
