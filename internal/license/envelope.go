package license

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MacJediWizard/continuum/internal/crypto"
)

const (
	// VersionHashStream seals with the SHA-256 counter-mode keystream. It is the
	// format of every license file issued so far.
	VersionHashStream = "1.0"
	// VersionAESStream seals with AES-256-CTR, keyed by the same derived key.
	VersionAESStream = "2.0"

	// DefaultVersion is used by NewCodec when no version is given.
	DefaultVersion = VersionHashStream
)

var keystreams = map[string]crypto.Keystream{
	VersionHashStream: crypto.HashKeystream,
	VersionAESStream:  crypto.AESKeystream,
}

// SupportedVersions returns the envelope versions this build can seal and open.
func SupportedVersions() []string {
	return []string{VersionHashStream, VersionAESStream}
}

// Envelope is an encrypted and signed payload.
// The signature is HMAC-SHA256(DeriveKey(secret), nonce || ciphertext).
type Envelope struct {
	Version    string
	Nonce      []byte
	Ciphertext []byte
	Signature  []byte
}

// envelopeWire is the at-rest JSON shape of an Envelope.
type envelopeWire struct {
	Version       string `json:"version"`
	NonceB64      string `json:"nonce_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
	SignatureHex  string `json:"signature_hex"`
}

// MarshalJSON encodes the envelope in its wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeWire{
		Version:       e.Version,
		NonceB64:      base64.StdEncoding.EncodeToString(e.Nonce),
		CiphertextB64: base64.StdEncoding.EncodeToString(e.Ciphertext),
		SignatureHex:  hex.EncodeToString(e.Signature),
	})
}

// UnmarshalJSON decodes the wire form. Any undecodable field is a malformed envelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return crypto.Wrap(crypto.ErrMalformedEnvelope, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(strings.TrimSpace(w.NonceB64))
	if err != nil {
		return crypto.Wrap(crypto.ErrMalformedEnvelope, fmt.Errorf("decode nonce: %w", err))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(w.CiphertextB64))
	if err != nil {
		return crypto.Wrap(crypto.ErrMalformedEnvelope, fmt.Errorf("decode ciphertext: %w", err))
	}
	signature, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(w.SignatureHex)))
	if err != nil {
		return crypto.Wrap(crypto.ErrMalformedEnvelope, fmt.Errorf("decode signature: %w", err))
	}
	*e = Envelope{
		Version:    w.Version,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Signature:  signature,
	}
	return nil
}

// ParseEnvelope decodes envelope JSON.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		var cerr *crypto.Error
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, crypto.Wrap(crypto.ErrMalformedEnvelope, err)
	}
	return &env, nil
}

func signedBytes(nonce, ciphertext []byte) []byte {
	msg := make([]byte, 0, len(nonce)+len(ciphertext))
	msg = append(msg, nonce...)
	return append(msg, ciphertext...)
}

// Codec seals payloads into envelopes of one version. Opening accepts every
// supported version regardless of the codec's own.
type Codec struct {
	version   string
	keystream crypto.Keystream
}

// NewCodec creates a codec sealing with the given envelope version.
// An empty version selects DefaultVersion.
func NewCodec(version string) (*Codec, error) {
	if version == "" {
		version = DefaultVersion
	}
	ks, ok := keystreams[version]
	if !ok {
		return nil, crypto.Wrap(crypto.ErrUnsupportedVersion, fmt.Errorf("envelope version %q", version))
	}
	return &Codec{version: version, keystream: ks}, nil
}

// Version returns the envelope version the codec seals with.
func (c *Codec) Version() string {
	return c.version
}

// Seal encrypts and signs a license payload. Every call draws a fresh nonce, so
// sealing the same payload twice never yields the same envelope.
func (c *Codec) Seal(p *Payload, secret string) (*Envelope, error) {
	if p == nil {
		return nil, crypto.ErrPayloadNotObject
	}
	normalized := p.Normalized()
	return c.SealJSON(&normalized, secret)
}

// SealJSON encrypts and signs any value that marshals to a JSON object.
func (c *Codec) SealJSON(v any, secret string) (*Envelope, error) {
	if secret == "" {
		return nil, crypto.ErrMissingKey
	}
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, crypto.Wrap(crypto.ErrPayloadNotObject, err)
	}
	if len(plain) == 0 || plain[0] != '{' {
		return nil, crypto.ErrPayloadNotObject
	}

	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	key := crypto.DeriveKey(secret)
	ciphertext, err := crypto.XOR(c.keystream, key, nonce, plain)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Version:    c.version,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Signature:  crypto.MAC(key, signedBytes(nonce, ciphertext)),
	}, nil
}

// OpenBytes verifies the envelope signature and only then decrypts it. The
// version is not covered by the signature; an envelope without one is read as
// VersionHashStream, the format that predates the field.
func OpenBytes(env *Envelope, secret string) ([]byte, error) {
	if env == nil {
		return nil, crypto.ErrMalformedEnvelope
	}
	if secret == "" {
		return nil, crypto.ErrMissingKey
	}
	if len(env.Nonce) != crypto.NonceSize {
		return nil, crypto.Wrap(crypto.ErrMalformedEnvelope, fmt.Errorf("nonce must be %d bytes", crypto.NonceSize))
	}

	key := crypto.DeriveKey(secret)
	expected := crypto.MAC(key, signedBytes(env.Nonce, env.Ciphertext))
	if !crypto.Equal(expected, env.Signature) {
		return nil, crypto.ErrSignatureMismatch
	}

	version := env.Version
	if version == "" {
		version = VersionHashStream
	}
	ks, ok := keystreams[version]
	if !ok {
		return nil, crypto.Wrap(crypto.ErrUnsupportedVersion, fmt.Errorf("envelope version %q", version))
	}
	return crypto.XOR(ks, key, env.Nonce, env.Ciphertext)
}

// Open verifies and decrypts a license envelope.
func Open(env *Envelope, secret string) (*Payload, error) {
	plain, err := OpenBytes(env, secret)
	if err != nil {
		return nil, err
	}
	return ParsePayload(plain)
}

// OpenJSON verifies and decrypts an envelope into v. The plaintext must be a JSON object.
func OpenJSON(env *Envelope, secret string, v any) error {
	plain, err := OpenBytes(env, secret)
	if err != nil {
		return err
	}
	if len(plain) == 0 || plain[0] != '{' {
		return crypto.ErrPayloadNotObject
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return crypto.Wrap(crypto.ErrPayloadNotObject, err)
	}
	return nil
}
