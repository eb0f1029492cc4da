package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
)

func TestDeriveKey(t *testing.T) {
	key := DeriveKey("")
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := hex.EncodeToString(key); got != want {
		t.Errorf("DeriveKey(\"\") = %s, want %s", got, want)
	}
	if len(DeriveKey("license-secret")) != KeySize {
		t.Errorf("DeriveKey() length = %d, want %d", len(DeriveKey("license-secret")), KeySize)
	}
	if bytes.Equal(DeriveKey("a"), DeriveKey("b")) {
		t.Error("DeriveKey() produced identical keys for different secrets")
	}
}

func TestMACHex_KnownVector(t *testing.T) {
	got := MACHex([]byte("key"), []byte("The quick brown fox jumps over the lazy dog"))
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Errorf("MACHex() = %s, want %s", got, want)
	}
}

func TestVerifyMACHex(t *testing.T) {
	key := []byte("signing-key")
	msg := []byte("3|3|event|2026-01-01T00:00:00Z")
	tag := MACHex(key, msg)

	if !VerifyMACHex(key, msg, tag) {
		t.Error("VerifyMACHex() rejected a valid tag")
	}
	if VerifyMACHex([]byte("other-key"), msg, tag) {
		t.Error("VerifyMACHex() accepted a tag under the wrong key")
	}
	if VerifyMACHex(key, msg, "not-hex") {
		t.Error("VerifyMACHex() accepted a non-hex tag")
	}
	if VerifyMACHex(key, msg, tag[:10]) {
		t.Error("VerifyMACHex() accepted a truncated tag")
	}
}

func TestStretch_KnownVector(t *testing.T) {
	// RFC 7914 section 11 / PBKDF2-HMAC-SHA256 test vector.
	got := hex.EncodeToString(Stretch("password", []byte("salt"), 1))
	want := "120fb6cffcf8b32c43e7225256c4f837a86548c92ccc35480805987cb70be17b"
	if got != want {
		t.Errorf("Stretch() = %s, want %s", got, want)
	}
}

func TestEqual(t *testing.T) {
	if !Equal([]byte("abc"), []byte("abc")) {
		t.Error("Equal() = false for identical input")
	}
	if Equal([]byte("abc"), []byte("abd")) {
		t.Error("Equal() = true for different input")
	}
	if Equal([]byte("abc"), []byte("abcd")) {
		t.Error("Equal() = true for different lengths")
	}
	if !EqualString("Secret!", "Secret!") || EqualString("Secret!", "secret!") {
		t.Error("EqualString() mismatch")
	}
}

func TestNewNonce_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce, err := NewNonce()
		if err != nil {
			t.Fatalf("NewNonce() iteration %d error = %v", i, err)
		}
		if len(nonce) != NonceSize {
			t.Fatalf("NewNonce() length = %d, want %d", len(nonce), NonceSize)
		}
		if seen[string(nonce)] {
			t.Fatalf("NewNonce() duplicate nonce at iteration %d", i)
		}
		seen[string(nonce)] = true
	}
}

func TestHashKeystream_FirstBlock(t *testing.T) {
	key := DeriveKey("k")
	nonce := bytes.Repeat([]byte{0x01}, NonceSize)

	stream, err := HashKeystream(key, nonce, 40)
	if err != nil {
		t.Fatalf("HashKeystream() error = %v", err)
	}
	if len(stream) != 40 {
		t.Fatalf("HashKeystream() length = %d, want 40", len(stream))
	}

	input := append(append(append([]byte{}, key...), nonce...), make([]byte, 8)...)
	first := sha256.Sum256(input)
	if !bytes.Equal(stream[:32], first[:]) {
		t.Error("HashKeystream() first block does not match SHA-256(key||nonce||0)")
	}
}

func TestXOR_RoundTrip(t *testing.T) {
	key := DeriveKey("round-trip")
	nonce, _ := NewNonce()

	streams := map[string]Keystream{
		"hash": HashKeystream,
		"aes":  AESKeystream,
	}
	sizes := []int{0, 1, 31, 32, 33, 64, 65, 1024}

	for name, ks := range streams {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s_%d_bytes", name, size), func(t *testing.T) {
				plain := bytes.Repeat([]byte("x"), size)
				ct, err := XOR(ks, key, nonce, plain)
				if err != nil {
					t.Fatalf("XOR() error = %v", err)
				}
				if size >= 16 && bytes.Equal(ct, plain) {
					t.Error("XOR() ciphertext equals plaintext")
				}
				back, err := XOR(ks, key, nonce, ct)
				if err != nil {
					t.Fatalf("XOR() error = %v", err)
				}
				if !bytes.Equal(back, plain) {
					t.Error("XOR() round-trip mismatch")
				}
			})
		}
	}
}

func TestAESKeystream_InvalidInput(t *testing.T) {
	_, err := AESKeystream([]byte("short"), make([]byte, NonceSize), 8)
	if !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("AESKeystream(short key) error = %v, want %v", err, ErrMalformedEnvelope)
	}
	_, err = AESKeystream(DeriveKey("k"), make([]byte, 12), 8)
	if !errors.Is(err, ErrCrypto) {
		t.Errorf("AESKeystream(short nonce) error = %v, want crypto error", err)
	}
}

func TestError_Is(t *testing.T) {
	err := Wrap(ErrSignatureMismatch, errors.New("boom"))
	if !errors.Is(err, ErrCrypto) {
		t.Error("wrapped error does not match ErrCrypto")
	}
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Error("wrapped error does not match ErrSignatureMismatch")
	}
	if errors.Is(err, ErrPayloadNotObject) {
		t.Error("wrapped error matched an unrelated reason")
	}
}
