package license

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MacJediWizard/continuum/internal/crypto"
)

var (
	// ErrFileMissing indicates the license file does not exist.
	ErrFileMissing = errors.New("license_file_missing")
	// ErrKeyMissing indicates no license decryption key is configured.
	ErrKeyMissing = errors.New("license_key_missing")
	// ErrEmptyUpload indicates an update was attempted with no data.
	ErrEmptyUpload = errors.New("empty_uploaded_file")
)

// Load status codes reported to operators.
const (
	StatusOK             = "ok"
	StatusFileMissing    = "license_file_missing"
	StatusKeyMissing     = "license_key_missing"
	StatusInvalidJSON    = "license_file_invalid_json"
	StatusDecryptFailed  = "license_decrypt_failed"
	StatusPayloadInvalid = "license_payload_not_dict"
)

// StatusOf maps an error from LoadFile to an operator-facing status code.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrFileMissing):
		return StatusFileMissing
	case errors.Is(err, ErrKeyMissing):
		return StatusKeyMissing
	case errors.Is(err, crypto.ErrMalformedEnvelope):
		return StatusInvalidJSON
	case errors.Is(err, crypto.ErrPayloadNotObject):
		return StatusPayloadInvalid
	default:
		return StatusDecryptFailed
	}
}

// LoadFile reads and opens the license file at path.
func LoadFile(path, key string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileMissing
		}
		return nil, fmt.Errorf("read license file: %w", err)
	}
	if key == "" {
		return nil, ErrKeyMissing
	}

	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	return Open(env, key)
}

// SaveFile writes the envelope to path atomically.
func SaveFile(path string, env *Envelope) error {
	data, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return writeFileAtomic(path, data, 0600)
}

// UpdateFile replaces the license file with uploaded envelope bytes. The new
// envelope must open under key before anything on disk is touched; the previous
// file is kept as <path>.bak.<UTC timestamp>.
func UpdateFile(path string, uploaded []byte, key string, now time.Time) (*Payload, error) {
	if len(uploaded) == 0 {
		return nil, ErrEmptyUpload
	}
	if key == "" {
		return nil, ErrKeyMissing
	}

	env, err := ParseEnvelope(uploaded)
	if err != nil {
		return nil, err
	}
	payload, err := Open(env, key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create license directory: %w", err)
	}

	previous, err := os.ReadFile(path)
	switch {
	case err == nil:
		backup := fmt.Sprintf("%s.bak.%s", path, now.UTC().Format("20060102150405"))
		if err := os.WriteFile(backup, previous, 0600); err != nil {
			return nil, fmt.Errorf("write license backup: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read current license file: %w", err)
	}

	if err := writeFileAtomic(path, uploaded, 0600); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}
