package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Keystream produces n keystream bytes for a key and nonce.
type Keystream func(key, nonce []byte, n int) ([]byte, error)

// HashKeystream builds a keystream from SHA-256(key || nonce || uint64be(counter))
// blocks with counter = 0, 1, 2, ... truncated to n bytes.
func HashKeystream(key, nonce []byte, n int) ([]byte, error) {
	out := make([]byte, 0, n+sha256.Size)
	var ctr [8]byte
	buf := make([]byte, 0, len(key)+len(nonce)+len(ctr))
	for counter := uint64(0); len(out) < n; counter++ {
		binary.BigEndian.PutUint64(ctr[:], counter)
		buf = append(buf[:0], key...)
		buf = append(buf, nonce...)
		buf = append(buf, ctr[:]...)
		block := sha256.Sum256(buf)
		out = append(out, block[:]...)
	}
	return out[:n], nil
}

// AESKeystream runs AES-256 in CTR mode with the nonce as the initial counter block.
// The key must be KeySize bytes and the nonce aes.BlockSize bytes.
func AESKeystream(key, nonce []byte, n int) ([]byte, error) {
	if len(key) != KeySize {
		return nil, Wrap(ErrMalformedEnvelope, fmt.Errorf("aes key must be %d bytes", KeySize))
	}
	if len(nonce) != aes.BlockSize {
		return nil, Wrap(ErrMalformedEnvelope, fmt.Errorf("aes nonce must be %d bytes", aes.BlockSize))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, Wrap(ErrMalformedEnvelope, err)
	}
	out := make([]byte, n)
	cipher.NewCTR(block, nonce).XORKeyStream(out, out)
	return out, nil
}

// XOR returns data XORed with the keystream produced by ks.
func XOR(ks Keystream, key, nonce, data []byte) ([]byte, error) {
	stream, err := ks(key, nonce, len(data))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ stream[i]
	}
	return out, nil
}
