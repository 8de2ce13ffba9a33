package registry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrNoKey means the encryption key is absent. This is a fatal
	// startup error for the broadcast component.
	ErrNoKey = errors.New("registry: encryption key required")

	ErrBadKey = errors.New("registry: encryption key must be 64 hex chars (256-bit)")

	// ErrDecrypt means the blob exists but could not be authenticated,
	// e.g. a wrong key or a corrupted file. Deliberately distinct from
	// the empty result of a missing file.
	ErrDecrypt = errors.New("registry: decrypt failed")
)

func newAEAD(keyHex string) (cipher.AEAD, error) {
	if keyHex == "" {
		return nil, ErrNoKey
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("registry: create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// seal produces nonce||ciphertext.
func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("registry: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(aead cipher.AEAD, blob []byte) ([]byte, error) {
	if len(blob) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
