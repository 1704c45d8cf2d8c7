// Package crypto: device identity on ML-KEM-768, ChaCha20-Poly1305 for message sealing.
package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize symmetric key size (32 bytes, also the ML-KEM shared secret size).
	KeySize = chacha20poly1305.KeySize
	// NonceSize for ChaCha20-Poly1305.
	NonceSize = chacha20poly1305.NonceSize
	// SeedSize ML-KEM-768 decapsulation key seed.
	SeedSize = 64
	// EncapsulationKeySize raw public key bytes.
	EncapsulationKeySize = 1184
	// CiphertextSize KEM ciphertext bytes.
	CiphertextSize = 1088
)

var (
	ErrKeySize     = errors.New("key size must be 32")
	ErrShortCipher = errors.New("ciphertext too short")
)

// encapsulate to a peer's raw encapsulation key.
func encapsulate(encKey []byte) (sharedSecret []byte, ciphertext []byte, err error) {
	ciphertext, sharedSecret, err = mlkem768.Encapsulate(encKey)
	if err != nil {
		return nil, nil, err
	}
	return sharedSecret, ciphertext, nil
}

// generateSeed random decapsulation key seed.
func generateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// Seal encrypts with key; prepends a random nonce to result.
func Seal(key []byte, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts (first NonceSize = nonce) with key.
func Open(key []byte, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < NonceSize {
		return nil, ErrShortCipher
	}
	nonce, ct := ciphertext[:NonceSize], ciphertext[NonceSize:]
	return aead.Open(nil, nonce, ct, nil)
}

// RandomKey 32 random bytes.
func RandomKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, err
	}
	return k, nil
}
