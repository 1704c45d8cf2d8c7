package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/mlkem768"
)

const (
	pemPublicType = "ML-KEM-768 PUBLIC KEY"
	pemSeedType   = "ML-KEM-768 SEED"
	identityFile  = "identity.pem"
)

var ErrBadPublicKey = errors.New("bad public key")

// Provider is everything the RPC layer needs from a device identity.
type Provider interface {
	PublicKeyPEM() string
	// Fingerprint of a PEM public key (any device).
	Fingerprint(publicKeyPEM string) (string, error)
	// EncryptTo encrypts data so only the owner of publicKeyPEM can read it.
	EncryptTo(publicKeyPEM string, data []byte) ([]byte, error)
	// Decrypt data produced by EncryptTo with our public key.
	Decrypt(data []byte) ([]byte, error)
	Seal(key, data []byte) ([]byte, error)
	Open(key, data []byte) ([]byte, error)
	RandomKey() ([]byte, error)
	RandomToken() (string, error)
}

// Identity: this device's ML-KEM-768 key pair.
type Identity struct {
	decap  *mlkem768.DecapsulationKey
	seed   []byte
	pubPEM string
	fp     string
}

var _ Provider = (*Identity)(nil)

// NewIdentity generates a fresh identity (not persisted).
func NewIdentity() (*Identity, error) {
	seed, err := generateSeed()
	if err != nil {
		return nil, err
	}
	return identityFromSeed(seed)
}

func identityFromSeed(seed []byte) (*Identity, error) {
	dk, err := mlkem768.NewKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	enc := dk.EncapsulationKey()
	id := &Identity{
		decap:  dk,
		seed:   seed,
		pubPEM: string(pem.EncodeToMemory(&pem.Block{Type: pemPublicType, Bytes: enc})),
	}
	id.fp = fingerprintRaw(enc)
	return id, nil
}

// LoadOrCreateIdentity loads dataDir/identity.pem or generates and writes it (0600).
func LoadOrCreateIdentity(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, identityFile)
	b, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(b)
		if block == nil || block.Type != pemSeedType || len(block.Bytes) != SeedSize {
			return nil, fmt.Errorf("identity %s: malformed", path)
		}
		return identityFromSeed(block.Bytes)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	id, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, err
		}
	}
	out := pem.EncodeToMemory(&pem.Block{Type: pemSeedType, Bytes: id.seed})
	if err := os.WriteFile(path, out, 0600); err != nil {
		return nil, err
	}
	return id, nil
}

// PublicKeyPEM of this device.
func (id *Identity) PublicKeyPEM() string { return id.pubPEM }

// ID this device's own fingerprint.
func (id *Identity) ID() string { return id.fp }

func (id *Identity) Fingerprint(publicKeyPEM string) (string, error) {
	enc, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return "", err
	}
	return fingerprintRaw(enc), nil
}

// EncryptTo: [KEM ciphertext][nonce][sealed data].
func (id *Identity) EncryptTo(publicKeyPEM string, data []byte) ([]byte, error) {
	enc, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	secret, ct, err := encapsulate(enc)
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(secret, data)
	if err != nil {
		return nil, err
	}
	return append(ct, sealed...), nil
}

func (id *Identity) Decrypt(data []byte) ([]byte, error) {
	if len(data) < CiphertextSize+NonceSize {
		return nil, ErrShortCipher
	}
	secret, err := mlkem768.Decapsulate(id.decap, data[:CiphertextSize])
	if err != nil {
		return nil, err
	}
	return Open(secret, data[CiphertextSize:])
}

func (id *Identity) Seal(key, data []byte) ([]byte, error) { return Seal(key, data) }
func (id *Identity) Open(key, data []byte) ([]byte, error) { return Open(key, data) }
func (id *Identity) RandomKey() ([]byte, error)            { return RandomKey() }

// RandomToken 16 random bytes, hex.
func (id *Identity) RandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func parsePublicKey(publicKeyPEM string) ([]byte, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil || block.Type != pemPublicType || len(block.Bytes) != EncapsulationKeySize {
		return nil, ErrBadPublicKey
	}
	return block.Bytes, nil
}

func fingerprintRaw(enc []byte) string {
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:])
}
