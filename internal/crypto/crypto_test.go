package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)
	ct, err := Seal(key, []byte("payload"))
	require.NoError(t, err)
	pt, err := Open(key, ct)
	require.NoError(t, err)
	if !bytes.Equal(pt, []byte("payload")) {
		t.Fatalf("open: got %q", pt)
	}

	other, _ := RandomKey()
	_, err = Open(other, ct)
	require.Error(t, err)

	_, err = Seal([]byte("short"), nil)
	require.ErrorIs(t, err, ErrKeySize)
	_, err = Open(key, []byte{1, 2})
	require.ErrorIs(t, err, ErrShortCipher)
}

func TestEncryptToDecrypt(t *testing.T) {
	alice, err := NewIdentity()
	require.NoError(t, err)
	bob, err := NewIdentity()
	require.NoError(t, err)

	ct, err := alice.EncryptTo(bob.PublicKeyPEM(), []byte("otp-123"))
	require.NoError(t, err)
	pt, err := bob.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "otp-123", string(pt))

	_, err = alice.Decrypt(ct)
	require.Error(t, err, "only the recipient can decrypt")
}

func TestFingerprint(t *testing.T) {
	a, err := NewIdentity()
	require.NoError(t, err)
	b, err := NewIdentity()
	require.NoError(t, err)

	fp, err := b.Fingerprint(a.PublicKeyPEM())
	require.NoError(t, err)
	require.Equal(t, a.ID(), fp)
	require.Len(t, fp, 64)
	require.NotEqual(t, a.ID(), b.ID())

	_, err = a.Fingerprint("not a pem")
	require.ErrorIs(t, err, ErrBadPublicKey)
}

func TestLoadOrCreateIdentity(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)
	st, err := os.Stat(filepath.Join(dir, identityFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), st.Mode().Perm())

	second, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)
	require.Equal(t, first.ID(), second.ID())
	require.Equal(t, first.PublicKeyPEM(), second.PublicKeyPEM())

	// reloaded key still decrypts
	ct, err := second.EncryptTo(first.PublicKeyPEM(), []byte("x"))
	require.NoError(t, err)
	pt, err := second.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "x", string(pt))
}

func TestLoadOrCreateIdentityMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFile), []byte("garbage"), 0600))
	_, err := LoadOrCreateIdentity(dir)
	require.Error(t, err)
}
