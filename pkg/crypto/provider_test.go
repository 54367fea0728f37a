package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSAProviderContract(t *testing.T) {
	var p Provider = NewRSAProvider()

	alice, err := p.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := p.GenerateKeyPair()
	require.NoError(t, err)

	t.Run("public key round trip", func(t *testing.T) {
		encoded, err := p.EncodePublicKey(&alice.PublicKey)
		require.NoError(t, err)

		decoded, err := p.DecodePublicKey(encoded)
		require.NoError(t, err)
		assert.True(t, decoded.Equal(&alice.PublicKey))
	})

	t.Run("encrypt decrypt round trip", func(t *testing.T) {
		plaintext := []byte("hi bob")

		ciphertext, err := p.Encrypt(plaintext, &bob.PublicKey)
		require.NoError(t, err)

		decrypted, err := p.Decrypt(ciphertext, bob)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("signature law", func(t *testing.T) {
		plaintext := []byte("hi bob")

		sig, err := p.Sign(plaintext, alice)
		require.NoError(t, err)

		assert.True(t, p.Verify(plaintext, sig, &alice.PublicKey))
		assert.False(t, p.Verify(plaintext, sig, &bob.PublicKey))
		assert.False(t, p.Verify(plaintext, []byte("garbage"), &alice.PublicKey))
	})

	t.Run("verify with nil key is false", func(t *testing.T) {
		assert.False(t, p.Verify([]byte("x"), []byte("y"), nil))
	})
}
