package cryptoutils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPair_SignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err, "Failed to generate keypair")

	message := []byte("approver public key || participant id || time")
	sig, err := kp.Sign(message)
	require.NoError(t, err, "Signing should succeed")

	assert.NoError(t, kp.PublicKey().Verify(message, sig), "Signature should verify")
	assert.ErrorIs(t, kp.PublicKey().Verify([]byte("tampered"), sig), ErrSignatureVerification)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.ErrorIs(t, other.PublicKey().Verify(message, sig), ErrSignatureVerification,
		"Signature must not verify under an unrelated key")
}

func TestKeyPair_PrivateBytesRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	raw := kp.PrivateKeyBytes()
	require.Len(t, raw, PrivateKeySize)

	restored, err := KeyPairFromPrivateBytes(raw)
	require.NoError(t, err, "Restoring from scalar should succeed")
	assert.True(t, kp.PublicKey().Equal(restored.PublicKey()), "Public keys should match")

	_, err = KeyPairFromPrivateBytes(raw[:31])
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = KeyPairFromPrivateBytes(make([]byte, PrivateKeySize))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey, "Zero scalar is not a valid key")
}

func TestPublicKey_TextEncoding(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	pub := kp.PublicKey()
	parsed, err := ParsePublicKey(pub.String())
	require.NoError(t, err)
	assert.True(t, pub.Equal(parsed))

	type wrapper struct {
		Key PublicKey `json:"key"`
	}
	data, err := json.Marshal(wrapper{Key: pub})
	require.NoError(t, err)

	var decoded wrapper
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, pub.Equal(decoded.Key), "JSON round trip should keep the key")

	_, err = ParsePublicKey("not-base58-0OIl")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = ParsePublicKey("3mJr7AoUXx2Wqd")
	assert.ErrorIs(t, err, ErrInvalidPublicKey, "Short point should be rejected")
}

func TestWipeBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	WipeBytes(data)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
}
