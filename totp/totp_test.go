package totp

import (
	"testing"
	"time"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSecret(t *testing.T) string {
	t.Helper()
	secret, err := GenerateSecret("approver")
	require.NoError(t, err)
	return secret
}

func TestCode_RFC6238Vector(t *testing.T) {
	// RFC 6238 SHA-1 secret "12345678901234567890" in base32, 30s vectors
	// shifted to the 60s period: T=59s falls in step 0.
	secret := "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	code, err := Code(secret, time.Unix(59, 0))
	require.NoError(t, err)
	assert.Len(t, code, Digits)

	again, err := Code(secret, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, code, again, "Same period must yield the same code")
}

func TestVerifySignedCode_Windows(t *testing.T) {
	secret := fixedSecret(t)
	signer, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	timeMillis := base.UnixMilli()

	testCases := []struct {
		name   string
		offset time.Duration
		valid  bool
	}{
		{name: "previous period", offset: -Period, valid: true},
		{name: "same period", offset: 0, valid: true},
		{name: "next period", offset: Period, valid: true},
		{name: "two periods behind", offset: -2 * Period, valid: false},
		{name: "two periods ahead", offset: 2 * Period, valid: false},
	}

	codes := map[string]bool{}
	for _, off := range []time.Duration{-Period, 0, Period} {
		c, err := Code(secret, base.Add(off))
		require.NoError(t, err)
		codes[c] = true
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, err := Code(secret, base.Add(tc.offset))
			require.NoError(t, err)
			if !tc.valid && codes[code] {
				t.Skip("code collides with an in-window code")
			}

			sig, err := SignCode(signer, code, timeMillis)
			require.NoError(t, err)

			err = VerifySignedCode(secret, signer.PublicKey(), sig, timeMillis)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, cryptoutils.ErrSignatureVerification)
				assert.ErrorIs(t, err, ErrCodeMismatch)
			}
		})
	}
}

func TestVerifySignedCode_WrongSignerOrTime(t *testing.T) {
	secret := fixedSecret(t)
	signer, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	other, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Now()
	code, err := Code(secret, now)
	require.NoError(t, err)
	sig, err := SignCode(signer, code, now.UnixMilli())
	require.NoError(t, err)

	assert.Error(t, VerifySignedCode(secret, other.PublicKey(), sig, now.UnixMilli()),
		"Signature must be bound to the claimed key")
	assert.Error(t, VerifySignedCode(secret, signer.PublicKey(), sig, now.UnixMilli()+1),
		"Signature must be bound to the submitted time")
}

func TestSignCode_RejectsMalformedCode(t *testing.T) {
	signer, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	_, err = SignCode(signer, "12345", 0)
	assert.Error(t, err)
}

func TestEncryptedSecret(t *testing.T) {
	device, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	secret := fixedSecret(t)

	wrapped, err := EncryptSecret(device.PublicKey(), secret)
	require.NoError(t, err)

	now := time.Now()
	code, err := CurrentCode(device, wrapped, now)
	require.NoError(t, err)
	expected, err := Code(secret, now)
	require.NoError(t, err)
	assert.Equal(t, expected, code)

	other, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	_, err = DecryptSecret(other, wrapped)
	assert.ErrorIs(t, err, cryptoutils.ErrDecryption)
}

func TestRemainingValidity(t *testing.T) {
	at := time.Unix(120+15, 0)
	assert.Equal(t, 45*time.Second, RemainingValidity(at))
}
