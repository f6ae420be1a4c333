// Package totp derives and checks the time-windowed codes used for mutual
// owner/approver authentication.
//
// Codes follow RFC 6238 with six digits, a 60 second period and SHA-1. A code
// is never sent on its own: the party that typed it signs code || timeMillis
// with its key, and the party holding the secret checks the signature
// against the codes at timeMillis and exactly one period either side.
package totp

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/ruteri/seedguard/cryptoutils"
)

const (
	// Period is the lifetime of one code.
	Period = 60 * time.Second

	// Digits is the code length.
	Digits = 6

	issuer     = "seedguard"
	secretSize = 20
)

var validateOpts = totp.ValidateOpts{
	Period:    uint(Period / time.Second),
	Skew:      0,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateSecret returns a fresh base32 TOTP secret for one relationship.
func GenerateSecret(accountName string) (string, error) {
	if accountName == "" {
		accountName = issuer
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      validateOpts.Period,
		SecretSize:  secretSize,
		Digits:      validateOpts.Digits,
		Algorithm:   validateOpts.Algorithm,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return key.Secret(), nil
}

// Code returns the code for secret at t.
func Code(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, validateOpts)
	if err != nil {
		return "", fmt.Errorf("failed to generate totp code: %w", err)
	}
	return code, nil
}

// RemainingValidity returns how long the code at t stays current.
func RemainingValidity(t time.Time) time.Duration {
	elapsed := time.Duration(t.UnixNano()) % Period
	return Period - elapsed
}

// SigningPayload is the message signed when proving knowledge of a code.
func SigningPayload(code string, timeMillis int64) []byte {
	return []byte(code + strconv.FormatInt(timeMillis, 10))
}

// SignCode signs a typed code at timeMillis.
func SignCode(signer *cryptoutils.KeyPair, code string, timeMillis int64) ([]byte, error) {
	if len(code) != Digits {
		return nil, fmt.Errorf("code must have %d digits", Digits)
	}
	return signer.Sign(SigningPayload(code, timeMillis))
}

// ErrCodeMismatch is returned when no candidate code matches the signature.
var ErrCodeMismatch = errors.New("signed code does not match any current totp code")

// VerifySignedCode checks a signature over code || timeMillis made by
// signerKey, accepting codes at timeMillis and exactly one period before or
// after it.
func VerifySignedCode(secret string, signerKey cryptoutils.PublicKey, signature []byte, timeMillis int64) error {
	at := time.UnixMilli(timeMillis)
	for _, offset := range []time.Duration{-Period, 0, Period} {
		code, err := Code(secret, at.Add(offset))
		if err != nil {
			return err
		}
		if signerKey.Verify(SigningPayload(code, timeMillis), signature) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %w", cryptoutils.ErrSignatureVerification, ErrCodeMismatch)
}

// EncryptSecret wraps a secret to a device key for storage on the server.
func EncryptSecret(device cryptoutils.PublicKey, secret string) ([]byte, error) {
	return cryptoutils.Encrypt(device, []byte(secret))
}

// DecryptSecret opens a secret wrapped by EncryptSecret.
func DecryptSecret(device *cryptoutils.KeyPair, encrypted []byte) (string, error) {
	raw, err := device.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt totp secret: %w", err)
	}
	return string(raw), nil
}

// CurrentCode decrypts a wrapped secret and returns the code at now.
func CurrentCode(device *cryptoutils.KeyPair, encrypted []byte, now time.Time) (string, error) {
	secret, err := DecryptSecret(device, encrypted)
	if err != nil {
		return "", err
	}
	return Code(secret, now)
}
