package cryptoutils

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
)

// PrivateKeySize is the length of a serialized P-256 private scalar.
const PrivateKeySize = 32

var (
	// ErrInvalidPublicKey is returned when bytes do not encode a P-256 point.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidPrivateKey is returned when bytes do not encode a P-256 scalar.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrSignatureVerification is returned when a signature does not verify.
	ErrSignatureVerification = errors.New("signature verification failed")

	// ErrDecryption is returned when a ciphertext cannot be opened.
	ErrDecryption = errors.New("decryption failed")
)

// PublicKey is an uncompressed SEC1 encoded P-256 point. Its text form is base58.
type PublicKey []byte

// ParsePublicKey decodes a base58 encoded public key and validates the point.
func ParsePublicKey(encoded string) (PublicKey, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub := PublicKey(raw)
	if err := pub.Validate(); err != nil {
		return nil, err
	}
	return pub, nil
}

// Validate checks that the key is a point on P-256.
func (p PublicKey) Validate() error {
	_, err := p.ecdsa()
	return err
}

func (p PublicKey) ecdsa() (*ecdsa.PublicKey, error) {
	ecdhKey, err := ecdh.P256().NewPublicKey(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	raw := ecdhKey.Bytes()
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:]),
	}, nil
}

// String returns the base58 form of the key.
func (p PublicKey) String() string {
	return base58.Encode(p)
}

// Equal compares two public keys byte-wise.
func (p PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(p, other)
}

func (p PublicKey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PublicKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = nil
		return nil
	}
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Verify checks an ASN.1 ECDSA signature over SHA-256(message).
func (p PublicKey) Verify(message, signature []byte) error {
	pub, err := p.ecdsa()
	if err != nil {
		return err
	}
	digest := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(pub, digest[:], signature) {
		return ErrSignatureVerification
	}
	return nil
}

// KeyPair is a P-256 keypair used for signing and ECIES decryption.
type KeyPair struct {
	private *ecdsa.PrivateKey
}

// GenerateKeyPair creates a fresh random P-256 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeyPair{private: key}, nil
}

// KeyPairFromPrivateBytes restores a keypair from its 32-byte scalar.
func KeyPairFromPrivateBytes(raw []byte) (*KeyPair, error) {
	if len(raw) != PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPrivateKey, PrivateKeySize, len(raw))
	}
	ecdhKey, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, err := PublicKey(ecdhKey.PublicKey().Bytes()).ecdsa()
	if err != nil {
		return nil, err
	}
	return &KeyPair{private: &ecdsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(raw),
	}}, nil
}

// PublicKey returns the uncompressed encoding of the public half.
func (k *KeyPair) PublicKey() PublicKey {
	ecdhKey, err := k.private.PublicKey.ECDH()
	if err != nil {
		// The key was built from a valid scalar, so this cannot fail.
		panic(err)
	}
	return PublicKey(ecdhKey.Bytes())
}

// PrivateKeyBytes returns the fixed-width private scalar. Callers own the
// returned slice and should wipe it once done.
func (k *KeyPair) PrivateKeyBytes() []byte {
	out := make([]byte, PrivateKeySize)
	k.private.D.FillBytes(out)
	return out
}

// ECDSA exposes the underlying key for libraries that need it (JWT signing).
func (k *KeyPair) ECDSA() *ecdsa.PrivateKey {
	return k.private
}

// Sign produces an ASN.1 ECDSA signature over SHA-256(message).
func (k *KeyPair) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, k.private, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// ECDSAPublicKey converts an encoded key into the standard library form.
func (p PublicKey) ECDSAPublicKey() (*ecdsa.PublicKey, error) {
	return p.ecdsa()
}

// WipeBytes zeroes a byte slice holding key material.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
