package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	gcmNonceSize = 12
	eciesInfo    = "seedguard-ecies"
)

// Encrypt seals data to a public key with ECIES: ephemeral P-256 ECDH,
// HKDF-SHA256 key derivation, and AES-GCM. A fresh ephemeral key is
// generated for every call.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][nonce][ciphertext]
func Encrypt(recipient PublicKey, data []byte) ([]byte, error) {
	remote, err := ecdh.P256().NewPublicKey(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeral.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	defer WipeBytes(shared)

	ephemeralPub := ephemeral.PublicKey().Bytes()
	aead, err := eciesCipher(shared, ephemeralPub)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	result := make([]byte, 0, 2+len(ephemeralPub)+len(nonce)+len(ciphertext))
	result = binary.BigEndian.AppendUint16(result, uint16(len(ephemeralPub)))
	result = append(result, ephemeralPub...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// Decrypt opens a ciphertext produced by Encrypt for this keypair.
func (k *KeyPair) Decrypt(encrypted []byte) ([]byte, error) {
	if len(encrypted) < 2 {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	ephemeralLen := int(binary.BigEndian.Uint16(encrypted[0:2]))
	if len(encrypted) < 2+ephemeralLen+gcmNonceSize {
		return nil, fmt.Errorf("%w: invalid ciphertext format", ErrDecryption)
	}
	ephemeralPub := encrypted[2 : 2+ephemeralLen]
	nonce := encrypted[2+ephemeralLen : 2+ephemeralLen+gcmNonceSize]
	ciphertext := encrypted[2+ephemeralLen+gcmNonceSize:]

	remote, err := ecdh.P256().NewPublicKey(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ephemeral key", ErrDecryption)
	}

	local, err := k.private.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	shared, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	defer WipeBytes(shared)

	aead, err := eciesCipher(shared, ephemeralPub)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func eciesCipher(shared, ephemeralPub []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	defer WipeBytes(key)

	kdf := hkdf.New(sha256.New, shared, ephemeralPub, []byte(eciesInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return newGCM(key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// Hash is a SHA-256 digest.
type Hash [32]byte

// SHA256 hashes data.
func SHA256(data []byte) Hash {
	return sha256.Sum256(data)
}
