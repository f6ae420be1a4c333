// Package cryptoutils provides the cryptographic primitives used by the
// recovery protocol.
//
// All asymmetric keys are NIST P-256. A single keypair type serves both
// signing (ECDSA over SHA-256, ASN.1 encoded) and decryption (ECIES), which
// matches how device, approver, intermediate and master keys are used.
//
// # Encryption Format
//
// Encrypt produces:
//
//	[ephemeral key length (2 bytes)][ephemeral key][nonce (12 bytes)][ciphertext]
//
// The AES-256-GCM key is derived from the ECDH shared secret with HKDF-SHA256,
// salted with the ephemeral public key.
//
// # Encodings
//
// Public keys travel as base58 of the uncompressed SEC1 point. Private keys are
// only ever serialized as a 32-byte scalar for the keystore or as input to
// threshold sharing.
package cryptoutils
