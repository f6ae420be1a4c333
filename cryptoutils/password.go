package cryptoutils

import (
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

const passwordSaltPrefix = "seedguard:"

// PasswordProofSize is the length of a derived cryptographic password.
const PasswordProofSize = 32

// DerivePasswordProof turns a user password into the cryptographic password
// sent to the server. The account id salts the derivation so identical
// passwords on different accounts produce unrelated proofs.
func DerivePasswordProof(password, accountID string) []byte {
	salt := []byte(passwordSaltPrefix + accountID)
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, PasswordProofSize)
}

// PasswordVerifier is what the server stores for a password proof.
func PasswordVerifier(proof []byte) []byte {
	h := SHA256(proof)
	return h[:]
}

// CheckPasswordProof compares a proof with a stored verifier in constant time.
func CheckPasswordProof(verifier, proof []byte) bool {
	h := SHA256(proof)
	return subtle.ConstantTimeCompare(verifier, h[:]) == 1
}
