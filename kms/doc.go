// Package kms implements threshold key management for the recovery protocol.
//
// A private key is split with Shamir's Secret Sharing over GF(256) into one
// share per participant, and every share is encrypted to its participant's
// public key before it leaves the package. Reconstruction takes plaintext
// shares (decrypted by their holders) and refuses to run with fewer than the
// threshold, so a short share set can never yield a plausible wrong key.
//
// # Key Components
//
//   - Split: (T, N) sharing with immediate per-participant encryption
//   - Reconstruct: order-independent combination of at least T shares
//   - ReconstructKeyPair: reconstruction checked against the expected public key
//
// A threshold of one is handled without polynomials: every participant
// receives a copy of the secret.
package kms
