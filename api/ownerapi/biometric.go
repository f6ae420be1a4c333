package ownerapi

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
)

// DigestBiometricVerifier stores the digest of the enrolled proof blob and
// accepts later proofs carrying the same blob. It stands in for a liveness
// vendor in development and tests.
type DigestBiometricVerifier struct{}

var _ interfaces.BiometricVerifier = DigestBiometricVerifier{}

func (DigestBiometricVerifier) Enroll(_ context.Context, accountID string, proof interfaces.BiometricProof) ([]byte, error) {
	if proof.VerificationID == "" || len(proof.ProofBlob) == 0 {
		return nil, fmt.Errorf("%w: incomplete biometric proof", interfaces.ErrValidation)
	}
	template := cryptoutils.SHA256(proof.ProofBlob)
	return template[:], nil
}

func (DigestBiometricVerifier) Verify(_ context.Context, accountID string, template []byte, proof interfaces.BiometricProof) error {
	if proof.VerificationID == "" {
		return fmt.Errorf("%w: missing verification id", interfaces.ErrBiometryFailed)
	}
	digest := cryptoutils.SHA256(proof.ProofBlob)
	if subtle.ConstantTimeCompare(template, digest[:]) != 1 {
		return interfaces.ErrBiometryFailed
	}
	return nil
}
