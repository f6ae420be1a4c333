package interfaces

import (
	"context"
)

// Keystore is secure device-local storage for raw key bytes.
type Keystore interface {
	// Get returns the bytes stored under id, or ErrKeyNotFound.
	Get(ctx context.Context, id string) ([]byte, error)

	// Put stores data under id, replacing any previous value.
	Put(ctx context.Context, id string, data []byte) error

	// Delete removes id. Deleting a missing id succeeds.
	Delete(ctx context.Context, id string) error

	// Name returns identifier for logging.
	Name() string
}

// BiometricService captures a biometric liveness proof.
type BiometricService interface {
	// Capture returns a proof, or ErrBiometryCancelled if the user aborts.
	Capture(ctx context.Context) (BiometricProof, error)
}

// BiometricVerifier checks biometric proofs server side.
type BiometricVerifier interface {
	// Enroll registers the first proof of an account and returns the
	// template to store.
	Enroll(ctx context.Context, accountID string, proof BiometricProof) ([]byte, error)

	// Verify checks a fresh proof against the stored template.
	Verify(ctx context.Context, accountID string, template []byte, proof BiometricProof) error
}

// OwnerAPI is the owner-facing half of the signed transport.
type OwnerAPI interface {
	GetUser(ctx context.Context) (*UserState, error)
	GetFeatureFlags(ctx context.Context) (FeatureFlags, error)

	EnrollPassword(ctx context.Context, proof PasswordProof) (OwnerState, error)
	EnrollBiometry(ctx context.Context, proof BiometricProof) (OwnerState, error)
	Unlock(ctx context.Context, proof AuthProof) (OwnerState, error)
	ProlongUnlock(ctx context.Context) (OwnerState, error)
	Lock(ctx context.Context) (OwnerState, error)

	CreatePolicySetup(ctx context.Context, req PolicySetupRequest) (OwnerState, error)
	ConfirmApprover(ctx context.Context, participantID ParticipantId, confirmation ApproverConfirmation) (OwnerState, error)
	RejectApproverVerification(ctx context.Context, participantID ParticipantId) (OwnerState, error)
	CreateOrReplacePolicy(ctx context.Context, req CreatePolicyRequest) (OwnerState, error)

	StoreSecret(ctx context.Context, secret VaultSecret) (OwnerState, error)
	DeleteSecret(ctx context.Context, guid string) (OwnerState, error)

	RequestAccess(ctx context.Context, intent AccessIntent) (OwnerState, error)
	SubmitAccessVerification(ctx context.Context, participantID ParticipantId, verification OwnerVerification) (OwnerState, error)
	RetrieveShards(ctx context.Context, proof AuthProof) ([]EncryptedShard, error)
	DeleteAccess(ctx context.Context) (OwnerState, error)
}

// ApproverAPI is the approver-facing half of the signed transport.
type ApproverAPI interface {
	AcceptInvitation(ctx context.Context, invitationID, token string) (ApproverRole, error)
	DeclineInvitation(ctx context.Context, invitationID string) error
	SubmitApproverVerification(ctx context.Context, invitationID string, verification ApproverVerification) error

	ListApprovals(ctx context.Context) ([]ApproverAccessRequest, error)
	AcknowledgeApproval(ctx context.Context, approvalID string, encryptedTotpSecret []byte) error
	ApproveAccess(ctx context.Context, approvalID string, encryptedShard []byte) error
	RejectAccessVerification(ctx context.Context, approvalID string) error
	RejectAccess(ctx context.Context, approvalID string) error
}
