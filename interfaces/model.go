package interfaces

import (
	"time"

	"github.com/ruteri/seedguard/cryptoutils"
)

// AuthType is the authentication factor an account re-authenticates with.
// Biometric and password are mutually exclusive per account.
type AuthType string

const (
	AuthTypeNone      AuthType = "None"
	AuthTypeBiometric AuthType = "Biometric"
	AuthTypePassword  AuthType = "Password"
)

// AccessIntent states why an access record was opened.
type AccessIntent string

const (
	IntentAccessPhrases   AccessIntent = "AccessPhrases"
	IntentReplacePolicy   AccessIntent = "ReplacePolicy"
	IntentRecoverOwnerKey AccessIntent = "RecoverOwnerKey"
)

// Valid reports whether the intent is one of the known values.
func (i AccessIntent) Valid() bool {
	switch i {
	case IntentAccessPhrases, IntentReplacePolicy, IntentRecoverOwnerKey:
		return true
	default:
		return false
	}
}

// AccessStatus is the server-computed status of an access record.
type AccessStatus string

const (
	AccessRequested  AccessStatus = "Requested"
	AccessTimelocked AccessStatus = "Timelocked"
	AccessAvailable  AccessStatus = "Available"
	AccessGranted    AccessStatus = "Granted"
	AccessExpired    AccessStatus = "Expired"
)

// AllowsRetrieval reports whether shards may be retrieved in this status.
func (s AccessStatus) AllowsRetrieval() bool {
	return s == AccessAvailable || s == AccessGranted
}

// ApprovalStatus is the per-approver sub-state of an access record.
type ApprovalStatus string

const (
	ApprovalInitial                ApprovalStatus = "Initial"
	ApprovalWaitingForVerification ApprovalStatus = "WaitingForVerification"
	ApprovalWaitingForApproval     ApprovalStatus = "WaitingForApproval"
	ApprovalApproved               ApprovalStatus = "Approved"
	ApprovalRejected               ApprovalStatus = "Rejected"
)

// EncryptedShard is one share of a split key, encrypted to its holder.
type EncryptedShard struct {
	ParticipantID  ParticipantId `json:"participantId"`
	EncryptedShard []byte        `json:"encryptedShard"`
	IsOwnerShard   bool          `json:"isOwnerShard"`
}

// ApproverVerification is what an approver submits after entering the code
// the owner read out: a signature over code || timeMillis.
type ApproverVerification struct {
	ApproverPublicKey cryptoutils.PublicKey `json:"approverPublicKey"`
	Signature         []byte                `json:"signature"`
	TimeMillis        int64                 `json:"timeMillis"`
}

// ApproverConfirmation is the owner's signature over
// approverPublicKey || participantId || timeMillis.
type ApproverConfirmation struct {
	ApproverPublicKey     cryptoutils.PublicKey `json:"approverPublicKey"`
	ConfirmationSignature []byte                `json:"confirmationSignature"`
	TimeMillis            int64                 `json:"timeMillis"`
	SignerPublicKey       cryptoutils.PublicKey `json:"signerPublicKey"`
}

// TrustedApprover is a participant of a committed policy.
type TrustedApprover struct {
	Label         string                `json:"label"`
	ParticipantID ParticipantId         `json:"participantId"`
	PublicKey     cryptoutils.PublicKey `json:"publicKey"`
	IsOwner       bool                  `json:"isOwner"`
	HoldsShard    bool                  `json:"holdsShard"`
	OnboardedAt   time.Time             `json:"onboardedAt"`
	Confirmation  *ApproverConfirmation `json:"confirmation,omitempty"`
}

// Policy is the committed sharding configuration of an account.
type Policy struct {
	CreatedAt                              time.Time             `json:"createdAt"`
	Threshold                              int                   `json:"threshold"`
	Approvers                              []TrustedApprover     `json:"approvers"`
	IntermediatePublicKey                  cryptoutils.PublicKey `json:"intermediatePublicKey"`
	EncryptedMasterKey                     []byte                `json:"encryptedMasterKey"`
	MasterEncryptionPublicKey              cryptoutils.PublicKey `json:"masterEncryptionPublicKey"`
	MasterKeySignature                     []byte                `json:"masterKeySignature"`
	ApproverKeysSignatureByIntermediateKey []byte                `json:"approverKeysSignatureByIntermediateKey"`
	SignatureByPreviousIntermediateKey     []byte                `json:"signatureByPreviousIntermediateKey,omitempty"`
}

// Owner returns the owner participant of the policy, if any.
func (p *Policy) Owner() (TrustedApprover, bool) {
	for _, a := range p.Approvers {
		if a.IsOwner {
			return a, true
		}
	}
	return TrustedApprover{}, false
}

// OwnerHoldsShard reports whether the owner holds one of the shards.
func (p *Policy) OwnerHoldsShard() bool {
	owner, ok := p.Owner()
	return ok && owner.HoldsShard
}

// RequiredApprovals is the number of external approvals needed to reach the
// threshold for an access request.
func (p *Policy) RequiredApprovals() int {
	required := p.Threshold
	if p.OwnerHoldsShard() {
		required--
	}
	return required
}

// Approver finds a participant by id.
func (p *Policy) Approver(id ParticipantId) (TrustedApprover, bool) {
	for _, a := range p.Approvers {
		if a.ParticipantID == id {
			return a, true
		}
	}
	return TrustedApprover{}, false
}

// ProspectApprover is an approver slot in a PolicySetup.
type ProspectApprover struct {
	Label         string         `json:"label"`
	ParticipantID ParticipantId  `json:"participantId"`
	InvitationID  string         `json:"invitationId"`
	Status        ApproverStatus `json:"status"`
}

// PolicySetup stages approvers before a policy is committed.
type PolicySetup struct {
	OwnerParticipantID ParticipantId      `json:"ownerParticipantId"`
	Approvers          []ProspectApprover `json:"approvers"`
}

// Prospect finds a prospect approver by participant id.
func (s *PolicySetup) Prospect(id ParticipantId) (*ProspectApprover, bool) {
	for i := range s.Approvers {
		if s.Approvers[i].ParticipantID == id {
			return &s.Approvers[i], true
		}
	}
	return nil, false
}

// ApproverStatus is the enrollment state of a prospect approver.
type ApproverStatus interface {
	Tag() string
	isApproverStatus()
}

type ApproverInitial struct {
	DeviceEncryptedTotpSecret []byte `json:"deviceEncryptedTotpSecret"`
}

type ApproverAccepted struct {
	DeviceEncryptedTotpSecret []byte    `json:"deviceEncryptedTotpSecret"`
	AcceptedAt                time.Time `json:"acceptedAt"`
}

type ApproverVerificationSubmitted struct {
	DeviceEncryptedTotpSecret []byte               `json:"deviceEncryptedTotpSecret"`
	Verification              ApproverVerification `json:"verification"`
}

type ApproverConfirmed struct {
	Confirmation ApproverConfirmation `json:"confirmation"`
}

type ApproverDeclined struct {
	DeclinedAt time.Time `json:"declinedAt"`
}

func (ApproverInitial) Tag() string               { return "Initial" }
func (ApproverAccepted) Tag() string              { return "Accepted" }
func (ApproverVerificationSubmitted) Tag() string { return "VerificationSubmitted" }
func (ApproverConfirmed) Tag() string             { return "Confirmed" }
func (ApproverDeclined) Tag() string              { return "Declined" }

func (ApproverInitial) isApproverStatus()               {}
func (ApproverAccepted) isApproverStatus()              {}
func (ApproverVerificationSubmitted) isApproverStatus() {}
func (ApproverConfirmed) isApproverStatus()             {}
func (ApproverDeclined) isApproverStatus()              {}

// IsTerminal reports whether no further enrollment transitions are possible.
func IsTerminal(status ApproverStatus) bool {
	switch status.(type) {
	case ApproverConfirmed, ApproverDeclined:
		return true
	case ApproverInitial, ApproverAccepted, ApproverVerificationSubmitted:
		return false
	default:
		return true
	}
}

// DeviceEncryptedTotpSecret returns the owner-side encrypted TOTP secret for
// statuses that still carry it.
func DeviceEncryptedTotpSecret(status ApproverStatus) ([]byte, bool) {
	switch s := status.(type) {
	case ApproverInitial:
		return s.DeviceEncryptedTotpSecret, true
	case ApproverAccepted:
		return s.DeviceEncryptedTotpSecret, true
	case ApproverVerificationSubmitted:
		return s.DeviceEncryptedTotpSecret, true
	case ApproverConfirmed, ApproverDeclined:
		return nil, false
	default:
		return nil, false
	}
}

// Approval is the owner's view of one approver's decision on an access record.
type Approval struct {
	ApprovalID    string         `json:"approvalId"`
	ParticipantID ParticipantId  `json:"participantId"`
	Status        ApprovalStatus `json:"status"`
}

// AccessRecord is the active access/recovery record as seen by one device.
type AccessRecord interface {
	Tag() string
	AccessGUID() string
	isAccessRecord()
}

// ThisDeviceAccess is an access record opened by the requesting device.
type ThisDeviceAccess struct {
	GUID      string       `json:"guid"`
	Status    AccessStatus `json:"status"`
	Intent    AccessIntent `json:"intent"`
	CreatedAt time.Time    `json:"createdAt"`
	UnlocksAt time.Time    `json:"unlocksAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
	Approvals []Approval   `json:"approvals"`
}

// AnotherDeviceAccess is an access record opened by a different device of
// the same account. It blocks new requests until deleted.
type AnotherDeviceAccess struct {
	GUID   string       `json:"guid"`
	Intent AccessIntent `json:"intent"`
}

func (ThisDeviceAccess) Tag() string    { return "ThisDevice" }
func (AnotherDeviceAccess) Tag() string { return "AnotherDevice" }

func (a ThisDeviceAccess) AccessGUID() string    { return a.GUID }
func (a AnotherDeviceAccess) AccessGUID() string { return a.GUID }

func (ThisDeviceAccess) isAccessRecord()    {}
func (AnotherDeviceAccess) isAccessRecord() {}

// Approval finds the approval of a participant.
func (a *ThisDeviceAccess) Approval(id ParticipantId) (Approval, bool) {
	for _, ap := range a.Approvals {
		if ap.ParticipantID == id {
			return ap, true
		}
	}
	return Approval{}, false
}

// VaultSecret is a seed phrase encrypted to the master public key.
type VaultSecret struct {
	GUID                string    `json:"guid"`
	Label               string    `json:"label"`
	EncryptedSeedPhrase []byte    `json:"encryptedSeedPhrase"`
	SeedPhraseHash      []byte    `json:"seedPhraseHash"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Vault holds the encrypted secrets of an account.
type Vault struct {
	Secrets []VaultSecret `json:"secrets"`
}

// OwnerState is the authoritative account state returned by the server.
type OwnerState interface {
	Tag() string
	isOwnerState()
}

// InitialOwnerState is an account without a committed policy.
type InitialOwnerState struct {
	AuthType    AuthType     `json:"authType"`
	PolicySetup *PolicySetup `json:"policySetup,omitempty"`
}

// BeneficiaryOwnerState is an account that only acts as a beneficiary of
// another owner.
type BeneficiaryOwnerState struct {
	AuthType   AuthType `json:"authType"`
	OwnerLabel string   `json:"ownerLabel"`
}

// ReadyOwnerState is an account with a committed policy.
type ReadyOwnerState struct {
	Policy             Policy
	PolicySetup        *PolicySetup
	Access             AccessRecord
	Vault              Vault
	AuthType           AuthType
	UnlockedForSeconds *int64
}

func (InitialOwnerState) Tag() string     { return "Initial" }
func (BeneficiaryOwnerState) Tag() string { return "Beneficiary" }
func (ReadyOwnerState) Tag() string       { return "Ready" }

func (InitialOwnerState) isOwnerState()     {}
func (BeneficiaryOwnerState) isOwnerState() {}
func (ReadyOwnerState) isOwnerState()       {}

// PolicySetupOf returns the staged policy setup of any owner state.
func PolicySetupOf(state OwnerState) *PolicySetup {
	switch s := state.(type) {
	case InitialOwnerState:
		return s.PolicySetup
	case ReadyOwnerState:
		return s.PolicySetup
	case BeneficiaryOwnerState:
		return nil
	default:
		return nil
	}
}

// AuthTypeOf returns the account authentication type of any owner state.
func AuthTypeOf(state OwnerState) AuthType {
	switch s := state.(type) {
	case InitialOwnerState:
		return s.AuthType
	case ReadyOwnerState:
		return s.AuthType
	case BeneficiaryOwnerState:
		return s.AuthType
	default:
		return AuthTypeNone
	}
}

// AuthProof authenticates shard retrieval and unlocking.
type AuthProof interface {
	Tag() string
	AuthType() AuthType
	isAuthProof()
}

// BiometricProof is the result of a biometric capture.
type BiometricProof struct {
	VerificationID string `json:"verificationId"`
	ProofBlob      []byte `json:"proofBlob"`
}

// PasswordProof carries the argon2id-derived cryptographic password.
type PasswordProof struct {
	CryptographicPassword []byte `json:"cryptographicPassword"`
}

func (BiometricProof) Tag() string { return "Biometric" }
func (PasswordProof) Tag() string  { return "Password" }

func (BiometricProof) AuthType() AuthType { return AuthTypeBiometric }
func (PasswordProof) AuthType() AuthType  { return AuthTypePassword }

func (BiometricProof) isAuthProof() {}
func (PasswordProof) isAuthProof()  {}

// FeatureFlags are server-controlled toggles mirrored into process state.
type FeatureFlags struct {
	PasswordAuth         bool `json:"passwordAuth"`
	BiometricAuth        bool `json:"biometricAuth"`
	Timelock             bool `json:"timelock"`
	MaxExternalApprovers int  `json:"maxExternalApprovers"`
}

// DefaultFeatureFlags are used until the server reports its own.
func DefaultFeatureFlags() FeatureFlags {
	return FeatureFlags{
		PasswordAuth:         true,
		BiometricAuth:        true,
		MaxExternalApprovers: 2,
	}
}

// ApproverRole is an approver's view of one owner relationship.
type ApproverRole struct {
	InvitationID         string                `json:"invitationId"`
	OwnerAccountID       string                `json:"ownerAccountId"`
	ParticipantID        ParticipantId         `json:"participantId"`
	Label                string                `json:"label"`
	OwnerDevicePublicKey cryptoutils.PublicKey `json:"ownerDevicePublicKey"`
	Phase                string                `json:"phase"`
}

// Approver role phases.
const (
	RolePhaseAccepted              = "Accepted"
	RolePhaseVerificationSubmitted = "VerificationSubmitted"
	RolePhaseConfirmed             = "Confirmed"
	RolePhaseActive                = "Active"
	RolePhaseDeclined              = "Declined"
)

// OwnerVerification is the owner's signature over code || timeMillis for an
// access approval, where the code comes from the approver's TOTP secret.
type OwnerVerification struct {
	Signature  []byte `json:"signature"`
	TimeMillis int64  `json:"timeMillis"`
}

// ApproverAccessRequest is an approver's view of an access approval.
type ApproverAccessRequest struct {
	ApprovalID                  string                `json:"approvalId"`
	OwnerAccountID              string                `json:"ownerAccountId"`
	ParticipantID               ParticipantId         `json:"participantId"`
	Intent                      AccessIntent          `json:"intent"`
	Status                      ApprovalStatus        `json:"status"`
	OwnerDevicePublicKey        cryptoutils.PublicKey `json:"ownerDevicePublicKey"`
	ApproverEncryptedTotpSecret []byte                `json:"approverEncryptedTotpSecret,omitempty"`
	OwnerVerification           *OwnerVerification    `json:"ownerVerification,omitempty"`
	EncryptedShard              []byte                `json:"encryptedShard"`
	ExpiresAt                   time.Time             `json:"expiresAt"`
}

// ProspectApproverRequest adds an approver slot to a policy setup.
type ProspectApproverRequest struct {
	Label                     string        `json:"label"`
	ParticipantID             ParticipantId `json:"participantId"`
	DeviceEncryptedTotpSecret []byte        `json:"deviceEncryptedTotpSecret"`
}

// PolicySetupRequest replaces the staged policy setup.
type PolicySetupRequest struct {
	OwnerParticipantID ParticipantId             `json:"ownerParticipantId"`
	Approvers          []ProspectApproverRequest `json:"approvers"`
}

// CreatePolicyRequest commits a new policy, or replaces the current one.
type CreatePolicyRequest struct {
	Threshold                              int                   `json:"threshold"`
	Approvers                              []TrustedApprover     `json:"approvers"`
	Shards                                 []EncryptedShard      `json:"shards"`
	IntermediatePublicKey                  cryptoutils.PublicKey `json:"intermediatePublicKey"`
	EncryptedMasterKey                     []byte                `json:"encryptedMasterKey"`
	MasterEncryptionPublicKey              cryptoutils.PublicKey `json:"masterEncryptionPublicKey"`
	MasterKeySignature                     []byte                `json:"masterKeySignature"`
	ApproverKeysSignatureByIntermediateKey []byte                `json:"approverKeysSignatureByIntermediateKey"`
	SignatureByPreviousIntermediateKey     []byte                `json:"signatureByPreviousIntermediateKey,omitempty"`
}

// UserState is the response of a state refresh.
type UserState struct {
	OwnerState    OwnerState
	ApproverRoles []ApproverRole
}
