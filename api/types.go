package api

import (
	"encoding/json"

	"github.com/ruteri/seedguard/interfaces"
)

// OwnerStateResponse wraps the authoritative owner state returned by every
// owner mutation.
type OwnerStateResponse struct {
	OwnerState interfaces.OwnerState
}

type ownerStateResponseJSON struct {
	OwnerState json.RawMessage `json:"ownerState"`
}

func (r OwnerStateResponse) MarshalJSON() ([]byte, error) {
	state, err := interfaces.MarshalOwnerState(r.OwnerState)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ownerStateResponseJSON{OwnerState: state})
}

func (r *OwnerStateResponse) UnmarshalJSON(data []byte) error {
	var raw ownerStateResponseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	state, err := interfaces.UnmarshalOwnerState(raw.OwnerState)
	if err != nil {
		return err
	}
	r.OwnerState = state
	return nil
}

// AuthProofRequest carries a tagged biometric or password proof.
type AuthProofRequest struct {
	Proof interfaces.AuthProof
}

type authProofRequestJSON struct {
	Proof json.RawMessage `json:"proof"`
}

func (r AuthProofRequest) MarshalJSON() ([]byte, error) {
	proof, err := interfaces.MarshalAuthProof(r.Proof)
	if err != nil {
		return nil, err
	}
	return json.Marshal(authProofRequestJSON{Proof: proof})
}

func (r *AuthProofRequest) UnmarshalJSON(data []byte) error {
	var raw authProofRequestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	proof, err := interfaces.UnmarshalAuthProof(raw.Proof)
	if err != nil {
		return err
	}
	r.Proof = proof
	return nil
}

type RequestAccessRequest struct {
	Intent interfaces.AccessIntent `json:"intent"`
}

type RetrieveShardsResponse struct {
	Shards []interfaces.EncryptedShard `json:"shards"`
}

type AcceptInvitationRequest struct {
	Token string `json:"token"`
}

type ListApprovalsResponse struct {
	Approvals []interfaces.ApproverAccessRequest `json:"approvals"`
}

type AcknowledgeApprovalRequest struct {
	EncryptedTotpSecret []byte `json:"encryptedTotpSecret"`
}

type ApproveAccessRequest struct {
	EncryptedShard []byte `json:"encryptedShard"`
}

// StatusResponse is returned by health and admin routes.
type StatusResponse struct {
	Status string `json:"status"`
}
