package interfaces

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const tagField = "type"

// marshalTagged encodes a variant as its JSON object plus the "type" tag.
func marshalTagged(tag string, variant any) ([]byte, error) {
	body, err := json.Marshal(variant)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields[tagField], err = json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func readTag(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", err
	}
	if probe.Type == "" {
		return "", fmt.Errorf("%w: missing type tag", ErrUnknownVariant)
	}
	return probe.Type, nil
}

func isNull(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeVariant[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// MarshalOwnerState encodes an owner state with its type tag.
func MarshalOwnerState(state OwnerState) ([]byte, error) {
	if state == nil {
		return []byte("null"), nil
	}
	return marshalTagged(state.Tag(), state)
}

// UnmarshalOwnerState decodes a tagged owner state.
func UnmarshalOwnerState(data []byte) (OwnerState, error) {
	if isNull(data) {
		return nil, nil
	}
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case InitialOwnerState{}.Tag():
		return decodeVariant[InitialOwnerState](data)
	case BeneficiaryOwnerState{}.Tag():
		return decodeVariant[BeneficiaryOwnerState](data)
	case ReadyOwnerState{}.Tag():
		return decodeVariant[ReadyOwnerState](data)
	default:
		return nil, fmt.Errorf("%w: owner state %q", ErrUnknownVariant, tag)
	}
}

// MarshalApproverStatus encodes an approver status with its type tag.
func MarshalApproverStatus(status ApproverStatus) ([]byte, error) {
	if status == nil {
		return []byte("null"), nil
	}
	return marshalTagged(status.Tag(), status)
}

// UnmarshalApproverStatus decodes a tagged approver status.
func UnmarshalApproverStatus(data []byte) (ApproverStatus, error) {
	if isNull(data) {
		return nil, nil
	}
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case ApproverInitial{}.Tag():
		return decodeVariant[ApproverInitial](data)
	case ApproverAccepted{}.Tag():
		return decodeVariant[ApproverAccepted](data)
	case ApproverVerificationSubmitted{}.Tag():
		return decodeVariant[ApproverVerificationSubmitted](data)
	case ApproverConfirmed{}.Tag():
		return decodeVariant[ApproverConfirmed](data)
	case ApproverDeclined{}.Tag():
		return decodeVariant[ApproverDeclined](data)
	default:
		return nil, fmt.Errorf("%w: approver status %q", ErrUnknownVariant, tag)
	}
}

// MarshalAccessRecord encodes an access record with its type tag.
func MarshalAccessRecord(record AccessRecord) ([]byte, error) {
	if record == nil {
		return []byte("null"), nil
	}
	return marshalTagged(record.Tag(), record)
}

// UnmarshalAccessRecord decodes a tagged access record.
func UnmarshalAccessRecord(data []byte) (AccessRecord, error) {
	if isNull(data) {
		return nil, nil
	}
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case ThisDeviceAccess{}.Tag():
		return decodeVariant[ThisDeviceAccess](data)
	case AnotherDeviceAccess{}.Tag():
		return decodeVariant[AnotherDeviceAccess](data)
	default:
		return nil, fmt.Errorf("%w: access %q", ErrUnknownVariant, tag)
	}
}

// MarshalAuthProof encodes an auth proof with its type tag.
func MarshalAuthProof(proof AuthProof) ([]byte, error) {
	if proof == nil {
		return []byte("null"), nil
	}
	return marshalTagged(proof.Tag(), proof)
}

// UnmarshalAuthProof decodes a tagged auth proof.
func UnmarshalAuthProof(data []byte) (AuthProof, error) {
	if isNull(data) {
		return nil, fmt.Errorf("%w: missing auth proof", ErrValidation)
	}
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case BiometricProof{}.Tag():
		return decodeVariant[BiometricProof](data)
	case PasswordProof{}.Tag():
		return decodeVariant[PasswordProof](data)
	default:
		return nil, fmt.Errorf("%w: auth proof %q", ErrUnknownVariant, tag)
	}
}

type prospectApproverJSON struct {
	Label         string          `json:"label"`
	ParticipantID ParticipantId   `json:"participantId"`
	InvitationID  string          `json:"invitationId"`
	Status        json.RawMessage `json:"status"`
}

func (p ProspectApprover) MarshalJSON() ([]byte, error) {
	status, err := MarshalApproverStatus(p.Status)
	if err != nil {
		return nil, err
	}
	return json.Marshal(prospectApproverJSON{
		Label:         p.Label,
		ParticipantID: p.ParticipantID,
		InvitationID:  p.InvitationID,
		Status:        status,
	})
}

func (p *ProspectApprover) UnmarshalJSON(data []byte) error {
	var raw prospectApproverJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status, err := UnmarshalApproverStatus(raw.Status)
	if err != nil {
		return err
	}
	*p = ProspectApprover{
		Label:         raw.Label,
		ParticipantID: raw.ParticipantID,
		InvitationID:  raw.InvitationID,
		Status:        status,
	}
	return nil
}

type readyOwnerStateJSON struct {
	Policy             Policy          `json:"policy"`
	PolicySetup        *PolicySetup    `json:"policySetup,omitempty"`
	Access             json.RawMessage `json:"access,omitempty"`
	Vault              Vault           `json:"vault"`
	AuthType           AuthType        `json:"authType"`
	UnlockedForSeconds *int64          `json:"unlockedForSeconds,omitempty"`
}

func (s ReadyOwnerState) MarshalJSON() ([]byte, error) {
	var access json.RawMessage
	if s.Access != nil {
		var err error
		access, err = MarshalAccessRecord(s.Access)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(readyOwnerStateJSON{
		Policy:             s.Policy,
		PolicySetup:        s.PolicySetup,
		Access:             access,
		Vault:              s.Vault,
		AuthType:           s.AuthType,
		UnlockedForSeconds: s.UnlockedForSeconds,
	})
}

func (s *ReadyOwnerState) UnmarshalJSON(data []byte) error {
	var raw readyOwnerStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	access, err := UnmarshalAccessRecord(raw.Access)
	if err != nil {
		return err
	}
	*s = ReadyOwnerState{
		Policy:             raw.Policy,
		PolicySetup:        raw.PolicySetup,
		Access:             access,
		Vault:              raw.Vault,
		AuthType:           raw.AuthType,
		UnlockedForSeconds: raw.UnlockedForSeconds,
	}
	return nil
}

type userStateJSON struct {
	OwnerState    json.RawMessage `json:"ownerState"`
	ApproverRoles []ApproverRole  `json:"approverRoles"`
}

func (u UserState) MarshalJSON() ([]byte, error) {
	state, err := MarshalOwnerState(u.OwnerState)
	if err != nil {
		return nil, err
	}
	return json.Marshal(userStateJSON{OwnerState: state, ApproverRoles: u.ApproverRoles})
}

func (u *UserState) UnmarshalJSON(data []byte) error {
	var raw userStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	state, err := UnmarshalOwnerState(raw.OwnerState)
	if err != nil {
		return err
	}
	*u = UserState{OwnerState: state, ApproverRoles: raw.ApproverRoles}
	return nil
}
