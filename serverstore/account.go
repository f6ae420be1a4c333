package serverstore

import (
	"time"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
)

// Account is the server record of one user. The same account may own a
// policy and act as approver for other owners.
type Account struct {
	ID                string              `json:"id"`
	CreatedAt         time.Time           `json:"createdAt"`
	AuthType          interfaces.AuthType `json:"authType"`
	PasswordVerifier  []byte              `json:"passwordVerifier,omitempty"`
	BiometricTemplate []byte              `json:"biometricTemplate,omitempty"`
	LocksAt           time.Time           `json:"locksAt"`

	// Devices are the device keys allowed to act for the account. The first
	// device is bound on first use; later ones prove the auth factor.
	Devices []cryptoutils.PublicKey `json:"devices,omitempty"`

	Setup  *Setup                      `json:"setup,omitempty"`
	Policy *interfaces.Policy          `json:"policy,omitempty"`
	Shards []interfaces.EncryptedShard `json:"shards,omitempty"`
	Vault  interfaces.Vault            `json:"vault"`
	Access *Access                     `json:"access,omitempty"`

	// ApproverAccounts maps external participants of the policy to the
	// accounts that hold them.
	ApproverAccounts map[interfaces.ParticipantId]string `json:"approverAccounts,omitempty"`

	// Roles are the relationships in which this account is an approver.
	Roles []Role `json:"roles,omitempty"`
}

// Setup is the server view of a policy setup.
type Setup struct {
	OwnerParticipantID interfaces.ParticipantId `json:"ownerParticipantId"`
	OwnerDeviceKey     cryptoutils.PublicKey    `json:"ownerDeviceKey"`
	Prospects          []Prospect               `json:"prospects"`
}

// Prospect is a staged approver and the account that accepted its invitation.
type Prospect struct {
	Approver          interfaces.ProspectApprover `json:"approver"`
	ApproverAccountID string                      `json:"approverAccountId,omitempty"`
}

// Prospect finds a staged approver by participant id.
func (s *Setup) Prospect(id interfaces.ParticipantId) (*Prospect, bool) {
	for i := range s.Prospects {
		if s.Prospects[i].Approver.ParticipantID == id {
			return &s.Prospects[i], true
		}
	}
	return nil, false
}

// ProspectByInvitation finds a staged approver by invitation id.
func (s *Setup) ProspectByInvitation(invitationID string) (*Prospect, bool) {
	for i := range s.Prospects {
		if s.Prospects[i].Approver.InvitationID == invitationID {
			return &s.Prospects[i], true
		}
	}
	return nil, false
}

// Access is the server record of an access request.
type Access struct {
	GUID            string                  `json:"guid"`
	Intent          interfaces.AccessIntent `json:"intent"`
	DevicePublicKey cryptoutils.PublicKey   `json:"devicePublicKey"`
	CreatedAt       time.Time               `json:"createdAt"`
	UnlocksAt       time.Time               `json:"unlocksAt"`
	ExpiresAt       time.Time               `json:"expiresAt"`
	Retrieved       bool                    `json:"retrieved"`
	Approvals       []Approval              `json:"approvals"`
}

// Approval is one approver's part of an access request.
type Approval struct {
	ApprovalID                  string                        `json:"approvalId"`
	ParticipantID               interfaces.ParticipantId      `json:"participantId"`
	ApproverAccountID           string                        `json:"approverAccountId"`
	Status                      interfaces.ApprovalStatus     `json:"status"`
	ApproverEncryptedTotpSecret []byte                        `json:"approverEncryptedTotpSecret,omitempty"`
	OwnerVerification           *interfaces.OwnerVerification `json:"ownerVerification,omitempty"`
	ReleasedShard               []byte                        `json:"releasedShard,omitempty"`
}

// Approval finds an approval by id.
func (a *Access) Approval(approvalID string) (*Approval, bool) {
	for i := range a.Approvals {
		if a.Approvals[i].ApprovalID == approvalID {
			return &a.Approvals[i], true
		}
	}
	return nil, false
}

// ApprovedCount counts approvals that released their shard.
func (a *Access) ApprovedCount() int {
	n := 0
	for _, ap := range a.Approvals {
		if ap.Status == interfaces.ApprovalApproved {
			n++
		}
	}
	return n
}

// Role links an approver account to the owner that invited it.
type Role struct {
	OwnerAccountID       string                   `json:"ownerAccountId"`
	InvitationID         string                   `json:"invitationId"`
	ParticipantID        interfaces.ParticipantId `json:"participantId"`
	Label                string                   `json:"label"`
	OwnerDevicePublicKey cryptoutils.PublicKey    `json:"ownerDevicePublicKey"`
}

// Role finds a role by participant id.
func (a *Account) Role(id interfaces.ParticipantId) (*Role, bool) {
	for i := range a.Roles {
		if a.Roles[i].ParticipantID == id {
			return &a.Roles[i], true
		}
	}
	return nil, false
}

// HasDevice reports whether key is bound to the account.
func (a *Account) HasDevice(key cryptoutils.PublicKey) bool {
	for _, d := range a.Devices {
		if d.Equal(key) {
			return true
		}
	}
	return false
}

// Unlocked reports whether the account session is unlocked at now.
func (a *Account) Unlocked(now time.Time) bool {
	return now.Before(a.LocksAt)
}

// Shard returns the stored shard of a participant.
func (a *Account) Shard(id interfaces.ParticipantId) (interfaces.EncryptedShard, bool) {
	for _, s := range a.Shards {
		if s.ParticipantID == id {
			return s, true
		}
	}
	return interfaces.EncryptedShard{}, false
}
