package ownerapi

import (
	"context"
	"errors"
	"time"

	"github.com/ruteri/seedguard/api"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/serverstore"
)

// accessStatus derives the status of an access record at now.
func accessStatus(a *serverstore.Access, p *interfaces.Policy, now time.Time) interfaces.AccessStatus {
	switch {
	case !now.Before(a.ExpiresAt):
		return interfaces.AccessExpired
	case p == nil || a.ApprovedCount() < p.RequiredApprovals():
		return interfaces.AccessRequested
	case now.Before(a.UnlocksAt):
		return interfaces.AccessTimelocked
	case a.Retrieved:
		return interfaces.AccessGranted
	default:
		return interfaces.AccessAvailable
	}
}

func accessView(acc *serverstore.Account, caller api.Caller, now time.Time) interfaces.AccessRecord {
	a := acc.Access
	if a == nil {
		return nil
	}
	if !a.DevicePublicKey.Equal(caller.DevicePublicKey) {
		return interfaces.AnotherDeviceAccess{GUID: a.GUID, Intent: a.Intent}
	}
	view := interfaces.ThisDeviceAccess{
		GUID:      a.GUID,
		Status:    accessStatus(a, acc.Policy, now),
		Intent:    a.Intent,
		CreatedAt: a.CreatedAt,
		UnlocksAt: a.UnlocksAt,
		ExpiresAt: a.ExpiresAt,
	}
	for _, ap := range a.Approvals {
		view.Approvals = append(view.Approvals, interfaces.Approval{
			ApprovalID:    ap.ApprovalID,
			ParticipantID: ap.ParticipantID,
			Status:        ap.Status,
		})
	}
	return view
}

func setupView(s *serverstore.Setup) *interfaces.PolicySetup {
	if s == nil {
		return nil
	}
	view := &interfaces.PolicySetup{OwnerParticipantID: s.OwnerParticipantID}
	for _, p := range s.Prospects {
		view.Approvers = append(view.Approvers, p.Approver)
	}
	return view
}

// ownerState projects an account onto the owner state seen by the calling
// device.
func (h *Handler) ownerState(acc *serverstore.Account, caller api.Caller, now time.Time) interfaces.OwnerState {
	if acc.Policy == nil {
		if acc.Setup == nil && len(acc.Roles) > 0 {
			return interfaces.BeneficiaryOwnerState{AuthType: authTypeOf(acc), OwnerLabel: acc.Roles[0].Label}
		}
		return interfaces.InitialOwnerState{AuthType: authTypeOf(acc), PolicySetup: setupView(acc.Setup)}
	}

	state := interfaces.ReadyOwnerState{
		Policy:      *acc.Policy,
		PolicySetup: setupView(acc.Setup),
		Access:      accessView(acc, caller, now),
		Vault:       acc.Vault,
		AuthType:    authTypeOf(acc),
	}
	if acc.Unlocked(now) {
		remaining := int64(acc.LocksAt.Sub(now).Seconds())
		if remaining > 0 {
			state.UnlockedForSeconds = &remaining
		}
	}
	return state
}

func authTypeOf(acc *serverstore.Account) interfaces.AuthType {
	if acc.AuthType == "" {
		return interfaces.AuthTypeNone
	}
	return acc.AuthType
}

func rolePhase(status interfaces.ApproverStatus, inPolicy bool) string {
	switch status.(type) {
	case interfaces.ApproverAccepted:
		return interfaces.RolePhaseAccepted
	case interfaces.ApproverVerificationSubmitted:
		return interfaces.RolePhaseVerificationSubmitted
	case interfaces.ApproverConfirmed:
		if inPolicy {
			return interfaces.RolePhaseActive
		}
		return interfaces.RolePhaseConfirmed
	case interfaces.ApproverDeclined:
		return interfaces.RolePhaseDeclined
	default:
		return ""
	}
}

// approverRoles resolves the roles of an approver account against the
// current state of each owner. Roles the owner no longer references are
// omitted.
func (h *Handler) approverRoles(ctx context.Context, acc *serverstore.Account) ([]interfaces.ApproverRole, error) {
	var out []interfaces.ApproverRole
	for _, role := range acc.Roles {
		owner, err := h.store.Get(ctx, role.OwnerAccountID)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		view := interfaces.ApproverRole{
			InvitationID:         role.InvitationID,
			OwnerAccountID:       role.OwnerAccountID,
			ParticipantID:        role.ParticipantID,
			Label:                role.Label,
			OwnerDevicePublicKey: role.OwnerDevicePublicKey,
		}
		inPolicy := false
		if owner.Policy != nil {
			if _, ok := owner.Policy.Approver(role.ParticipantID); ok && owner.ApproverAccounts[role.ParticipantID] == acc.ID {
				inPolicy = true
				view.Phase = interfaces.RolePhaseActive
			}
		}
		if owner.Setup != nil {
			if p, ok := owner.Setup.Prospect(role.ParticipantID); ok && p.ApproverAccountID == acc.ID {
				if phase := rolePhase(p.Approver.Status, inPolicy); phase != "" {
					view.Phase = phase
				}
			}
		}
		if view.Phase == "" {
			continue
		}
		out = append(out, view)
	}
	return out, nil
}

