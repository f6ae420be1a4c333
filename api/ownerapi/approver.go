package ownerapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/seedguard/api"
	"github.com/ruteri/seedguard/enrollment"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/serverstore"
)

// approverCaller checks that the calling device belongs to an existing
// account and returns that account.
func (h *Handler) approverCaller(ctx context.Context) (*serverstore.Account, error) {
	caller := callerFrom(ctx)
	acc, err := h.store.Get(ctx, caller.AccountID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown account", interfaces.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if !acc.HasDevice(caller.DevicePublicKey) {
		return nil, fmt.Errorf("%w: device is not registered for the account", interfaces.ErrUnauthorized)
	}
	return acc, nil
}

func (h *Handler) lookupOwner(ctx context.Context, prefix, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty id", interfaces.ErrValidation)
	}
	return h.store.LookupIndex(ctx, prefix+id)
}

// updateProspect applies fn to the prospect an invitation names, on behalf
// of the calling approver account.
func (h *Handler) updateProspect(r *http.Request, fn func(owner *serverstore.Account, p *serverstore.Prospect, approverID string) error) error {
	invitationID := chi.URLParam(r, "invitationId")
	approver, err := h.approverCaller(r.Context())
	if err != nil {
		return err
	}
	ownerID, err := h.lookupOwner(r.Context(), invitationIndexPrefix, invitationID)
	if err != nil {
		return err
	}
	_, err = h.store.Update(r.Context(), ownerID, func(owner *serverstore.Account) error {
		if owner.Setup == nil {
			return interfaces.ErrPolicySetupRequired
		}
		p, ok := owner.Setup.ProspectByInvitation(invitationID)
		if !ok {
			return fmt.Errorf("%w: invitation %s", interfaces.ErrNotFound, invitationID)
		}
		if p.ApproverAccountID != "" && p.ApproverAccountID != approver.ID {
			return fmt.Errorf("%w: invitation was accepted by another account", interfaces.ErrUnauthorized)
		}
		return fn(owner, p, approver.ID)
	})
	return err
}

func (h *Handler) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	invitationID := chi.URLParam(r, "invitationId")
	var req api.AcceptInvitationRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.now()
	claims, err := enrollment.ParseInvitationToken(req.Token, now)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if claims.InvitationID != invitationID {
		h.writeError(w, r, fmt.Errorf("%w: token is for another invitation", interfaces.ErrValidation))
		return
	}

	caller := callerFrom(r.Context())
	ownerID, err := h.lookupOwner(r.Context(), invitationIndexPrefix, invitationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ownerID == caller.AccountID {
		h.writeError(w, r, fmt.Errorf("%w: owners cannot approve themselves", interfaces.ErrValidation))
		return
	}

	role := serverstore.Role{
		OwnerAccountID:       ownerID,
		InvitationID:         invitationID,
		ParticipantID:        claims.ParticipantID,
		Label:                claims.Label,
		OwnerDevicePublicKey: claims.OwnerDeviceKey,
	}
	// The role is recorded first. Roles the owner does not reference are
	// ignored, so a failed acceptance leaves nothing visible.
	_, err = h.store.Update(r.Context(), caller.AccountID, func(acc *serverstore.Account) error {
		if err := bindDevice(acc, caller.DevicePublicKey); err != nil {
			return err
		}
		if _, ok := acc.Role(role.ParticipantID); !ok {
			acc.Roles = append(acc.Roles, role)
		}
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	_, err = h.store.Update(r.Context(), ownerID, func(owner *serverstore.Account) error {
		if owner.Setup == nil {
			return interfaces.ErrPolicySetupRequired
		}
		p, ok := owner.Setup.ProspectByInvitation(invitationID)
		if !ok {
			return fmt.Errorf("%w: invitation %s", interfaces.ErrNotFound, invitationID)
		}
		if p.Approver.ParticipantID != claims.ParticipantID {
			return fmt.Errorf("%w: token names another participant", interfaces.ErrValidation)
		}
		if !owner.Setup.OwnerDeviceKey.Equal(claims.OwnerDeviceKey) {
			return fmt.Errorf("%w: token is not signed by the owner device", interfaces.ErrValidation)
		}

		switch status := p.Approver.Status.(type) {
		case interfaces.ApproverInitial:
			p.Approver.Status = interfaces.ApproverAccepted{
				DeviceEncryptedTotpSecret: status.DeviceEncryptedTotpSecret,
				AcceptedAt:                now,
			}
			p.ApproverAccountID = caller.AccountID
			return nil
		case interfaces.ApproverAccepted:
			if p.ApproverAccountID == caller.AccountID {
				return nil
			}
			return fmt.Errorf("%w: invitation was accepted by another account", interfaces.ErrInvalidTransition)
		default:
			return fmt.Errorf("%w: invitation is %s", interfaces.ErrInvalidTransition, p.Approver.Status.Tag())
		}
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("Accepted invitation", "owner", ownerID, "approver", caller.AccountID)
	writeJSON(w, http.StatusOK, interfaces.ApproverRole{
		InvitationID:         role.InvitationID,
		OwnerAccountID:       role.OwnerAccountID,
		ParticipantID:        role.ParticipantID,
		Label:                role.Label,
		OwnerDevicePublicKey: role.OwnerDevicePublicKey,
		Phase:                interfaces.RolePhaseAccepted,
	})
}

func (h *Handler) handleDeclineInvitation(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	err := h.updateProspect(r, func(owner *serverstore.Account, p *serverstore.Prospect, approverID string) error {
		switch p.Approver.Status.(type) {
		case interfaces.ApproverDeclined:
			return nil
		case interfaces.ApproverConfirmed:
			return fmt.Errorf("%w: approver is confirmed", interfaces.ErrInvalidTransition)
		default:
			p.Approver.Status = interfaces.ApproverDeclined{DeclinedAt: now}
			return nil
		}
	})
	if err == nil {
		h.metrics.ApproverDecisionsTotal.WithLabelValues("declined").Inc()
	}
	h.respondStatus(w, r, err)
}

func (h *Handler) handleSubmitApproverVerification(w http.ResponseWriter, r *http.Request) {
	var verification interfaces.ApproverVerification
	if err := decodeBody(r, &verification); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := verification.ApproverPublicKey.Validate(); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", interfaces.ErrValidation, err))
		return
	}
	err := h.updateProspect(r, func(owner *serverstore.Account, p *serverstore.Prospect, approverID string) error {
		if p.ApproverAccountID != approverID {
			return fmt.Errorf("%w: invitation was not accepted by this account", interfaces.ErrInvalidTransition)
		}
		var secret []byte
		switch status := p.Approver.Status.(type) {
		case interfaces.ApproverAccepted:
			secret = status.DeviceEncryptedTotpSecret
		case interfaces.ApproverVerificationSubmitted:
			secret = status.DeviceEncryptedTotpSecret
		default:
			return fmt.Errorf("%w: invitation is %s", interfaces.ErrInvalidTransition, p.Approver.Status.Tag())
		}
		p.Approver.Status = interfaces.ApproverVerificationSubmitted{
			DeviceEncryptedTotpSecret: secret,
			Verification:              verification,
		}
		return nil
	})
	h.respondStatus(w, r, err)
}

func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	approver, err := h.approverCaller(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.now()
	out := []interfaces.ApproverAccessRequest{}
	for _, role := range approver.Roles {
		owner, err := h.store.Get(r.Context(), role.OwnerAccountID)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		a := owner.Access
		if a == nil || !now.Before(a.ExpiresAt) {
			continue
		}
		for _, ap := range a.Approvals {
			if ap.ParticipantID != role.ParticipantID || ap.ApproverAccountID != approver.ID {
				continue
			}
			shard, _ := owner.Shard(ap.ParticipantID)
			out = append(out, interfaces.ApproverAccessRequest{
				ApprovalID:                  ap.ApprovalID,
				OwnerAccountID:              owner.ID,
				ParticipantID:               ap.ParticipantID,
				Intent:                      a.Intent,
				Status:                      ap.Status,
				OwnerDevicePublicKey:        a.DevicePublicKey,
				ApproverEncryptedTotpSecret: ap.ApproverEncryptedTotpSecret,
				OwnerVerification:           ap.OwnerVerification,
				EncryptedShard:              shard.EncryptedShard,
				ExpiresAt:                   a.ExpiresAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, api.ListApprovalsResponse{Approvals: out})
}

// updateApproval applies fn to the approval named in the path, on behalf of
// the approver account it was assigned to.
func (h *Handler) updateApproval(r *http.Request, fn func(ap *serverstore.Approval) error) error {
	approvalID := chi.URLParam(r, "approvalId")
	approver, err := h.approverCaller(r.Context())
	if err != nil {
		return err
	}
	ownerID, err := h.lookupOwner(r.Context(), approvalIndexPrefix, approvalID)
	if err != nil {
		return err
	}
	now := h.now()
	_, err = h.store.Update(r.Context(), ownerID, func(owner *serverstore.Account) error {
		if owner.Access == nil {
			return interfaces.ErrAccessRequired
		}
		ap, ok := owner.Access.Approval(approvalID)
		if !ok {
			return fmt.Errorf("%w: approval %s", interfaces.ErrNotFound, approvalID)
		}
		if ap.ApproverAccountID != approver.ID {
			return fmt.Errorf("%w: approval is assigned to another account", interfaces.ErrUnauthorized)
		}
		if !now.Before(owner.Access.ExpiresAt) {
			return interfaces.ErrAccessExpired
		}
		return fn(ap)
	})
	return err
}

func (h *Handler) handleAcknowledgeApproval(w http.ResponseWriter, r *http.Request) {
	var req api.AcknowledgeApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.EncryptedTotpSecret) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: missing totp secret", interfaces.ErrValidation))
		return
	}
	err := h.updateApproval(r, func(ap *serverstore.Approval) error {
		if ap.Status != interfaces.ApprovalInitial {
			return fmt.Errorf("%w: approval is %s", interfaces.ErrInvalidTransition, ap.Status)
		}
		ap.Status = interfaces.ApprovalWaitingForVerification
		ap.ApproverEncryptedTotpSecret = req.EncryptedTotpSecret
		return nil
	})
	h.respondStatus(w, r, err)
}

func (h *Handler) handleApproveAccess(w http.ResponseWriter, r *http.Request) {
	var req api.ApproveAccessRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.EncryptedShard) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: missing shard", interfaces.ErrValidation))
		return
	}
	err := h.updateApproval(r, func(ap *serverstore.Approval) error {
		if ap.Status != interfaces.ApprovalWaitingForApproval {
			return fmt.Errorf("%w: approval is %s", interfaces.ErrInvalidTransition, ap.Status)
		}
		ap.Status = interfaces.ApprovalApproved
		ap.ReleasedShard = req.EncryptedShard
		return nil
	})
	if err == nil {
		h.metrics.ApproverDecisionsTotal.WithLabelValues("approved").Inc()
	}
	h.respondStatus(w, r, err)
}

func (h *Handler) handleRejectAccessVerification(w http.ResponseWriter, r *http.Request) {
	err := h.updateApproval(r, func(ap *serverstore.Approval) error {
		if ap.Status != interfaces.ApprovalWaitingForApproval {
			return fmt.Errorf("%w: approval is %s", interfaces.ErrInvalidTransition, ap.Status)
		}
		ap.Status = interfaces.ApprovalWaitingForVerification
		ap.OwnerVerification = nil
		return nil
	})
	h.respondStatus(w, r, err)
}

func (h *Handler) handleRejectAccess(w http.ResponseWriter, r *http.Request) {
	err := h.updateApproval(r, func(ap *serverstore.Approval) error {
		switch ap.Status {
		case interfaces.ApprovalRejected:
			return nil
		case interfaces.ApprovalApproved:
			return fmt.Errorf("%w: approval is %s", interfaces.ErrInvalidTransition, ap.Status)
		default:
			ap.Status = interfaces.ApprovalRejected
			ap.ReleasedShard = nil
			return nil
		}
	})
	if err == nil {
		h.metrics.ApproverDecisionsTotal.WithLabelValues("rejected").Inc()
	}
	h.respondStatus(w, r, err)
}

func (h *Handler) respondStatus(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ok"})
}
