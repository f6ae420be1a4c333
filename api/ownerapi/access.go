package ownerapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/seedguard/api"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/serverstore"
)

func (h *Handler) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	var req api.RequestAccessRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !req.Intent.Valid() {
		h.writeError(w, r, fmt.Errorf("%w: unknown intent %q", interfaces.ErrValidation, req.Intent))
		return
	}

	var created *serverstore.Access
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		created = nil
		if acc.Policy == nil {
			return interfaces.ErrPolicyRequired
		}
		if !acc.Unlocked(now) {
			return interfaces.ErrLocked
		}
		if a := acc.Access; a != nil && now.Before(a.ExpiresAt) {
			if !a.DevicePublicKey.Equal(caller.DevicePublicKey) {
				return interfaces.ErrAccessOnAnotherDevice
			}
			if a.Intent != req.Intent {
				return fmt.Errorf("%w: access intent is %s", interfaces.ErrIntentMismatch, a.Intent)
			}
			return nil
		}

		access := &serverstore.Access{
			GUID:            uuid.NewString(),
			Intent:          req.Intent,
			DevicePublicKey: caller.DevicePublicKey,
			CreatedAt:       now,
			UnlocksAt:       now.Add(h.cfg.AccessTimelock),
			ExpiresAt:       now.Add(h.cfg.AccessTTL),
		}
		for _, a := range acc.Policy.Approvers {
			if a.IsOwner || !a.HoldsShard {
				continue
			}
			access.Approvals = append(access.Approvals, serverstore.Approval{
				ApprovalID:        uuid.NewString(),
				ParticipantID:     a.ParticipantID,
				ApproverAccountID: acc.ApproverAccounts[a.ParticipantID],
				Status:            interfaces.ApprovalInitial,
			})
		}
		acc.Access = access
		created = access
		return nil
	})
	if err == nil && created != nil {
		for _, ap := range created.Approvals {
			if err = h.store.PutIndex(r.Context(), approvalIndexPrefix+ap.ApprovalID, acc.ID); err != nil {
				break
			}
		}
		h.metrics.AccessRequestsTotal.WithLabelValues(string(req.Intent)).Inc()
		h.log.Info("Opened access request", "account", acc.ID, "intent", req.Intent, "approvals", len(created.Approvals))
	}
	h.respond(w, r, acc, now, err)
}

func (h *Handler) handleDeleteAccess(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		acc.Access = nil
		return nil
	})
	h.respond(w, r, acc, now, err)
}

// ownAccess returns the unexpired access record of the calling device.
func ownAccess(acc *serverstore.Account, caller api.Caller, now time.Time) (*serverstore.Access, error) {
	a := acc.Access
	if a == nil {
		return nil, interfaces.ErrAccessRequired
	}
	if !a.DevicePublicKey.Equal(caller.DevicePublicKey) {
		return nil, interfaces.ErrAccessOnAnotherDevice
	}
	if !now.Before(a.ExpiresAt) {
		return nil, interfaces.ErrAccessExpired
	}
	return a, nil
}

func (h *Handler) handleSubmitAccessVerification(w http.ResponseWriter, r *http.Request) {
	pid, err := participantParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var verification interfaces.OwnerVerification
	if err := decodeBody(r, &verification); err != nil {
		h.writeError(w, r, err)
		return
	}

	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		a, err := ownAccess(acc, caller, now)
		if err != nil {
			return err
		}
		for i := range a.Approvals {
			ap := &a.Approvals[i]
			if ap.ParticipantID != pid {
				continue
			}
			if ap.Status != interfaces.ApprovalWaitingForVerification {
				return fmt.Errorf("%w: approval is %s", interfaces.ErrInvalidTransition, ap.Status)
			}
			ap.Status = interfaces.ApprovalWaitingForApproval
			ap.OwnerVerification = &verification
			return nil
		}
		return fmt.Errorf("%w: no approval for participant %s", interfaces.ErrNotFound, pid)
	})
	h.respond(w, r, acc, now, err)
}

func (h *Handler) handleRetrieveShards(w http.ResponseWriter, r *http.Request) {
	var req api.AuthProofRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	var shards []interfaces.EncryptedShard
	now := h.now()
	_, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		shards = nil
		a, err := ownAccess(acc, caller, now)
		if err != nil {
			return err
		}
		if status := accessStatus(a, acc.Policy, now); !status.AllowsRetrieval() {
			return fmt.Errorf("%w: status %s", interfaces.ErrAccessNotAvailable, status)
		}
		if err := h.checkProof(r, acc, req.Proof); err != nil {
			return err
		}

		for _, ap := range a.Approvals {
			if ap.Status != interfaces.ApprovalApproved {
				continue
			}
			shards = append(shards, interfaces.EncryptedShard{
				ParticipantID:  ap.ParticipantID,
				EncryptedShard: ap.ReleasedShard,
			})
		}
		if owner, ok := acc.Policy.Owner(); ok && owner.HoldsShard {
			if shard, ok := acc.Shard(owner.ParticipantID); ok {
				shard.IsOwnerShard = true
				shards = append(shards, shard)
			}
		}
		a.Retrieved = true
		return nil
	})
	outcome := "success"
	if err != nil {
		outcome = api.ErrorFor(err).Reason
	}
	h.metrics.ShardRetrievalsTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.RetrieveShardsResponse{Shards: shards})
}
