package ownerapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/seedguard/api"
	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/enrollment"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/policy"
	"github.com/ruteri/seedguard/serverstore"
)

const (
	invitationIndexPrefix = "invitation/"
	approvalIndexPrefix   = "approval/"
)

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	now := h.now()

	acc, err := h.store.Get(r.Context(), caller.AccountID)
	if errors.Is(err, interfaces.ErrNotFound) {
		acc, err = &serverstore.Account{ID: caller.AccountID}, nil
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(acc.Devices) > 0 && !acc.HasDevice(caller.DevicePublicKey) {
		h.writeError(w, r, fmt.Errorf("%w: device is not registered for the account", interfaces.ErrUnauthorized))
		return
	}

	roles, err := h.approverRoles(r.Context(), acc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, interfaces.UserState{
		OwnerState:    h.ownerState(acc, caller, now),
		ApproverRoles: roles,
	})
}

// checkProof authenticates proof against the account factor.
func (h *Handler) checkProof(r *http.Request, acc *serverstore.Account, proof interfaces.AuthProof) error {
	if proof == nil {
		return fmt.Errorf("%w: missing auth proof", interfaces.ErrValidation)
	}
	if proof.AuthType() != acc.AuthType {
		return fmt.Errorf("%w: account uses %s", interfaces.ErrAuthTypeMismatch, authTypeOf(acc))
	}
	switch p := proof.(type) {
	case interfaces.PasswordProof:
		if !cryptoutils.CheckPasswordProof(acc.PasswordVerifier, p.CryptographicPassword) {
			return interfaces.ErrWrongPassword
		}
		return nil
	case interfaces.BiometricProof:
		err := h.biometry.Verify(r.Context(), acc.ID, acc.BiometricTemplate, p)
		if err != nil && !errors.Is(err, interfaces.ErrBiometryFailed) {
			return fmt.Errorf("%w: %v", interfaces.ErrBiometryFailed, err)
		}
		return err
	default:
		return fmt.Errorf("%w: auth proof %s", interfaces.ErrUnknownVariant, proof.Tag())
	}
}

func (h *Handler) handleEnrollPassword(w http.ResponseWriter, r *http.Request) {
	var proof interfaces.PasswordProof
	if err := decodeBody(r, &proof); err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		if len(proof.CryptographicPassword) != cryptoutils.PasswordProofSize {
			return fmt.Errorf("%w: password proof must be %d bytes", interfaces.ErrValidation, cryptoutils.PasswordProofSize)
		}
		switch acc.AuthType {
		case "", interfaces.AuthTypeNone:
		case interfaces.AuthTypePassword:
			if !acc.Unlocked(now) {
				return interfaces.ErrLocked
			}
		default:
			return fmt.Errorf("%w: account uses %s", interfaces.ErrAuthTypeMismatch, acc.AuthType)
		}
		acc.AuthType = interfaces.AuthTypePassword
		acc.PasswordVerifier = cryptoutils.PasswordVerifier(proof.CryptographicPassword)
		acc.LocksAt = now.Add(h.cfg.UnlockDuration)
		return nil
	})
	h.respond(w, r, acc, now, err)
}

func (h *Handler) handleEnrollBiometry(w http.ResponseWriter, r *http.Request) {
	var proof interfaces.BiometricProof
	if err := decodeBody(r, &proof); err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		switch acc.AuthType {
		case "", interfaces.AuthTypeNone:
		case interfaces.AuthTypeBiometric:
			if !acc.Unlocked(now) {
				return interfaces.ErrLocked
			}
		default:
			return fmt.Errorf("%w: account uses %s", interfaces.ErrAuthTypeMismatch, acc.AuthType)
		}
		template, err := h.biometry.Enroll(r.Context(), acc.ID, proof)
		if err != nil {
			return err
		}
		acc.AuthType = interfaces.AuthTypeBiometric
		acc.BiometricTemplate = template
		acc.LocksAt = now.Add(h.cfg.UnlockDuration)
		return nil
	})
	h.respond(w, r, acc, now, err)
}

// handleUnlock is the one owner route open to unknown devices: a valid proof
// binds the device to the account.
func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req api.AuthProofRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	caller := callerFrom(r.Context())
	now := h.now()
	acc, err := h.store.Update(r.Context(), caller.AccountID, func(acc *serverstore.Account) error {
		if err := h.checkProof(r, acc, req.Proof); err != nil {
			return err
		}
		if !acc.HasDevice(caller.DevicePublicKey) {
			acc.Devices = append(acc.Devices, caller.DevicePublicKey)
		}
		acc.LocksAt = now.Add(h.cfg.UnlockDuration)
		return nil
	})
	outcome := "success"
	if err != nil {
		outcome = api.ErrorFor(err).Reason
	}
	if req.Proof != nil {
		h.metrics.UnlocksTotal.WithLabelValues(string(req.Proof.AuthType()), outcome).Inc()
	}
	h.respond(w, r, acc, now, err)
}

func (h *Handler) handleProlongUnlock(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		if !acc.Unlocked(now) {
			return interfaces.ErrLocked
		}
		acc.LocksAt = now.Add(h.cfg.UnlockDuration)
		return nil
	})
	h.respond(w, r, acc, now, err)
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		acc.LocksAt = time.Time{}
		return nil
	})
	h.respond(w, r, acc, now, err)
}

func (h *Handler) handleCreatePolicySetup(w http.ResponseWriter, r *http.Request) {
	var req interfaces.PolicySetupRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := validateSetupRequest(req, h.state.Flags().MaxExternalApprovers); err != nil {
		h.writeError(w, r, err)
		return
	}

	var invitations []string
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		invitations = invitations[:0]
		next := &serverstore.Setup{
			OwnerParticipantID: req.OwnerParticipantID,
			OwnerDeviceKey:     caller.DevicePublicKey,
		}
		active := 0
		for _, a := range req.Approvers {
			prospect, isNew, err := stagedProspect(acc, a)
			if err != nil {
				return err
			}
			if isNew {
				invitations = append(invitations, prospect.Approver.InvitationID)
			}
			if _, declined := prospect.Approver.Status.(interfaces.ApproverDeclined); !declined {
				active++
			}
			next.Prospects = append(next.Prospects, prospect)
		}
		if limit := h.state.Flags().MaxExternalApprovers; active > limit {
			return fmt.Errorf("%w: at most %d active approvers", interfaces.ErrValidation, limit)
		}
		acc.Setup = next
		return nil
	})
	if err == nil {
		for _, id := range invitations {
			if err = h.store.PutIndex(r.Context(), invitationIndexPrefix+id, acc.ID); err != nil {
				break
			}
		}
	}
	h.respond(w, r, acc, now, err)
}

func validateSetupRequest(req interfaces.PolicySetupRequest, maxApprovers int) error {
	if req.OwnerParticipantID.IsZero() {
		return fmt.Errorf("%w: owner participant id is required", interfaces.ErrValidation)
	}
	seen := map[interfaces.ParticipantId]bool{req.OwnerParticipantID: true}
	for _, a := range req.Approvers {
		if a.ParticipantID.IsZero() || seen[a.ParticipantID] {
			return fmt.Errorf("%w: duplicate or empty participant id", interfaces.ErrValidation)
		}
		seen[a.ParticipantID] = true
	}
	// Declined prospects may be restated alongside their replacements.
	if len(req.Approvers) > 2*maxApprovers {
		return fmt.Errorf("%w: too many approvers", interfaces.ErrValidation)
	}
	return nil
}

// stagedProspect carries over a prospect of the current setup or an
// approver of the current policy, or stages a new invitation.
func stagedProspect(acc *serverstore.Account, a interfaces.ProspectApproverRequest) (serverstore.Prospect, bool, error) {
	if acc.Setup != nil {
		if old, ok := acc.Setup.Prospect(a.ParticipantID); ok {
			p := *old
			p.Approver.Label = a.Label
			return p, false, nil
		}
	}
	if acc.Policy != nil {
		if ta, ok := acc.Policy.Approver(a.ParticipantID); ok && !ta.IsOwner && ta.Confirmation != nil {
			return serverstore.Prospect{
				Approver: interfaces.ProspectApprover{
					Label:         a.Label,
					ParticipantID: a.ParticipantID,
					InvitationID:  uuid.NewString(),
					Status:        interfaces.ApproverConfirmed{Confirmation: *ta.Confirmation},
				},
				ApproverAccountID: acc.ApproverAccounts[a.ParticipantID],
			}, false, nil
		}
	}
	if len(a.DeviceEncryptedTotpSecret) == 0 {
		return serverstore.Prospect{}, false, fmt.Errorf("%w: approver %s has no totp secret", interfaces.ErrValidation, a.ParticipantID)
	}
	return serverstore.Prospect{Approver: interfaces.ProspectApprover{
		Label:         a.Label,
		ParticipantID: a.ParticipantID,
		InvitationID:  uuid.NewString(),
		Status:        interfaces.ApproverInitial{DeviceEncryptedTotpSecret: a.DeviceEncryptedTotpSecret},
	}}, true, nil
}

func (h *Handler) handleConfirmApprover(w http.ResponseWriter, r *http.Request) {
	pid, err := participantParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var conf interfaces.ApproverConfirmation
	if err := decodeBody(r, &conf); err != nil {
		h.writeError(w, r, err)
		return
	}

	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		prospect, err := setupProspect(acc, pid)
		if err != nil {
			return err
		}
		switch status := prospect.Approver.Status.(type) {
		case interfaces.ApproverConfirmed:
			if status.Confirmation.ApproverPublicKey.Equal(conf.ApproverPublicKey) {
				return nil
			}
			return fmt.Errorf("%w: approver is already confirmed", interfaces.ErrInvalidTransition)
		case interfaces.ApproverVerificationSubmitted:
			if !status.Verification.ApproverPublicKey.Equal(conf.ApproverPublicKey) {
				return fmt.Errorf("%w: confirmation is for another key", interfaces.ErrValidation)
			}
		default:
			return fmt.Errorf("%w: approver is %s", interfaces.ErrInvalidTransition, prospect.Approver.Status.Tag())
		}
		if !conf.SignerPublicKey.Equal(caller.DevicePublicKey) {
			return fmt.Errorf("%w: confirmation must be signed by the calling device", interfaces.ErrValidation)
		}
		if err := enrollment.VerifyConfirmation(conf, pid, conf.ApproverPublicKey, caller.DevicePublicKey); err != nil {
			return err
		}
		prospect.Approver.Status = interfaces.ApproverConfirmed{Confirmation: conf}
		return nil
	})
	if err == nil {
		h.metrics.ApproverDecisionsTotal.WithLabelValues("confirmed").Inc()
	}
	h.respond(w, r, acc, now, err)
}

func (h *Handler) handleRejectApproverVerification(w http.ResponseWriter, r *http.Request) {
	pid, err := participantParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		prospect, err := setupProspect(acc, pid)
		if err != nil {
			return err
		}
		switch prospect.Approver.Status.(type) {
		case interfaces.ApproverDeclined:
			return nil
		case interfaces.ApproverAccepted, interfaces.ApproverVerificationSubmitted:
			prospect.Approver.Status = interfaces.ApproverDeclined{DeclinedAt: now}
			return nil
		default:
			return fmt.Errorf("%w: approver is %s", interfaces.ErrInvalidTransition, prospect.Approver.Status.Tag())
		}
	})
	if err == nil {
		h.metrics.ApproverDecisionsTotal.WithLabelValues("declined").Inc()
	}
	h.respond(w, r, acc, now, err)
}

func setupProspect(acc *serverstore.Account, pid interfaces.ParticipantId) (*serverstore.Prospect, error) {
	if acc.Setup == nil {
		return nil, interfaces.ErrPolicySetupRequired
	}
	prospect, ok := acc.Setup.Prospect(pid)
	if !ok {
		return nil, fmt.Errorf("%w: participant %s", interfaces.ErrNotFound, pid)
	}
	return prospect, nil
}

func (h *Handler) handleCreateOrReplacePolicy(w http.ResponseWriter, r *http.Request) {
	var req interfaces.CreatePolicyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	kind := "setup"
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		if acc.Policy == nil {
			if acc.Setup == nil {
				return interfaces.ErrPolicySetupRequired
			}
			owner, ok := ownerOf(req.Approvers)
			if !ok || owner.ParticipantID != acc.Setup.OwnerParticipantID {
				return fmt.Errorf("%w: owner participant differs from the setup", interfaces.ErrValidation)
			}
		} else {
			kind = "replacement"
			if err := replacementAccess(acc, caller, now); err != nil {
				return err
			}
		}
		if err := policy.VerifyRequest(req, acc.Policy); err != nil {
			return err
		}
		accounts, err := approverAccounts(acc, req.Approvers)
		if err != nil {
			return err
		}

		committed := policy.PolicyFromRequest(req, now)
		acc.Policy = &committed
		acc.Shards = req.Shards
		acc.ApproverAccounts = accounts
		acc.Setup = nil
		if kind == "replacement" {
			acc.Access = nil
		}
		return nil
	})
	if err == nil {
		h.metrics.PolicyCommitsTotal.WithLabelValues(kind).Inc()
		h.log.Info("Committed policy", "account", acc.ID, "kind", kind, "threshold", req.Threshold)
	}
	h.respond(w, r, acc, now, err)
}

func ownerOf(approvers []interfaces.TrustedApprover) (interfaces.TrustedApprover, bool) {
	for _, a := range approvers {
		if a.IsOwner {
			return a, true
		}
	}
	return interfaces.TrustedApprover{}, false
}

// replacementAccess checks that the calling device holds an available access
// record opened to replace the policy.
func replacementAccess(acc *serverstore.Account, caller api.Caller, now time.Time) error {
	a := acc.Access
	if a == nil {
		return interfaces.ErrAccessRequired
	}
	if !a.DevicePublicKey.Equal(caller.DevicePublicKey) {
		return interfaces.ErrAccessOnAnotherDevice
	}
	if a.Intent != interfaces.IntentReplacePolicy && a.Intent != interfaces.IntentRecoverOwnerKey {
		return fmt.Errorf("%w: access intent is %s", interfaces.ErrIntentMismatch, a.Intent)
	}
	switch status := accessStatus(a, acc.Policy, now); {
	case status == interfaces.AccessExpired:
		return interfaces.ErrAccessExpired
	case !status.AllowsRetrieval():
		return fmt.Errorf("%w: status %s", interfaces.ErrAccessNotAvailable, status)
	}
	return nil
}

// approverAccounts resolves the account of every external approver of a
// policy request. Each must be a confirmed prospect of the setup or an
// unchanged approver of the current policy.
func approverAccounts(acc *serverstore.Account, approvers []interfaces.TrustedApprover) (map[interfaces.ParticipantId]string, error) {
	out := make(map[interfaces.ParticipantId]string)
	for _, a := range approvers {
		if a.IsOwner {
			continue
		}
		if acc.Setup != nil {
			if p, ok := acc.Setup.Prospect(a.ParticipantID); ok {
				confirmed, isConfirmed := p.Approver.Status.(interfaces.ApproverConfirmed)
				if isConfirmed && confirmed.Confirmation.ApproverPublicKey.Equal(a.PublicKey) && p.ApproverAccountID != "" {
					out[a.ParticipantID] = p.ApproverAccountID
					continue
				}
			}
		}
		if acc.Policy != nil {
			if prev, ok := acc.Policy.Approver(a.ParticipantID); ok && prev.PublicKey.Equal(a.PublicKey) {
				out[a.ParticipantID] = acc.ApproverAccounts[a.ParticipantID]
				continue
			}
		}
		return nil, fmt.Errorf("%w: approver %s was not confirmed", interfaces.ErrCannotVerifyKeyConfirmation, a.ParticipantID)
	}
	return out, nil
}

func (h *Handler) handleStoreSecret(w http.ResponseWriter, r *http.Request) {
	var secret interfaces.VaultSecret
	if err := decodeBody(r, &secret); err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		if acc.Policy == nil {
			return interfaces.ErrPolicyRequired
		}
		if !acc.Unlocked(now) {
			return interfaces.ErrLocked
		}
		if secret.GUID == "" || len(secret.EncryptedSeedPhrase) == 0 || len(secret.SeedPhraseHash) == 0 {
			return fmt.Errorf("%w: incomplete secret", interfaces.ErrValidation)
		}
		for _, existing := range acc.Vault.Secrets {
			if existing.GUID == secret.GUID || string(existing.SeedPhraseHash) == string(secret.SeedPhraseHash) {
				return fmt.Errorf("%w: secret already stored", interfaces.ErrValidation)
			}
		}
		secret.CreatedAt = now
		acc.Vault.Secrets = append(acc.Vault.Secrets, secret)
		return nil
	})
	h.respond(w, r, acc, now, err)
}

func (h *Handler) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	now := h.now()
	acc, err := h.updateOwner(r, now, func(acc *serverstore.Account, caller api.Caller) error {
		if !acc.Unlocked(now) {
			return interfaces.ErrLocked
		}
		for i, s := range acc.Vault.Secrets {
			if s.GUID == guid {
				acc.Vault.Secrets = append(acc.Vault.Secrets[:i], acc.Vault.Secrets[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: secret %s", interfaces.ErrNotFound, guid)
	})
	h.respond(w, r, acc, now, err)
}
