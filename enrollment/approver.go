package enrollment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/storage"
	"github.com/ruteri/seedguard/totp"
)

// Approver drives the approver side of enrollment. Each relationship gets its
// own participant key, created on acceptance.
type Approver struct {
	api  interfaces.ApproverAPI
	keys *storage.KeyManager
	log  *slog.Logger
	now  func() time.Time
}

func NewApprover(api interfaces.ApproverAPI, keys *storage.KeyManager, log *slog.Logger) *Approver {
	return &Approver{api: api, keys: keys, log: log, now: time.Now}
}

// Accept verifies an invitation token, creates the participant key for the
// slot it names and accepts the invitation.
func (a *Approver) Accept(ctx context.Context, token string) (interfaces.ApproverRole, error) {
	claims, err := ParseInvitationToken(token, a.now())
	if err != nil {
		return interfaces.ApproverRole{}, err
	}

	has, err := a.keys.HasParticipantKey(ctx, claims.ParticipantID)
	if err != nil {
		return interfaces.ApproverRole{}, err
	}
	if !has {
		if _, err := a.keys.CreateParticipantKey(ctx, claims.ParticipantID); err != nil {
			return interfaces.ApproverRole{}, err
		}
	}

	role, err := a.api.AcceptInvitation(ctx, claims.InvitationID, token)
	if err != nil {
		return interfaces.ApproverRole{}, fmt.Errorf("failed to accept invitation: %w", err)
	}
	a.log.Info("Accepted invitation", slog.String("participantId", claims.ParticipantID.String()))
	return role, nil
}

// SubmitVerification signs the code the owner read out and submits it.
func (a *Approver) SubmitVerification(ctx context.Context, role interfaces.ApproverRole, code string) error {
	if role.Phase != interfaces.RolePhaseAccepted && role.Phase != interfaces.RolePhaseVerificationSubmitted {
		return fmt.Errorf("%w: role is %s", interfaces.ErrInvalidTransition, role.Phase)
	}
	key, err := a.keys.ParticipantKey(ctx, role.ParticipantID)
	if err != nil {
		return err
	}

	timeMillis := a.now().UnixMilli()
	sig, err := totp.SignCode(key, code, timeMillis)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
	}
	return a.api.SubmitApproverVerification(ctx, role.InvitationID, interfaces.ApproverVerification{
		ApproverPublicKey: key.PublicKey(),
		Signature:         sig,
		TimeMillis:        timeMillis,
	})
}

// Decline declines an invitation and drops the slot key.
func (a *Approver) Decline(ctx context.Context, role interfaces.ApproverRole) error {
	if err := a.api.DeclineInvitation(ctx, role.InvitationID); err != nil {
		return err
	}
	return a.keys.DeleteParticipantKey(ctx, role.ParticipantID)
}

// Prune deletes participant keys of relationships that are no longer active
// and returns the ids it removed. Failed deletions are left for the next call.
func (a *Approver) Prune(ctx context.Context, roles []interfaces.ApproverRole, keep ...interfaces.ParticipantId) ([]interfaces.ParticipantId, error) {
	active := make(map[interfaces.ParticipantId]struct{}, len(roles)+len(keep))
	for _, r := range roles {
		if r.Phase != interfaces.RolePhaseDeclined {
			active[r.ParticipantID] = struct{}{}
		}
	}
	for _, id := range keep {
		active[id] = struct{}{}
	}

	held, err := a.keys.ParticipantIDs(ctx)
	if err != nil {
		return nil, err
	}

	var removed []interfaces.ParticipantId
	for _, id := range held {
		if _, ok := active[id]; ok {
			continue
		}
		if err := a.keys.DeleteParticipantKey(ctx, id); err != nil {
			a.log.Warn("Failed to prune participant key", slog.String("participantId", id.String()), "err", err)
			continue
		}
		removed = append(removed, id)
	}
	return removed, nil
}
