package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/storage"
	"github.com/ruteri/seedguard/totp"
)

// ConfirmationPayload is the message the owner signs to confirm an approver.
func ConfirmationPayload(approverKey cryptoutils.PublicKey, participantID interfaces.ParticipantId, timeMillis int64) []byte {
	payload := make([]byte, 0, len(approverKey)+len(participantID)+20)
	payload = append(payload, approverKey...)
	payload = append(payload, participantID.Bytes()...)
	payload = append(payload, strconv.FormatInt(timeMillis, 10)...)
	return payload
}

// Confirm signs the confirmation of an approver key with the owner device key.
func Confirm(device *cryptoutils.KeyPair, approverKey cryptoutils.PublicKey, participantID interfaces.ParticipantId, now time.Time) (interfaces.ApproverConfirmation, error) {
	timeMillis := now.UnixMilli()
	sig, err := device.Sign(ConfirmationPayload(approverKey, participantID, timeMillis))
	if err != nil {
		return interfaces.ApproverConfirmation{}, err
	}
	return interfaces.ApproverConfirmation{
		ApproverPublicKey:     approverKey,
		ConfirmationSignature: sig,
		TimeMillis:            timeMillis,
		SignerPublicKey:       device.PublicKey(),
	}, nil
}

// VerifyConfirmation checks that signer authorised approverKey for the
// participant slot. The signer named inside the confirmation is not trusted
// on its own.
func VerifyConfirmation(confirmation interfaces.ApproverConfirmation, participantID interfaces.ParticipantId, approverKey, signer cryptoutils.PublicKey) error {
	if !confirmation.ApproverPublicKey.Equal(approverKey) {
		return fmt.Errorf("%w: confirmation names a different approver key", interfaces.ErrSignatureVerification)
	}
	if len(signer) == 0 || !confirmation.SignerPublicKey.Equal(signer) {
		return fmt.Errorf("%w: confirmation is not signed by the expected key", interfaces.ErrSignatureVerification)
	}
	payload := ConfirmationPayload(confirmation.ApproverPublicKey, participantID, confirmation.TimeMillis)
	return signer.Verify(payload, confirmation.ConfirmationSignature)
}

// VerifyApprover checks a submitted verification against the prospect's TOTP
// secret. A signature that matches none of the three candidate codes yields
// ErrSignatureVerification.
func VerifyApprover(device *cryptoutils.KeyPair, status interfaces.ApproverVerificationSubmitted) error {
	secret, err := totp.DecryptSecret(device, status.DeviceEncryptedTotpSecret)
	if err != nil {
		return err
	}
	v := status.Verification
	if err := v.ApproverPublicKey.Validate(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSignatureVerification, err)
	}
	return totp.VerifySignedCode(secret, v.ApproverPublicKey, v.Signature, v.TimeMillis)
}

// MaxExternalApprovers bounds the approvers besides the owner.
const MaxExternalApprovers = 2

// Owner drives the owner side of enrollment.
type Owner struct {
	api  interfaces.OwnerAPI
	keys *storage.KeyManager
	log  *slog.Logger
	now  func() time.Time
}

func NewOwner(api interfaces.OwnerAPI, keys *storage.KeyManager, log *slog.Logger) *Owner {
	return &Owner{api: api, keys: keys, log: log, now: time.Now}
}

// NewProspect creates a slot for a new approver: a random participant id and
// a TOTP secret wrapped to the owner device key.
func NewProspect(device cryptoutils.PublicKey, label string) (interfaces.ProspectApproverRequest, error) {
	pid, err := interfaces.NewParticipantId()
	if err != nil {
		return interfaces.ProspectApproverRequest{}, err
	}
	secret, err := totp.GenerateSecret(label)
	if err != nil {
		return interfaces.ProspectApproverRequest{}, err
	}
	encrypted, err := totp.EncryptSecret(device, secret)
	if err != nil {
		return interfaces.ProspectApproverRequest{}, err
	}
	return interfaces.ProspectApproverRequest{
		Label:                     label,
		ParticipantID:             pid,
		DeviceEncryptedTotpSecret: encrypted,
	}, nil
}

// StageApprovers replaces the staged approver list. Prospects in keep retain
// their slot and status; each label in add gets a fresh slot. A zero
// ownerID allocates a new owner participant key.
func (o *Owner) StageApprovers(ctx context.Context, ownerID interfaces.ParticipantId, keep []interfaces.ProspectApprover, add []string) (interfaces.OwnerState, error) {
	device, err := o.keys.DeviceKey(ctx)
	if err != nil {
		return nil, err
	}

	if ownerID.IsZero() {
		ownerID, err = interfaces.NewParticipantId()
		if err != nil {
			return nil, err
		}
	}
	has, err := o.keys.HasParticipantKey(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !has {
		if _, err := o.keys.CreateParticipantKey(ctx, ownerID); err != nil {
			return nil, err
		}
	}

	req := interfaces.PolicySetupRequest{OwnerParticipantID: ownerID}
	for _, p := range keep {
		secret, _ := interfaces.DeviceEncryptedTotpSecret(p.Status)
		req.Approvers = append(req.Approvers, interfaces.ProspectApproverRequest{
			Label:                     p.Label,
			ParticipantID:             p.ParticipantID,
			DeviceEncryptedTotpSecret: secret,
		})
	}
	for _, label := range add {
		prospect, err := NewProspect(device.PublicKey(), label)
		if err != nil {
			return nil, err
		}
		req.Approvers = append(req.Approvers, prospect)
	}

	active := 0
	for _, p := range req.Approvers {
		if _, declined := statusOf(keep, p.ParticipantID).(interfaces.ApproverDeclined); !declined {
			active++
		}
	}
	if active > MaxExternalApprovers {
		return nil, fmt.Errorf("%w: at most %d external approvers", interfaces.ErrValidation, MaxExternalApprovers)
	}

	state, err := o.api.CreatePolicySetup(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to stage approvers: %w", err)
	}
	o.log.Info("Staged approvers", slog.Int("count", len(req.Approvers)))
	return state, nil
}

func statusOf(prospects []interfaces.ProspectApprover, id interfaces.ParticipantId) interfaces.ApproverStatus {
	for _, p := range prospects {
		if p.ParticipantID == id {
			return p.Status
		}
	}
	return nil
}

// InvitationToken issues the invitation link token for a staged prospect.
func (o *Owner) InvitationToken(ctx context.Context, prospect interfaces.ProspectApprover) (string, error) {
	if _, ok := prospect.Status.(interfaces.ApproverInitial); !ok {
		return "", fmt.Errorf("%w: prospect %s is not awaiting acceptance", interfaces.ErrInvalidTransition, prospect.ParticipantID)
	}
	device, err := o.keys.DeviceKey(ctx)
	if err != nil {
		return "", err
	}
	return NewInvitationToken(device, prospect.InvitationID, prospect.ParticipantID, prospect.Label, o.now())
}

// CurrentCode returns the code the owner reads to a prospect, and how long it
// stays current.
func (o *Owner) CurrentCode(ctx context.Context, prospect interfaces.ProspectApprover) (string, time.Duration, error) {
	encrypted, ok := interfaces.DeviceEncryptedTotpSecret(prospect.Status)
	if !ok {
		return "", 0, fmt.Errorf("%w: prospect %s has no pending code", interfaces.ErrInvalidTransition, prospect.ParticipantID)
	}
	device, err := o.keys.DeviceKey(ctx)
	if err != nil {
		return "", 0, err
	}
	now := o.now()
	code, err := totp.CurrentCode(device, encrypted, now)
	if err != nil {
		return "", 0, err
	}
	return code, totp.RemainingValidity(now), nil
}

// Decide verifies a submitted verification and returns the confirmation to
// send, or nil if the prospect must be declined.
func (o *Owner) Decide(ctx context.Context, pid interfaces.ParticipantId, status interfaces.ApproverVerificationSubmitted) (*interfaces.ApproverConfirmation, error) {
	device, err := o.keys.DeviceKey(ctx)
	if err != nil {
		return nil, err
	}
	err = VerifyApprover(device, status)
	switch {
	case err == nil:
	case errors.Is(err, interfaces.ErrSignatureVerification):
		o.log.Warn("Approver verification failed", slog.String("participantId", pid.String()))
		return nil, nil
	default:
		return nil, err
	}

	confirmation, err := Confirm(device, status.Verification.ApproverPublicKey, pid, o.now())
	if err != nil {
		return nil, err
	}
	return &confirmation, nil
}
