package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/storage"
	"github.com/ruteri/seedguard/totp"
)

// Approver is the approver side of an access request.
type Approver struct {
	api  interfaces.ApproverAPI
	keys *storage.KeyManager
	log  *slog.Logger
	now  func() time.Time
}

func NewApprover(api interfaces.ApproverAPI, keys *storage.KeyManager, log *slog.Logger) *Approver {
	return &Approver{api: api, keys: keys, log: log, now: time.Now}
}

// Acknowledge starts verification of a request: a fresh TOTP secret is
// generated and kept on the server wrapped to this device's key.
func (a *Approver) Acknowledge(ctx context.Context, req interfaces.ApproverAccessRequest) error {
	if req.Status != interfaces.ApprovalInitial {
		return fmt.Errorf("%w: approval is %s", interfaces.ErrInvalidTransition, req.Status)
	}
	device, err := a.keys.DeviceKey(ctx)
	if err != nil {
		return err
	}
	secret, err := totp.GenerateSecret(req.OwnerAccountID)
	if err != nil {
		return err
	}
	encrypted, err := totp.EncryptSecret(device.PublicKey(), secret)
	if err != nil {
		return err
	}
	return a.api.AcknowledgeApproval(ctx, req.ApprovalID, encrypted)
}

// CurrentCode returns the code the approver reads to the owner.
func (a *Approver) CurrentCode(ctx context.Context, req interfaces.ApproverAccessRequest) (string, time.Duration, error) {
	if len(req.ApproverEncryptedTotpSecret) == 0 {
		return "", 0, fmt.Errorf("%w: approval is not acknowledged", interfaces.ErrInvalidTransition)
	}
	device, err := a.keys.DeviceKey(ctx)
	if err != nil {
		return "", 0, err
	}
	now := a.now()
	code, err := totp.CurrentCode(device, req.ApproverEncryptedTotpSecret, now)
	if err != nil {
		return "", 0, err
	}
	return code, totp.RemainingValidity(now), nil
}

// Review checks the owner's signed code. When it matches, the shard is
// re-encrypted to the owner's requesting device and released; otherwise the
// verification is rejected and the owner may try again. It reports whether
// the shard was released.
func (a *Approver) Review(ctx context.Context, req interfaces.ApproverAccessRequest) (bool, error) {
	if req.Status != interfaces.ApprovalWaitingForApproval || req.OwnerVerification == nil {
		return false, fmt.Errorf("%w: approval is %s", interfaces.ErrInvalidTransition, req.Status)
	}
	device, err := a.keys.DeviceKey(ctx)
	if err != nil {
		return false, err
	}
	secret, err := totp.DecryptSecret(device, req.ApproverEncryptedTotpSecret)
	if err != nil {
		return false, err
	}

	v := req.OwnerVerification
	err = totp.VerifySignedCode(secret, req.OwnerDevicePublicKey, v.Signature, v.TimeMillis)
	if errors.Is(err, interfaces.ErrSignatureVerification) {
		a.log.Warn("Owner verification failed", slog.String("approvalId", req.ApprovalID))
		return false, a.api.RejectAccessVerification(ctx, req.ApprovalID)
	}
	if err != nil {
		return false, err
	}

	reencrypted, err := a.reencryptShard(ctx, req)
	if err != nil {
		return false, err
	}
	if err := a.api.ApproveAccess(ctx, req.ApprovalID, reencrypted); err != nil {
		return false, err
	}
	a.log.Info("Released shard", slog.String("approvalId", req.ApprovalID))
	return true, nil
}

func (a *Approver) reencryptShard(ctx context.Context, req interfaces.ApproverAccessRequest) ([]byte, error) {
	holder, err := a.keys.ParticipantKey(ctx, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	plain, err := holder.Decrypt(req.EncryptedShard)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard: %w", err)
	}
	defer cryptoutils.WipeBytes(plain)
	return cryptoutils.Encrypt(req.OwnerDevicePublicKey, plain)
}

// Reject refuses the request. The approval is final.
func (a *Approver) Reject(ctx context.Context, req interfaces.ApproverAccessRequest) error {
	switch req.Status {
	case interfaces.ApprovalApproved, interfaces.ApprovalRejected:
		return fmt.Errorf("%w: approval is %s", interfaces.ErrInvalidTransition, req.Status)
	}
	return a.api.RejectAccess(ctx, req.ApprovalID)
}
