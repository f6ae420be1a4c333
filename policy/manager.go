package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/kms"
	"github.com/ruteri/seedguard/retry"
	"github.com/ruteri/seedguard/storage"
)

const deletionTaskPrefix = "policy/delete/"

// Manager executes policy setup and replacement for the owner device.
type Manager struct {
	api       interfaces.OwnerAPI
	keys      *storage.KeyManager
	scheduler *retry.Scheduler
	log       *slog.Logger
	now       func() time.Time
}

func NewManager(api interfaces.OwnerAPI, keys *storage.KeyManager, scheduler *retry.Scheduler, log *slog.Logger) *Manager {
	return &Manager{
		api:       api,
		keys:      keys,
		scheduler: scheduler,
		log:       log,
		now:       time.Now,
	}
}

// confirmedCandidates collects the confirmed prospects of a setup.
func confirmedCandidates(setup *interfaces.PolicySetup, previous *interfaces.Policy, now time.Time) []Candidate {
	var out []Candidate
	for _, p := range setup.Approvers {
		confirmed, ok := p.Status.(interfaces.ApproverConfirmed)
		if !ok {
			continue
		}
		onboarded := now
		if previous != nil {
			if a, ok := previous.Approver(p.ParticipantID); ok {
				onboarded = a.OnboardedAt
			}
		}
		out = append(out, Candidate{
			Label:         p.Label,
			ParticipantID: p.ParticipantID,
			Confirmation:  confirmed.Confirmation,
			OnboardedAt:   onboarded,
		})
	}
	return out
}

// policyCandidates restates the external approvers of a committed policy.
func policyCandidates(p interfaces.Policy) []Candidate {
	var out []Candidate
	for _, a := range p.Approvers {
		if a.IsOwner {
			continue
		}
		c := Candidate{Label: a.Label, ParticipantID: a.ParticipantID, OnboardedAt: a.OnboardedAt}
		if a.Confirmation != nil {
			c.Confirmation = *a.Confirmation
		}
		out = append(out, c)
	}
	return out
}

// CreatePolicy commits the first policy from the confirmed prospects of the
// staged setup. It generates the master and intermediate keypairs.
func (m *Manager) CreatePolicy(ctx context.Context, state interfaces.InitialOwnerState) (interfaces.OwnerState, error) {
	setup := state.PolicySetup
	if setup == nil {
		return nil, interfaces.ErrPolicySetupRequired
	}
	ownerKey, err := m.keys.ParticipantKey(ctx, setup.OwnerParticipantID)
	if err != nil {
		return nil, fmt.Errorf("owner participant key: %w", err)
	}

	now := m.now()
	owner := OwnerSlot{
		ParticipantID: setup.OwnerParticipantID,
		PublicKey:     ownerKey.PublicKey(),
		Label:         "owner",
		OnboardedAt:   now,
	}

	candidates := confirmedCandidates(setup, nil, now)
	device, err := m.keys.DeviceKey(ctx)
	if err != nil {
		return nil, err
	}
	if err := VerifyCandidates(candidates, device.PublicKey(), nil); err != nil {
		return nil, err
	}

	intermediate, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	master, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	req, err := Build(intermediate, master, nil, owner, candidates)
	if err != nil {
		return nil, err
	}
	next, err := m.api.CreateOrReplacePolicy(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to commit policy: %w", err)
	}
	m.log.Info("Created policy",
		slog.Int("threshold", req.Threshold),
		slog.Int("approvers", len(req.Approvers)))
	return next, nil
}

// RecoverIntermediateKey retrieves the shards released by an available access
// record and reconstructs the intermediate key of p. The owner shard opens
// with the owner participant key; approver shards were re-encrypted to the
// device key when approved.
func (m *Manager) RecoverIntermediateKey(ctx context.Context, p interfaces.Policy, proof interfaces.AuthProof) (*cryptoutils.KeyPair, error) {
	shards, err := m.api.RetrieveShards(ctx, proof)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve shards: %w", err)
	}
	device, err := m.keys.DeviceKey(ctx)
	if err != nil {
		return nil, err
	}

	var shares []kms.Share
	defer func() { kms.WipeShares(shares) }()
	for _, shard := range shards {
		holder := device
		if shard.IsOwnerShard {
			holder, err = m.keys.ParticipantKey(ctx, shard.ParticipantID)
			if errors.Is(err, interfaces.ErrKeyNotFound) {
				m.log.Warn("Owner shard key is not on this device", slog.String("participantId", shard.ParticipantID.String()))
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		share, err := kms.DecryptShard(holder, shard)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}

	return kms.ReconstructKeyPair(shares, p.Threshold, p.IntermediatePublicKey)
}

func availableAccess(state interfaces.ReadyOwnerState, intents ...interfaces.AccessIntent) (interfaces.ThisDeviceAccess, error) {
	access, ok := state.Access.(interfaces.ThisDeviceAccess)
	if !ok {
		if _, other := state.Access.(interfaces.AnotherDeviceAccess); other {
			return access, interfaces.ErrAccessOnAnotherDevice
		}
		return access, interfaces.ErrAccessRequired
	}
	matched := false
	for _, intent := range intents {
		if access.Intent == intent {
			matched = true
		}
	}
	if !matched {
		return access, fmt.Errorf("%w: access intent is %s", interfaces.ErrIntentMismatch, access.Intent)
	}
	if access.Status == interfaces.AccessExpired {
		return access, interfaces.ErrAccessExpired
	}
	if !access.Status.AllowsRetrieval() {
		return access, fmt.Errorf("%w: status %s", interfaces.ErrAccessNotAvailable, access.Status)
	}
	return access, nil
}

// ReplacePolicy replaces the policy with the confirmed approvers of the staged
// setup, or with the current approvers when nothing is staged. It needs an
// available access record with intent ReplacePolicy.
func (m *Manager) ReplacePolicy(ctx context.Context, state interfaces.ReadyOwnerState, proof interfaces.AuthProof) (interfaces.OwnerState, error) {
	if _, err := availableAccess(state, interfaces.IntentReplacePolicy); err != nil {
		return nil, err
	}
	return m.replace(ctx, state, proof, false)
}

// RecoverOwnerKey rotates the owner participant slot, for a device that lost
// the owner key. It needs an available access record with intent
// RecoverOwnerKey.
func (m *Manager) RecoverOwnerKey(ctx context.Context, state interfaces.ReadyOwnerState, proof interfaces.AuthProof) (interfaces.OwnerState, error) {
	if _, err := availableAccess(state, interfaces.IntentRecoverOwnerKey); err != nil {
		return nil, err
	}
	return m.replace(ctx, state, proof, true)
}

func (m *Manager) replace(ctx context.Context, state interfaces.ReadyOwnerState, proof interfaces.AuthProof, rotateOwner bool) (interfaces.OwnerState, error) {
	current := state.Policy
	oldOwner, ok := current.Owner()
	if !ok {
		return nil, fmt.Errorf("%w: policy has no owner", interfaces.ErrValidation)
	}

	now := m.now()
	candidates := policyCandidates(current)
	if state.PolicySetup != nil {
		candidates = confirmedCandidates(state.PolicySetup, &current, now)
	}
	device, err := m.keys.DeviceKey(ctx)
	if err != nil {
		return nil, err
	}
	// All confirmations are checked before any key is recovered or generated.
	if err := VerifyCandidates(candidates, device.PublicKey(), &current); err != nil {
		return nil, err
	}

	ownerID := oldOwner.ParticipantID
	if state.PolicySetup != nil && !state.PolicySetup.OwnerParticipantID.IsZero() {
		ownerID = state.PolicySetup.OwnerParticipantID
	}
	if rotateOwner && ownerID == oldOwner.ParticipantID {
		if ownerID, err = interfaces.NewParticipantId(); err != nil {
			return nil, err
		}
	}

	previous, err := m.RecoverIntermediateKey(ctx, current, proof)
	if err != nil {
		return nil, err
	}
	master, err := UnwrapMasterKey(current, previous)
	if err != nil {
		return nil, err
	}

	var ownerKey *cryptoutils.KeyPair
	if rotateOwner {
		ownerKey, err = m.keys.CreateParticipantKey(ctx, ownerID)
	} else {
		ownerKey, err = m.keys.ParticipantKey(ctx, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("owner participant key: %w", err)
	}
	intermediate, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	owner := OwnerSlot{
		ParticipantID: ownerID,
		PublicKey:     ownerKey.PublicKey(),
		Label:         oldOwner.Label,
		OnboardedAt:   oldOwner.OnboardedAt,
	}
	if ownerID != oldOwner.ParticipantID {
		owner.OnboardedAt = now
	}

	req, err := Build(intermediate, master, previous, owner, candidates)
	if err != nil {
		return nil, err
	}
	next, err := m.api.CreateOrReplacePolicy(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to commit replacement: %w", err)
	}

	if ready, ok := next.(interfaces.ReadyOwnerState); ok {
		if err := VerifyContinuity(current.IntermediatePublicKey, ready.Policy.IntermediatePublicKey, ready.Policy.SignatureByPreviousIntermediateKey); err != nil {
			return nil, err
		}
	}
	m.log.Info("Replaced policy",
		slog.Int("threshold", req.Threshold),
		slog.Int("approvers", len(req.Approvers)),
		slog.Bool("ownerRotated", ownerID != oldOwner.ParticipantID))

	if ownerID != oldOwner.ParticipantID {
		m.DeleteParticipantKeys(oldOwner.ParticipantID)
	}
	return next, nil
}

// DeleteParticipantKeys removes local keys of participants dropped by a
// replacement. Deletion runs in the background and is retried until it
// succeeds; repeating it for an absent key is harmless.
func (m *Manager) DeleteParticipantKeys(ids ...interfaces.ParticipantId) {
	for _, id := range ids {
		id := id
		m.scheduler.Schedule(deletionTaskPrefix+id.String(), func(ctx context.Context) error {
			return m.keys.DeleteParticipantKey(ctx, id)
		}, nil)
	}
}
