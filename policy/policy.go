package policy

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/enrollment"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/kms"
)

// Candidate is an external approver about to be written into a policy.
type Candidate struct {
	Label         string
	ParticipantID interfaces.ParticipantId
	Confirmation  interfaces.ApproverConfirmation
	OnboardedAt   time.Time
}

// OwnerSlot is the owner participant of a policy.
type OwnerSlot struct {
	ParticipantID interfaces.ParticipantId
	PublicKey     cryptoutils.PublicKey
	Label         string
	OnboardedAt   time.Time
}

// Threshold returns the threshold for a policy with the given number of
// external approvers.
func Threshold(externals int) int {
	if externals == 0 {
		return 1
	}
	return 2
}

// OwnerHoldsShard reports whether the owner holds a shard next to the given
// number of external approvers.
func OwnerHoldsShard(externals int) bool {
	return externals < Threshold(externals)
}

// ApproverKeysPayload is the message the intermediate key signs to bind the
// participant set: participantId || publicKey for every approver, ordered by
// participant id.
func ApproverKeysPayload(approvers []interfaces.TrustedApprover) []byte {
	sorted := append([]interfaces.TrustedApprover(nil), approvers...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ParticipantID.Bytes(), sorted[j].ParticipantID.Bytes()) < 0
	})

	var buf bytes.Buffer
	for _, a := range sorted {
		buf.Write(a.ParticipantID.Bytes())
		buf.Write(a.PublicKey)
	}
	return buf.Bytes()
}

// checkConfirmations checks that every confirmation is signed by the key it
// names. It says nothing about whether that key is trusted.
func checkConfirmations(candidates []Candidate) error {
	seen := make(map[interfaces.ParticipantId]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.ParticipantID]; dup {
			return fmt.Errorf("%w: duplicate participant %s", interfaces.ErrValidation, c.ParticipantID)
		}
		seen[c.ParticipantID] = struct{}{}

		conf := c.Confirmation
		if err := enrollment.VerifyConfirmation(conf, c.ParticipantID, conf.ApproverPublicKey, conf.SignerPublicKey); err != nil {
			return fmt.Errorf("%w: participant %s: %w", interfaces.ErrCannotVerifyKeyConfirmation, c.ParticipantID, err)
		}
	}
	return nil
}

// VerifyCandidates checks that every candidate key was authorised by a key
// the owner device trusts: either device itself signed the confirmation, or
// the approver sits in current with the same key, and current's approver set
// carries a valid intermediate key signature. Any failure aborts with
// ErrCannotVerifyKeyConfirmation.
func VerifyCandidates(candidates []Candidate, device cryptoutils.PublicKey, current *interfaces.Policy) error {
	if err := checkConfirmations(candidates); err != nil {
		return err
	}
	if current != nil {
		if err := current.IntermediatePublicKey.Verify(ApproverKeysPayload(current.Approvers), current.ApproverKeysSignatureByIntermediateKey); err != nil {
			return fmt.Errorf("%w: current approver set: %w", interfaces.ErrCannotVerifyKeyConfirmation, err)
		}
	}
	for _, c := range candidates {
		if current != nil {
			if a, ok := current.Approver(c.ParticipantID); ok && !a.IsOwner && a.PublicKey.Equal(c.Confirmation.ApproverPublicKey) {
				continue
			}
		}
		if err := enrollment.VerifyConfirmation(c.Confirmation, c.ParticipantID, c.Confirmation.ApproverPublicKey, device); err != nil {
			return fmt.Errorf("%w: participant %s: %w", interfaces.ErrCannotVerifyKeyConfirmation, c.ParticipantID, err)
		}
	}
	return nil
}

// Build wraps masterKey under intermediate, shards intermediate among the
// holders and signs the result. previous, when set, is the recovered
// intermediate key of the policy being replaced.
func Build(intermediate, masterKey, previous *cryptoutils.KeyPair, owner OwnerSlot, candidates []Candidate) (interfaces.CreatePolicyRequest, error) {
	if len(candidates) > enrollment.MaxExternalApprovers {
		return interfaces.CreatePolicyRequest{}, fmt.Errorf("%w: at most %d external approvers", interfaces.ErrValidation, enrollment.MaxExternalApprovers)
	}
	if err := checkConfirmations(candidates); err != nil {
		return interfaces.CreatePolicyRequest{}, err
	}

	threshold := Threshold(len(candidates))
	ownerHolds := OwnerHoldsShard(len(candidates))

	approvers := []interfaces.TrustedApprover{{
		Label:         owner.Label,
		ParticipantID: owner.ParticipantID,
		PublicKey:     owner.PublicKey,
		IsOwner:       true,
		HoldsShard:    ownerHolds,
		OnboardedAt:   owner.OnboardedAt,
	}}
	var holders []kms.Participant
	if ownerHolds {
		holders = append(holders, kms.Participant{ID: owner.ParticipantID, PublicKey: owner.PublicKey, IsOwner: true})
	}
	for _, c := range candidates {
		if c.ParticipantID == owner.ParticipantID {
			return interfaces.CreatePolicyRequest{}, fmt.Errorf("%w: approver reuses the owner participant id", interfaces.ErrValidation)
		}
		confirmation := c.Confirmation
		approvers = append(approvers, interfaces.TrustedApprover{
			Label:         c.Label,
			ParticipantID: c.ParticipantID,
			PublicKey:     c.Confirmation.ApproverPublicKey,
			HoldsShard:    true,
			OnboardedAt:   c.OnboardedAt,
			Confirmation:  &confirmation,
		})
		holders = append(holders, kms.Participant{ID: c.ParticipantID, PublicKey: c.Confirmation.ApproverPublicKey})
	}

	privateIntermediate := intermediate.PrivateKeyBytes()
	defer cryptoutils.WipeBytes(privateIntermediate)
	shards, err := kms.Split(privateIntermediate, threshold, holders)
	if err != nil {
		return interfaces.CreatePolicyRequest{}, err
	}

	privateMaster := masterKey.PrivateKeyBytes()
	defer cryptoutils.WipeBytes(privateMaster)
	encryptedMaster, err := cryptoutils.Encrypt(intermediate.PublicKey(), privateMaster)
	if err != nil {
		return interfaces.CreatePolicyRequest{}, fmt.Errorf("failed to wrap master key: %w", err)
	}

	masterSig, err := intermediate.Sign(masterKey.PublicKey())
	if err != nil {
		return interfaces.CreatePolicyRequest{}, err
	}
	approverKeysSig, err := intermediate.Sign(ApproverKeysPayload(approvers))
	if err != nil {
		return interfaces.CreatePolicyRequest{}, err
	}

	req := interfaces.CreatePolicyRequest{
		Threshold:                              threshold,
		Approvers:                              approvers,
		Shards:                                 shards,
		IntermediatePublicKey:                  intermediate.PublicKey(),
		EncryptedMasterKey:                     encryptedMaster,
		MasterEncryptionPublicKey:              masterKey.PublicKey(),
		MasterKeySignature:                     masterSig,
		ApproverKeysSignatureByIntermediateKey: approverKeysSig,
	}
	if previous != nil {
		req.SignatureByPreviousIntermediateKey, err = previous.Sign(intermediate.PublicKey())
		if err != nil {
			return interfaces.CreatePolicyRequest{}, err
		}
	}
	return req, nil
}

// VerifyRequest checks the internal consistency of a policy request: the
// threshold and holder rule, both intermediate key signatures, every
// confirmation, and, for replacements, the continuity signature by the
// previous intermediate key.
func VerifyRequest(req interfaces.CreatePolicyRequest, previous *interfaces.Policy) error {
	var externals []Candidate
	var owner *interfaces.TrustedApprover
	holders := make(map[interfaces.ParticipantId]bool)
	for i, a := range req.Approvers {
		if a.IsOwner {
			if owner != nil {
				return fmt.Errorf("%w: more than one owner", interfaces.ErrValidation)
			}
			owner = &req.Approvers[i]
		} else {
			if a.Confirmation == nil {
				return fmt.Errorf("%w: approver %s is not confirmed", interfaces.ErrCannotVerifyKeyConfirmation, a.ParticipantID)
			}
			if !a.Confirmation.ApproverPublicKey.Equal(a.PublicKey) {
				return fmt.Errorf("%w: approver %s key differs from its confirmation", interfaces.ErrCannotVerifyKeyConfirmation, a.ParticipantID)
			}
			externals = append(externals, Candidate{ParticipantID: a.ParticipantID, Confirmation: *a.Confirmation})
		}
		if a.HoldsShard {
			holders[a.ParticipantID] = a.IsOwner
		}
		if err := a.PublicKey.Validate(); err != nil {
			return fmt.Errorf("%w: approver %s: %v", interfaces.ErrValidation, a.ParticipantID, err)
		}
	}
	if owner == nil {
		return fmt.Errorf("%w: owner participant missing", interfaces.ErrValidation)
	}
	if len(externals) > enrollment.MaxExternalApprovers {
		return fmt.Errorf("%w: too many approvers", interfaces.ErrValidation)
	}
	if err := checkConfirmations(externals); err != nil {
		return err
	}
	if req.Threshold != Threshold(len(externals)) || owner.HoldsShard != OwnerHoldsShard(len(externals)) {
		return fmt.Errorf("%w: threshold %d does not fit %d approvers", interfaces.ErrValidation, req.Threshold, len(externals))
	}

	if len(req.Shards) != len(holders) {
		return fmt.Errorf("%w: expected %d shards, got %d", interfaces.ErrValidation, len(holders), len(req.Shards))
	}
	for _, s := range req.Shards {
		isOwner, ok := holders[s.ParticipantID]
		if !ok || isOwner != s.IsOwnerShard || len(s.EncryptedShard) == 0 {
			return fmt.Errorf("%w: unexpected shard for %s", interfaces.ErrValidation, s.ParticipantID)
		}
		delete(holders, s.ParticipantID)
	}

	if err := req.IntermediatePublicKey.Validate(); err != nil {
		return fmt.Errorf("%w: intermediate key: %v", interfaces.ErrValidation, err)
	}
	if err := req.IntermediatePublicKey.Verify(req.MasterEncryptionPublicKey, req.MasterKeySignature); err != nil {
		return fmt.Errorf("master key signature: %w", err)
	}
	if err := req.IntermediatePublicKey.Verify(ApproverKeysPayload(req.Approvers), req.ApproverKeysSignatureByIntermediateKey); err != nil {
		return fmt.Errorf("approver keys signature: %w", err)
	}

	if previous == nil {
		return nil
	}
	if !previous.MasterEncryptionPublicKey.Equal(req.MasterEncryptionPublicKey) {
		return fmt.Errorf("%w: master key changed", interfaces.ErrValidation)
	}
	return VerifyContinuity(previous.IntermediatePublicKey, req.IntermediatePublicKey, req.SignatureByPreviousIntermediateKey)
}

// VerifyContinuity checks that previous signed next.
func VerifyContinuity(previous, next cryptoutils.PublicKey, signature []byte) error {
	if len(signature) == 0 {
		return fmt.Errorf("%w: missing signature", interfaces.ErrContinuity)
	}
	if err := previous.Verify(next, signature); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrContinuity, err)
	}
	return nil
}

// VerifyPolicy checks the signatures of a committed policy.
func VerifyPolicy(p interfaces.Policy) error {
	if err := p.IntermediatePublicKey.Verify(p.MasterEncryptionPublicKey, p.MasterKeySignature); err != nil {
		return fmt.Errorf("master key signature: %w", err)
	}
	if err := p.IntermediatePublicKey.Verify(ApproverKeysPayload(p.Approvers), p.ApproverKeysSignatureByIntermediateKey); err != nil {
		return fmt.Errorf("approver keys signature: %w", err)
	}
	return nil
}

// UnwrapMasterKey decrypts the master key of p with its recovered
// intermediate key.
func UnwrapMasterKey(p interfaces.Policy, intermediate *cryptoutils.KeyPair) (*cryptoutils.KeyPair, error) {
	if !intermediate.PublicKey().Equal(p.IntermediatePublicKey) {
		return nil, interfaces.ErrShardMismatch
	}
	if err := p.IntermediatePublicKey.Verify(p.MasterEncryptionPublicKey, p.MasterKeySignature); err != nil {
		return nil, fmt.Errorf("master key signature: %w", err)
	}

	raw, err := intermediate.Decrypt(p.EncryptedMasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap master key: %w", err)
	}
	defer cryptoutils.WipeBytes(raw)

	master, err := cryptoutils.KeyPairFromPrivateBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryption, err)
	}
	if !master.PublicKey().Equal(p.MasterEncryptionPublicKey) {
		return nil, errors.New("unwrapped master key does not match its public key")
	}
	return master, nil
}

// ProspectsFromPolicy restates the external approvers of a policy as
// confirmed prospects, so a replacement setup can keep them.
func ProspectsFromPolicy(p interfaces.Policy) []interfaces.ProspectApprover {
	var out []interfaces.ProspectApprover
	for _, a := range p.Approvers {
		if a.IsOwner || a.Confirmation == nil {
			continue
		}
		out = append(out, interfaces.ProspectApprover{
			Label:         a.Label,
			ParticipantID: a.ParticipantID,
			Status:        interfaces.ApproverConfirmed{Confirmation: *a.Confirmation},
		})
	}
	return out
}

// PolicyFromRequest is the policy a server commits for an accepted request.
func PolicyFromRequest(req interfaces.CreatePolicyRequest, createdAt time.Time) interfaces.Policy {
	return interfaces.Policy{
		CreatedAt:                              createdAt,
		Threshold:                              req.Threshold,
		Approvers:                              req.Approvers,
		IntermediatePublicKey:                  req.IntermediatePublicKey,
		EncryptedMasterKey:                     req.EncryptedMasterKey,
		MasterEncryptionPublicKey:              req.MasterEncryptionPublicKey,
		MasterKeySignature:                     req.MasterKeySignature,
		ApproverKeysSignatureByIntermediateKey: req.ApproverKeysSignatureByIntermediateKey,
		SignatureByPreviousIntermediateKey:     req.SignatureByPreviousIntermediateKey,
	}
}
