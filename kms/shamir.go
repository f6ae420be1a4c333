package kms

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
)

// MaxParticipants is the largest share count GF(256) sharing supports.
const MaxParticipants = 255

// Participant is a share recipient.
type Participant struct {
	ID        interfaces.ParticipantId
	PublicKey cryptoutils.PublicKey
	IsOwner   bool
}

// Share is a decrypted share together with its holder.
type Share struct {
	ParticipantID interfaces.ParticipantId
	Value         []byte
}

// Split divides privateKey into len(participants) shares, any threshold of
// which reconstruct it, and encrypts each share to its participant.
// Plaintext shares are wiped before returning.
func Split(privateKey []byte, threshold int, participants []Participant) ([]interfaces.EncryptedShard, error) {
	if len(privateKey) == 0 {
		return nil, errors.New("secret must not be empty")
	}
	if threshold < 1 {
		return nil, errors.New("threshold must be at least 1")
	}
	if len(participants) < threshold {
		return nil, fmt.Errorf("threshold %d exceeds participant count %d", threshold, len(participants))
	}
	if len(participants) > MaxParticipants {
		return nil, fmt.Errorf("at most %d participants are supported", MaxParticipants)
	}

	seen := make(map[interfaces.ParticipantId]struct{}, len(participants))
	for _, p := range participants {
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate participant %s", p.ID)
		}
		seen[p.ID] = struct{}{}
		if err := p.PublicKey.Validate(); err != nil {
			return nil, fmt.Errorf("participant %s: %w", p.ID, err)
		}
	}

	shares, err := splitSecret(privateKey, threshold, len(participants))
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, s := range shares {
			cryptoutils.WipeBytes(s)
		}
	}()

	encrypted := make([]interfaces.EncryptedShard, 0, len(participants))
	for i, p := range participants {
		ciphertext, err := cryptoutils.Encrypt(p.PublicKey, shares[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt share for %s: %w", p.ID, err)
		}
		encrypted = append(encrypted, interfaces.EncryptedShard{
			ParticipantID:  p.ID,
			EncryptedShard: ciphertext,
			IsOwnerShard:   p.IsOwner,
		})
	}
	return encrypted, nil
}

func splitSecret(secret []byte, threshold, parts int) ([][]byte, error) {
	if threshold == 1 {
		shares := make([][]byte, parts)
		for i := range shares {
			shares[i] = append([]byte(nil), secret...)
		}
		return shares, nil
	}

	shares, err := shamir.Split(secret, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}
	return shares, nil
}

// Reconstruct combines at least threshold shares into the original secret.
// The result does not depend on the order of shares.
func Reconstruct(shares []Share, threshold int) ([]byte, error) {
	if threshold < 1 {
		return nil, errors.New("threshold must be at least 1")
	}

	distinct := make(map[interfaces.ParticipantId][]byte, len(shares))
	for _, s := range shares {
		if len(s.Value) == 0 {
			continue
		}
		if _, dup := distinct[s.ParticipantID]; dup {
			return nil, fmt.Errorf("duplicate share for participant %s", s.ParticipantID)
		}
		distinct[s.ParticipantID] = s.Value
	}

	if len(distinct) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", interfaces.ErrInsufficientShares, len(distinct), threshold)
	}

	values := make([][]byte, 0, len(distinct))
	for _, v := range distinct {
		values = append(values, v)
	}

	if threshold == 1 {
		for _, v := range values[1:] {
			if string(v) != string(values[0]) {
				return nil, fmt.Errorf("%w: replicated shares disagree", interfaces.ErrShardMismatch)
			}
		}
		return append([]byte(nil), values[0]...), nil
	}

	secret, err := shamir.Combine(values)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return secret, nil
}

// ReconstructKeyPair reconstructs a private key and checks it against the
// public key it is expected to match.
func ReconstructKeyPair(shares []Share, threshold int, expected cryptoutils.PublicKey) (*cryptoutils.KeyPair, error) {
	secret, err := Reconstruct(shares, threshold)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(secret)

	kp, err := cryptoutils.KeyPairFromPrivateBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrShardMismatch, err)
	}
	if !kp.PublicKey().Equal(expected) {
		return nil, interfaces.ErrShardMismatch
	}
	return kp, nil
}

// DecryptShard opens an encrypted shard with the holder's key.
func DecryptShard(holder *cryptoutils.KeyPair, shard interfaces.EncryptedShard) (Share, error) {
	value, err := holder.Decrypt(shard.EncryptedShard)
	if err != nil {
		return Share{}, fmt.Errorf("shard for %s: %w", shard.ParticipantID, err)
	}
	return Share{ParticipantID: shard.ParticipantID, Value: value}, nil
}

// WipeShares zeroes decrypted share values.
func WipeShares(shares []Share) {
	for _, s := range shares {
		cryptoutils.WipeBytes(s.Value)
	}
}
