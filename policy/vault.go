package policy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
)

// Secret is a decrypted vault entry.
type Secret struct {
	GUID       string
	Label      string
	SeedPhrase string
}

// NormalizeSeedPhrase lowercases a phrase and collapses whitespace so the
// same words always hash the same.
func NormalizeSeedPhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// SeedPhraseHash is the duplicate-detection hash of a phrase.
func SeedPhraseHash(phrase string) []byte {
	h := cryptoutils.SHA256([]byte(NormalizeSeedPhrase(phrase)))
	return h[:]
}

// EncryptSeedPhrase seals a phrase to the master public key of p.
func EncryptSeedPhrase(p interfaces.Policy, label, phrase string) (interfaces.VaultSecret, error) {
	normalized := NormalizeSeedPhrase(phrase)
	if normalized == "" {
		return interfaces.VaultSecret{}, fmt.Errorf("%w: empty seed phrase", interfaces.ErrValidation)
	}
	encrypted, err := cryptoutils.Encrypt(p.MasterEncryptionPublicKey, []byte(normalized))
	if err != nil {
		return interfaces.VaultSecret{}, err
	}
	return interfaces.VaultSecret{
		GUID:                uuid.NewString(),
		Label:               label,
		EncryptedSeedPhrase: encrypted,
		SeedPhraseHash:      SeedPhraseHash(normalized),
	}, nil
}

// DecryptVault opens every secret with the master key.
func DecryptVault(vault interfaces.Vault, master *cryptoutils.KeyPair) ([]Secret, error) {
	out := make([]Secret, 0, len(vault.Secrets))
	for _, s := range vault.Secrets {
		raw, err := master.Decrypt(s.EncryptedSeedPhrase)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", s.GUID, err)
		}
		out = append(out, Secret{GUID: s.GUID, Label: s.Label, SeedPhrase: string(raw)})
	}
	return out, nil
}

// StoreSeedPhrase adds a phrase to the vault unless an identical one exists.
func (m *Manager) StoreSeedPhrase(ctx context.Context, state interfaces.ReadyOwnerState, label, phrase string) (interfaces.OwnerState, error) {
	hash := SeedPhraseHash(phrase)
	for _, s := range state.Vault.Secrets {
		if bytes.Equal(s.SeedPhraseHash, hash) {
			return nil, fmt.Errorf("%w: seed phrase already stored as %q", interfaces.ErrValidation, s.Label)
		}
	}

	secret, err := EncryptSeedPhrase(state.Policy, label, phrase)
	if err != nil {
		return nil, err
	}
	next, err := m.api.StoreSecret(ctx, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to store secret: %w", err)
	}
	m.log.Info("Stored secret", slog.String("guid", secret.GUID))
	return next, nil
}

// DeleteSeedPhrase removes a vault entry.
func (m *Manager) DeleteSeedPhrase(ctx context.Context, guid string) (interfaces.OwnerState, error) {
	return m.api.DeleteSecret(ctx, guid)
}

// AccessSeedPhrases recovers the master key through an available access
// record with intent AccessPhrases and decrypts the vault.
func (m *Manager) AccessSeedPhrases(ctx context.Context, state interfaces.ReadyOwnerState, proof interfaces.AuthProof) ([]Secret, error) {
	if _, err := availableAccess(state, interfaces.IntentAccessPhrases); err != nil {
		return nil, err
	}
	intermediate, err := m.RecoverIntermediateKey(ctx, state.Policy, proof)
	if err != nil {
		return nil, err
	}
	master, err := UnwrapMasterKey(state.Policy, intermediate)
	if err != nil {
		return nil, err
	}
	return DecryptVault(state.Vault, master)
}
