package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
)

const (
	deviceKeyID         = "device-key"
	participantKeyScope = "participant/"
	participantIndexID  = "participant-index"
)

// KeyManager names and decodes the private keys a device keeps in its
// keystore: one device key, plus one key per participant slot it holds.
//
// Participant keys are also recorded in an index so keys of relationships
// that ended can be found and pruned.
type KeyManager struct {
	store interfaces.Keystore
	log   *slog.Logger

	indexMu sync.Mutex
}

func NewKeyManager(store interfaces.Keystore, log *slog.Logger) *KeyManager {
	return &KeyManager{store: store, log: log}
}

// DeviceKey returns the device key, generating and storing it on first use.
// A stored key that does not decode is reported as ErrCorruptDeviceKey and
// is never replaced silently.
func (km *KeyManager) DeviceKey(ctx context.Context) (*cryptoutils.KeyPair, error) {
	raw, err := km.store.Get(ctx, deviceKeyID)
	switch {
	case err == nil:
		defer cryptoutils.WipeBytes(raw)
		key, err := cryptoutils.KeyPairFromPrivateBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrCorruptDeviceKey, err)
		}
		return key, nil
	case errors.Is(err, interfaces.ErrKeyNotFound):
	default:
		return nil, fmt.Errorf("failed to load device key: %w", err)
	}

	key, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := km.put(ctx, deviceKeyID, key); err != nil {
		return nil, fmt.Errorf("failed to store device key: %w", err)
	}
	km.log.Info("Generated device key", slog.String("publicKey", key.PublicKey().String()))
	return key, nil
}

func participantKeyID(id interfaces.ParticipantId) string {
	return participantKeyScope + id.String()
}

// ParticipantKey loads the private key of a participant slot held on this
// device.
func (km *KeyManager) ParticipantKey(ctx context.Context, id interfaces.ParticipantId) (*cryptoutils.KeyPair, error) {
	raw, err := km.store.Get(ctx, participantKeyID(id))
	if err != nil {
		return nil, fmt.Errorf("participant %s: %w", id, err)
	}
	defer cryptoutils.WipeBytes(raw)
	return cryptoutils.KeyPairFromPrivateBytes(raw)
}

// CreateParticipantKey generates and stores a fresh key for a participant
// slot, replacing any previous one.
func (km *KeyManager) CreateParticipantKey(ctx context.Context, id interfaces.ParticipantId) (*cryptoutils.KeyPair, error) {
	key, err := cryptoutils.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := km.put(ctx, participantKeyID(id), key); err != nil {
		return nil, fmt.Errorf("failed to store participant key: %w", err)
	}
	if err := km.updateIndex(ctx, func(ids map[interfaces.ParticipantId]struct{}) {
		ids[id] = struct{}{}
	}); err != nil {
		return nil, err
	}
	km.log.Debug("Created participant key", slog.String("participantId", id.String()))
	return key, nil
}

// HasParticipantKey reports whether a key for the slot exists.
func (km *KeyManager) HasParticipantKey(ctx context.Context, id interfaces.ParticipantId) (bool, error) {
	raw, err := km.store.Get(ctx, participantKeyID(id))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	cryptoutils.WipeBytes(raw)
	return true, nil
}

// DeleteParticipantKey removes a participant key. Deleting an absent key
// succeeds, so callers may repeat it until it does.
func (km *KeyManager) DeleteParticipantKey(ctx context.Context, id interfaces.ParticipantId) error {
	if err := km.store.Delete(ctx, participantKeyID(id)); err != nil {
		return fmt.Errorf("failed to delete participant key %s: %w", id, err)
	}
	if err := km.updateIndex(ctx, func(ids map[interfaces.ParticipantId]struct{}) {
		delete(ids, id)
	}); err != nil {
		return err
	}
	km.log.Debug("Deleted participant key", slog.String("participantId", id.String()))
	return nil
}

func (km *KeyManager) put(ctx context.Context, id string, key *cryptoutils.KeyPair) error {
	raw := key.PrivateKeyBytes()
	defer cryptoutils.WipeBytes(raw)
	return km.store.Put(ctx, id, raw)
}

// ParticipantIDs lists the participant slots with a key on this device.
func (km *KeyManager) ParticipantIDs(ctx context.Context) ([]interfaces.ParticipantId, error) {
	km.indexMu.Lock()
	defer km.indexMu.Unlock()

	ids, err := km.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]interfaces.ParticipantId, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out, nil
}

func (km *KeyManager) loadIndex(ctx context.Context) (map[interfaces.ParticipantId]struct{}, error) {
	ids := make(map[interfaces.ParticipantId]struct{})
	raw, err := km.store.Get(ctx, participantIndexID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load participant index: %w", err)
	}

	var list []interfaces.ParticipantId
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to decode participant index: %w", err)
	}
	for _, id := range list {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (km *KeyManager) updateIndex(ctx context.Context, fn func(map[interfaces.ParticipantId]struct{})) error {
	km.indexMu.Lock()
	defer km.indexMu.Unlock()

	ids, err := km.loadIndex(ctx)
	if err != nil {
		return err
	}
	fn(ids)

	list := make([]interfaces.ParticipantId, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := km.store.Put(ctx, participantIndexID, raw); err != nil {
		return fmt.Errorf("failed to store participant index: %w", err)
	}
	return nil
}
