package storage

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/seedguard/interfaces"
)

// VaultKeystore stores keys in a HashiCorp Vault KV v2 mount.
type VaultKeystore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
	name      string
}

// NewVaultKeystore creates a Vault-backed keystore.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "devices/phone-1")
//   - token: Vault token; empty falls back to VAULT_TOKEN
//   - log: Structured logger
func NewVaultKeystore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultKeystore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultKeystore{
		client:    client,
		mountPath: mountPath,
		dataPath:  dataPath,
		log:       log,
		name:      fmt.Sprintf("vault-%s/%s", mountPath, dataPath),
	}, nil
}

func (b *VaultKeystore) path(kind, id string) string {
	return fmt.Sprintf("%s/%s/%s/%s", b.mountPath, kind, b.dataPath, hex.EncodeToString([]byte(id)))
}

func (b *VaultKeystore) Get(ctx context.Context, id string) ([]byte, error) {
	path := b.path("data", id)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrKeyNotFound
	}

	// KV v2 nests the payload under "data"; a deleted version has nil data.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return nil, interfaces.ErrKeyNotFound
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data")
	}

	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}
	return raw, nil
}

func (b *VaultKeystore) Put(ctx context.Context, id string, data []byte) error {
	path := b.path("data", id)
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, payload); err != nil {
		b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	return nil
}

// Delete removes every version of the key through the metadata endpoint.
func (b *VaultKeystore) Delete(ctx context.Context, id string) error {
	path := b.path("metadata", id)
	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		b.log.Error("Failed to delete from Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	return nil
}

func (b *VaultKeystore) Name() string {
	return b.name
}
