package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/seedguard/interfaces"
)

// FileKeystore stores each key in its own file under a private directory.
// File names are the hex encoding of the key id.
type FileKeystore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileKeystore creates the base directory with owner-only permissions.
func NewFileKeystore(baseDir string, log *slog.Logger) (*FileKeystore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return &FileKeystore{baseDir: baseDir, log: log}, nil
}

func (b *FileKeystore) path(id string) string {
	return filepath.Join(b.baseDir, hex.EncodeToString([]byte(id)))
}

func (b *FileKeystore) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(b.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return data, nil
}

// Put writes through a temporary file and renames it so a crash never
// leaves a truncated key behind.
func (b *FileKeystore) Put(ctx context.Context, id string, data []byte) error {
	target := b.path(id)
	tmp, err := os.CreateTemp(b.baseDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod key file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to move key file into place: %w", err)
	}

	b.log.Debug("Stored key in file", slog.String("path", target))
	return nil
}

func (b *FileKeystore) Delete(ctx context.Context, id string) error {
	err := os.Remove(b.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

func (b *FileKeystore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}
