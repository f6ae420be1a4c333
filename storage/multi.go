package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/seedguard/interfaces"
)

// MultiKeystore mirrors keys across several backends.
type MultiKeystore struct {
	backends []interfaces.Keystore
	log      *slog.Logger
}

func NewMultiKeystore(backends []interfaces.Keystore, logger *slog.Logger) *MultiKeystore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiKeystore{backends: backends, log: logger}
}

// Get returns the key from the first backend holding it.
func (m *MultiKeystore) Get(ctx context.Context, id string) ([]byte, error) {
	var errs []error
	for _, backend := range m.backends {
		data, err := backend.Get(ctx, id)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			m.log.Warn("Failed to read key from backend", slog.String("backend_name", backend.Name()), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("all backends failed to read key: %w", errors.Join(errs...))
	}
	return nil, interfaces.ErrKeyNotFound
}

// Put succeeds when at least one backend stored the key.
func (m *MultiKeystore) Put(ctx context.Context, id string, data []byte) error {
	var errs []error
	stored := 0
	for _, backend := range m.backends {
		if err := backend.Put(ctx, id, data); err != nil {
			m.log.Warn("Failed to store key in backend", slog.String("backend_name", backend.Name()), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		stored++
	}
	if stored == 0 {
		return fmt.Errorf("failed to store key in any backend: %w", errors.Join(errs...))
	}
	return nil
}

// Delete removes the key everywhere; any backend failure is returned so the
// caller can retry.
func (m *MultiKeystore) Delete(ctx context.Context, id string) error {
	var errs []error
	for _, backend := range m.backends {
		if err := backend.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiKeystore) Name() string {
	return "multi"
}
