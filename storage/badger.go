package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/ruteri/seedguard/interfaces"
)

const badgerKeyPrefix = "key:"

// BadgerKeystore keeps keys in an embedded Badger database.
type BadgerKeystore struct {
	db   *badger.DB
	name string
	log  *slog.Logger
}

// NewBadgerKeystore opens (or creates) a database at dir. An empty dir opens
// an in-memory database.
func NewBadgerKeystore(dir string, log *slog.Logger) (*BadgerKeystore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	name := "badger-" + dir
	if dir == "" {
		opts = opts.WithInMemory(true)
		name = "badger-memory"
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger keystore: %w", err)
	}
	return &BadgerKeystore{db: db, name: name, log: log}, nil
}

func (b *BadgerKeystore) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	return data, nil
}

func (b *BadgerKeystore) Put(ctx context.Context, id string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+id), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

func (b *BadgerKeystore) Delete(ctx context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (b *BadgerKeystore) Name() string {
	return b.name
}

// Close releases the database.
func (b *BadgerKeystore) Close() error {
	return b.db.Close()
}
