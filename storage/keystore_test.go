package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/seedguard/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeystoreBackends(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) interfaces.Keystore
	}{
		{
			name: "memory",
			setup: func(t *testing.T) interfaces.Keystore {
				return NewMemoryKeystore()
			},
		},
		{
			name: "file",
			setup: func(t *testing.T) interfaces.Keystore {
				ks, err := NewFileKeystore(filepath.Join(t.TempDir(), "keys"), testLogger())
				require.NoError(t, err)
				return ks
			},
		},
		{
			name: "badger in-memory",
			setup: func(t *testing.T) interfaces.Keystore {
				ks, err := NewBadgerKeystore("", testLogger())
				require.NoError(t, err)
				t.Cleanup(func() { ks.Close() })
				return ks
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ks := tt.setup(t)

			_, err := ks.Get(ctx, "device-key")
			assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

			require.NoError(t, ks.Put(ctx, "device-key", []byte("first")))
			require.NoError(t, ks.Put(ctx, "device-key", []byte("second")))

			data, err := ks.Get(ctx, "device-key")
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), data)

			require.NoError(t, ks.Put(ctx, "participant/ab", []byte("other")))

			require.NoError(t, ks.Delete(ctx, "device-key"))
			_, err = ks.Get(ctx, "device-key")
			assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

			// Repeated delete succeeds.
			require.NoError(t, ks.Delete(ctx, "device-key"))

			data, err = ks.Get(ctx, "participant/ab")
			require.NoError(t, err)
			assert.Equal(t, []byte("other"), data)
			assert.NotEmpty(t, ks.Name())
		})
	}
}

func TestFileKeystorePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	ks, err := NewFileKeystore(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, ks.Put(context.Background(), "device-key", []byte("secret")))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")

	info, err = entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMemoryKeystoreCopies(t *testing.T) {
	ctx := context.Background()
	ks := NewMemoryKeystore()

	data := []byte{1, 2, 3}
	require.NoError(t, ks.Put(ctx, "k", data))
	data[0] = 9

	got, err := ks.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	got[1] = 9
	again, err := ks.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again)
}

func TestKeystoreFactory(t *testing.T) {
	factory := NewKeystoreFactory(testLogger())

	tests := []struct {
		name     string
		uri      string
		wantErr  bool
		wantType interface{}
	}{
		{name: "memory", uri: "memory://", wantType: &MemoryKeystore{}},
		{name: "file", uri: "file://" + t.TempDir() + "/keys", wantType: &FileKeystore{}},
		{name: "badger memory", uri: "badger://memory", wantType: &BadgerKeystore{}},
		{name: "vault", uri: "vault://127.0.0.1:8200/secret/devices/phone?token=t&tls=false", wantType: &VaultKeystore{}},
		{name: "vault missing path", uri: "vault://127.0.0.1:8200/secret", wantErr: true},
		{name: "s3", uri: "s3://AK:SK@bucket/keys?region=eu-west-1&endpoint=http://127.0.0.1:9000", wantType: &S3Keystore{}},
		{name: "s3 missing bucket", uri: "s3:///keys", wantErr: true},
		{name: "unsupported", uri: "ipfs://localhost", wantErr: true},
		{name: "empty file path", uri: "file://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ks, err := factory.KeystoreFor(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, ks)
			if b, ok := ks.(*BadgerKeystore); ok {
				b.Close()
			}
		})
	}
}

func TestCreateMultiKeystore(t *testing.T) {
	factory := NewKeystoreFactory(testLogger())

	ks, err := factory.CreateMultiKeystore([]string{"memory://"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryKeystore{}, ks)

	ks, err = factory.CreateMultiKeystore([]string{"memory://", "bogus://x", "file://" + t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &MultiKeystore{}, ks)

	_, err = factory.CreateMultiKeystore([]string{"bogus://x"})
	assert.Error(t, err)
}
