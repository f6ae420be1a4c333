// Package storage provides keystore backends for device-local key material
// and the key manager that names and validates the keys kept there.
//
// Backends are selected by URI scheme:
//
//   - memory:// - process memory, for tests and ephemeral sessions
//   - file:///path - one file per key, mode 0600
//   - badger:///path or badger://memory - embedded Badger database
//   - vault://host:port/mount/prefix?token=...&tls=false - HashiCorp Vault KV v2
//   - s3://[ACCESS:SECRET@]bucket/prefix?region=...&endpoint=... - S3 or compatible
//
// A MultiKeystore writes to every backend and reads from the first that has
// the key, so a device can mirror its keys into a second store.
package storage
