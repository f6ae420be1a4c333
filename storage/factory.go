package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/seedguard/interfaces"
)

// KeystoreFactory creates keystores from URI strings and combines them into
// mirrored configurations.
type KeystoreFactory struct {
	log *slog.Logger
}

func NewKeystoreFactory(logger *slog.Logger) *KeystoreFactory {
	return &KeystoreFactory{log: logger}
}

// KeystoreFor creates a keystore from a location URI of the form
// [scheme]://[auth@]host[:port][/path][?params]. See the package
// documentation for supported schemes.
func (sf *KeystoreFactory) KeystoreFor(locationURI string) (interfaces.Keystore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid keystore URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryKeystore(), nil
	case "file":
		return sf.createFileKeystore(u)
	case "badger":
		return sf.createBadgerKeystore(u)
	case "vault":
		return sf.createVaultKeystore(u)
	case "s3":
		return sf.createS3Keystore(u)
	default:
		return nil, fmt.Errorf("unsupported keystore scheme: %s", u.Scheme)
	}
}

// CreateMultiKeystore mirrors keys across every URI that yields a valid
// keystore. It fails only if none does.
func (sf *KeystoreFactory) CreateMultiKeystore(locationURIs []string) (interfaces.Keystore, error) {
	backends := make([]interfaces.Keystore, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.KeystoreFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create keystore",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid keystores created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiKeystore(backends, sf.log), nil
}

// localPath resolves file:///abs, file://./rel and file://~/rel forms.
func localPath(u *url.URL) (string, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return "", fmt.Errorf("empty path in URI: %s", u.String())
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path, nil
}

// URI format: file:///absolute/path or file://~/relative/to/home
func (sf *KeystoreFactory) createFileKeystore(u *url.URL) (interfaces.Keystore, error) {
	sf.log.Debug("Creating file keystore", slog.String("uri", u.String()))
	path, err := localPath(u)
	if err != nil {
		return nil, err
	}
	return NewFileKeystore(path, sf.log)
}

// URI format: badger:///absolute/path or badger://memory
func (sf *KeystoreFactory) createBadgerKeystore(u *url.URL) (interfaces.Keystore, error) {
	sf.log.Debug("Creating badger keystore", slog.String("uri", u.String()))
	if u.Host == "memory" && u.Path == "" {
		return NewBadgerKeystore("", sf.log)
	}
	path, err := localPath(u)
	if err != nil {
		return nil, err
	}
	return NewBadgerKeystore(path, sf.log)
}

// URI format: vault://host:port/mount/path/to/keys?token=...&tls=false
// The token falls back to VAULT_TOKEN when absent.
func (sf *KeystoreFactory) createVaultKeystore(u *url.URL) (interfaces.Keystore, error) {
	sf.log.Debug("Creating vault keystore", slog.String("host", u.Host))

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid Vault URI, expected vault://host/mount/path")
	}

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}
	token := query.Get("token")
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	address := fmt.Sprintf("%s://%s", scheme, u.Host)
	return NewVaultKeystore(address, parts[0], parts[1], token, sf.log)
}

// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *KeystoreFactory) createS3Keystore(u *url.URL) (interfaces.Keystore, error) {
	sf.log.Debug("Creating S3 keystore", slog.String("bucket", u.Host))

	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("missing bucket in S3 URI")
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Keystore(bucketName, prefix, region, endpoint, accessKey, secretKey, sf.log)
}
