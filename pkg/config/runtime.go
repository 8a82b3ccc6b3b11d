package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mdheller/hyperdrive/pkg/blockstore"
	"github.com/mdheller/hyperdrive/pkg/crypto"
	"github.com/mdheller/hyperdrive/pkg/drive"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/metrics"
)

// KeyPair is the on-disk form of a drive keypair.
type KeyPair struct {
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
}

// ReadKeyFile loads and checks a keypair written by WriteKeyFile.
func ReadKeyFile(path string) (crypto.PublicKey, crypto.SecretKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var kp KeyPair
	if err := yaml.Unmarshal(data, &kp); err != nil {
		return nil, nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	key, err := crypto.ParsePublicKey(kp.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("key file %s: %w", path, err)
	}
	raw, err := hex.DecodeString(kp.SecretKey)
	if err != nil {
		return nil, nil, fmt.Errorf("key file %s: %w: %v", path, crypto.ErrInvalidSecretKey, err)
	}
	secret := crypto.SecretKey(raw)
	if err := crypto.MatchKeyPair(key, secret); err != nil {
		return nil, nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return key, secret, nil
}

// WriteKeyFile stores a keypair readable only by the owner.
func WriteKeyFile(path string, key crypto.PublicKey, secret crypto.SecretKey) error {
	data, err := yaml.Marshal(KeyPair{
		PublicKey: hex.EncodeToString(key),
		SecretKey: hex.EncodeToString(secret),
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// DriveOptions builds drive options from the configuration. A configured
// key file that exists supplies the keypair; one that does not is left for
// SaveNewKey once the drive has generated its keys.
func (c *Config) DriveOptions(store blockstore.Store, logger logging.Logger, reg *metrics.Registry) (drive.Options, error) {
	provider, err := crypto.ProviderByName(c.Drive.Hash)
	if err != nil {
		return drive.Options{}, err
	}
	opts := drive.Options{
		Store:             store,
		CloseStore:        true,
		Crypto:            provider,
		ChunkSize:         c.Drive.ChunkSize,
		MetadataCacheSize: c.Drive.MetadataCacheSize,
		ContentCacheSize:  c.Drive.ContentCacheSize,
		TreeCacheSize:     c.Drive.TreeCacheSize,
		Sparse:            c.Drive.Sparse,
		FetchTimeout:      c.Replication.FetchTimeout,
		Logger:            logger,
		Metrics:           reg,
	}

	if c.Drive.Key != "" {
		if opts.Key, err = crypto.ParsePublicKey(c.Drive.Key); err != nil {
			return drive.Options{}, err
		}
	}
	if c.Drive.KeyFile == "" {
		return opts, nil
	}
	key, secret, err := ReadKeyFile(c.Drive.KeyFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if opts.Key != nil {
			return drive.Options{}, fmt.Errorf("key file %s: %w", c.Drive.KeyFile, err)
		}
		return opts, nil
	case err != nil:
		return drive.Options{}, err
	}
	if opts.Key != nil && !opts.Key.Equal(key) {
		return drive.Options{}, fmt.Errorf("key file %s holds %s, not the configured key %s", c.Drive.KeyFile, key, opts.Key)
	}
	opts.Key, opts.SecretKey = key, secret
	return opts, nil
}

// SaveNewKey writes the keypair of a freshly created drive to the key file,
// unless one is already there.
func (c *Config) SaveNewKey(key crypto.PublicKey, secret crypto.SecretKey) error {
	if c.Drive.KeyFile == "" || secret == nil {
		return nil
	}
	if _, err := os.Stat(c.Drive.KeyFile); err == nil {
		return nil
	}
	return WriteKeyFile(c.Drive.KeyFile, key, secret)
}

// OpenStore opens the configured block store backend.
func (c *Config) OpenStore(ctx context.Context, logger logging.Logger) (blockstore.Store, error) {
	s := c.Storage
	switch s.Backend {
	case BackendMemory:
		return blockstore.NewMemoryStore(), nil
	case BackendFile:
		compression, err := blockstore.ParseCompression(s.Compression)
		if err != nil {
			return nil, err
		}
		return blockstore.NewFileStore(s.Path, blockstore.FileOptions{
			Compression: compression,
			SyncWrites:  s.SyncWrites,
			Logger:      logger,
		})
	case BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
			return nil, err
		}
		return blockstore.NewSQLiteStore(ctx, s.Path)
	case BackendPostgres:
		return blockstore.NewPostgresStore(ctx, s.DSN)
	case BackendS3:
		return blockstore.NewS3Store(ctx, blockstore.S3Options{
			Bucket:          s.S3.Bucket,
			Prefix:          s.S3.Prefix,
			Region:          s.S3.Region,
			Endpoint:        s.S3.Endpoint,
			AccessKeyID:     s.S3.AccessKeyID,
			SecretAccessKey: s.S3.SecretAccessKey,
			UsePathStyle:    s.S3.UsePathStyle,
		})
	case BackendAFS:
		return blockstore.NewAFSStore(s.URL), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}

// NewLogger returns a JSON logger at the configured level.
func (c *Config) NewLogger() logging.Logger {
	return logging.NewJSONLogger(os.Stderr, logging.ParseLevel(c.LogLevel))
}
