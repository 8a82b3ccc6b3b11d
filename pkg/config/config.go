// Package config loads the hyperdrive daemon configuration from a YAML file.
//
// Values missing from the file keep the defaults from Default. Derived
// paths (the file store directory, the SQLite database) default to
// locations under DataDir.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mdheller/hyperdrive/pkg/blockstore"
	"github.com/mdheller/hyperdrive/pkg/content"
	"github.com/mdheller/hyperdrive/pkg/crypto"
	"github.com/mdheller/hyperdrive/pkg/validation"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendAFS      = "afs"
)

var backends = []string{BackendMemory, BackendFile, BackendSQLite, BackendPostgres, BackendS3, BackendAFS}

// Config is the daemon configuration.
type Config struct {
	// DataDir holds the key file and local block stores.
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Drive       DriveConfig       `yaml:"drive"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// DriveConfig selects the drive and its tuning.
type DriveConfig struct {
	// Key is the hex public key of a drive to replicate. Empty with no key
	// file means a new writable drive.
	Key string `yaml:"key"`
	// KeyFile holds the drive keypair. It is created on first start of a
	// new drive.
	KeyFile string `yaml:"key_file"`
	// Hash names the hash provider: blake2b (default) or blake3.
	Hash string `yaml:"hash" validate:"omitempty,oneof=blake2b blake3"`

	ChunkSize         int  `yaml:"chunk_size" validate:"pow2"`
	MetadataCacheSize int  `yaml:"metadata_cache_size" validate:"gte=0"`
	ContentCacheSize  int  `yaml:"content_cache_size" validate:"gte=0"`
	TreeCacheSize     int  `yaml:"tree_cache_size" validate:"gte=0"`
	Sparse            bool `yaml:"sparse"`
}

// StorageConfig selects where feed blocks live.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Path is the directory of the file store or the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
	// URL is the base URL of the afs store, any scheme afs understands.
	URL string `yaml:"url"`
	// Compression applies to the file store: none, snappy, zstd or lz4.
	Compression string `yaml:"compression" validate:"omitempty,oneof=none snappy zstd lz4"`
	SyncWrites  bool   `yaml:"sync_writes"`

	S3 S3Config `yaml:"s3"`
}

// S3Config is used when storage.backend is "s3". An empty Endpoint means
// AWS; set it with UsePathStyle for MinIO and similar servers.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// ReplicationConfig sets up the NNG replication endpoints.
type ReplicationConfig struct {
	// Listen is an NNG URL such as tcp://0.0.0.0:7070. Empty disables
	// listening.
	Listen string `yaml:"listen"`
	// Peers are NNG URLs dialed at startup.
	Peers        []string      `yaml:"peers"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" validate:"gte=0"`
}

// MetricsConfig sets up the HTTP endpoint for metrics and health checks.
type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns the configuration used for any value the file omits.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Drive: DriveConfig{
			ChunkSize:         content.DefaultChunkSize,
			MetadataCacheSize: 1024,
			ContentCacheSize:  1024,
			TreeCacheSize:     64,
		},
		Storage: StorageConfig{
			Backend:     BackendFile,
			Compression: "snappy",
		},
		Replication: ReplicationConfig{
			FetchTimeout: 30 * time.Second,
		},
	}
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.DataDir = validation.DefaultOr(c.DataDir, "./data")
	c.LogLevel = validation.DefaultOr(c.LogLevel, "info")
	c.Storage.Backend = validation.DefaultOr(c.Storage.Backend, BackendFile)
	c.Drive.ChunkSize = validation.DefaultOr(c.Drive.ChunkSize, content.DefaultChunkSize)
	switch c.Storage.Backend {
	case BackendFile:
		c.Storage.Path = validation.DefaultOr(c.Storage.Path, filepath.Join(c.DataDir, "blocks"))
	case BackendSQLite:
		c.Storage.Path = validation.DefaultOr(c.Storage.Path, filepath.Join(c.DataDir, "blocks.db"))
	}
	if c.Drive.Key == "" {
		c.Drive.KeyFile = validation.DefaultOr(c.Drive.KeyFile, filepath.Join(c.DataDir, "drive.key"))
	}
}

// Validate checks field ranges and the settings each backend requires.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	s := c.Storage
	return validation.NewConfigValidator("Config").
		OneOf("Storage.Backend", s.Backend, backends).
		When(s.Backend == BackendFile || s.Backend == BackendSQLite, func(cv *validation.ConfigValidator) {
			cv.Required("Storage.Path", s.Path)
		}).
		When(s.Backend == BackendPostgres, func(cv *validation.ConfigValidator) {
			cv.Required("Storage.DSN", s.DSN)
		}).
		When(s.Backend == BackendAFS, func(cv *validation.ConfigValidator) {
			cv.Required("Storage.URL", s.URL)
		}).
		When(s.Backend == BackendS3, func(cv *validation.ConfigValidator) {
			cv.Required("Storage.S3.Bucket", s.S3.Bucket)
		}).
		Custom("Storage.Compression", func() error {
			_, err := blockstore.ParseCompression(s.Compression)
			return err
		}).
		When(c.Drive.Key != "", func(cv *validation.ConfigValidator) {
			cv.Custom("Drive.Key", func() error {
				_, err := crypto.ParsePublicKey(c.Drive.Key)
				return err
			})
		}).
		Custom("Drive.Hash", func() error {
			_, err := crypto.ProviderByName(c.Drive.Hash)
			return err
		}).
		Validate()
}
