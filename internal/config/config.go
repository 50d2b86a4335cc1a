package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for dup.
type Config struct {
	// Job names the backup job. It names the local database file.
	Job         string           `toml:"job"`
	HostID      string           `toml:"host_id"`
	BaseDir     string           `toml:"base_dir"`
	LogDir      string           `toml:"log_dir"`
	MetricsFile string           `toml:"metrics_file,omitempty"`
	Backends    []BackendConfig  `toml:"backends"`
	Encryption  EncryptionConfig `toml:"encryption"`
	Database    DatabaseConfig   `toml:"database"`
	Staging     StagingConfig    `toml:"staging"`
	Filesystem  FilesystemConfig `toml:"filesystem"`
	Backup      BackupConfig     `toml:"backup"`
}

// EncryptionConfig selects the module applied to whole volumes.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age", "test" or "none"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// FilesystemConfig holds settings for walking the source.
type FilesystemConfig struct {
	Ignore   []string `toml:"ignore"`
	Snapshot string   `toml:"snapshot,omitempty"` // "off" (default), "auto" or "required"
}

// BackendConfig represents configuration for a remote store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackendConfig struct {
	Type string `toml:"type"` // "memory", "filesystem", "s3" or "gcs"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// GCS-specific fields (only used when Type == "gcs")
	GCSBucket          string `toml:"gcs_bucket,omitempty"`
	GCSPrefix          string `toml:"gcs_prefix,omitempty"`
	GCSCredentialsFile string `toml:"gcs_credentials_file,omitempty"`
	GCSProject         string `toml:"gcs_project,omitempty"` // needed to create the bucket

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// DatabaseConfig represents configuration for the local database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig represents configuration for the spool directory volumes
// pass through.
type StagingConfig struct {
	Type       string `toml:"type"`                  // "temp" or "filesystem"
	StagingDir string `toml:"staging_dir,omitempty"` // only used for type=filesystem
	MaxSize    string `toml:"max_size,omitempty"`    // e.g. "200MiB"
}

// MaxSizeBytes parses MaxSize. An empty value yields 0.
func (c StagingConfig) MaxSizeBytes() (int64, error) {
	return ParseSize(c.MaxSize)
}

// BackupConfig holds the backup settings. Sizes accept human units such as
// "100KiB" or "50MB"; durations use Go syntax ("720h"). Zero values mean the
// built-in default.
type BackupConfig struct {
	Prefix              string   `toml:"prefix,omitempty"`
	Blocksize           string   `toml:"blocksize,omitempty"`
	BlockHash           string   `toml:"block_hash,omitempty"`
	FileHash            string   `toml:"file_hash,omitempty"`
	VolumeSize          string   `toml:"volume_size,omitempty"`
	Compression         string   `toml:"compression,omitempty"`
	AutoCleanup         bool     `toml:"auto_cleanup"`
	AutoCreateFolder    bool     `toml:"auto_create_folder"`
	UploadUnchanged     bool     `toml:"upload_unchanged"`
	SkipFilesLargerThan string   `toml:"skip_files_larger_than,omitempty"`
	ControlFiles        []string `toml:"control_files,omitempty"`

	Threshold         int    `toml:"threshold,omitempty"`
	SmallFileSize     string `toml:"small_file_size,omitempty"`
	SmallFileMaxCount int    `toml:"small_file_max_count,omitempty"`
	NoAutoCompact     bool   `toml:"no_auto_compact"`
	KeepVersions      int    `toml:"keep_versions,omitempty"`
	KeepTime          string `toml:"keep_time,omitempty"`
	AllowFullRemoval  bool   `toml:"allow_full_removal"`
	KeepShadows       *int   `toml:"keep_shadows,omitempty"`

	UploadLimit   int    `toml:"upload_limit,omitempty"`
	DownloadLimit int    `toml:"download_limit,omitempty"`
	Retries       *int   `toml:"retries,omitempty"`
	RetryDelay    string `toml:"retry_delay,omitempty"`
}

// ParseSize parses a human readable size. An empty string yields 0.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

// ParseDuration parses a Go duration. An empty string yields 0.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(job, hostID, baseDir string) *Config {
	return &Config{
		Job:     job,
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "dup.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "dup.key"),
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Staging:  StagingConfig{Type: "temp"},
		Backends: []BackendConfig{
			{Type: "filesystem", Name: "local", FSRoot: filepath.Join(baseDir, "remote")},
		},
		Backup: BackupConfig{AutoCleanup: true, AutoCreateFolder: true},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes a new config file. It refuses to overwrite an existing one.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
