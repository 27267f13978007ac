// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// ConfigVersion is written into saved files.
	ConfigVersion = "1"

	// MinPBKDF2Iterations is the lowest accepted subkey iteration count.
	MinPBKDF2Iterations = 10000

	// MaxBatchSize bounds upload.batch_size.
	MaxBatchSize = 1000

	redacted = "[REDACTED]"
)

// Keystore backends.
const (
	KeystoreFile   = "file"
	KeystoreVault  = "vault"
	KeystoreMemory = "memory"
)

// Upload transports.
const (
	TransportHTTP = "http"
	TransportS3   = "s3"
	TransportNone = "none"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the audit subsystem configuration.
type Config struct {
	Version   string          `toml:"version" json:"version"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Keystore  KeystoreConfig  `toml:"keystore" json:"keystore"`
	Upload    UploadConfig    `toml:"upload" json:"upload"`
	S3        S3Config        `toml:"s3" json:"s3"`
	Retention RetentionConfig `toml:"retention" json:"retention"`
	Crypto    CryptoConfig    `toml:"crypto" json:"crypto"`
	Device    DeviceConfig    `toml:"device" json:"device"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
}

// StorageConfig locates the entry directory.
type StorageConfig struct {
	// Dir holds one file per pending entry.
	Dir string `toml:"dir" json:"dir"`
	// Watch re-verifies the chain when an entry file is modified in place.
	Watch bool `toml:"watch" json:"watch"`
	// VerifyOnStartup runs a verification pass when the logger opens.
	VerifyOnStartup bool `toml:"verify_on_startup" json:"verify_on_startup"`
}

// KeystoreConfig selects the secure store holding keys, chain head and
// device id.
type KeystoreConfig struct {
	Backend string `toml:"backend" json:"backend"`
	// Path is the file backend record.
	Path             string `toml:"path" json:"path"`
	VaultAddress     string `toml:"vault_address" json:"vault_address"`
	VaultToken       string `toml:"vault_token" json:"vault_token"`
	VaultMount       string `toml:"vault_mount" json:"vault_mount"`
	VaultPath        string `toml:"vault_path" json:"vault_path"`
	VaultTimeoutSecs int    `toml:"vault_timeout_secs" json:"vault_timeout_secs"`
}

// UploadConfig configures delivery to the ingestion endpoint.
type UploadConfig struct {
	Transport   string `toml:"transport" json:"transport"`
	Endpoint    string `toml:"endpoint" json:"endpoint"`
	Token       string `toml:"token" json:"token"`
	BatchSize   int    `toml:"batch_size" json:"batch_size"`
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"`
	// Immediate delivers CRITICAL and PHI_ACCESS entries as they are written.
	Immediate       bool    `toml:"immediate" json:"immediate"`
	ImmediatePerSec float64 `toml:"immediate_per_sec" json:"immediate_per_sec"`
}

// S3Config is used when upload.transport = "s3".
type S3Config struct {
	Bucket          string `toml:"bucket" json:"bucket"`
	Prefix          string `toml:"prefix" json:"prefix"`
	Region          string `toml:"region" json:"region"`
	Endpoint        string `toml:"endpoint" json:"endpoint"`
	AccessKeyID     string `toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key" json:"secret_access_key"`
}

// RetentionConfig controls the periodic upload-then-prune cycle.
type RetentionConfig struct {
	Days         int `toml:"days" json:"days"`
	IntervalMins int `toml:"interval_mins" json:"interval_mins"`
	// DropUndelivered prunes expired entries even if never delivered.
	DropUndelivered bool `toml:"drop_undelivered" json:"drop_undelivered"`
}

// CryptoConfig tunes field-level encryption.
type CryptoConfig struct {
	PBKDF2Iterations int `toml:"pbkdf2_iterations" json:"pbkdf2_iterations"`
}

// DeviceConfig identifies this installation in entries and batches.
type DeviceConfig struct {
	// DeviceID overrides the id provisioned in the secure store.
	DeviceID   string `toml:"device_id" json:"device_id"`
	AppVersion string `toml:"app_version" json:"app_version"`
	UserAgent  string `toml:"user_agent" json:"user_agent"`
}

// LoggingConfig configures operational logs.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration rooted at ~/.benefitmetrics.
func Default() *Config {
	dir, err := ConfigDir()
	if err != nil {
		dir = ".benefitmetrics"
	}
	return &Config{
		Version: ConfigVersion,
		Storage: StorageConfig{
			Dir:             filepath.Join(dir, "audit-logs"),
			Watch:           true,
			VerifyOnStartup: true,
		},
		Keystore: KeystoreConfig{
			Backend:          KeystoreFile,
			Path:             filepath.Join(dir, "keystore.json"),
			VaultMount:       "secret",
			VaultPath:        "benefitmetrics/audit",
			VaultTimeoutSecs: 5,
		},
		Upload: UploadConfig{
			Transport:       TransportHTTP,
			BatchSize:       50,
			TimeoutSecs:     10,
			Immediate:       true,
			ImmediatePerSec: 5,
		},
		S3: S3Config{
			Prefix: "audit-logs",
			Region: "us-east-1",
		},
		Retention: RetentionConfig{
			Days:            7,
			IntervalMins:    15,
			DropUndelivered: true,
		},
		Crypto: CryptoConfig{
			PBKDF2Iterations: 100000,
		},
		Device: DeviceConfig{
			AppVersion: "1.0.0",
			UserAgent:  "benefitmetrics-audit/1.0.0",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns ~/.benefitmetrics.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".benefitmetrics"), nil
}

// ConfigPath returns the default config file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600. It holds tokens.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the default config file if present, then applies environment
// overrides and validates. A missing file yields defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath reads a TOML file over the defaults, applies environment
// overrides and validates.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes path into cfg. Keys absent from the file keep the values
// already in cfg. Unknown keys are rejected.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return fillDefaults(cfg)
}

// fillDefaults replaces explicitly emptied values with defaults. Booleans are
// taken as written.
func fillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = defaults.Storage.Dir
	}

	if cfg.Keystore.Backend == "" {
		cfg.Keystore.Backend = defaults.Keystore.Backend
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaults.Keystore.Path
	}
	if cfg.Keystore.VaultMount == "" {
		cfg.Keystore.VaultMount = defaults.Keystore.VaultMount
	}
	if cfg.Keystore.VaultPath == "" {
		cfg.Keystore.VaultPath = defaults.Keystore.VaultPath
	}
	if cfg.Keystore.VaultTimeoutSecs == 0 {
		cfg.Keystore.VaultTimeoutSecs = defaults.Keystore.VaultTimeoutSecs
	}

	if cfg.Upload.Transport == "" {
		cfg.Upload.Transport = defaults.Upload.Transport
	}
	if cfg.Upload.BatchSize == 0 {
		cfg.Upload.BatchSize = defaults.Upload.BatchSize
	}
	if cfg.Upload.TimeoutSecs == 0 {
		cfg.Upload.TimeoutSecs = defaults.Upload.TimeoutSecs
	}

	if cfg.S3.Region == "" {
		cfg.S3.Region = defaults.S3.Region
	}

	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = defaults.Retention.Days
	}
	if cfg.Retention.IntervalMins == 0 {
		cfg.Retention.IntervalMins = defaults.Retention.IntervalMins
	}

	if cfg.Crypto.PBKDF2Iterations == 0 {
		cfg.Crypto.PBKDF2Iterations = defaults.Crypto.PBKDF2Iterations
	}

	if cfg.Device.AppVersion == "" {
		cfg.Device.AppVersion = defaults.Device.AppVersion
	}
	if cfg.Device.UserAgent == "" {
		cfg.Device.UserAgent = "benefitmetrics-audit/" + cfg.Device.AppVersion
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# benefitmetrics audit configuration\n")
	buf.WriteString("# Generated by auditctl - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is every invalid setting found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidationErrors, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Storage.Dir) == "" {
		add("storage.dir", "must not be empty")
	}

	switch c.Keystore.Backend {
	case KeystoreFile:
		if c.Keystore.Path == "" {
			add("keystore.path", "required for the file backend")
		}
	case KeystoreVault:
		if c.Keystore.VaultAddress == "" {
			add("keystore.vault_address", "required for the vault backend")
		}
		if c.Keystore.VaultMount == "" || c.Keystore.VaultPath == "" {
			add("keystore.vault_path", "mount and path are required for the vault backend")
		}
	case KeystoreMemory:
	default:
		add("keystore.backend", "invalid backend '%s', must be one of: file, vault, memory", c.Keystore.Backend)
	}
	if c.Keystore.VaultTimeoutSecs < 0 {
		add("keystore.vault_timeout_secs", "must not be negative")
	}

	switch c.Upload.Transport {
	case TransportHTTP:
		if c.Upload.Endpoint != "" && !strings.HasPrefix(c.Upload.Endpoint, "https://") && !strings.HasPrefix(c.Upload.Endpoint, "http://") {
			add("upload.endpoint", "must be an http(s) URL")
		}
	case TransportS3:
		if c.S3.Bucket == "" {
			add("s3.bucket", "required for the s3 transport")
		}
	case TransportNone:
	default:
		add("upload.transport", "invalid transport '%s', must be one of: http, s3, none", c.Upload.Transport)
	}
	if c.Upload.BatchSize < 1 || c.Upload.BatchSize > MaxBatchSize {
		add("upload.batch_size", "must be between 1 and %d", MaxBatchSize)
	}
	if c.Upload.TimeoutSecs < 1 {
		add("upload.timeout_secs", "must be at least 1")
	}
	if c.Upload.ImmediatePerSec < 0 {
		add("upload.immediate_per_sec", "must not be negative")
	}

	if c.Retention.Days < 1 {
		add("retention.days", "must be at least 1")
	}
	if c.Retention.IntervalMins < 1 {
		add("retention.interval_mins", "must be at least 1")
	}

	if c.Crypto.PBKDF2Iterations < MinPBKDF2Iterations {
		add("crypto.pbkdf2_iterations", "must be at least %d", MinPBKDF2Iterations)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format", "invalid format '%s', must be one of: text, json", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies BMAUDIT_* variables:
//   - BMAUDIT_STORAGE_DIR: storage.dir
//   - BMAUDIT_KEYSTORE_BACKEND, BMAUDIT_KEYSTORE_PATH
//   - BMAUDIT_VAULT_ADDR, BMAUDIT_VAULT_TOKEN
//   - BMAUDIT_UPLOAD_TRANSPORT, BMAUDIT_UPLOAD_ENDPOINT, BMAUDIT_UPLOAD_TOKEN
//   - BMAUDIT_S3_ACCESS_KEY_ID, BMAUDIT_S3_SECRET_ACCESS_KEY
//   - BMAUDIT_RETENTION_DAYS
//   - BMAUDIT_DEVICE_ID
//   - BMAUDIT_LOG_LEVEL
func (c *Config) ApplyEnvOverrides() {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setString("BMAUDIT_STORAGE_DIR", &c.Storage.Dir)
	setString("BMAUDIT_KEYSTORE_BACKEND", &c.Keystore.Backend)
	setString("BMAUDIT_KEYSTORE_PATH", &c.Keystore.Path)
	setString("BMAUDIT_VAULT_ADDR", &c.Keystore.VaultAddress)
	setString("BMAUDIT_VAULT_TOKEN", &c.Keystore.VaultToken)
	setString("BMAUDIT_UPLOAD_TRANSPORT", &c.Upload.Transport)
	setString("BMAUDIT_UPLOAD_ENDPOINT", &c.Upload.Endpoint)
	setString("BMAUDIT_UPLOAD_TOKEN", &c.Upload.Token)
	setString("BMAUDIT_S3_ACCESS_KEY_ID", &c.S3.AccessKeyID)
	setString("BMAUDIT_S3_SECRET_ACCESS_KEY", &c.S3.SecretAccessKey)
	setString("BMAUDIT_DEVICE_ID", &c.Device.DeviceID)
	setString("BMAUDIT_LOG_LEVEL", &c.Logging.Level)

	if days := os.Getenv("BMAUDIT_RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil {
			c.Retention.Days = n
		}
	}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// RetentionWindow returns retention.days as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}

// RetentionInterval returns retention.interval_mins as a duration.
func (c *Config) RetentionInterval() time.Duration {
	return time.Duration(c.Retention.IntervalMins) * time.Minute
}

// UploadTimeout returns upload.timeout_secs as a duration.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Upload.TimeoutSecs) * time.Second
}

// VaultTimeout returns keystore.vault_timeout_secs as a duration.
func (c *Config) VaultTimeout() time.Duration {
	return time.Duration(c.Keystore.VaultTimeoutSecs) * time.Second
}

// =============================================================================
// COPY AND DISPLAY
// =============================================================================

// Clone returns a copy. Config holds no maps or slices, so a value copy is
// deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String renders the config as JSON with credentials redacted.
func (c *Config) String() string {
	safe := c.Clone()
	for _, s := range []*string{
		&safe.Keystore.VaultToken,
		&safe.Upload.Token,
		&safe.S3.AccessKeyID,
		&safe.S3.SecretAccessKey,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
