// Package config handles configuration loading and validation for filevault.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/forlifetrading/filevault/internal/backup"
	"github.com/forlifetrading/filevault/internal/blob"
	"github.com/forlifetrading/filevault/internal/cdn"
	"github.com/forlifetrading/filevault/pkg/bytesize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FILEVAULT_"

// Storage backends.
const (
	BackendDisk   = "disk"
	BackendMemory = "memory"
	BackendS3     = "s3"
)

// S3Config holds object storage settings for the s3 backend.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PublicURL       string `yaml:"public_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// PolicyConfig overrides the upload limits of one category.
type PolicyConfig struct {
	MaxSize      bytesize.Size `yaml:"max_size"`
	AllowedTypes []string      `yaml:"allowed_types"`
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	Backend   string                  `yaml:"backend"`
	IOTimeout string                  `yaml:"io_timeout"` // Duration string, e.g. "30s"
	S3        S3Config                `yaml:"s3"`
	Limits    map[string]PolicyConfig `yaml:"limits"`
}

// VersionsConfig configures the version store.
type VersionsConfig struct {
	MaxVersions int  `yaml:"max_versions"`
	Compression bool `yaml:"compression"`
}

// SharesConfig configures the share registry and public share endpoints.
type SharesConfig struct {
	DefaultExpiry  string   `yaml:"default_expiry"`
	AdminUsers     []string `yaml:"admin_users"`
	TokenSecret    string   `yaml:"token_secret"` // Generated under data_dir when empty
	TokenTTL       string   `yaml:"token_ttl"`
	RateLimit      float64  `yaml:"rate_limit"` // Requests per second per share
	RateBurst      int      `yaml:"rate_burst"`
	CleanupHorizon string   `yaml:"cleanup_horizon"`
	PresignTTL     string   `yaml:"presign_ttl"`
}

// BackupConfig configures the backup engine.
type BackupConfig struct {
	Enabled          bool                       `yaml:"enabled"`
	CheckInterval    string                     `yaml:"check_interval"`
	IncrementalDelay string                     `yaml:"incremental_delay"`
	Schedules        map[string]backup.Schedule `yaml:"schedules"`
}

// CDNConfig configures URL rewriting.
type CDNConfig struct {
	Providers []cdn.Provider `yaml:"providers"`
	Settings  *cdn.Settings  `yaml:"settings"`
	CacheSize int            `yaml:"cache_size"`
	CacheTTL  string         `yaml:"cache_ttl"`
}

// LokiConfig ships server logs to Grafana Loki when URL is set.
type LokiConfig struct {
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Gzip          bool              `yaml:"gzip"`
	Labels        map[string]string `yaml:"labels"`
}

// DebugConfig enables diagnostics endpoints.
type DebugConfig struct {
	Trace       bool          `yaml:"trace"` // Serve /debug/trace
	TraceBuffer bytesize.Size `yaml:"trace_buffer"`
}

// Config is the complete server configuration.
type Config struct {
	Listen         string         `yaml:"listen"`
	BaseURL        string         `yaml:"base_url"`
	DataDir        string         `yaml:"data_dir"` // Default: ~/.filevault
	Owner          string         `yaml:"owner"`    // User whose files the backup engine protects
	LogLevel       string         `yaml:"log_level"`
	AllowedOrigins []string       `yaml:"allowed_origins"`
	Storage        StorageConfig  `yaml:"storage"`
	Versions       VersionsConfig `yaml:"versions"`
	Shares         SharesConfig   `yaml:"shares"`
	Backup         BackupConfig   `yaml:"backup"`
	CDN            CDNConfig      `yaml:"cdn"`
	Loki           LokiConfig     `yaml:"loki"`
	Debug          DebugConfig    `yaml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Versions: VersionsConfig{Compression: true},
		Backup:   BackupConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadEnvFile loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads configuration from a YAML file, applies defaults and then
// FILEVAULT_* environment overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Versions: VersionsConfig{Compression: true},
		Backup:   BackupConfig{Enabled: true},
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.BaseURL == "" {
		host := c.Listen
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.BaseURL = "http://" + host
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.DataDir == "" {
		c.DataDir = "~/.filevault"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendDisk
	}
	if c.Storage.IOTimeout == "" {
		c.Storage.IOTimeout = "30s"
	}
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = "auto"
	}

	if c.Versions.MaxVersions == 0 {
		c.Versions.MaxVersions = 10
	}

	if c.Shares.DefaultExpiry == "" {
		c.Shares.DefaultExpiry = "168h"
	}
	if len(c.Shares.AdminUsers) == 0 {
		c.Shares.AdminUsers = []string{"admin"}
	}
	if c.Shares.TokenTTL == "" {
		c.Shares.TokenTTL = "5m"
	}
	if c.Shares.RateLimit == 0 {
		c.Shares.RateLimit = 5
	}
	if c.Shares.RateBurst == 0 {
		c.Shares.RateBurst = 10
	}
	if c.Shares.CleanupHorizon == "" {
		c.Shares.CleanupHorizon = "720h"
	}
	if c.Shares.PresignTTL == "" {
		c.Shares.PresignTTL = "15m"
	}

	if c.Backup.CheckInterval == "" {
		c.Backup.CheckInterval = "1h"
	}
	if c.Backup.IncrementalDelay == "" {
		c.Backup.IncrementalDelay = "5m"
	}
	if c.Backup.Schedules == nil {
		c.Backup.Schedules = map[string]backup.Schedule{}
		for t, s := range backup.DefaultSchedules() {
			c.Backup.Schedules[string(t)] = s
		}
	}

	if c.CDN.CacheTTL == "" {
		c.CDN.CacheTTL = "24h"
	}
	if c.CDN.CacheSize == 0 {
		c.CDN.CacheSize = cdn.DefaultCacheSize
	}

	if c.Loki.FlushInterval == "" {
		c.Loki.FlushInterval = "5s"
	}
}

// applyEnv overrides fields from FILEVAULT_* variables. Secrets are usually
// supplied this way rather than in the YAML file.
func (c *Config) applyEnv() {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	str("BASE_URL", &c.BaseURL)
	str("DATA_DIR", &c.DataDir)
	str("OWNER", &c.Owner)
	str("LOG_LEVEL", &c.LogLevel)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("S3_ENDPOINT", &c.Storage.S3.Endpoint)
	str("S3_REGION", &c.Storage.S3.Region)
	str("S3_BUCKET", &c.Storage.S3.Bucket)
	str("S3_ACCESS_KEY_ID", &c.Storage.S3.AccessKeyID)
	str("S3_SECRET_ACCESS_KEY", &c.Storage.S3.SecretAccessKey)
	str("S3_PUBLIC_URL", &c.Storage.S3.PublicURL)
	str("SHARE_TOKEN_SECRET", &c.Shares.TokenSecret)
	str("LOKI_URL", &c.Loki.URL)

	if v := os.Getenv(EnvPrefix + "ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvPrefix + "S3_USE_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Storage.S3.UsePathStyle = b
		}
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL: %q", c.BaseURL)
	}
	if c.Owner == "" {
		return fmt.Errorf("owner is required")
	}

	switch c.Storage.Backend {
	case BackendDisk, BackendMemory:
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	for name, p := range c.Storage.Limits {
		if _, err := blob.ParseCategory(name); err != nil {
			return fmt.Errorf("storage.limits: %w", err)
		}
		if p.MaxSize < 0 {
			return fmt.Errorf("storage.limits.%s.max_size must not be negative", name)
		}
	}

	if c.Versions.MaxVersions < 1 {
		return fmt.Errorf("versions.max_versions must be at least 1")
	}
	if c.Shares.RateLimit < 0 || c.Shares.RateBurst < 0 {
		return fmt.Errorf("shares.rate_limit and shares.rate_burst must not be negative")
	}
	if c.CDN.CacheSize < 0 {
		return fmt.Errorf("cdn.cache_size must not be negative")
	}
	if c.Loki.URL != "" {
		if u, err := url.Parse(c.Loki.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("loki.url must be an absolute URL: %q", c.Loki.URL)
		}
	}
	if c.Debug.TraceBuffer < 0 {
		return fmt.Errorf("debug.trace_buffer must not be negative")
	}
	if c.Loki.BatchSize < 0 {
		return fmt.Errorf("loki.batch_size must not be negative")
	}

	for name, s := range c.Backup.Schedules {
		switch backup.Type(name) {
		case backup.TypeDaily, backup.TypeWeekly, backup.TypeMonthly, backup.TypeManual, backup.TypeIncremental:
		default:
			return fmt.Errorf("unknown backup schedule %q", name)
		}
		if s.Retention < 0 {
			return fmt.Errorf("backup.schedules.%s.retention must not be negative", name)
		}
	}

	durations := map[string]string{
		"storage.io_timeout":       c.Storage.IOTimeout,
		"shares.default_expiry":    c.Shares.DefaultExpiry,
		"shares.token_ttl":         c.Shares.TokenTTL,
		"shares.cleanup_horizon":   c.Shares.CleanupHorizon,
		"shares.presign_ttl":       c.Shares.PresignTTL,
		"backup.check_interval":    c.Backup.CheckInterval,
		"backup.incremental_delay": c.Backup.IncrementalDelay,
		"cdn.cache_ttl":            c.CDN.CacheTTL,
		"loki.flush_interval":      c.Loki.FlushInterval,
	}
	for field, v := range durations {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", field)
		}
	}
	return nil
}

// Duration parses a duration field that Validate has already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Policies merges configured limits over the built-in category policies.
func (c *Config) Policies() map[blob.Category]blob.Policy {
	policies := blob.DefaultPolicies()
	for name, p := range c.Storage.Limits {
		cat := blob.Category(name)
		cur := policies[cat]
		if p.MaxSize > 0 {
			cur.MaxSize = p.MaxSize.Bytes()
		}
		if len(p.AllowedTypes) > 0 {
			cur.AllowedTypes = p.AllowedTypes
		}
		policies[cat] = cur
	}
	return policies
}

// BackupSchedules converts the configured schedules to engine form.
func (c *Config) BackupSchedules() map[backup.Type]backup.Schedule {
	out := make(map[backup.Type]backup.Schedule, len(c.Backup.Schedules))
	for name, s := range c.Backup.Schedules {
		out[backup.Type(name)] = s
	}
	return out
}

// KVDir is where the metadata store keeps its files.
func (c *Config) KVDir() string { return filepath.Join(c.DataDir, "kv") }

// BlobDir is where the disk backend keeps blobs.
func (c *Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }

// SecretPath is where a generated share token secret is stored.
func (c *Config) SecretPath() string { return filepath.Join(c.DataDir, "share.key") }
