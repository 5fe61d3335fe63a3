package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forlifetrading/filevault/internal/backup"
	"github.com/forlifetrading/filevault/internal/blob"
	"github.com/forlifetrading/filevault/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":9090"
base_url: "https://files.example.com/"
data_dir: "/var/lib/filevault"
owner: "u1"
storage:
  backend: s3
  io_timeout: "10s"
  s3:
    bucket: vault
    endpoint: "http://minio:9000"
    use_path_style: true
  limits:
    profile:
      max_size: 2MB
versions:
  max_versions: 5
  compression: false
shares:
  admin_users: [support, ops]
backup:
  schedules:
    daily: {enabled: true, retention: 3}
cdn:
  providers:
    - key: local
      name: Local
      base_url: "https://cdn.example.com"
      enabled: true
`
	cfg, err := Load(testutil.TempFile(t, dir, "filevault.yaml", content))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "https://files.example.com", cfg.BaseURL)
	assert.Equal(t, "/var/lib/filevault", cfg.DataDir)
	assert.Equal(t, BackendS3, cfg.Storage.Backend)
	assert.Equal(t, 10*time.Second, Duration(cfg.Storage.IOTimeout))
	assert.True(t, cfg.Storage.S3.UsePathStyle)
	assert.Equal(t, 5, cfg.Versions.MaxVersions)
	assert.False(t, cfg.Versions.Compression)
	assert.Equal(t, []string{"support", "ops"}, cfg.Shares.AdminUsers)
	assert.Equal(t, backup.Schedule{Enabled: true, Retention: 3}, cfg.BackupSchedules()[backup.TypeDaily])
	require.Len(t, cfg.CDN.Providers, 1)
	assert.Equal(t, "https://cdn.example.com", cfg.CDN.Providers[0].BaseURL)

	policies := cfg.Policies()
	assert.Equal(t, int64(2<<20), policies[blob.CategoryProfile].MaxSize)
	assert.Contains(t, policies[blob.CategoryProfile].AllowedTypes, "image/webp", "allow-list kept")
	assert.Equal(t, int64(10<<20), policies[blob.CategoryKYC].MaxSize)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, BackendDisk, cfg.Storage.Backend)
	assert.Equal(t, 10, cfg.Versions.MaxVersions)
	assert.True(t, cfg.Versions.Compression)
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, 7*24*time.Hour, Duration(cfg.Shares.DefaultExpiry))
	assert.Equal(t, []string{"admin"}, cfg.Shares.AdminUsers)
	assert.Equal(t, backup.Schedule{Enabled: true, Retention: 12}, cfg.BackupSchedules()[backup.TypeMonthly])
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, "info", cfg.LogLevel)

	home, err := os.UserHomeDir()
	if err == nil {
		assert.Equal(t, filepath.Join(home, ".filevault"), cfg.DataDir)
	}

	err = cfg.Validate()
	assert.ErrorContains(t, err, "owner is required")
}

func TestLoad_EnvOverrides(t *testing.T) {
	testutil.Setenv(t, map[string]string{
		"FILEVAULT_OWNER":                "u7",
		"FILEVAULT_STORAGE_BACKEND":      "memory",
		"FILEVAULT_S3_SECRET_ACCESS_KEY": "s3cr3t",
		"FILEVAULT_SHARE_TOKEN_SECRET":   "jwt-secret",
		"FILEVAULT_ALLOWED_ORIGINS":      "https://a.example,https://b.example",
		"FILEVAULT_LOKI_URL":             "http://loki:3100",
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "u7", cfg.Owner)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "s3cr3t", cfg.Storage.S3.SecretAccessKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "http://loki:3100", cfg.Loki.URL)

	secret, err := cfg.ShareSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("jwt-secret"), secret)
}

func TestLoadEnvFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	require.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
	require.NoError(t, LoadEnvFile(""))

	// Register cleanup for the variable before the file sets it.
	t.Setenv("FILEVAULT_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("FILEVAULT_LOG_LEVEL"))
	path := testutil.TempFile(t, dir, ".env", "FILEVAULT_LOG_LEVEL=debug\n")
	require.NoError(t, LoadEnvFile(path))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/filevault.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := Load(testutil.TempFile(t, dir, "bad.yaml", "listen: [invalid yaml\n"))
	assert.Error(t, err)
}

func TestLoad_InvalidSize(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
storage:
  limits:
    profile:
      max_size: "lots"
`
	_, err := Load(testutil.TempFile(t, dir, "bad.yaml", content))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Owner = "u1"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }, "unknown storage backend"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = BackendS3 }, "bucket is required"},
		{"bad base url", func(c *Config) { c.BaseURL = "files" }, "base_url"},
		{"bad duration", func(c *Config) { c.Shares.TokenTTL = "soon" }, "invalid shares.token_ttl"},
		{"zero duration", func(c *Config) { c.Backup.CheckInterval = "0s" }, "must be positive"},
		{"negative retention", func(c *Config) {
			c.Backup.Schedules["daily"] = backup.Schedule{Enabled: true, Retention: -1}
		}, "retention must not be negative"},
		{"unknown schedule", func(c *Config) { c.Backup.Schedules["hourly"] = backup.Schedule{} }, "unknown backup schedule"},
		{"unknown limit category", func(c *Config) {
			c.Storage.Limits = map[string]PolicyConfig{"avatars": {}}
		}, "unknown category"},
		{"negative limit", func(c *Config) {
			c.Storage.Limits = map[string]PolicyConfig{"kyc": {MaxSize: -1}}
		}, "must not be negative"},
		{"zero max versions", func(c *Config) { c.Versions.MaxVersions = 0 }, "max_versions"},
		{"negative rate", func(c *Config) { c.Shares.RateLimit = -1 }, "rate_limit"},
		{"relative loki url", func(c *Config) { c.Loki.URL = "loki:3100" }, "loki.url"},
		{"bad loki interval", func(c *Config) { c.Loki.FlushInterval = "often" }, "invalid loki.flush_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestEnsureSecret(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "nested", "share.key")

	first, err := EnsureSecret(path)
	require.NoError(t, err)
	assert.Len(t, first, SecretSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := EnsureSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "existing secret reused")

	require.NoError(t, os.WriteFile(path, []byte("not base64!"), 0600))
	_, err = EnsureSecret(path)
	assert.Error(t, err)
}

func TestShareSecret_GeneratedUnderDataDir(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg := Default()
	cfg.DataDir = dir
	secret, err := cfg.ShareSecret()
	require.NoError(t, err)
	assert.Len(t, secret, SecretSize)
	assert.FileExists(t, filepath.Join(dir, "share.key"))
}
