package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SecretSize is the length in bytes of generated signing secrets.
const SecretSize = 32

// GenerateSecret creates a random signing secret and saves it base64-encoded
// at path with owner-only permissions.
func GenerateSecret(path string) ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create secret directory: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(secret) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}

// LoadSecret reads a secret written by GenerateSecret.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("secret at %s is too short", path)
	}
	return secret, nil
}

// EnsureSecret loads the secret at path or generates one if it does not exist.
func EnsureSecret(path string) ([]byte, error) {
	secret, err := LoadSecret(path)
	if err == nil {
		return secret, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return GenerateSecret(path)
	}
	return nil, err
}

// ShareSecret returns the configured share token secret, falling back to a
// generated one under data_dir.
func (c *Config) ShareSecret() ([]byte, error) {
	if c.Shares.TokenSecret != "" {
		return []byte(c.Shares.TokenSecret), nil
	}
	return EnsureSecret(c.SecretPath())
}
