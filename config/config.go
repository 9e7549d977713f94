// Package config loads the YAML configuration for cmd/btokdemo. None of
// the core packages (apdu, cvc, sm, bauth, session) read configuration
// or touch the filesystem — this is purely an outer-layer concern for
// the demonstration CLI, following the same decode-then-validate shape
// as the teacher's per-tool config packages.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root of btokdemo's config.yaml.
type Config struct {
	Level   int           `yaml:"level"`
	Auth    AuthConfig    `yaml:"auth"`
	Peer    PeerConfig    `yaml:"peer"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

// AuthConfig configures the BAUTH handshake.
type AuthConfig struct {
	Kca *bool `yaml:"kca"`
	Kcb *bool `yaml:"kcb"`
}

// PeerConfig names the key/certificate material btokdemo loads before
// running the handshake. Keys are hex-encoded, one line per file, the
// same on-disk convention pkg/ntag424's LoadKeyHexFile uses.
type PeerConfig struct {
	OwnKeyHexFile string `yaml:"own_key_hex_file"`
	OwnCertFile   string `yaml:"own_cert_file"`
	PeerCertFile  string `yaml:"peer_cert_file"`
	RootCertFile  string `yaml:"root_cert_file"`
}

// RuntimeConfig controls the demo's top-level behavior.
type RuntimeConfig struct {
	Role *string `yaml:"role"`
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Level {
	case 128, 192, 256:
	default:
		return fmt.Errorf("config.level must be one of 128, 192, 256, got %d", c.Level)
	}
	if c.Auth.Kca == nil {
		return fmt.Errorf("config.auth.kca is required")
	}
	if c.Auth.Kcb == nil {
		return fmt.Errorf("config.auth.kcb is required")
	}
	if c.Runtime.Role == nil {
		return fmt.Errorf("config.runtime.role is required")
	}
	if *c.Runtime.Role != "T" && *c.Runtime.Role != "CT" {
		return fmt.Errorf("config.runtime.role must be \"T\" or \"CT\", got %q", *c.Runtime.Role)
	}
	if strings.TrimSpace(c.Peer.OwnKeyHexFile) == "" {
		return fmt.Errorf("config.peer.own_key_hex_file is required")
	}
	if err := validateReadableFile(c.Peer.OwnKeyHexFile, "config.peer.own_key_hex_file"); err != nil {
		return err
	}
	if strings.TrimSpace(c.Peer.OwnCertFile) == "" {
		return fmt.Errorf("config.peer.own_cert_file is required")
	}
	if err := validateReadableFile(c.Peer.OwnCertFile, "config.peer.own_cert_file"); err != nil {
		return err
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	dir := filepath.Dir(configPath)
	c.Peer.OwnKeyHexFile = resolvePath(dir, c.Peer.OwnKeyHexFile)
	c.Peer.OwnCertFile = resolvePath(dir, c.Peer.OwnCertFile)
	c.Peer.PeerCertFile = resolvePath(dir, c.Peer.PeerCertFile)
	c.Peer.RootCertFile = resolvePath(dir, c.Peer.RootCertFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
