// Package config loads the on-disk session configuration: the vault
// directory, recovery window duration, active-device cap, Argon2id
// cost parameters, and the protocol-version floor a build enforces. It
// is loaded the way the teacher's examples/config loads build
// configuration, generalized to YAML via gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aeternum/vault-kernel/pkg/aeternum/pqrr"
	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

// Config is the full session configuration, loaded once at startup.
type Config struct {
	VaultDir           string                  `yaml:"vault_dir"`
	MetadataPath       string                  `yaml:"metadata_path"`
	RecoveryWindow     time.Duration           `yaml:"recovery_window"`
	MaxActiveDevices   int                     `yaml:"max_active_devices"`
	MinProtocolVersion uint16                  `yaml:"min_protocol_version"`
	Argon2id           primitives.Argon2idParams `yaml:"argon2id"`
}

// Default returns the built-in defaults: a 48-hour recovery window
// (spec §3), a 16-device active cap, protocol version 1 as the floor,
// and OWASP-2024 Argon2id parameters.
func Default() Config {
	return Config{
		VaultDir:           "./vault",
		MetadataPath:       "./vault/metadata.json",
		RecoveryWindow:     pqrr.DefaultRecoveryWindowDuration,
		MaxActiveDevices:   16,
		MinProtocolVersion: 1,
		Argon2id:           primitives.DefaultArgon2idParams(),
	}
}

// Load reads and parses a YAML config file, filling any field the file
// omits from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configuration that would silently violate a spec
// invariant or Argon2id's cost floor.
func (c Config) Validate() error {
	if c.VaultDir == "" {
		return fmt.Errorf("config: vault_dir must not be empty")
	}
	if c.RecoveryWindow <= 0 {
		return fmt.Errorf("config: recovery_window must be positive")
	}
	if c.MaxActiveDevices <= 0 {
		return fmt.Errorf("config: max_active_devices must be positive")
	}
	if c.MinProtocolVersion == 0 {
		return fmt.Errorf("config: min_protocol_version must be at least 1")
	}
	if err := c.Argon2id.Validate(); err != nil {
		return fmt.Errorf("config: argon2id: %w", err)
	}
	return nil
}
