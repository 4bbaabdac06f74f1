// Package roleconfig loads and saves the per-role YAML configuration file
// described in §6: a role's network identity plus, for a participant, the
// HD seed it derives per-cohort signing keys from.
package roleconfig

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds everything a coordinatord or participantd binary needs to
// start. Every field is meaningful for both roles except RootHDSeed, which
// only a participant uses (§6).
type Config struct {
	// Name is this role's own endpoint identity, used as the From/To field
	// of every envelope it sends and receives.
	Name string `yaml:"name"`

	// Host and Port are the websocket listen address (§6's default
	// ws://host:port transport).
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RootHDSeed is a participant's hex-encoded BIP-39 seed, the root of
	// its per-cohort key derivation (internal/participant). Empty for a
	// coordinator.
	RootHDSeed string `yaml:"root_hd_seed,omitempty"`

	// Peers maps every other role this role talks to (by its Name) to its
	// dialable ws:// endpoint. A coordinator's peers are its participants;
	// a participant's peers are the coordinators it subscribes to. Not
	// part of the core §6 config shape, but required to resolve a DID's
	// serviceEndpoint.uri without a real DID resolver.
	Peers map[string]string `yaml:"peers,omitempty"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// RootHDSeedBytes decodes RootHDSeed from hex. Returns a nil slice, no
// error, if RootHDSeed is unset.
func (c *Config) RootHDSeedBytes() ([]byte, error) {
	if c.RootHDSeed == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.RootHDSeed)
	if err != nil {
		return nil, fmt.Errorf("roleconfig: root_hd_seed is not valid hex: %w", err)
	}
	return seed, nil
}

// Endpoint returns this role's dialable ws:// URL.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("ws://%s:%d/", c.Host, c.Port)
}

// DefaultConfig returns a Config with sensible defaults for local
// development.
func DefaultConfig() *Config {
	return &Config{
		Name: "role",
		Host: "127.0.0.1",
		Port: 9944,
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Load reads and parses a YAML config file at path. If it does not exist,
// Load creates one with default values (populated with name) and returns
// that.
func Load(path, name string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Name = name
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("roleconfig: creating default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roleconfig: reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("roleconfig: parsing config file: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("roleconfig: creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("roleconfig: marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("roleconfig: writing config file: %w", err)
	}
	return nil
}
