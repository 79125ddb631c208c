// Package cliconfig loads the nativeauth CLI configuration from a YAML file
// and NATIVEAUTH_* environment variables. Command-line flags are applied on
// top by the caller.
package cliconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/naotama2002/nativeauth-go/store"
)

const (
	configDirName  = "nativeauth"
	configFileName = "config.yaml"
)

// Store backends
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the CLI configuration.
type Config struct {
	Issuer       string   `yaml:"issuer" env:"NATIVEAUTH_ISSUER"`
	DiscoveryURL string   `yaml:"discovery_url" env:"NATIVEAUTH_DISCOVERY_URL"`
	ClientID     string   `yaml:"client_id" env:"NATIVEAUTH_CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"NATIVEAUTH_CLIENT_SECRET"`
	Scopes       []string `yaml:"scopes" env:"NATIVEAUTH_SCOPES"`
	RedirectPort int      `yaml:"redirect_port" env:"NATIVEAUTH_REDIRECT_PORT"`
	// ClientAuthMethod forces client_secret_basic or client_secret_post.
	ClientAuthMethod string `yaml:"client_auth_method" env:"NATIVEAUTH_CLIENT_AUTH_METHOD"`
	VerifySignatures bool   `yaml:"verify_signatures" env:"NATIVEAUTH_VERIFY_SIGNATURES"`

	Store     string `yaml:"store" env:"NATIVEAUTH_STORE"`
	ConfigDir string `yaml:"config_dir" env:"NATIVEAUTH_CONFIG_DIR"`
	Redis     Redis  `yaml:"redis"`

	LogLevel string `yaml:"log_level" env:"NATIVEAUTH_LOG_LEVEL"`

	RefreshRetries int           `yaml:"refresh_retries" env:"NATIVEAUTH_REFRESH_RETRIES"`
	Timeout        time.Duration `yaml:"timeout" env:"NATIVEAUTH_TIMEOUT"`
}

// Redis configures the redis store backend.
type Redis struct {
	Addr      string        `yaml:"addr" env:"NATIVEAUTH_REDIS_ADDR"`
	Password  string        `yaml:"password" env:"NATIVEAUTH_REDIS_PASSWORD"`
	DB        int           `yaml:"db" env:"NATIVEAUTH_REDIS_DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"NATIVEAUTH_REDIS_KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"NATIVEAUTH_REDIS_TTL"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Scopes:         []string{"openid", "profile", "email", "offline_access"},
		Store:          StoreFile,
		LogLevel:       "info",
		RefreshRetries: 1,
		Timeout:        30 * time.Second,
		Redis: Redis{
			Addr:      "localhost:6379",
			KeyPrefix: "nativeauth:state:",
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/nativeauth/config.yaml, falling back
// to ~/.config on systems without a user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return filepath.Join(configDirName, configFileName)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, configDirName, configFileName)
}

// Load reads path (DefaultPath when empty) over the defaults, then applies
// environment overrides. A missing file is not an error unless path was
// given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("error reading config %s: %w", path, err)
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("error reading config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be checked by type alone.
func (c Config) Validate() error {
	switch c.Store {
	case StoreFile, StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("unknown store %q (want file, memory or redis)", c.Store)
	}
	if c.RedirectPort < 0 || c.RedirectPort > 65535 {
		return fmt.Errorf("redirect_port out of range: %d", c.RedirectPort)
	}
	return nil
}

// StoreKey identifies the stored state for this issuer and client.
func (c Config) StoreKey() string {
	issuer := c.Issuer
	if issuer == "" {
		issuer = c.DiscoveryURL
	}
	return store.Key(issuer, c.ClientID)
}
