// ABOUTME: Configuration loading and parsing for coach-engine
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential sources
const (
	CredentialSourceEnv   = "env"
	CredentialSourceStore = "store"
)

// Config represents the complete coach-engine configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Provider    ProviderConfig    `yaml:"provider"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig holds chat-completion provider configuration
type ProviderConfig struct {
	BaseURL   string        `yaml:"base_url"` // empty uses the provider default
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// CredentialsConfig holds secret-broker configuration for the provider key
type CredentialsConfig struct {
	Source    string        `yaml:"source"`     // "env" or "store"
	EnvVar    string        `yaml:"env_var"`    // for source=env
	SecretKey string        `yaml:"secret_key"` // for source=store
	TTL       time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = 1024
	}
	if cfg.Credentials.Source == "" {
		cfg.Credentials.Source = CredentialSourceEnv
	}
	if cfg.Credentials.EnvVar == "" {
		cfg.Credentials.EnvVar = "ANTHROPIC_API_KEY"
	}
	if cfg.Credentials.SecretKey == "" {
		cfg.Credentials.SecretKey = "anthropic_api_key"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Credentials.Source {
	case CredentialSourceEnv, CredentialSourceStore:
	default:
		return fmt.Errorf("credentials.source must be %q or %q, got %q",
			CredentialSourceEnv, CredentialSourceStore, c.Credentials.Source)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Provider.TimeoutRaw != "" {
		cfg.Provider.Timeout, err = time.ParseDuration(cfg.Provider.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing provider.timeout %q: %w", cfg.Provider.TimeoutRaw, err)
		}
	}

	if cfg.Credentials.TTLRaw != "" {
		cfg.Credentials.TTL, err = time.ParseDuration(cfg.Credentials.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing credentials.ttl %q: %w", cfg.Credentials.TTLRaw, err)
		}
	}

	return nil
}
