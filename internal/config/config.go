// Package config provides configuration parsing and validation for the SSH daemon.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	Listen  string        `yaml:"listen"`
	HostKey string        `yaml:"host_key"`
	Log     LogConfig     `yaml:"log"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig configures password authentication.
type AuthConfig struct {
	// Users maps username to a bcrypt password hash.
	Users map[string]string `yaml:"users"`
}

// MetricsConfig configures the Prometheus metrics/health endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LimitsConfig holds per-connection resource limits. Its fields are parsed
// and validated here, but nothing in the daemon reads them: neither limit
// is enforced on connections.
type LimitsConfig struct {
	// MaxChannelsPerConn is the configured cap on concurrently open
	// channels on one connection.
	MaxChannelsPerConn int `yaml:"max_channels_per_conn"`

	// HandshakeTimeout is the configured bound on how long a connection may
	// spend before completing key exchange and authentication.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// Verifier checks a plaintext password against a stored bcrypt hash.
// Returns false for unknown usernames or mismatched passwords.
func (a AuthConfig) Verifier() func(username, password string) bool {
	return func(username, password string) bool {
		hash, ok := a.Users[username]
		if !ok {
			return false
		}
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
}

// Default returns a Config populated with the daemon's default values.
func Default() *Config {
	return &Config{
		Listen:  "0.0.0.0:2222",
		HostKey: "./host_ed25519",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			Users: map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9100",
		},
		Limits: LimitsConfig{
			MaxChannelsPerConn: 16,
			HandshakeTimeout:   30 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying defaults for any
// field the document does not set and validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Listen == "" {
		errs = append(errs, "listen is required")
	}
	if c.HostKey == "" {
		errs = append(errs, "host_key is required")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics.enabled")
	}
	if c.Limits.MaxChannelsPerConn <= 0 {
		errs = append(errs, "limits.max_channels_per_conn must be positive")
	}

	for username, hash := range c.Auth.Users {
		if username == "" {
			errs = append(errs, "auth.users contains an empty username")
		}
		if hash == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%s] has an empty password hash", username))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}
