// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database"`
	Agents      AgentsConfig      `yaml:"agents"`
	Frontends   FrontendsConfig   `yaml:"frontends"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig names the agents reachable through the gateway. The set is
// closed: inbound traffic addressed to an unlisted agent is rejected.
type AgentsConfig struct {
	IDs []string `yaml:"ids"`
}

// FrontendsConfig holds configuration for all frontend integrations
type FrontendsConfig struct {
	WebUI   WebUIConfig   `yaml:"webui"`
	Console ConsoleConfig `yaml:"console"`
	Queue   QueueConfig   `yaml:"queue"`
	Matrix  MatrixConfig  `yaml:"matrix"`
}

// WebUIConfig holds web frontend configuration
type WebUIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ConsoleConfig holds local console configuration
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	AgentID string `yaml:"agent_id"`
	Sender  string `yaml:"sender"`
}

// QueueConfig holds AMQP integration configuration
type QueueConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	ConsumeQueue    string `yaml:"consume_queue"`
	PublishQueue    string `yaml:"publish_queue"`
	DeadLetterQueue string `yaml:"dead_letter_queue"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Homeserver    string   `yaml:"homeserver"`
	UserID        string   `yaml:"user_id"`
	AccessToken   string   `yaml:"access_token"`
	AgentID       string   `yaml:"agent_id"`
	AllowedRooms  []string `yaml:"allowed_rooms"`
	CommandPrefix string   `yaml:"command_prefix"`
}

// CorrelationConfig holds retention policy for queue correlation records
type CorrelationConfig struct {
	Expiry time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ExpiryRaw string `yaml:"expiry"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultCorrelationExpiry applies when correlation.expiry is not set.
const DefaultCorrelationExpiry = 30 * 24 * time.Hour

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Agents.IDs) == 0 {
		return fmt.Errorf("agents.ids must list at least one agent")
	}
	seen := make(map[string]bool, len(c.Agents.IDs))
	for _, id := range c.Agents.IDs {
		if id == "" {
			return fmt.Errorf("agents.ids must not contain empty ids")
		}
		if seen[id] {
			return fmt.Errorf("agents.ids contains duplicate id %q", id)
		}
		seen[id] = true
	}

	if c.Frontends.Console.Enabled {
		if c.Frontends.Console.AgentID == "" {
			return fmt.Errorf("frontends.console.agent_id is required when console is enabled")
		}
		if !seen[c.Frontends.Console.AgentID] {
			return fmt.Errorf("frontends.console.agent_id %q is not in agents.ids", c.Frontends.Console.AgentID)
		}
	}

	if c.Frontends.Queue.Enabled {
		if c.Frontends.Queue.URL == "" {
			return fmt.Errorf("frontends.queue.url is required when queue is enabled")
		}
		if c.Frontends.Queue.ConsumeQueue == "" || c.Frontends.Queue.PublishQueue == "" || c.Frontends.Queue.DeadLetterQueue == "" {
			return fmt.Errorf("frontends.queue requires consume_queue, publish_queue and dead_letter_queue")
		}
	}

	if c.Frontends.Matrix.Enabled {
		if c.Frontends.Matrix.Homeserver == "" || c.Frontends.Matrix.UserID == "" || c.Frontends.Matrix.AccessToken == "" {
			return fmt.Errorf("frontends.matrix requires homeserver, user_id and access_token")
		}
		if c.Frontends.Matrix.AgentID == "" {
			return fmt.Errorf("frontends.matrix.agent_id is required when matrix is enabled")
		}
		if !seen[c.Frontends.Matrix.AgentID] {
			return fmt.Errorf("frontends.matrix.agent_id %q is not in agents.ids", c.Frontends.Matrix.AgentID)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Correlation.ExpiryRaw != "" {
		cfg.Correlation.Expiry, err = time.ParseDuration(cfg.Correlation.ExpiryRaw)
		if err != nil {
			return fmt.Errorf("parsing correlation expiry %q: %w", cfg.Correlation.ExpiryRaw, err)
		}
	}
	if cfg.Correlation.Expiry == 0 {
		cfg.Correlation.Expiry = DefaultCorrelationExpiry
	}

	return nil
}
