package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ServeConfig holds serve-subcommand settings.
type ServeConfig struct {
	Socket        string   `yaml:"socket"`
	LogLevel      string   `yaml:"log_level"`
	LogFormat     string   `yaml:"log_format"`
	Technologies  []string `yaml:"technologies"`
	Notifications *bool    `yaml:"notifications"`
	HistoryLimit  int      `yaml:"history_limit"`
}

// AgentConfig holds settings of the interactive-authentication agent.
type AgentConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	Path         string   `yaml:"path"`
	BusName      string   `yaml:"bus_name"`
	InputTimeout Duration `yaml:"input_timeout"`
	Credentials  string   `yaml:"credentials"`
}

// Config is the top-level configuration file structure.
type Config struct {
	BusAddress string      `yaml:"bus_address"`
	Serve      ServeConfig `yaml:"serve"`
	Agent      AgentConfig `yaml:"agent"`
}

// AgentEnabled reports whether the agent should be registered. It defaults to true.
func (c *Config) AgentEnabled() bool {
	return c.Agent.Enabled == nil || *c.Agent.Enabled
}

// NotificationsEnabled reports whether desktop notifications are on. It defaults to true.
func (c *Config) NotificationsEnabled() bool {
	return c.Serve.Notifications == nil || *c.Serve.Notifications
}

// configHome returns $XDG_CONFIG_HOME or ~/.config.
func configHome() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return dir
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	dir := configHome()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "connman-dispatcher", "config.yaml")
}

// DefaultCredentialsPath returns the default credentials store path.
func DefaultCredentialsPath() string {
	dir := configHome()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "connman-dispatcher", "credentials.yaml")
}

// DefaultSocketPath returns the API socket path under XDG_RUNTIME_DIR,
// falling back to the temp dir.
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("connman-dispatcher-%d", os.Getuid()))
	} else {
		dir = filepath.Join(dir, "connman-dispatcher")
	}
	return filepath.Join(dir, "api.sock")
}

// Default returns the configuration written by "service install".
func Default() *Config {
	return &Config{
		Serve: ServeConfig{
			LogLevel:     "info",
			LogFormat:    "text",
			HistoryLimit: 100,
		},
		Agent: AgentConfig{
			InputTimeout: Duration(2 * time.Minute),
			Credentials:  DefaultCredentialsPath(),
		},
	}
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks values that cannot be checked by YAML decoding alone.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Serve.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("serve.log_level %q: must be debug, info, warn or error", c.Serve.LogLevel)
	}
	switch c.Serve.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("serve.log_format %q: must be text or json", c.Serve.LogFormat)
	}
	for _, t := range c.Serve.Technologies {
		if t == "" || strings.Contains(t, "/") {
			return fmt.Errorf("serve.technologies: invalid technology type %q", t)
		}
	}
	if c.Serve.HistoryLimit < 0 {
		return fmt.Errorf("serve.history_limit must not be negative")
	}
	if p := c.Agent.Path; p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("agent.path %q: must be an absolute object path", p)
	}
	if c.Agent.InputTimeout < 0 {
		return fmt.Errorf("agent.input_timeout must not be negative")
	}
	return nil
}
