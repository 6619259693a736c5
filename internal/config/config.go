package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for swe-agent.
//
// Provider API keys never live here; see SecretsStore.
type Config struct {
	// StateDir holds the history database, secrets, lock file and materialized images.
	StateDir string `yaml:"state_dir"`
	// WorkspaceDir is the repository the agent works in.
	WorkspaceDir string `yaml:"workspace_dir"`
	// ListenAddr is the local HTTP control surface address.
	ListenAddr string `yaml:"listen_addr"`
	// Shell runs executeCommand. Defaults to /bin/bash.
	Shell string `yaml:"shell,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	AI         *AIConfig   `yaml:"ai"`
	MCPServers []MCPServer `yaml:"mcp_servers,omitempty"`
	Idle       IdleConfig  `yaml:"idle"`
}

type MCPServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// IdleConfig controls suspension of the instance after the agent stops working.
type IdleConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// SuspendCommand runs when the idle timer fires, for example a cloud CLI call that stops the VM.
	SuspendCommand string `yaml:"suspend_command,omitempty"`
	// Disabled turns the idle timer off entirely.
	Disabled bool `yaml:"disabled,omitempty"`
}

const (
	defaultListenAddr  = "127.0.0.1:8787"
	defaultIdleTimeout = 30 * time.Minute
)

// DefaultConfigPath returns the default config path:
//
//	~/.swe-agent/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "swe-agent.config.yaml"
	}
	return filepath.Join(home, ".swe-agent", "config.yaml")
}

// ApplyDefaults fills in every optional field.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.StateDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			home = "."
		}
		c.StateDir = filepath.Join(home, ".swe-agent")
	}
	if strings.TrimSpace(c.WorkspaceDir) == "" {
		if wd, err := os.Getwd(); err == nil {
			c.WorkspaceDir = wd
		}
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = defaultListenAddr
	}
	if strings.TrimSpace(c.Shell) == "" {
		c.Shell = "/bin/bash"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Idle.Timeout <= 0 {
		c.Idle.Timeout = defaultIdleTimeout
	}
	if c.AI != nil {
		c.AI.ApplyDefaults()
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return errors.New("missing state_dir")
	}
	if strings.TrimSpace(c.WorkspaceDir) == "" {
		return errors.New("missing workspace_dir")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.AI == nil {
		return errors.New("missing ai")
	}
	if err := c.AI.Validate(); err != nil {
		return fmt.Errorf("invalid ai: %w", err)
	}
	seen := make(map[string]struct{}, len(c.MCPServers))
	for i, s := range c.MCPServers {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("mcp_servers[%d]: missing name", i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("mcp_servers[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("mcp_servers[%d]: missing command", i)
		}
	}
	if c.Idle.Timeout < 0 {
		return fmt.Errorf("invalid idle.timeout %s", c.Idle.Timeout)
	}
	return nil
}

// DBPath is the history database location.
func (c *Config) DBPath() string { return filepath.Join(c.StateDir, "history.sqlite") }

// SecretsPath is the secrets file location.
func (c *Config) SecretsPath() string { return filepath.Join(c.StateDir, "secrets.json") }

// LockPath is the single-process lock file location.
func (c *Config) LockPath() string { return filepath.Join(c.StateDir, "agent.lock") }

// ImageDir is where tool-produced and uploaded images are stored.
func (c *Config) ImageDir() string { return filepath.Join(c.StateDir, "images") }

// ProfileDir holds optional agent profile files.
func (c *Config) ProfileDir() string { return filepath.Join(c.StateDir, "profiles") }

// Load reads, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	// Write atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
