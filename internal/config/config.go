package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all teamsawake configuration.
type Config struct {
	// Workspace holds the profile, database and logs. Defaults to ~/.teamsawake.
	Workspace string `yaml:"workspace"`

	Browser   BrowserConfig   `yaml:"browser"`
	Auth      AuthConfig      `yaml:"auth"`
	KeepAlive KeepAliveConfig `yaml:"keepalive"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig configures the SQLite notification store.
type StoreConfig struct {
	// Path of the database file; relative paths resolve against the workspace.
	Path string `yaml:"path"`
}

// ServerConfig configures the local control API.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// DefaultWorkspace returns ~/.teamsawake, or .teamsawake in the working
// directory when no home directory is available.
func DefaultWorkspace() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".teamsawake"
	}
	return filepath.Join(home, ".teamsawake")
}

// DefaultConfigPath returns the config file inside the default workspace.
func DefaultConfigPath() string {
	return filepath.Join(DefaultWorkspace(), "config.yaml")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: DefaultWorkspace(),
		Browser:   DefaultBrowserConfig(),
		Auth: AuthConfig{
			PollInterval: "2s",
			MaxAttempts:  120,
		},
		KeepAlive: KeepAliveConfig{
			Interval:     "120s",
			InhibitSleep: true,
		},
		Monitor: MonitorConfig{
			AutoStart:        true,
			WorkerTypes:      []string{"worker", "shared_worker", "service_worker"},
			WorkerURLPattern: `(?i)(worker|trouter|precompiled-web-worker)`,
			CallTimeout:      "10s",
		},
		Store: StoreConfig{
			Path: "teamsawake.db",
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:7878",
			ReadTimeout:  "15s",
			WriteTimeout: "0s",
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "120s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TEAMSAWAKE_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("TEAMSAWAKE_BROWSER"); v != "" {
		c.Browser.Executable = v
	}
	if v := os.Getenv("TEAMSAWAKE_PROFILE"); v != "" {
		c.Browser.ProfileDir = v
	}
	if v := os.Getenv("TEAMSAWAKE_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("TEAMSAWAKE_ADDR"); v != "" {
		c.Server.Addr = v
	}

	// LLM API key from environment; the later entry wins.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = ProviderOpenAI
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = ProviderGemini
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace not configured")
	}
	if c.Auth.MaxAttempts < 1 {
		return fmt.Errorf("auth.max_attempts must be at least 1, got %d", c.Auth.MaxAttempts)
	}
	if c.Browser.TargetURL == "" {
		return fmt.Errorf("browser.target_url not configured")
	}
	if c.LLM.Provider != "" && !isValidProvider(c.LLM.Provider) {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	return nil
}

// ResolvePath resolves p against the workspace unless it is absolute.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workspace, p)
}

// StorePath returns the absolute database path.
func (c *Config) StorePath() string {
	return c.ResolvePath(c.Store.Path)
}

// ProfileDir returns the absolute browser profile directory.
func (c *Config) ProfileDir() string {
	return c.ResolvePath(c.Browser.ProfileDir)
}

// GetReadTimeout returns the API server read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 15*time.Second)
}

// GetWriteTimeout returns the API server write timeout. Zero disables the
// timeout, which the SSE endpoint needs.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDuration(c.Server.WriteTimeout, 0)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
