package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig           `toml:"general"`
	Agents        AgentsConfig            `toml:"agents"`
	Engines       map[string]EngineConfig `toml:"engines"`
	Notifications NotificationsConfig     `toml:"notifications"`
	Web           WebConfig               `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectRoot  string `toml:"project_root"`
	StateDir     string `toml:"state_dir"`
	DatabasePath string `toml:"database_path"`
	LogDir       string `toml:"log_dir"`
	LogLevel     string `toml:"log_level"`
}

// AgentsConfig controls agent supervision
type AgentsConfig struct {
	DefaultEngine   string   `toml:"default_engine"`
	StopGracePeriod Duration `toml:"stop_grace_period"`
	// Timeout is the longest an agent may run before the watchdog stops it.
	// Zero disables the timeout.
	Timeout         Duration `toml:"timeout"`
	PollInterval    Duration `toml:"poll_interval"`
	AutoRetry       bool     `toml:"auto_retry"`
	EngineCacheSize int      `toml:"engine_cache_size"`
}

// EngineConfig describes how to invoke one AI CLI
type EngineConfig struct {
	Binary string   `toml:"binary"`
	Args   []string `toml:"args"`
	// SessionFlag pre-assigns a session id on start; empty if the engine
	// only reports one
	SessionFlag string `toml:"session_flag"`
	ResumeFlag  string `toml:"resume_flag"`
	PromptFlag  string `toml:"prompt_flag"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Duration is a time.Duration written as a string ("90s", "30m") in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".sdd-orchestrator")
	return &Config{
		General: GeneralConfig{
			ProjectRoot:  "",
			StateDir:     filepath.Join(base, "state"),
			DatabasePath: filepath.Join(base, "agents.db"),
			LogDir:       filepath.Join(base, "logs"),
			LogLevel:     "info",
		},
		Agents: AgentsConfig{
			DefaultEngine:   string(domain.DefaultEngine),
			StopGracePeriod: Duration{10 * time.Second},
			Timeout:         Duration{2 * time.Hour},
			PollInterval:    Duration{5 * time.Second},
			AutoRetry:       true,
			EngineCacheSize: 1024,
		},
		Engines: DefaultEngines(),
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// DefaultEngines returns invocation settings for the supported CLIs
func DefaultEngines() map[string]EngineConfig {
	return map[string]EngineConfig{
		string(domain.EngineClaude): {
			Binary: "claude",
			Args: []string{
				"--print",
				"--verbose",
				"--output-format", "stream-json",
				"--include-partial-messages",
				"--dangerously-skip-permissions",
			},
			SessionFlag: "--session-id",
			ResumeFlag:  "--resume",
			PromptFlag:  "-p",
		},
		string(domain.EngineGemini): {
			Binary:     "gemini",
			Args:       []string{"--output-format", "stream-json", "--yolo"},
			ResumeFlag: "--resume",
			PromptFlag: "-p",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// engines from the file extend the defaults rather than replace them
	if cfg.Engines == nil {
		cfg.Engines = make(map[string]EngineConfig)
	}
	for id, def := range DefaultEngines() {
		eng, ok := cfg.Engines[id]
		if !ok {
			cfg.Engines[id] = def
			continue
		}
		if eng.Binary == "" {
			eng.Binary = def.Binary
		}
		if eng.Args == nil {
			eng.Args = def.Args
		}
		if eng.ResumeFlag == "" {
			eng.ResumeFlag = def.ResumeFlag
		}
		if eng.PromptFlag == "" {
			eng.PromptFlag = def.PromptFlag
		}
		cfg.Engines[id] = eng
	}

	// Expand paths
	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.LogDir = ExpandPath(cfg.General.LogDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later at spawn time
func (c *Config) Validate() error {
	if _, ok := c.Engines[c.Agents.DefaultEngine]; !ok {
		return fmt.Errorf("agents.default_engine %q has no [engines.%s] section", c.Agents.DefaultEngine, c.Agents.DefaultEngine)
	}
	for id, eng := range c.Engines {
		if eng.Binary == "" {
			return fmt.Errorf("engines.%s: binary is required", id)
		}
	}
	if c.Agents.PollInterval.Duration <= 0 {
		return fmt.Errorf("agents.poll_interval must be positive")
	}
	return nil
}

// Engine returns the settings for id
func (c *Config) Engine(id domain.EngineID) (EngineConfig, bool) {
	eng, ok := c.Engines[string(id)]
	return eng, ok
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sdd-orchestrator", "config.toml")
}

// LocalConfigName is the per-project config file searched for upwards from
// the working directory
const LocalConfigName = ".sdd-orchestrator.toml"

// FindLocalConfig walks from the working directory to the filesystem root
// and returns the first LocalConfigName found, or ""
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads explicitPath if set, else the nearest project
// config, else the user config
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
