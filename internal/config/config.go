package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const appDirName = "deemix-relay"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Update   UpdateConfig   `yaml:"update"`
	Queue    QueueConfig    `yaml:"queue"`
	Engine   EngineConfig   `yaml:"engine"`
	Limits   LimitsConfig   `yaml:"limits"`
	Log      LogConfig      `yaml:"log"`

	// SettingsPath is the TOML file holding user-editable download settings.
	SettingsPath string `yaml:"settings_path"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	MaxConnections int      `yaml:"max_connections"`
}

type ProviderConfig struct {
	// ServerwideToken, when set, logs every new connection in automatically.
	ServerwideToken  string        `yaml:"serverwide_token"`
	Timeout          time.Duration `yaml:"timeout"`
	AvailabilityURL  string        `yaml:"availability_url"`
	SkipAvailability bool          `yaml:"skip_availability_check"`
	Language         string        `yaml:"language"`
	RequestsPerSec   float64       `yaml:"requests_per_second"`
}

type UpdateConfig struct {
	CurrentVersion string        `yaml:"current_version"`
	VersionFile    string        `yaml:"version_file"`
	LatestURL      string        `yaml:"latest_url"`
	Timeout        time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	// Backend is "json" or "sqlite".
	Backend          string        `yaml:"backend"`
	Path             string        `yaml:"path"`
	ProgressThrottle time.Duration `yaml:"progress_throttle"`
	AutoResume       bool          `yaml:"auto_resume"`
}

// EngineConfig describes the download command. Workers caps the
// queueConcurrency setting.
type EngineConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Workers int      `yaml:"workers"`
}

type LimitsConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
	SendBuffer        int     `yaml:"send_buffer"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaultConfig() *Config {
	dir := DefaultStateDir()
	return &Config{
		Server: ServerConfig{
			Port: 6595,
			Host: "127.0.0.1",
		},
		Provider: ProviderConfig{
			Timeout:         15 * time.Second,
			AvailabilityURL: "https://www.deezer.com/",
			Language:        "en",
			RequestsPerSec:  10,
		},
		Update: UpdateConfig{
			LatestURL: "https://deemix.app/pyweb/latest",
			Timeout:   10 * time.Second,
		},
		Queue: QueueConfig{
			Backend:          "json",
			Path:             filepath.Join(dir, "queue.json"),
			ProgressThrottle: 250 * time.Millisecond,
		},
		Engine: EngineConfig{
			Command: "deemix",
			Args:    []string{"--bitrate", "{bitrate}", "{url}"},
			Workers: 8,
		},
		Limits: LimitsConfig{
			MessagesPerSecond: 20,
			Burst:             40,
			SendBuffer:        64,
		},
		Log: LogConfig{
			Level: "info",
		},
		SettingsPath: filepath.Join(dir, "settings.toml"),
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Queue.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("queue.backend %q: must be json or sqlite", c.Queue.Backend)
	}
	if c.Queue.Path == "" {
		return errors.New("queue.path is required")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers %d: must be at least 1", c.Engine.Workers)
	}
	if c.Limits.SendBuffer < 1 {
		return fmt.Errorf("limits.send_buffer %d: must be at least 1", c.Limits.SendBuffer)
	}
	return nil
}

// UsePortableDir relocates every state file under dir.
func (c *Config) UsePortableDir(dir string) {
	c.Queue.Path = filepath.Join(dir, filepath.Base(c.Queue.Path))
	c.SettingsPath = filepath.Join(dir, filepath.Base(c.SettingsPath))
}

// CurrentVersion returns the bundled version string. VersionFile wins over
// CurrentVersion when it can be read.
func (c *Config) CurrentVersion() string {
	if c.Update.VersionFile != "" {
		if data, err := os.ReadFile(c.Update.VersionFile); err == nil {
			return string(bytes.TrimSpace(data))
		}
	}
	return c.Update.CurrentVersion
}

// DefaultStateDir returns ~/.local/state/deemix-relay, respecting
// XDG_STATE_HOME if set.
func DefaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
