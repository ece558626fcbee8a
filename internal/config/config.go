package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bus     BusConfig     `yaml:"bus"`
	RPC     RPCConfig     `yaml:"rpc"`
	Session SessionConfig `yaml:"session"`
	Content ContentConfig `yaml:"content"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"CODERACE_PORT"`
	Host           string   `yaml:"host" env:"CODERACE_HOST"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"CODERACE_ALLOWED_ORIGINS" envSeparator:","`

	// MaxConnections caps open websockets. Zero means unlimited.
	MaxConnections  int           `yaml:"max_connections" env:"CODERACE_MAX_CONNECTIONS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CODERACE_SHUTDOWN_TIMEOUT"`
}

type BusConfig struct {
	// Driver is "memory" (single process) or "redis".
	Driver        string `yaml:"driver" env:"CODERACE_BUS_DRIVER"`
	RedisAddr     string `yaml:"redis_addr" env:"CODERACE_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"CODERACE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"CODERACE_REDIS_DB"`
	Prefix        string `yaml:"prefix" env:"CODERACE_BUS_PREFIX"`
	QueueSize     int    `yaml:"queue_size" env:"CODERACE_BUS_QUEUE_SIZE"`
}

type RPCConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"CODERACE_RPC_TIMEOUT"`
}

type SessionConfig struct {
	LeadTime      time.Duration `yaml:"lead_time" env:"CODERACE_LEAD_TIME"`
	StaleAfter    time.Duration `yaml:"stale_after" env:"CODERACE_STALE_AFTER"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"CODERACE_SWEEP_INTERVAL"`
	Capacity      int           `yaml:"capacity" env:"CODERACE_CAPACITY"`
}

type ContentConfig struct {
	// Source is "github" or "default". The latter always serves the
	// built-in snippet and needs no network.
	Source        string        `yaml:"source" env:"CODERACE_CONTENT_SOURCE"`
	GitHubToken   string        `yaml:"github_token" env:"CODERACE_GITHUB_TOKEN"`
	BaseURL       string        `yaml:"base_url" env:"CODERACE_GITHUB_URL"`
	Users         []string      `yaml:"users" env:"CODERACE_GITHUB_USERS" envSeparator:","`
	SnippetLength int           `yaml:"snippet_length" env:"CODERACE_SNIPPET_LENGTH"`
	Timeout       time.Duration `yaml:"timeout" env:"CODERACE_CONTENT_TIMEOUT"`
}

type LogConfig struct {
	Level   string `yaml:"level" env:"CODERACE_LOG_LEVEL"`
	Console bool   `yaml:"console" env:"CODERACE_LOG_CONSOLE"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Bus: BusConfig{
			Driver:    "memory",
			RedisAddr: "127.0.0.1:6379",
			Prefix:    "coderace:",
		},
		RPC: RPCConfig{
			Timeout: 5 * time.Second,
		},
		Session: SessionConfig{
			LeadTime:      13 * time.Second,
			StaleAfter:    10 * time.Minute,
			SweepInterval: 30 * time.Second,
			Capacity:      5,
		},
		Content: ContentConfig{
			Source:  "github",
			BaseURL: "https://api.github.com",
			Users: []string{
				"steveruizok", "lukeed", "Rich-Harris", "evanw", "jakearchibald",
				"surma", "gaearon", "jaredpalmer", "TomerAberbach",
			},
			SnippetLength: 250,
			Timeout:       4 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// CODERACE_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Load("")
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Bus.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("bus.driver must be memory or redis, got %q", c.Bus.Driver))
	}
	if c.Bus.Driver == "redis" && c.Bus.RedisAddr == "" {
		errs = append(errs, errors.New("bus.redis_addr is required for the redis driver"))
	}
	if c.RPC.Timeout <= 0 {
		errs = append(errs, errors.New("rpc.timeout must be positive"))
	}
	if c.Session.LeadTime <= 0 {
		errs = append(errs, errors.New("session.lead_time must be positive"))
	}
	if c.Session.StaleAfter <= 0 {
		errs = append(errs, errors.New("session.stale_after must be positive"))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session.sweep_interval must be positive"))
	}
	if c.Session.Capacity < 1 {
		errs = append(errs, errors.New("session.capacity must be at least 1"))
	}
	switch c.Content.Source {
	case "github", "default":
	default:
		errs = append(errs, fmt.Errorf("content.source must be github or default, got %q", c.Content.Source))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
