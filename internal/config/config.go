// Package config loads the service configuration from the environment.
//
// Variables carry the FLAREBYPASS_ prefix followed by the section and the
// field, e.g. FLAREBYPASS_SERVER_PORT or FLAREBYPASS_PROXY_PORT_START. A .env
// file in the working directory is read first when present; variables that
// are already set win over it.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "FLAREBYPASS"

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Browser BrowserConfig
	Proxy   ProxyConfig
	Solver  SolverConfig
	History HistoryConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `default:"0.0.0.0"`
	Port            int           `default:"8080"`
	ShutdownTimeout time.Duration `split_words:"true" default:"10s"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `default:"info"`
	Development bool   `default:"false"`
	// File additionally writes JSON logs to a rotated file.
	File       string
	MaxSizeMB  int `split_words:"true" default:"100"`
	MaxBackups int `split_words:"true" default:"3"`
	MaxAgeDays int `split_words:"true" default:"28"`
}

// BrowserConfig holds browser session configuration.
type BrowserConfig struct {
	ExecPath     string `split_words:"true"`
	Headless     bool   `default:"true"`
	DisableGPU   bool   `split_words:"true" default:"false"`
	Xvfb         bool   `default:"false"`
	Display      int    `default:"99"`
	WindowWidth  int    `split_words:"true" default:"1280"`
	WindowHeight int    `split_words:"true" default:"1024"`
	DebugDir     string `split_words:"true"`
}

// ProxyConfig holds proxy and forwarder configuration.
type ProxyConfig struct {
	// Default is used for requests without a proxy.
	Default      string
	PortStart    int           `split_words:"true" default:"12000"`
	PortEnd      int           `split_words:"true" default:"13000"`
	Command      string
	ReadySignal  string        `split_words:"true" default:"Listening on"`
	ReadyTimeout time.Duration `split_words:"true" default:"10s"`
}

// SolverConfig holds challenge solving configuration.
type SolverConfig struct {
	ReliableStep  time.Duration `split_words:"true" default:"10s"`
	ReliableClick bool          `split_words:"true" default:"true"`
	PollInterval  time.Duration `split_words:"true" default:"1s"`
	ClickPause    time.Duration `split_words:"true" default:"1s"`
}

// HistoryConfig holds solve history configuration.
type HistoryConfig struct {
	// Path of the SQLite database. Empty disables history.
	Path string
}

// Load loads configuration from environment variables. envFile names a
// dotenv file that must exist; when empty, ./.env is read if present.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.Proxy.PortStart <= 0 || c.Proxy.PortEnd > 65535 || c.Proxy.PortStart > c.Proxy.PortEnd {
		return fmt.Errorf("invalid proxy port range %d-%d", c.Proxy.PortStart, c.Proxy.PortEnd)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Browser: BrowserConfig{
			Headless:     true,
			Display:      99,
			WindowWidth:  1280,
			WindowHeight: 1024,
		},
		Proxy: ProxyConfig{
			PortStart:    12000,
			PortEnd:      13000,
			ReadySignal:  "Listening on",
			ReadyTimeout: 10 * time.Second,
		},
		Solver: SolverConfig{
			ReliableStep:  10 * time.Second,
			ReliableClick: true,
			PollInterval:  time.Second,
			ClickPause:    time.Second,
		},
	}
}
