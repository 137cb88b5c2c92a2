// Package config loads the YAML configuration shared by both subcommands.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
	Local   Local   `yaml:"local"`
	Remote  Remote  `yaml:"remote"`
	Tunnel  Tunnel  `yaml:"tunnel"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
}

// Local configures the SOCKS5 adapter.
type Local struct {
	Listen         string        `yaml:"listen"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// Remote configures the dispatcher.
type Remote struct {
	DNS            string        `yaml:"dns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type Tunnel struct {
	Type       string        `yaml:"type"`    // tcp or http
	Role       string        `yaml:"role"`    // listen or connect
	Address    string        `yaml:"address"` // tcp binding, and http server listen address
	Network    string        `yaml:"network"` // tcp or kcp
	Compress   bool          `yaml:"compress"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	URL        string        `yaml:"url"`
	Workers    int           `yaml:"workers"`
}

func Default() Config {
	return Config{
		Log: Log{Level: "info"},
		Local: Local{
			Listen:         "127.0.0.1:1080",
			ConnectTimeout: 30 * time.Second,
			RetryDelay:     time.Second,
		},
		Remote: Remote{ConnectTimeout: 8 * time.Second},
		Tunnel: Tunnel{
			Type:       "tcp",
			Role:       "listen",
			Address:    "127.0.0.1:8888",
			Network:    "tcp",
			RetryDelay: 8 * time.Second,
			URL:        "http://127.0.0.1:8888/",
			Workers:    2,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Tunnel.Type {
	case "tcp", "http":
	default:
		return fmt.Errorf("tunnel.type %q: want tcp or http", c.Tunnel.Type)
	}
	switch c.Tunnel.Role {
	case "listen", "connect":
	default:
		return fmt.Errorf("tunnel.role %q: want listen or connect", c.Tunnel.Role)
	}
	switch c.Tunnel.Network {
	case "tcp", "kcp":
	default:
		return fmt.Errorf("tunnel.network %q: want tcp or kcp", c.Tunnel.Network)
	}
	if c.Tunnel.Workers < 1 {
		return fmt.Errorf("tunnel.workers must be at least 1, got %d", c.Tunnel.Workers)
	}
	if c.Local.ConnectTimeout < 0 {
		return fmt.Errorf("local.connect_timeout must not be negative")
	}
	return nil
}
