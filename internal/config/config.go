package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"network-service/internal/fsm"
)

const DefaultPath = "/etc/network-service.yaml"

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type TimeoutConfig struct {
	ActivateMs int `yaml:"activate_ms"`
	ConnectMs  int `yaml:"connect_ms"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty means stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Config is the on-disk service configuration. Zero or missing fields fall
// back to the defaults, and a missing file is written back so the device
// always carries an editable copy.
type Config struct {
	Redis              RedisConfig   `yaml:"redis"`
	Interface          string        `yaml:"interface"`
	HostapdUnit        string        `yaml:"hostapd_unit"`
	Timeouts           TimeoutConfig `yaml:"timeouts"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`

	// Pointer so an absent key keeps the default of true.
	ResetAttemptsOnConnect *bool `yaml:"reset_attempts_on_connect"`

	Log LogConfig `yaml:"log"`
}

func Default() Config {
	policy := fsm.DefaultPolicy()
	return Config{
		Redis:              RedisConfig{Host: "localhost", Port: 6379},
		Interface:          "wlan0",
		HostapdUnit:        "hostapd.service",
		Timeouts: TimeoutConfig{
			ActivateMs: int(policy.ActivateTimeout / time.Millisecond),
			ConnectMs:  int(policy.ConnectTimeout / time.Millisecond),
		},
		MaxConnectAttempts: policy.MaxConnectAttempts,
		Log:                LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
	}
}

// Load reads the configuration file at path, or DefaultPath when path is
// empty. A missing file yields the defaults and writes them back; any
// other read or parse error is returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := cfg.Save(path); werr != nil {
			// A read-only filesystem is fine, the defaults still apply.
			return &cfg, nil
		}
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Policy().Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the configuration atomically: marshal to a temp file in the
// target directory, then rename over the destination.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// Policy converts the wire-format millisecond fields into the lifecycle
// policy the state machine consumes.
func (c *Config) Policy() fsm.Policy {
	p := fsm.Policy{
		ActivateTimeout:        time.Duration(c.Timeouts.ActivateMs) * time.Millisecond,
		ConnectTimeout:         time.Duration(c.Timeouts.ConnectMs) * time.Millisecond,
		MaxConnectAttempts:     c.MaxConnectAttempts,
		ResetAttemptsOnConnect: true,
	}
	if c.ResetAttemptsOnConnect != nil {
		p.ResetAttemptsOnConnect = *c.ResetAttemptsOnConnect
	}
	return p
}

// RedisAddr renders the host:port pair for the client dial options.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}
