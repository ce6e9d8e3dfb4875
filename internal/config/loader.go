package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by defaults in main.
type Config struct {
	Addr       string `json:"addr" yaml:"addr" toml:"addr"`
	DataDir    string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	EnginesDir string `json:"engines_dir" yaml:"engines_dir" toml:"engines_dir"`

	// Port range engines are launched into, inclusive on both ends.
	PortMin int `json:"port_min" yaml:"port_min" toml:"port_min"`
	PortMax int `json:"port_max" yaml:"port_max" toml:"port_max"`

	HealthTimeoutSec     int `json:"health_timeout_sec" yaml:"health_timeout_sec" toml:"health_timeout_sec"`
	RequestTimeoutSec    int `json:"request_timeout_sec" yaml:"request_timeout_sec" toml:"request_timeout_sec"`
	InactivityTimeoutSec int `json:"inactivity_timeout_sec" yaml:"inactivity_timeout_sec" toml:"inactivity_timeout_sec"`
	HeartbeatIntervalSec int `json:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec" toml:"heartbeat_interval_sec"`
	StatusIntervalSec    int `json:"status_interval_sec" yaml:"status_interval_sec" toml:"status_interval_sec"`

	// Terminal jobs kept before the oldest are pruned.
	JobRetention int `json:"job_retention" yaml:"job_retention" toml:"job_retention"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Addr:                 ":8765",
		DataDir:              "~/.audiobookd",
		EnginesDir:           "~/.audiobookd/engines",
		PortMin:              17000,
		PortMax:              17999,
		HealthTimeoutSec:     90,
		RequestTimeoutSec:    600,
		InactivityTimeoutSec: 600,
		HeartbeatIntervalSec: 30,
		StatusIntervalSec:    15,
		JobRetention:         50,
	}
}

// ApplyDefaults fills unset fields from Defaults.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.EnginesDir == "" {
		c.EnginesDir = d.EnginesDir
	}
	if c.PortMin == 0 {
		c.PortMin = d.PortMin
	}
	if c.PortMax == 0 {
		c.PortMax = d.PortMax
	}
	if c.HealthTimeoutSec == 0 {
		c.HealthTimeoutSec = d.HealthTimeoutSec
	}
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = d.RequestTimeoutSec
	}
	if c.InactivityTimeoutSec == 0 {
		c.InactivityTimeoutSec = d.InactivityTimeoutSec
	}
	if c.HeartbeatIntervalSec == 0 {
		c.HeartbeatIntervalSec = d.HeartbeatIntervalSec
	}
	if c.StatusIntervalSec == 0 {
		c.StatusIntervalSec = d.StatusIntervalSec
	}
	if c.JobRetention == 0 {
		c.JobRetention = d.JobRetention
	}
}

func (c Config) HealthTimeout() time.Duration     { return time.Duration(c.HealthTimeoutSec) * time.Second }
func (c Config) RequestTimeout() time.Duration    { return time.Duration(c.RequestTimeoutSec) * time.Second }
func (c Config) InactivityTimeout() time.Duration { return time.Duration(c.InactivityTimeoutSec) * time.Second }
func (c Config) HeartbeatInterval() time.Duration { return time.Duration(c.HeartbeatIntervalSec) * time.Second }
func (c Config) StatusInterval() time.Duration    { return time.Duration(c.StatusIntervalSec) * time.Second }

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
