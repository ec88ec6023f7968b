package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models fleetwatch.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Retention struct {
		EventTTL      Duration `yaml:"event_ttl"`
		SnapshotTTL   Duration `yaml:"snapshot_ttl"`
		SweepInterval Duration `yaml:"sweep_interval"`
		SweepDelay    Duration `yaml:"sweep_delay"`
	} `yaml:"retention"`
	Snapshot struct {
		Interval     Duration `yaml:"interval"`
		InitialDelay Duration `yaml:"initial_delay"`
		Timeout      Duration `yaml:"timeout"`
		Compression  string   `yaml:"compression"`
	} `yaml:"snapshot"`
	Events struct {
		DefaultLimit int `yaml:"default_limit"`
		MaxLimit     int `yaml:"max_limit"`
	} `yaml:"events"`
	Broadcast struct {
		Redis struct {
			Addr          string `yaml:"addr"`
			Password      string `yaml:"password"`
			ChannelPrefix string `yaml:"channel_prefix"`
		} `yaml:"redis"`
	} `yaml:"broadcast"`
	Webhooks  []Webhook `yaml:"webhooks"`
	Telemetry struct {
		ServiceName  string `yaml:"service_name"`
		StdoutTraces bool   `yaml:"stdout_traces"`
	} `yaml:"telemetry"`
}

// Webhook relays log events to an HTTP endpoint.
type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        bool     `yaml:"enabled"`
}

// Duration is a time.Duration that reads "30s"/"24h" style strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required")
	}
	if _, _, err := SplitDSN(c.Database.DSN); err != nil {
		return err
	}
	if c.Retention.EventTTL <= 0 {
		return fmt.Errorf("config.retention.event_ttl must be positive")
	}
	if c.Retention.SnapshotTTL <= 0 {
		return fmt.Errorf("config.retention.snapshot_ttl must be positive")
	}
	if c.Retention.SnapshotTTL > c.Retention.EventTTL {
		return fmt.Errorf("config.retention.snapshot_ttl (%s) must not exceed event_ttl (%s)", c.Retention.SnapshotTTL, c.Retention.EventTTL)
	}
	if c.Retention.SweepInterval <= 0 {
		return fmt.Errorf("config.retention.sweep_interval must be positive")
	}
	if c.Snapshot.Interval <= 0 {
		return fmt.Errorf("config.snapshot.interval must be positive")
	}
	if c.Snapshot.Timeout <= 0 {
		return fmt.Errorf("config.snapshot.timeout must be positive")
	}
	switch c.Snapshot.Compression {
	case "zstd", "none":
	default:
		return fmt.Errorf("config.snapshot.compression must be zstd or none, got %q", c.Snapshot.Compression)
	}
	if c.Events.DefaultLimit <= 0 || c.Events.MaxLimit <= 0 {
		return fmt.Errorf("config.events limits must be positive")
	}
	if c.Events.DefaultLimit > c.Events.MaxLimit {
		return fmt.Errorf("config.events.default_limit must not exceed max_limit")
	}
	seen := map[string]bool{}
	for i, hook := range c.Webhooks {
		if hook.ID == "" {
			return fmt.Errorf("webhooks[%d].id is required", i)
		}
		if seen[hook.ID] {
			return fmt.Errorf("duplicate webhook id %s", hook.ID)
		}
		seen[hook.ID] = true
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("webhook %s has invalid url %q", hook.ID, hook.URL)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s timeout_seconds must not be negative", hook.ID)
		}
	}
	return nil
}

// SplitDSN returns the driver kind ("sqlite" or "postgres") and the driver-specific source.
func SplitDSN(dsn string) (string, string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, nil
	case strings.HasPrefix(dsn, "sqlite:"):
		path := strings.TrimPrefix(dsn, "sqlite:")
		if path == "" {
			return "", "", fmt.Errorf("sqlite dsn %q has no path", dsn)
		}
		return "sqlite", path, nil
	default:
		return "", "", fmt.Errorf("unsupported database dsn %q (want sqlite:<path> or postgres://...)", dsn)
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fleetwatch.yml")
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML overlays raw YAML bytes on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api

database:
  dsn: sqlite:.fleetwatch/fleetwatch.db

retention:
  event_ttl: 24h
  snapshot_ttl: 24h
  sweep_interval: 1h
  sweep_delay: 60s

snapshot:
  interval: 30s
  initial_delay: 10s
  timeout: 15s
  compression: zstd

events:
  default_limit: 100
  max_limit: 1000

broadcast:
  redis:
    addr: ""
    channel_prefix: fleetwatch

telemetry:
  service_name: fleetwatch
  stdout_traces: false
`
