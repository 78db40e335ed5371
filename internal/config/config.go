// Package config handles bypassd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/bypassd/config.yaml, /etc/bypassd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bypassd", "config.yaml"))
	}

	paths = append(paths, "/etc/bypassd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bypassd configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	Solver    SolverConfig `yaml:"solver"`
	Proxy     ProxyConfig  `yaml:"proxy"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" (default) or "json"

	// HistoryRetentionDays bounds how long solve records are kept
	// (default 30). A negative value keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "127.0.0.1")
	Port    int    `yaml:"port"`
}

// SolverConfig holds the defaults every solve request starts from.
// A request may override forks and max timeout; everything else is
// fixed for the life of the process.
type SolverConfig struct {
	// Forks is the default fork plan used when a request does not
	// carry its own. Accepts a YAML list or the compact string form
	// "delay:count,delay:count".
	Forks Forks `yaml:"forks"`

	// DefaultMaxTimeoutMs applies when a request omits maxTimeout.
	DefaultMaxTimeoutMs int `yaml:"default_max_timeout_ms"`

	// UserAgent is sent by the HTTP solver and reported by the
	// identity probe when no IdentityURL is configured.
	UserAgent string `yaml:"user_agent"`

	// IdentityURL, when set, is fetched through the request's proxy
	// and must answer with JSON {"user-agent": "..."}.
	IdentityURL string `yaml:"identity_url"`

	Headless   bool `yaml:"headless"`
	DisableGPU bool `yaml:"disable_gpu"`

	// DebugDir receives per-request DOM dumps. Empty disables capture.
	DebugDir string `yaml:"debug_dir"`

	// ChallengeScreenshotsDir receives challenge captures. Empty disables capture.
	ChallengeScreenshotsDir string `yaml:"challenge_screenshots_dir"`

	// Commands restricts the enabled command processors. Empty enables
	// every built-in command.
	Commands []string `yaml:"commands"`

	// MaxBodyBytes caps how much of a solved page is kept (default 10 MB).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// ProxyConfig describes the local proxy port range and launch command
// used by solvers that tunnel authenticated upstream proxies.
type ProxyConfig struct {
	ListenStartPort int    `yaml:"listen_start_port"`
	ListenEndPort   int    `yaml:"listen_end_port"`
	Command         string `yaml:"command"`
}

// MQTTConfig defines the optional MQTT publisher for Home Assistant
// discovery sensors.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether enough MQTT settings are present to connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// Fork is one fork group: Count extra attempts that all start Delay
// after the request arrives.
type Fork struct {
	DelaySec float64 `yaml:"delay"`
	Count    int     `yaml:"count"`
}

// Delay returns the fork group's start offset.
func (f Fork) Delay() time.Duration {
	return time.Duration(f.DelaySec * float64(time.Second))
}

// Forks is an ordered fork plan.
type Forks []Fork

// UnmarshalYAML accepts either a sequence of {delay, count} mappings
// or a scalar in the compact "delay:count,..." form.
func (f *Forks) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParseForks(node.Value)
		if err != nil {
			return err
		}
		*f = parsed
		return nil
	}
	var list []Fork
	if err := node.Decode(&list); err != nil {
		return err
	}
	*f = list
	return nil
}

// ParseForks parses the compact fork form "delay:count,delay:count".
// A missing count means one fork. Surrounding quotes and spaces are
// ignored; an empty string yields no forks.
func ParseForks(s string) (Forks, error) {
	s = strings.Trim(s, ` "`)
	if s == "" {
		return nil, nil
	}
	var out Forks
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		delayStr, countStr, hasCount := strings.Cut(part, ":")
		delay, err := strconv.ParseFloat(strings.TrimSpace(delayStr), 64)
		if err != nil {
			return nil, fmt.Errorf("fork %q: invalid delay: %w", part, err)
		}
		count := 1
		if hasCount {
			count, err = strconv.Atoi(strings.TrimSpace(countStr))
			if err != nil {
				return nil, fmt.Errorf("fork %q: invalid count: %w", part, err)
			}
		}
		out = append(out, Fork{DelaySec: delay, Count: count})
	}
	return out, nil
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyEnv lets BYPASSD_FORKS replace the configured fork plan, which
// is convenient in container deployments.
func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("BYPASSD_FORKS"); ok {
		forks, err := ParseForks(v)
		if err != nil {
			return fmt.Errorf("BYPASSD_FORKS: %w", err)
		}
		c.Solver.Forks = forks
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.Solver.DefaultMaxTimeoutMs == 0 {
		c.Solver.DefaultMaxTimeoutMs = 60000
	}
	if c.Solver.MaxBodyBytes == 0 {
		c.Solver.MaxBodyBytes = 10 * 1024 * 1024
	}
	if c.Proxy.ListenStartPort == 0 {
		c.Proxy.ListenStartPort = 10000
	}
	if c.Proxy.ListenEndPort == 0 {
		c.Proxy.ListenEndPort = 20000
	}
	if c.Proxy.Command == "" {
		c.Proxy.Command = "gost -L=socks5://127.0.0.1:{{LOCAL_PORT}} -F='{{UPSTREAM_URL}}'"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.HistoryRetentionDays == 0 {
		c.HistoryRetentionDays = 30
	}
}

// HistoryRetention returns the history retention window, or zero when
// records are kept forever.
func (c *Config) HistoryRetention() time.Duration {
	if c.HistoryRetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// Validate checks the configuration for values that would only fail
// later at request time.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Solver.DefaultMaxTimeoutMs < 0 {
		return fmt.Errorf("solver.default_max_timeout_ms must not be negative")
	}
	for i, f := range c.Solver.Forks {
		if f.Count <= 0 {
			return fmt.Errorf("solver.forks[%d]: count must be positive, got %d", i, f.Count)
		}
		if f.DelaySec < 0 {
			return fmt.Errorf("solver.forks[%d]: delay must not be negative", i)
		}
	}
	if c.Proxy.ListenStartPort > c.Proxy.ListenEndPort {
		return fmt.Errorf("proxy.listen_start_port %d exceeds listen_end_port %d",
			c.Proxy.ListenStartPort, c.Proxy.ListenEndPort)
	}
	if c.MQTT.PublishIntervalSec < 0 {
		return fmt.Errorf("mqtt.publish_interval_sec must not be negative")
	}
	return nil
}
