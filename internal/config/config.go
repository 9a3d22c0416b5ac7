package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/remote-test-proxy/backend/internal/asset"
	"github.com/remote-test-proxy/backend/internal/sequencer"
)

// Config is the full proxy configuration loaded from YAML and flags.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Assets          AssetsConfig          `yaml:"assets"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`
	Delivery        DeliveryConfig        `yaml:"delivery"`
	Journal         JournalConfig         `yaml:"journal"`
	EventLog        EventLogConfig        `yaml:"event_log"`
	Metrics         MetricsConfig         `yaml:"metrics"`
}

// ServerConfig holds the listener addresses.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// SocketPort is the WebSocket listener port. 0 disables it.
	SocketPort int `yaml:"socket_port"`
}

// AssetsConfig locates the served tree and the proxy's own files.
type AssetsConfig struct {
	BaseDir        string `yaml:"base_dir"`
	InstallDir     string `yaml:"install_dir"`
	InternalPrefix string `yaml:"internal_prefix"`
}

// InstrumentationConfig controls script instrumentation.
type InstrumentationConfig struct {
	Enabled bool           `yaml:"enabled"`
	Exclude Exclusion      `yaml:"exclude"`
	Command []string       `yaml:"command"`
	Options map[string]any `yaml:"options"`
}

// DeliveryConfig controls event ordering and when POSTs wait for delivery.
type DeliveryConfig struct {
	Ordering      string   `yaml:"ordering"`
	Wait          bool     `yaml:"wait"`
	WaitForEvents []string `yaml:"wait_for_events"`
}

// JournalConfig enables the sqlite journal. An empty Path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// EventLogConfig enables the JSON-lines event log. An empty Path disables it.
type EventLogConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig enables the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Exclusion is either a flag excluding every file or a pattern matched
// against request paths. YAML accepts `true`, `false` or a string.
type Exclusion struct {
	All     bool
	Pattern *regexp.Regexp
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Exclusion) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: exclude must be a bool or a pattern", node.Line)
	}

	if node.ShortTag() == "!!bool" {
		var all bool
		if err := node.Decode(&all); err != nil {
			return err
		}
		*e = Exclusion{All: all}
		return nil
	}

	if node.ShortTag() == "!!null" || node.Value == "" {
		*e = Exclusion{}
		return nil
	}

	re, err := regexp.Compile(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid exclude pattern: %w", node.Line, err)
	}
	*e = Exclusion{Pattern: re}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (e Exclusion) MarshalYAML() (interface{}, error) {
	if e.Pattern != nil {
		return e.Pattern.String(), nil
	}
	return e.All, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       9000,
			SocketPort: 9001,
		},
		Assets: AssetsConfig{
			BaseDir:        ".",
			InternalPrefix: asset.DefaultInternalPrefix,
		},
		Delivery: DeliveryConfig{
			Ordering: string(sequencer.PolicyOrdered),
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that cannot be expressed in YAML types.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.SocketPort < 0 || c.Server.SocketPort > 65535 {
		return fmt.Errorf("invalid socket port %d", c.Server.SocketPort)
	}
	if c.Server.SocketPort != 0 && c.Server.SocketPort == c.Server.Port {
		return errors.New("socket port must differ from port")
	}
	if _, err := sequencer.ParsePolicy(c.Delivery.Ordering); err != nil {
		return err
	}
	if c.Instrumentation.Enabled && len(c.Instrumentation.Command) == 0 {
		return errors.New("instrumentation enabled without a command")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SocketAddr returns the WebSocket listen address, or "" when disabled.
func (c *Config) SocketAddr() string {
	if c.Server.SocketPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.SocketPort)
}

// AssetOptions maps the asset and instrumentation sections onto asset.Options.
func (c *Config) AssetOptions() asset.Options {
	return asset.Options{
		BaseDir:          c.Assets.BaseDir,
		InstallDir:       c.Assets.InstallDir,
		InternalPrefix:   c.Assets.InternalPrefix,
		Instrument:       c.Instrumentation.Enabled,
		ExcludeAll:       c.Instrumentation.Exclude.All,
		Exclude:          c.Instrumentation.Exclude.Pattern,
		TransformOptions: c.Instrumentation.Options,
	}
}
