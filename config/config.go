// Package config holds the settings of a birpc peer process and loads them
// from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/kazmanavt/birpc"
)

// Transports understood by the peer.
const (
	TransportTCP       = "tcp"
	TransportUnix      = "unix"
	TransportWebSocket = "ws"
)

// Duration is a time.Duration written as "10s" or "1m30s" in config files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the full peer configuration.
type Config struct {
	Transport    string        `yaml:"transport" toml:"transport"`
	Address      string        `yaml:"address" toml:"address"`
	Path         string        `yaml:"path" toml:"path"`
	Keepalive    Duration      `yaml:"keepalive" toml:"keepalive"`
	PongTimeout  Duration      `yaml:"pong_timeout" toml:"pong_timeout"`
	WriteTimeout Duration      `yaml:"write_timeout" toml:"write_timeout"`
	CallTimeout  Duration      `yaml:"call_timeout" toml:"call_timeout"`
	QueueSize    int           `yaml:"queue_size" toml:"queue_size"`
	Metrics      MetricsConfig `yaml:"metrics" toml:"metrics"`
	Log          LogConfig     `yaml:"log" toml:"log"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen    string `yaml:"listen" toml:"listen"`
	Namespace string `yaml:"namespace" toml:"namespace"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Transport:   TransportTCP,
		Address:     "127.0.0.1:7070",
		Path:        "/rpc",
		Keepalive:   Duration(30 * time.Second),
		CallTimeout: Duration(30 * time.Second),
		QueueSize:   200,
		Metrics:     MetricsConfig{Namespace: "birpc"},
		Log:         LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if err := c.UpdateFromFile(path); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateFromFile overlays the values found in path. The format follows the
// file extension: .yaml, .yml or .toml.
func (c *Config) UpdateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("unable to decode configuration %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("unable to decode configuration %s: %w", path, err)
		}
	default:
		return fmt.Errorf("configuration %s: unsupported format %q", path, ext)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportTCP, TransportUnix:
	case TransportWebSocket:
		if !strings.HasPrefix(c.Path, "/") {
			errs = append(errs, fmt.Errorf("websocket path %q must start with /", c.Path))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Address == "" {
		errs = append(errs, errors.New("empty address"))
	}
	for name, d := range map[string]Duration{
		"keepalive":     c.Keepalive,
		"pong_timeout":  c.PongTimeout,
		"write_timeout": c.WriteTimeout,
		"call_timeout":  c.CallTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.QueueSize < 0 {
		errs = append(errs, errors.New("queue_size must not be negative"))
	}
	return errors.Join(errs...)
}

// SessionOptions converts the session settings into birpc options.
func (c *Config) SessionOptions() []birpc.Option {
	return []birpc.Option{
		birpc.WithKeepalive(time.Duration(c.Keepalive)),
		birpc.WithPongTimeout(time.Duration(c.PongTimeout)),
		birpc.WithWriteTimeout(time.Duration(c.WriteTimeout)),
		birpc.WithQueueSize(c.QueueSize),
	}
}

// URL returns the WebSocket endpoint for the ws transport.
func (c *Config) URL() string {
	return "ws://" + c.Address + c.Path
}
