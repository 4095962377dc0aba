// Package config loads the YAML configuration of the example server.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

var (
	ErrNoGRPCAddress = errors.New("config: grpc address is required")
	ErrNoHTTPAddress = errors.New("config: http address is required when http is enabled")
)

type Config struct {
	GRPC            GRPC     `json:"grpc"`
	HTTP            HTTP     `json:"http"`
	ShutdownTimeout Duration `json:"shutdownTimeout"`
	Log             Log      `json:"log"`
	// MaxListeners is the listener count per message event above which a
	// possible leak is logged. Negative disables the warning.
	MaxListeners int `json:"maxListeners"`
}

type GRPC struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

type HTTP struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

type Log struct {
	// Verbosity enables logr V-levels up to this value.
	Verbosity int `json:"verbosity"`
	// Format is either "json" or "text".
	Format string `json:"format"`
}

// Duration reads durations written as strings like "5s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() Config {
	return Config{
		GRPC: GRPC{
			Network: "tcp",
			Address: ":8081",
		},
		HTTP: HTTP{
			Enabled: true,
			Address: ":8080",
		},
		ShutdownTimeout: Duration{5 * time.Second},
		Log: Log{
			Format: "json",
		},
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.GRPC.Address == "" {
		errs = append(errs, ErrNoGRPCAddress)
	}
	switch c.GRPC.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported grpc network %q", c.GRPC.Network))
	}
	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = append(errs, ErrNoHTTPAddress)
	}
	if c.ShutdownTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("config: negative shutdown timeout %s", c.ShutdownTimeout))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Parse reads YAML on top of the defaults and validates the result.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("could not unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load parses the file at path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not read file: %w", err)
	}
	return Parse(b)
}
