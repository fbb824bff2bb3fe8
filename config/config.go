// Package config holds the explicit configuration value passed to the
// server and outbound initiator at construction. There is no process-wide
// mutable singleton; load once, validate, pass by value.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that parses "30m" style strings from both
// YAML and environment values.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config describes how to reach the PBX control plane and how this
// system identifies itself.
type Config struct {
	// Manager-protocol (call signaling) connection.
	ManagerAddr string `yaml:"manager_addr" env:"MANAGER_ADDR"`
	ManagerUser string `yaml:"manager_user" env:"MANAGER_USER"`
	ManagerPass string `yaml:"manager_pass" env:"MANAGER_PASS"`

	// Channel-control (REST/event stream) connection.
	ControlURL  string `yaml:"control_url" env:"CONTROL_URL"`
	ControlUser string `yaml:"control_user" env:"CONTROL_USER"`
	ControlPass string `yaml:"control_pass" env:"CONTROL_PASS"`

	// ControlApp is the stasis application channels are routed through.
	ControlApp string `yaml:"control_app" env:"CONTROL_APP"`

	// PSTNEndpoint is the PBX endpoint outbound calls and messages are
	// dialed through.
	PSTNEndpoint string `yaml:"pstn_endpoint" env:"PSTN_ENDPOINT"`

	// GatewayHost is the SIP host used in outbound message URIs.
	GatewayHost string `yaml:"gateway_host" env:"GATEWAY_HOST"`

	// SystemNumber and SystemName form the default caller id.
	SystemNumber string `yaml:"system_number" env:"SYSTEM_NUMBER"`
	SystemName   string `yaml:"system_name" env:"SYSTEM_NAME"`

	// SoundsDir is where resolved speech media is cached.
	SoundsDir string `yaml:"sounds_dir" env:"SOUNDS_DIR"`

	// AudioSocket media server bind address, "host:port".
	AudioSocketAddr string `yaml:"audiosocket_addr" env:"AUDIOSOCKET_ADDR"`

	// RTPAddr is the bind address for RTP media streams, "host:port".
	// Port 0 picks a free port per stream. The host must be routable
	// from the PBX.
	RTPAddr string `yaml:"rtp_addr" env:"RTP_ADDR"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// SessionTTL bounds idle session lifetime before leak sweeping.
	SessionTTL Duration `yaml:"session_ttl" env:"SESSION_TTL"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ManagerAddr:     "localhost:5038",
		ControlURL:      "http://localhost:8088/ari",
		ControlApp:      "callscript",
		SystemName:      "callscript",
		SoundsDir:       "/var/lib/asterisk/sounds/en/callscript",
		AudioSocketAddr: "0.0.0.0:8090",
		RTPAddr:         "127.0.0.1:0",
		LogLevel:        "info",
		SessionTTL:      Duration(time.Hour),
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment variable overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the fields every deployment needs.
func (c Config) Validate() error {
	if c.ManagerAddr == "" {
		return fmt.Errorf("%w: manager_addr is required", ErrInvalid)
	}
	if c.ManagerUser == "" {
		return fmt.Errorf("%w: manager_user is required", ErrInvalid)
	}
	if c.ControlURL == "" {
		return fmt.Errorf("%w: control_url is required", ErrInvalid)
	}
	if c.ControlApp == "" {
		return fmt.Errorf("%w: control_app is required", ErrInvalid)
	}
	if c.SystemNumber == "" {
		return fmt.Errorf("%w: system_number is required", ErrInvalid)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("%w: session_ttl must not be negative", ErrInvalid)
	}
	return nil
}
