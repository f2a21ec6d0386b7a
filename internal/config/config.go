package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"ss-relay/internal/infrastructure/sscrypto"
)

var ErrMissingPassword = errors.New("password is required")

// Config mirrors the JSON configuration file. Durations are in seconds.
type Config struct {
	Server               string `json:"server"`
	ServerPort           int    `json:"server_port"`
	Password             string `json:"password"`
	Method               string `json:"method"`
	Timeout              int    `json:"timeout"`
	ProbeDelay           int    `json:"probe_delay"`
	ConnectTimeout       int    `json:"connect_timeout"`
	UDPTimeout           *int   `json:"udp_timeout"`
	BufferLimit          int    `json:"buffer_limit"`
	DNSServer            string `json:"dns_server"`
	DNSTimeout           int    `json:"dns_timeout"`
	ReplayHistory        int    `json:"replay_history"`
	ForbidPrivateTargets bool   `json:"forbid_private_targets"`
	UDP                  *bool  `json:"udp"`
	LogLevel             string `json:"log_level"`
	LogFormat            string `json:"log_format"`
}

func Default() Config {
	udpTimeout := 300
	udp := true
	return Config{
		Server:         "0.0.0.0",
		ServerPort:     8388,
		Method:         "chacha20-ietf-poly1305",
		Timeout:        60,
		ProbeDelay:     30,
		ConnectTimeout: 10,
		UDPTimeout:     &udpTimeout,
		BufferLimit:    64 * 1024,
		DNSServer:      "8.8.8.8:53",
		DNSTimeout:     5,
		ReplayHistory:  10000,
		UDP:            &udp,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Password == "" {
		return ErrMissingPassword
	}
	if !slices.Contains(sscrypto.Methods(), strings.ToLower(c.Method)) {
		return fmt.Errorf("%w: %q", sscrypto.ErrUnsupportedMethod, c.Method)
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port out of range: %d", c.ServerPort)
	}
	for name, v := range map[string]int{
		"timeout":         c.Timeout,
		"probe_delay":     c.ProbeDelay,
		"connect_timeout": c.ConnectTimeout,
		"buffer_limit":    c.BufferLimit,
		"dns_timeout":     c.DNSTimeout,
		"replay_history":  c.ReplayHistory,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.UDPTimeout != nil && *c.UDPTimeout < 0 {
		return errors.New("udp_timeout must not be negative")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c Config) HandshakeTimeout() time.Duration {
	return seconds(c.Timeout)
}

func (c Config) ProbeDelayDuration() time.Duration {
	return seconds(c.ProbeDelay)
}

func (c Config) ConnectTimeoutDuration() time.Duration {
	return seconds(c.ConnectTimeout)
}

func (c Config) DNSTimeoutDuration() time.Duration {
	return seconds(c.DNSTimeout)
}

// UDPIdleTimeout is zero when idle expiry is disabled.
func (c Config) UDPIdleTimeout() time.Duration {
	if c.UDPTimeout == nil {
		return 0
	}
	return seconds(*c.UDPTimeout)
}

func (c Config) UDPEnabled() bool {
	return c.UDP == nil || *c.UDP
}
