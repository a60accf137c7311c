// Package config provides configuration parsing and validation for
// selfproxyd.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete selfproxyd configuration: the core fields
// named in spec.md §6, plus the ambient fields every teacher config
// carries (log level/format, metrics, debug control feed) and the
// new-flow admission limiter.
type Config struct {
	Core    CoreConfig    `yaml:"core"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Control ControlConfig `yaml:"control"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// CoreConfig covers the fields spec.md §6 names, plus the tunnel device
// path.
type CoreConfig struct {
	SocksEndpoint            string        `yaml:"socks_endpoint"`
	IdleTimeout              time.Duration `yaml:"idle_timeout"`
	TimeWaitTimeout          time.Duration `yaml:"time_wait_timeout"`
	Socks5HandshakeTimeout   time.Duration `yaml:"socks5_handshake_timeout"`
	DNSTimeout               time.Duration `yaml:"dns_timeout"`
	EvictionTick             time.Duration `yaml:"eviction_tick"`
	TunnelMTU                int           `yaml:"tunnel_mtu"`
	TunnelDevice             string        `yaml:"tunnel_device"` // path to an already-configured TUN character device
}

// LogConfig configures the ambient structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // verbose, debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig configures the optional Prometheus exporter. Disabled
// (no listener started) unless Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ControlConfig configures the optional read-only debug control feed.
// Disabled unless Addr is set.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// LimitsConfig bundles the new-flow admission limiter (SPEC_FULL.md §4.9).
type LimitsConfig struct {
	MaxNewFlowsPerSecond int `yaml:"max_new_flows_per_second"` // 0 disables limiting
}

// Default returns a Config populated with spec.md §6's documented
// defaults.
func Default() *Config {
	return &Config{
		Core: CoreConfig{
			SocksEndpoint:          "127.0.0.1:1080",
			IdleTimeout:            120 * time.Second,
			TimeWaitTimeout:        30 * time.Second,
			Socks5HandshakeTimeout: 10 * time.Second,
			DNSTimeout:             5 * time.Second,
			EvictionTick:           15 * time.Second,
			TunnelMTU:              1500,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Limits: LimitsConfig{
			MaxNewFlowsPerSecond: 0,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying env-var
// expansion and defaults before validating.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR}, ${VAR:-default}, and $VAR references
// with their environment values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate rejects non-positive timeouts and a SOCKS5 endpoint that
// fails net.SplitHostPort, the way the teacher validates
// ListenerConfig/PeerConfig.
func (c *Config) Validate() error {
	var errs []string

	if _, _, err := net.SplitHostPort(c.Core.SocksEndpoint); err != nil {
		errs = append(errs, fmt.Sprintf("core.socks_endpoint: %v", err))
	}
	if c.Core.IdleTimeout <= 0 {
		errs = append(errs, "core.idle_timeout must be positive")
	}
	if c.Core.TimeWaitTimeout <= 0 {
		errs = append(errs, "core.time_wait_timeout must be positive")
	}
	if c.Core.Socks5HandshakeTimeout <= 0 {
		errs = append(errs, "core.socks5_handshake_timeout must be positive")
	}
	if c.Core.DNSTimeout <= 0 {
		errs = append(errs, "core.dns_timeout must be positive")
	}
	if c.Core.EvictionTick <= 0 {
		errs = append(errs, "core.eviction_tick must be positive")
	}
	if c.Core.TunnelMTU < 576 {
		errs = append(errs, "core.tunnel_mtu must be at least 576")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level: invalid %q (must be verbose, debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("log.format: invalid %q (must be text or json)", c.Log.Format))
	}
	if c.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.addr: %v", err))
		}
	}
	if c.Control.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Control.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("control.addr: %v", err))
		}
	}
	if c.Limits.MaxNewFlowsPerSecond < 0 {
		errs = append(errs, "limits.max_new_flows_per_second must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "verbose", "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String renders the config as YAML for debugging. No field in Config
// is sensitive (no credentials or key material are accepted by this
// core), so no redaction is performed.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
