package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Core.SocksEndpoint != "127.0.0.1:1080" {
		t.Errorf("Core.SocksEndpoint = %s, want 127.0.0.1:1080", cfg.Core.SocksEndpoint)
	}
	if cfg.Core.IdleTimeout != 120*time.Second {
		t.Errorf("Core.IdleTimeout = %v, want 120s", cfg.Core.IdleTimeout)
	}
	if cfg.Core.TimeWaitTimeout != 30*time.Second {
		t.Errorf("Core.TimeWaitTimeout = %v, want 30s", cfg.Core.TimeWaitTimeout)
	}
	if cfg.Core.TunnelMTU != 1500 {
		t.Errorf("Core.TunnelMTU = %d, want 1500", cfg.Core.TunnelMTU)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want info/text", cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
core:
  socks_endpoint: "10.0.0.1:1080"
  idle_timeout: 60s
  tunnel_mtu: 1400
log:
  level: debug
  format: json
limits:
  max_new_flows_per_second: 50
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Core.SocksEndpoint != "10.0.0.1:1080" {
		t.Errorf("SocksEndpoint = %s, want 10.0.0.1:1080", cfg.Core.SocksEndpoint)
	}
	if cfg.Core.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout = %v, want 60s", cfg.Core.IdleTimeout)
	}
	// Fields not present in the YAML keep their defaults.
	if cfg.Core.TimeWaitTimeout != 30*time.Second {
		t.Errorf("TimeWaitTimeout = %v, want default 30s", cfg.Core.TimeWaitTimeout)
	}
	if cfg.Limits.MaxNewFlowsPerSecond != 50 {
		t.Errorf("MaxNewFlowsPerSecond = %d, want 50", cfg.Limits.MaxNewFlowsPerSecond)
	}
}

func TestParse_EnvVarExpansion(t *testing.T) {
	os.Setenv("SELFPROXY_TEST_ENDPOINT", "192.168.1.1:1080")
	defer os.Unsetenv("SELFPROXY_TEST_ENDPOINT")

	yamlConfig := `
core:
  socks_endpoint: "${SELFPROXY_TEST_ENDPOINT}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Core.SocksEndpoint != "192.168.1.1:1080" {
		t.Errorf("SocksEndpoint = %s, want env-expanded value", cfg.Core.SocksEndpoint)
	}
}

func TestParse_EnvVarDefault(t *testing.T) {
	os.Unsetenv("SELFPROXY_UNSET_VAR")
	yamlConfig := `
core:
  socks_endpoint: "${SELFPROXY_UNSET_VAR:-127.0.0.1:9050}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Core.SocksEndpoint != "127.0.0.1:9050" {
		t.Errorf("SocksEndpoint = %s, want fallback default", cfg.Core.SocksEndpoint)
	}
}

func TestValidate_RejectsBadSocksEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Core.SocksEndpoint = "not-a-host-port"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for malformed socks_endpoint")
	}
}

func TestValidate_RejectsNonPositiveTimeouts(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Core.IdleTimeout = 0 },
		func(c *Config) { c.Core.TimeWaitTimeout = -1 },
		func(c *Config) { c.Core.Socks5HandshakeTimeout = 0 },
		func(c *Config) { c.Core.DNSTimeout = 0 },
		func(c *Config) { c.Core.EvictionTick = 0 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestValidate_RejectsInvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "nonsense"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid log level")
	}
}

func TestValidate_AcceptsOptionalAddrsUnset(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Addr = ""
	cfg.Control.Addr = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error with metrics/control disabled: %v", err)
	}
}

func TestValidate_RejectsMalformedMetricsAddr(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Addr = "not-valid"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for malformed metrics.addr")
	}
}

func TestString_RendersYAML(t *testing.T) {
	cfg := Default()
	out := cfg.String()
	if !strings.Contains(out, "socks_endpoint") {
		t.Errorf("String() output missing expected field: %s", out)
	}
}
