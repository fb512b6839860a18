package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// Helper function to create a temporary config file
func createTempConfigFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	tempFilePath := filepath.Join(dir, filename)
	err := os.WriteFile(tempFilePath, []byte(content), 0644)
	if err != nil {
		t.Fatalf("Failed to create temp config file %s: %v", tempFilePath, err)
	}
	return tempFilePath
}

func TestDefaultConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:8080" {
		t.Errorf("Expected default listen address 127.0.0.1:8080, got %q", cfg.ListenAddress)
	}
	if cfg.RateLimit.Requests != 100 || cfg.RateLimit.WindowSeconds != 10 {
		t.Errorf("Expected default rate limit 100/10s, got %d/%ds", cfg.RateLimit.Requests, cfg.RateLimit.WindowSeconds)
	}
	if cfg.Statistics.Backend != "sqlite" {
		t.Errorf("Expected default stats backend sqlite, got %q", cfg.Statistics.Backend)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	content := `{
		"listen-address": "0.0.0.0:3128",
		"max-connections": 50,
		"timeout-seconds": 30,
		"rate-limit": {
			"requests": 5,
			"window-seconds": 2
		},
		"blocklist": {
			"patterns": ["*.youtube.com", "ads.example.com"]
		},
		"statistics": {
			"enabled": true,
			"backend": "memory"
		}
	}`
	path := createTempConfigFile(t, t.TempDir(), "config.json", content)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load JSON config: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:3128" {
		t.Errorf("Expected listen address 0.0.0.0:3128, got %q", cfg.ListenAddress)
	}
	if cfg.MaxConnections != 50 {
		t.Errorf("Expected max connections 50, got %d", cfg.MaxConnections)
	}
	if cfg.TimeoutSeconds != 30 {
		t.Errorf("Expected timeout 30, got %d", cfg.TimeoutSeconds)
	}
	if cfg.RateLimit.Requests != 5 || cfg.RateLimit.WindowSeconds != 2 {
		t.Errorf("Expected rate limit 5/2s, got %d/%ds", cfg.RateLimit.Requests, cfg.RateLimit.WindowSeconds)
	}
	wantPatterns := []string{"*.youtube.com", "ads.example.com"}
	if !reflect.DeepEqual(cfg.Blocklist.Patterns, wantPatterns) {
		t.Errorf("Expected patterns %v, got %v", wantPatterns, cfg.Blocklist.Patterns)
	}
	if !cfg.Statistics.Enabled || cfg.Statistics.Backend != "memory" {
		t.Errorf("Expected enabled memory stats, got %+v", cfg.Statistics)
	}
	// Untouched keys keep their defaults.
	if cfg.ConnectTimeoutSeconds != 5 {
		t.Errorf("Expected default connect timeout 5, got %d", cfg.ConnectTimeoutSeconds)
	}
}

func TestLoadConfigJSONSecret(t *testing.T) {
	t.Setenv("TEST_FLUXGATE_DSN", "postgres://stats:pw@localhost/stats")
	content := `{
		"statistics": {
			"enabled": true,
			"backend": "postgres",
			"postgres-dsn": {"_secret": "TEST_FLUXGATE_DSN"}
		}
	}`
	path := createTempConfigFile(t, t.TempDir(), "config.json", content)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config with secret: %v", err)
	}
	if cfg.Statistics.PostgresDSN != "postgres://stats:pw@localhost/stats" {
		t.Errorf("Expected DSN from env, got %q", cfg.Statistics.PostgresDSN)
	}
}

func TestLoadConfigJSONSecretMissing(t *testing.T) {
	content := `{
		"statistics": {
			"postgres-dsn": {"_secret": "TEST_FLUXGATE_MISSING_DSN"}
		}
	}`
	path := createTempConfigFile(t, t.TempDir(), "config.json", content)

	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "TEST_FLUXGATE_MISSING_DSN") {
		t.Fatalf("Expected missing secret error, got %v", err)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	content := `
listen-address: "127.0.0.1:9090"
rate-limit:
  requests: 20
  window-seconds: 5
blocklist:
  patterns:
    - "*.tracker.net"
`
	path := createTempConfigFile(t, t.TempDir(), "config.yaml", content)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load YAML config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9090" {
		t.Errorf("Expected listen address 127.0.0.1:9090, got %q", cfg.ListenAddress)
	}
	if cfg.RateLimit.Requests != 20 || cfg.RateLimit.WindowSeconds != 5 {
		t.Errorf("Expected rate limit 20/5s, got %d/%ds", cfg.RateLimit.Requests, cfg.RateLimit.WindowSeconds)
	}
	if len(cfg.Blocklist.Patterns) != 1 || cfg.Blocklist.Patterns[0] != "*.tracker.net" {
		t.Errorf("Unexpected patterns: %v", cfg.Blocklist.Patterns)
	}
	if cfg.MaxConnections != 100 {
		t.Errorf("Expected default max connections 100, got %d", cfg.MaxConnections)
	}
}

func TestLoadConfigHCL(t *testing.T) {
	content := `
listen-address = "127.0.0.1:9191"
max-connections = 25

rate-limit {
  requests = 7
  window-seconds = 3
}

blocklist {
  patterns = ["*.example.com"]
}

statistics {
  enabled = true
  backend = "dummy"
}
`
	path := createTempConfigFile(t, t.TempDir(), "config.hcl", content)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load HCL config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9191" {
		t.Errorf("Expected listen address 127.0.0.1:9191, got %q", cfg.ListenAddress)
	}
	if cfg.MaxConnections != 25 {
		t.Errorf("Expected max connections 25, got %d", cfg.MaxConnections)
	}
	if cfg.RateLimit.Requests != 7 || cfg.RateLimit.WindowSeconds != 3 {
		t.Errorf("Expected rate limit 7/3s, got %d/%ds", cfg.RateLimit.Requests, cfg.RateLimit.WindowSeconds)
	}
	if !cfg.Statistics.Enabled || cfg.Statistics.Backend != "dummy" {
		t.Errorf("Expected enabled dummy stats, got %+v", cfg.Statistics)
	}
}

func TestLoadConfigUnsupportedFormat(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "config.toml", "listen-address = \"x\"")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "unsupported config file format") {
		t.Fatalf("Expected unsupported format error, got %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("FLUXGATE_LISTENADDRESS", "0.0.0.0:8888")
	t.Setenv("FLUXGATE_MAXCONNECTIONS", "7")
	t.Setenv("FLUXGATE_RATELIMIT_REQUESTS", "3")
	t.Setenv("FLUXGATE_RATELIMIT_WINDOWSECONDS", "1")
	t.Setenv("FLUXGATE_STATS_ENABLED", "true")
	t.Setenv("FLUXGATE_STATS_BACKEND", "memory")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config from env: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:8888" {
		t.Errorf("Expected listen address from env, got %q", cfg.ListenAddress)
	}
	if cfg.MaxConnections != 7 {
		t.Errorf("Expected max connections 7, got %d", cfg.MaxConnections)
	}
	if cfg.RateLimit.Requests != 3 || cfg.RateLimit.WindowSeconds != 1 {
		t.Errorf("Expected rate limit 3/1s, got %d/%ds", cfg.RateLimit.Requests, cfg.RateLimit.WindowSeconds)
	}
	if !cfg.Statistics.Enabled || cfg.Statistics.Backend != "memory" {
		t.Errorf("Expected enabled memory stats, got %+v", cfg.Statistics)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty listen address", func(c *Config) { c.ListenAddress = "" }, "listen-address"},
		{"zero rate limit", func(c *Config) { c.RateLimit.Requests = 0 }, "requests"},
		{"zero window", func(c *Config) { c.RateLimit.WindowSeconds = 0 }, "window-seconds"},
		{"zero timeout", func(c *Config) { c.TimeoutSeconds = 0 }, "timeouts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestHasChanged(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	if HasChanged(a, b) {
		t.Error("Identical configs reported as changed")
	}

	b.MaxConnections = 5
	if !HasChanged(a, b) {
		t.Error("Changed max connections not detected")
	}

	c := DefaultConfig()
	c.Blocklist.Patterns = []string{"*.example.com"}
	if !HasChanged(a, c) {
		t.Error("Changed blocklist not detected")
	}
	if !BlocklistChanged(&a.Blocklist, &c.Blocklist) {
		t.Error("BlocklistChanged missed pattern difference")
	}
	if BlocklistChanged(&a.Blocklist, &b.Blocklist) {
		t.Error("BlocklistChanged reported unchanged blocklists as different")
	}
}
