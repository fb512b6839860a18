package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
)

// RateLimitConfig defines the per-client request budget: at most Requests
// requests per WindowSeconds rolling window.
type RateLimitConfig struct {
	Requests      int `json:"requests" yaml:"requests" hcl:"requests,optional"`
	WindowSeconds int `json:"window-seconds" yaml:"window-seconds" hcl:"window-seconds,optional"`
}

// BlocklistConfig defines where blocked domain patterns come from.
// Patterns lists them inline; File points to a file with one pattern per
// line (# starts a comment). Both sources are merged.
type BlocklistConfig struct {
	Patterns []string `json:"patterns" yaml:"patterns" hcl:"patterns,optional"`
	File     string   `json:"file" yaml:"file" hcl:"file,optional"`
}

// StatisticsConfig defines settings for metrics persistence
type StatisticsConfig struct {
	Enabled              bool   `json:"enabled" yaml:"enabled" hcl:"enabled,optional"`
	Backend              string `json:"backend" yaml:"backend" hcl:"backend,optional"` // "sqlite", "postgres", "memory" or "dummy"
	SQLitePath           string `json:"sqlite-path" yaml:"sqlite-path" hcl:"sqlite-path,optional"`
	PostgresDSN          string `json:"postgres-dsn" yaml:"postgres-dsn" hcl:"postgres-dsn,optional"`
	FlushIntervalSeconds int    `json:"flush-interval" yaml:"flush-interval" hcl:"flush-interval,optional"`
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress         string           `json:"listen-address" yaml:"listen-address" hcl:"listen-address,optional"`
	MaxConnections        int              `json:"max-connections" yaml:"max-connections" hcl:"max-connections,optional"`
	TimeoutSeconds        int              `json:"timeout-seconds" yaml:"timeout-seconds" hcl:"timeout-seconds,optional"`                               // tunnel/forward idle timeout
	ConnectTimeoutSeconds int              `json:"connect-timeout-seconds" yaml:"connect-timeout-seconds" hcl:"connect-timeout-seconds,optional"`       // upstream dial timeout
	HeaderTimeoutSeconds  int              `json:"header-timeout-seconds" yaml:"header-timeout-seconds" hcl:"header-timeout-seconds,optional"`          // client header read timeout
	RateLimit             RateLimitConfig  `json:"rate-limit" yaml:"rate-limit" hcl:"rate-limit,block"`
	Blocklist             BlocklistConfig  `json:"blocklist" yaml:"blocklist" hcl:"blocklist,block"`
	Statistics            StatisticsConfig `json:"statistics" yaml:"statistics" hcl:"statistics,block"`
}

// DefaultConfig returns the built-in defaults applied before any file or
// environment values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:         "127.0.0.1:8080",
		MaxConnections:        100,
		TimeoutSeconds:        60,
		ConnectTimeoutSeconds: 5,
		HeaderTimeoutSeconds:  10,
		RateLimit: RateLimitConfig{
			Requests:      100,
			WindowSeconds: 10,
		},
		Statistics: StatisticsConfig{
			Backend:              "sqlite",
			SQLitePath:           "fluxgate_stats.db",
			FlushIntervalSeconds: 5,
		},
	}
}

// LoadConfig loads configuration from the specified file path. The format is
// chosen by extension (.json, .yaml/.yml or .hcl). An empty path yields the
// defaults plus environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Apply environment variables
	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".yaml", ".yml":
			err = loadYAMLConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("listen-address must not be empty")
	}
	if cfg.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate-limit requests must be positive, got %d", cfg.RateLimit.Requests)
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate-limit window-seconds must be positive, got %d", cfg.RateLimit.WindowSeconds)
	}
	if cfg.ConnectTimeoutSeconds <= 0 || cfg.HeaderTimeoutSeconds <= 0 || cfg.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first so hyphenated keys and _secret indirection
	// can be handled uniformly.
	var data map[string]any
	err = json.NewDecoder(file).Decode(&data)
	if err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	if val, exists := data["listen-address"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("listen-address must be a string: %w", err)
		}
		cfg.ListenAddress = *ptr
	}

	if val, exists := data["max-connections"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("max-connections must be a number: %w", err)
		}
		cfg.MaxConnections = *ptr
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("timeout-seconds must be a number: %w", err)
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["connect-timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("connect-timeout-seconds must be a number: %w", err)
		}
		cfg.ConnectTimeoutSeconds = *ptr
	}

	if val, exists := data["header-timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("header-timeout-seconds must be a number: %w", err)
		}
		cfg.HeaderTimeoutSeconds = *ptr
	}

	if val, exists := data["rate-limit"]; exists {
		rlMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("rate-limit must be an object")
		}
		if v, exists := rlMap["requests"]; exists {
			ptr, err := parseValue[int](v)
			if err != nil {
				return fmt.Errorf("rate-limit requests must be a number: %w", err)
			}
			cfg.RateLimit.Requests = *ptr
		}
		if v, exists := rlMap["window-seconds"]; exists {
			ptr, err := parseValue[int](v)
			if err != nil {
				return fmt.Errorf("rate-limit window-seconds must be a number: %w", err)
			}
			cfg.RateLimit.WindowSeconds = *ptr
		}
	}

	if val, exists := data["blocklist"]; exists {
		blMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("blocklist must be an object")
		}
		if v, exists := blMap["patterns"]; exists {
			list, ok := v.([]any)
			if !ok {
				return fmt.Errorf("blocklist patterns must be an array")
			}
			cfg.Blocklist.Patterns = nil
			for i, entry := range list {
				ptr, err := parseValue[string](entry)
				if err != nil {
					return fmt.Errorf("blocklist pattern at index %d must be a string: %w", i, err)
				}
				cfg.Blocklist.Patterns = append(cfg.Blocklist.Patterns, *ptr)
			}
		}
		if v, exists := blMap["file"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("blocklist file must be a string: %w", err)
			}
			cfg.Blocklist.File = *ptr
		}
	}

	if val, exists := data["statistics"]; exists {
		stMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if v, exists := stMap["enabled"]; exists {
			ptr, err := parseValue[bool](v)
			if err != nil {
				return fmt.Errorf("statistics enabled must be a boolean: %w", err)
			}
			cfg.Statistics.Enabled = *ptr
		}
		if v, exists := stMap["backend"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("statistics backend must be a string: %w", err)
			}
			cfg.Statistics.Backend = *ptr
		}
		if v, exists := stMap["sqlite-path"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("statistics sqlite-path must be a string: %w", err)
			}
			cfg.Statistics.SQLitePath = *ptr
		}
		if v, exists := stMap["postgres-dsn"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("statistics postgres-dsn must be a string: %w", err)
			}
			cfg.Statistics.PostgresDSN = *ptr
		}
		if v, exists := stMap["flush-interval"]; exists {
			ptr, err := parseValue[int](v)
			if err != nil {
				return fmt.Errorf("statistics flush-interval must be a number: %w", err)
			}
			cfg.Statistics.FlushIntervalSeconds = *ptr
		}
	}

	return nil
}

// parseValue converts a decoded JSON value into *T, resolving the
// {"_secret": "ENV_NAME"} indirection to an environment variable first.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("FLUXGATE_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}

	if maxConnStr := os.Getenv("FLUXGATE_MAXCONNECTIONS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			cfg.MaxConnections = maxConn
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for FLUXGATE_MAXCONNECTIONS: %s\n", maxConnStr)
		}
	}

	if timeoutStr := os.Getenv("FLUXGATE_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for FLUXGATE_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if timeoutStr := os.Getenv("FLUXGATE_CONNECTTIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ConnectTimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for FLUXGATE_CONNECTTIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if limitStr := os.Getenv("FLUXGATE_RATELIMIT_REQUESTS"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			cfg.RateLimit.Requests = limit
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for FLUXGATE_RATELIMIT_REQUESTS: %s\n", limitStr)
		}
	}

	if windowStr := os.Getenv("FLUXGATE_RATELIMIT_WINDOWSECONDS"); windowStr != "" {
		if window, err := strconv.Atoi(windowStr); err == nil {
			cfg.RateLimit.WindowSeconds = window
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for FLUXGATE_RATELIMIT_WINDOWSECONDS: %s\n", windowStr)
		}
	}

	if file := os.Getenv("FLUXGATE_BLOCKLIST_FILE"); file != "" {
		cfg.Blocklist.File = file
	}

	if enabled := os.Getenv("FLUXGATE_STATS_ENABLED"); enabled != "" {
		cfg.Statistics.Enabled = strings.EqualFold(enabled, "true") || enabled == "1"
	}

	if backend := os.Getenv("FLUXGATE_STATS_BACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}

	if path := os.Getenv("FLUXGATE_STATS_SQLITEPATH"); path != "" {
		cfg.Statistics.SQLitePath = path
	}

	if dsn := os.Getenv("FLUXGATE_STATS_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}
}
