package config

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// hclConfig mirrors Config with pointer attributes so absent keys can be
// told apart from zero values and the defaults survive the merge.
type hclConfig struct {
	ListenAddress         *string        `hcl:"listen-address,optional"`
	MaxConnections        *int           `hcl:"max-connections,optional"`
	TimeoutSeconds        *int           `hcl:"timeout-seconds,optional"`
	ConnectTimeoutSeconds *int           `hcl:"connect-timeout-seconds,optional"`
	HeaderTimeoutSeconds  *int           `hcl:"header-timeout-seconds,optional"`
	RateLimit             *hclRateLimit  `hcl:"rate-limit,block"`
	Blocklist             *hclBlocklist  `hcl:"blocklist,block"`
	Statistics            *hclStatistics `hcl:"statistics,block"`
}

type hclRateLimit struct {
	Requests      *int `hcl:"requests,optional"`
	WindowSeconds *int `hcl:"window-seconds,optional"`
}

type hclBlocklist struct {
	Patterns []string `hcl:"patterns,optional"`
	File     *string  `hcl:"file,optional"`
}

type hclStatistics struct {
	Enabled              *bool   `hcl:"enabled,optional"`
	Backend              *string `hcl:"backend,optional"`
	SQLitePath           *string `hcl:"sqlite-path,optional"`
	PostgresDSN          *string `hcl:"postgres-dsn,optional"`
	FlushIntervalSeconds *int    `hcl:"flush-interval,optional"`
}

func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	var hcfg hclConfig
	if err := hclsimple.DecodeFile(cleanPath, nil, &hcfg); err != nil {
		return fmt.Errorf("failed to decode HCL config: %w", err)
	}

	if hcfg.ListenAddress != nil {
		cfg.ListenAddress = *hcfg.ListenAddress
	}
	if hcfg.MaxConnections != nil {
		cfg.MaxConnections = *hcfg.MaxConnections
	}
	if hcfg.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *hcfg.TimeoutSeconds
	}
	if hcfg.ConnectTimeoutSeconds != nil {
		cfg.ConnectTimeoutSeconds = *hcfg.ConnectTimeoutSeconds
	}
	if hcfg.HeaderTimeoutSeconds != nil {
		cfg.HeaderTimeoutSeconds = *hcfg.HeaderTimeoutSeconds
	}

	if rl := hcfg.RateLimit; rl != nil {
		if rl.Requests != nil {
			cfg.RateLimit.Requests = *rl.Requests
		}
		if rl.WindowSeconds != nil {
			cfg.RateLimit.WindowSeconds = *rl.WindowSeconds
		}
	}

	if bl := hcfg.Blocklist; bl != nil {
		if bl.Patterns != nil {
			cfg.Blocklist.Patterns = bl.Patterns
		}
		if bl.File != nil {
			cfg.Blocklist.File = *bl.File
		}
	}

	if st := hcfg.Statistics; st != nil {
		if st.Enabled != nil {
			cfg.Statistics.Enabled = *st.Enabled
		}
		if st.Backend != nil {
			cfg.Statistics.Backend = *st.Backend
		}
		if st.SQLitePath != nil {
			cfg.Statistics.SQLitePath = *st.SQLitePath
		}
		if st.PostgresDSN != nil {
			cfg.Statistics.PostgresDSN = *st.PostgresDSN
		}
		if st.FlushIntervalSeconds != nil {
			cfg.Statistics.FlushIntervalSeconds = *st.FlushIntervalSeconds
		}
	}

	return nil
}
