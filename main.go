package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fluxgate/fluxgate/fluxgate-srv/config"
	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
	"github.com/fluxgate/fluxgate/fluxgate-srv/policy"
	"github.com/fluxgate/fluxgate/fluxgate-srv/proxy"
	"github.com/fluxgate/fluxgate/fluxgate-srv/ratelimit"
	"github.com/fluxgate/fluxgate/fluxgate-srv/stats"
)

var version string

const shutdownGrace = 10 * time.Second

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runProxy(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json, .yaml and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("fluxgate version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting fluxgate proxy server")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.Debug("Configuration loaded successfully")
	logger.Debug("Listen address: %s", cfg.ListenAddress)
	logger.Debug("Max connections: %d", cfg.MaxConnections)
	logger.Debug("Rate limit: %d requests per %d seconds", cfg.RateLimit.Requests, cfg.RateLimit.WindowSeconds)

	return cfg, *configPathPtr
}

// buildServer assembles the proxy server and its dependencies from cfg.
func buildServer(cfg *config.Config) (*proxy.Server, *ratelimit.Limiter, stats.Collector, *stats.Accumulator, error) {
	pol, err := policy.New(cfg.Blocklist.Patterns, cfg.Blocklist.File)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to build blocklist: %w", err)
	}

	collector, err := stats.NewCollectorFactory().CreateCollectorFromConfig(cfg)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create stats collector: %w", err)
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit.Requests, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)
	accumulator := stats.NewAccumulator()
	server := proxy.NewServer(cfg, pol, limiter, collector, accumulator)
	return server, limiter, collector, accumulator, nil
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string) {
	server, limiter, collector, accumulator, err := buildServer(cfg)
	if err != nil {
		logger.Fatal("%v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	startServer := func(s *proxy.Server) {
		go func() {
			logger.Info("Starting proxy server...")
			if err := s.Start(); err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
		}()
	}

	stopAll := func(s *proxy.Server, l *ratelimit.Limiter, c stats.Collector) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			logger.Error("Error during shutdown: %v", err)
		}
		l.Close()
		if err := c.Close(); err != nil {
			logger.Error("Error closing stats collector: %v", err)
		}
	}

	startServer(server)
	currentCfg := cfg

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; not restarting proxy.")
				continue
			}
			// A blocklist-only change is applied without dropping connections.
			tmp := *newCfg
			tmp.Blocklist = currentCfg.Blocklist
			if !config.HasChanged(currentCfg, &tmp) {
				if err := server.UpdateBlocklist(&newCfg.Blocklist); err != nil {
					logger.Error("Failed to reload blocklist: %v (keeping current blocklist)", err)
					continue
				}
				currentCfg = newCfg
				logger.Info("Blocklist reloaded without restart.")
				continue
			}
			logger.Info("Config changed. Restarting proxy...")
			stopAll(server, limiter, collector)
			server, limiter, collector, accumulator, err = buildServer(newCfg)
			if err != nil {
				logger.Fatal("Failed to rebuild proxy: %v", err)
			}
			startServer(server)
			currentCfg = newCfg
			logger.Info("Proxy restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down proxy server...", sig)
			stopAll(server, limiter, collector)
			fmt.Print(accumulator.Summary())
			logger.Info("Proxy server shutdown complete")
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
