package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Transports      string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("QOLLECTIVE_CONFIG", "configs/qollective.toml"),
		"Path to configuration file (env: QOLLECTIVE_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("QOLLECTIVE_CONFIG", "configs/qollective.toml"),
		"Path to configuration file (env: QOLLECTIVE_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("QOLLECTIVE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: QOLLECTIVE_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("QOLLECTIVE_LOG_FORMAT", "json"),
		"Log format: json, text (env: QOLLECTIVE_LOG_FORMAT)")

	flag.StringVar(&cfg.Transports, "transports",
		getEnv("QOLLECTIVE_TRANSPORTS", "rest,websocket"),
		"Comma-separated transports to serve: rest, websocket, nats (env: QOLLECTIVE_TRANSPORTS)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("QOLLECTIVE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: QOLLECTIVE_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	for _, name := range splitTransports(cfg.Transports) {
		switch name {
		case "rest", "websocket", "nats":
		default:
			return fmt.Errorf("unknown transport: %s", name)
		}
	}

	return nil
}

func splitTransports(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Envelope-first multi-transport messaging service

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/path/to/qollective.toml

  # Serve REST and NATS with debug logging
  %s --transports=rest,nats --log-level=debug --log-format=text

  # Run with environment variables
  export QOLLECTIVE_CONFIG=/etc/qollective/config.toml
  export QOLLECTIVE_LOG_LEVEL=debug
  %s

  # Validate configuration only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func printHelp() {
	printDetailedHelp()
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
