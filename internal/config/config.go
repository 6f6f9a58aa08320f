package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	ExecutorProcess = "process"
	ExecutorMock    = "mock"

	DefaultSettingsFileName = ".copd.toml"
)

// Config contains all runtime settings for the lint daemon. Rubocop
// settings that may change while the daemon runs live in Settings.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	RunTimeout       time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	Workspace    string
	SettingsFile string
	Executor     string
	Watch        bool

	RunHistoryLimit   int
	LatencyWindowSize int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("COPD_BIND_ADDR", ":7878"),
		MetricsNamespace:  envOrDefault("COPD_METRICS_NAMESPACE", "copd"),
		Workspace:         stringsTrimSpace("COPD_WORKSPACE"),
		SettingsFile:      stringsTrimSpace("COPD_SETTINGS_FILE"),
		Executor:          strings.ToLower(envOrDefault("COPD_EXECUTOR", ExecutorProcess)),
		AllowAnyOrigin:    false,
		Watch:             true,
		ShutdownTimeout:   10 * time.Second,
		RunTimeout:        2 * time.Minute,
		RunHistoryLimit:   200,
		LatencyWindowSize: 256,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("COPD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RunTimeout, err = durationFromEnv("COPD_RUN_TIMEOUT", cfg.RunTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("COPD_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.Watch, err = boolFromEnv("COPD_WATCH", cfg.Watch)
	if err != nil {
		return Config{}, err
	}
	cfg.RunHistoryLimit, err = intFromEnv("COPD_RUN_HISTORY_LIMIT", cfg.RunHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.LatencyWindowSize, err = intFromEnv("COPD_LATENCY_WINDOW", cfg.LatencyWindowSize)
	if err != nil {
		return Config{}, err
	}

	if cfg.Workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("COPD_WORKSPACE not set and working directory unavailable: %w", err)
		}
		cfg.Workspace = wd
	}
	cfg.Workspace, err = filepath.Abs(cfg.Workspace)
	if err != nil {
		return Config{}, fmt.Errorf("COPD_WORKSPACE parse error: %w", err)
	}
	if cfg.SettingsFile == "" {
		cfg.SettingsFile = filepath.Join(cfg.Workspace, DefaultSettingsFileName)
	} else if !filepath.IsAbs(cfg.SettingsFile) {
		cfg.SettingsFile = filepath.Join(cfg.Workspace, cfg.SettingsFile)
	}

	switch cfg.Executor {
	case ExecutorProcess, ExecutorMock:
	default:
		return Config{}, fmt.Errorf("COPD_EXECUTOR must be %q or %q, got %q", ExecutorProcess, ExecutorMock, cfg.Executor)
	}
	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("COPD_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.RunTimeout <= 0 {
		return Config{}, fmt.Errorf("COPD_RUN_TIMEOUT must be positive")
	}
	if cfg.RunHistoryLimit <= 0 {
		return Config{}, fmt.Errorf("COPD_RUN_HISTORY_LIMIT must be positive")
	}
	if cfg.LatencyWindowSize <= 0 {
		return Config{}, fmt.Errorf("COPD_LATENCY_WINDOW must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
