// Package config loads the agent's configuration from environment
// variables and config.json/config.yaml in the platform config directory,
// following the teacher's cobra+viper convention. No command-line flags
// are bound into it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the agent's persisted + runtime configuration (spec.md §6
// "Persisted state"). Fields not covered by config.json fall back to
// environment variables and built-in defaults.
type Config struct {
	ServerURL     string        `mapstructure:"server_url" yaml:"server_url"`
	AgentName     string        `mapstructure:"agent_name" yaml:"agent_name"`
	Channel       string        `mapstructure:"channel" yaml:"channel"`
	LogLevel      string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string        `mapstructure:"log_format" yaml:"log_format"`
	ConfigDir     string        `mapstructure:"-" yaml:"config_dir"`
	FacadeAddr    string        `mapstructure:"facade_addr" yaml:"facade_addr"`
	HeartbeatHard time.Duration `mapstructure:"-" yaml:"-"`
	// OTLPEndpoint is the OTLP/HTTP collector address (e.g.
	// "localhost:4318") that request/update-cycle tracing spans are
	// exported to. Empty disables tracing export.
	OTLPEndpoint  string        `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// Default returns baseline values used before any config.json/flags are
// applied.
func Default() Config {
	return Config{
		ServerURL:  "wss://control.example.internal/ws",
		Channel:    "stable",
		LogLevel:   "info",
		LogFormat:  "json",
		FacadeAddr: "127.0.0.1:47891",
	}
}

// Load builds a viper instance bound to flags/env/file and decodes it into
// Config. configDir is the platform-appropriate directory holding
// config.json / config.yaml (spec.md §6); it is created if absent.
func Load(configDir string) (Config, error) {
	cfg := Default()
	if configDir == "" {
		d, err := defaultConfigDir()
		if err != nil {
			return cfg, err
		}
		configDir = d
	}
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return cfg, fmt.Errorf("config: create config dir: %w", err)
	}
	cfg.ConfigDir = configDir

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("AGENTD")
	v.AutomaticEnv()

	v.SetDefault("server_url", cfg.ServerURL)
	v.SetDefault("agent_name", cfg.AgentName)
	v.SetDefault("channel", cfg.Channel)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("facade_addr", cfg.FacadeAddr)
	v.SetDefault("otlp_endpoint", cfg.OTLPEndpoint)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return cfg, fmt.Errorf("config: read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.ConfigDir = configDir
	return cfg, nil
}

// MachineIDPath is the stable per-install id file (spec.md §6).
func MachineIDPath(configDir string) string {
	return filepath.Join(configDir, "machine_id")
}

// StagingDir is the update engine's ephemeral download directory.
func StagingDir(configDir string) string {
	return filepath.Join(configDir, "update-staging")
}

// LogDir is where rotating logs are written.
func LogDir(configDir string) string {
	return filepath.Join(configDir, "logs")
}

func defaultConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "endpoint-agent"), nil
}
