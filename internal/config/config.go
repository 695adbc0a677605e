// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port    int    `env:"PAUSELY_PORT" envDefault:"4600"`
	DataDir string `env:"PAUSELY_DATA_DIR"`

	LogLevel string `env:"PAUSELY_LOG_LEVEL" envDefault:"info"`

	// SessionSecret signs and verifies bearer session tokens. Required.
	SessionSecret string        `env:"PAUSELY_SESSION_SECRET"`
	SessionTTL    time.Duration `env:"PAUSELY_SESSION_TTL" envDefault:"720h"`

	// Telemetry backend; when TelemetryURL is empty, score and output
	// attachment is a no-op.
	TelemetryURL    string `env:"PAUSELY_TELEMETRY_URL"`
	TelemetryAPIKey string `env:"PAUSELY_TELEMETRY_API_KEY"`

	// Reflection model endpoint (Ollama-compatible).
	ReflectionURL   string `env:"PAUSELY_REFLECTION_URL" envDefault:"http://localhost:11434"`
	ReflectionModel string `env:"PAUSELY_REFLECTION_MODEL" envDefault:"llama3.2"`

	// MCP enables the stdio MCP server for the intervention layer.
	MCP bool `env:"PAUSELY_MCP" envDefault:"true"`
}

// Load parses configuration from the environment and applies defaults that
// cannot be expressed as struct tags.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("missing required config: set PAUSELY_SESSION_SECRET")
	}

	return cfg, nil
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "pausely")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "pausely")
}
