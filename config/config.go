// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const namespace = "TASKVINE"

// Config holds everything an embedding process needs to construct a backend,
// resolver, and client. All fields come from TASKVINE_* environment variables.
type Config struct {
	// DataDir is the directory project roots are created under.
	DataDir string `envconfig:"DATA_DIR" default:".taskvine"`
	// Project preselects a current project; empty means callers must name one.
	Project string `envconfig:"PROJECT"`

	// Backend selects the persistence layer: "file" or "sqlite".
	Backend string `envconfig:"BACKEND" default:"file"`
	// SqlitePath is the database file used when Backend is "sqlite".
	SqlitePath string `envconfig:"SQLITE_PATH" default:".taskvine/taskvine.db"`

	LockTimeout time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`

	// TemplatesPath optionally points at a YAML file of workflow templates
	// replacing the compiled-in ones.
	TemplatesPath string `envconfig:"TEMPLATES_PATH"`
}

func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(namespace, &c); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	switch c.Backend {
	case "file", "sqlite":
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}

	return &c, nil
}

func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
