package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the supervising process configuration, loaded from an
// optional YAML file with environment variable overrides on top.
type ServerConfig struct {
	Listen  string `yaml:"listen"`   // HTTP listen address
	DBPath  string `yaml:"db_path"`  // shared registry SQLite file
	BotBin  string `yaml:"bot_bin"`  // user bot executable (path or name in PATH)
	DataDir string `yaml:"data_dir"` // base data directory (configs, bot databases)
	LogsDir string `yaml:"logs_dir"` // child process stdout/stderr logs

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	HealthInterval   time.Duration `yaml:"health_interval"`    // health monitor cadence
	HealthErrBackoff time.Duration `yaml:"health_err_backoff"` // sleep after a failed iteration
}

// Load reads the YAML file at path (if it exists), then applies
// environment overrides and defaults. A missing file is not an error;
// env-only deployments are the common case.
func Load(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.Listen = firstNonEmpty(os.Getenv("BOTFLEET_LISTEN"), cfg.Listen, ":8080")
	cfg.DBPath = firstNonEmpty(os.Getenv("BOTFLEET_DB"), cfg.DBPath, filepath.Join("data", "master.db"))
	cfg.BotBin = firstNonEmpty(os.Getenv("BOTFLEET_BOT_BIN"), cfg.BotBin, "botfleet-bot")
	cfg.DataDir = firstNonEmpty(os.Getenv("BOTFLEET_DATA_DIR"), cfg.DataDir, "data")
	cfg.LogsDir = firstNonEmpty(os.Getenv("BOTFLEET_LOGS_DIR"), cfg.LogsDir, "logs")
	cfg.LogLevel = firstNonEmpty(os.Getenv("BOTFLEET_LOG_LEVEL"), cfg.LogLevel, "info")
	cfg.LogFile = firstNonEmpty(os.Getenv("BOTFLEET_LOG_FILE"), cfg.LogFile, "")

	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 300 * time.Second
	}
	if cfg.HealthErrBackoff <= 0 {
		cfg.HealthErrBackoff = 60 * time.Second
	}
	cfg.HealthInterval = ParseDurationEnv("BOTFLEET_HEALTH_INTERVAL", cfg.HealthInterval)
	cfg.HealthErrBackoff = ParseDurationEnv("BOTFLEET_HEALTH_ERR_BACKOFF", cfg.HealthErrBackoff)

	return cfg, nil
}

// Validate checks the fields the server cannot run without.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if strings.TrimSpace(c.BotBin) == "" {
		return fmt.Errorf("bot_bin is required")
	}
	return nil
}

// ParseDurationEnv reads a duration from the environment, accepting
// either a Go duration string or a bare number of seconds.
func ParseDurationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if n, err2 := strconv.Atoi(v); err2 == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		return def
	}
	return d
}

// ParseIntEnv reads an int from the environment, clamped to [min, max].
func ParseIntEnv(key string, def int, min int, max int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
