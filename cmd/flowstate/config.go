package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all flowstate server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	MaxIterations int    `json:"max_iterations"`
	Scheduler     bool   `json:"scheduler"`
	MCPTransport  string `json:"mcp_transport"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(flowstateDir(), "flowstate.db"),
		LogLevel:     "info",
		PoolSize:     4,
		Scheduler:    true,
		MCPTransport: "stdio",
	}
}

func flowstateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowstate"
	}
	return filepath.Join(home, ".flowstate")
}

func settingsPath() string {
	return filepath.Join(flowstateDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWSTATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWSTATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWSTATE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWSTATE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxIterations = n
		}
	}
	if v := os.Getenv("FLOWSTATE_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("FLOWSTATE_MCP_TRANSPORT"); v != "" {
		cfg.MCPTransport = v
	}

	return cfg
}

// configOverrides lists the fields that differ from the built-in defaults,
// so startup logs show what the operator actually changed.
func configOverrides(cfg Config) []string {
	def := defaultConfig()
	var fields []string
	if cfg.DBPath != def.DBPath {
		fields = append(fields, "db_path")
	}
	if cfg.LogLevel != def.LogLevel {
		fields = append(fields, "log_level")
	}
	if cfg.PoolSize != def.PoolSize {
		fields = append(fields, "pool_size")
	}
	if cfg.MaxIterations != def.MaxIterations {
		fields = append(fields, "max_iterations")
	}
	if cfg.Scheduler != def.Scheduler {
		fields = append(fields, "scheduler")
	}
	if cfg.MCPTransport != def.MCPTransport {
		fields = append(fields, "mcp_transport")
	}
	return fields
}

// dsn turns the configured database path into a libsql connection string,
// creating the parent directory for plain file paths.
func (c Config) dsn() (string, error) {
	path := c.DBPath
	if len(path) >= 5 && path[:5] == "file:" {
		return path, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return "file:" + path, nil
}
