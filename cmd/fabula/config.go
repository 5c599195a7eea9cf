package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all fabula server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	ProjectPath     string `json:"project_path"`
	DBPath          string `json:"db_path"`
	DataDir         string `json:"data_dir"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	Panel           bool   `json:"panel"`
	VaultPassphrase string `json:"vault_passphrase,omitempty"`
	VaultSalt       string `json:"vault_salt,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4500",
		ProjectPath: filepath.Join(fabulaDir(), "project.json"),
		DBPath:      filepath.Join(fabulaDir(), "fabula.db"),
		DataDir:     filepath.Join(fabulaDir(), "runs"),
		LogLevel:    "info",
		PoolSize:    4,
	}
}

func fabulaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fabula"
	}
	return filepath.Join(home, ".fabula")
}

func settingsPath() string {
	return filepath.Join(fabulaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FABULA_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FABULA_PROJECT_PATH"); v != "" {
		cfg.ProjectPath = v
	}
	if v := os.Getenv("FABULA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FABULA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FABULA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FABULA_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FABULA_PANEL"); v != "" {
		cfg.Panel = v == "true" || v == "1"
	}
	if v := os.Getenv("FABULA_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("FABULA_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}

	return cfg
}
