package config

import (
	"os"
	"strconv"
)

// Environment overrides.
const (
	EnvLogLevel    = "VOICEBOX_LOG_LEVEL"
	EnvWebPort     = "VOICEBOX_WEB_PORT"
	EnvStorageRoot = "VOICEBOX_STORAGE_ROOT"
	EnvMode        = "VOICEBOX_MODE"
)

// ApplyEnv overrides cfg from the environment. Unparseable values are
// ignored.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvMode); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv(EnvStorageRoot); v != "" {
		cfg.Storage.Root = v
	}
	cfg.Web.Port = envInt(EnvWebPort, cfg.Web.Port)
}

// envInt returns the integer in key, or def when unset or invalid.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
