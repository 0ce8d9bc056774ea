// Package config loads server configuration from jsonc files and
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Fault     FaultConfig     `json:"fault"`
	Auth      AuthConfig      `json:"auth"`
}

// ServerConfig holds the HTTP/websocket listener settings.
type ServerConfig struct {
	Port       int  `json:"port"`
	EnableCORS bool `json:"enableCORS"`
	// DataDir is where completed scenario reports are archived. Empty
	// disables archiving.
	DataDir string `json:"dataDir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
	ToFile bool   `json:"toFile"`
	Dir    string `json:"dir"`
}

// BroadcastConfig tunes the event router.
type BroadcastConfig struct {
	DeliveryTimeoutMS int `json:"deliveryTimeoutMS"`
	DedupeCacheSize   int `json:"dedupeCacheSize"`
}

// FaultConfig tunes the degraded-send fault policy.
type FaultConfig struct {
	// Seed makes the probabilistic drop policy reproducible. Zero picks
	// a time-based seed at startup.
	Seed int64 `json:"seed"`
	// DropRates maps degradation levels (none/light/moderate/severe) to
	// drop probabilities; unset levels use the built-in defaults.
	DropRates map[string]float64 `json:"dropRates"`
}

// AuthConfig holds the static token table used when no external verifier
// is wired in.
type AuthConfig struct {
	Tokens map[string]string `json:"tokens"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       8080,
			EnableCORS: true,
		},
		Log: LogConfig{
			Level: "INFO",
		},
		Broadcast: BroadcastConfig{
			DeliveryTimeoutMS: 3000,
			DedupeCacheSize:   4096,
		},
		Auth: AuthConfig{
			Tokens: map[string]string{},
		},
	}
}

// Load builds configuration in priority order:
//  1. Built-in defaults
//  2. threadline.json / threadline.jsonc in directory
//  3. THREADLINE_CONFIG file
//  4. Environment variables
func Load(directory string) (*Config, error) {
	cfg := Default()

	if directory != "" {
		for _, name := range []string{"threadline.json", "threadline.jsonc"} {
			path := filepath.Join(directory, name)
			if err := loadConfigFile(path, cfg); err != nil {
				return nil, err
			}
		}
	}

	if path := os.Getenv("THREADLINE_CONFIG"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("THREADLINE_CONFIG %s: %w", path, err)
		}
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// loadConfigFile merges one jsonc file into cfg. A missing file is not an
// error; a malformed one is.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides individual settings from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("THREADLINE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("THREADLINE_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("THREADLINE_CORS"); v != "" {
		cfg.Server.EnableCORS = parseBool(v, cfg.Server.EnableCORS)
	}
	if v := os.Getenv("THREADLINE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("THREADLINE_LOG_PRETTY"); v != "" {
		cfg.Log.Pretty = parseBool(v, cfg.Log.Pretty)
	}
	if v := os.Getenv("THREADLINE_DELIVERY_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Broadcast.DeliveryTimeoutMS = ms
		}
	}
	if v := os.Getenv("THREADLINE_FAULT_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Fault.Seed = seed
		}
	}
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
