package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress        string        `toml:"ListenAddress"`
	DataDir              string        `toml:"DataDir"`
	Environment          string        `toml:"Environment"`
	AuthTokenEnv         string        `toml:"AuthTokenEnv"`
	RateLimitPerSecond   float64       `toml:"RateLimitPerSecond"`
	RateLimitBurst       int           `toml:"RateLimitBurst"`
	SnapshotIntervalSecs uint64        `toml:"SnapshotIntervalSecs"`
	DripIntervalSecs     uint64        `toml:"DripIntervalSecs"`
	PokeIntervalSecs     uint64        `toml:"PokeIntervalSecs"`
	GlobalDebtCeiling    string        `toml:"GlobalDebtCeiling"`    // rad
	GlobalLiquidationCap string        `toml:"GlobalLiquidationCap"` // rad
	RateController       RateControllerConfig `toml:"RateController"`
	Pauses               Pauses        `toml:"Pauses"`
	Classes              []ClassConfig `toml:"Class"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./vatd-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if strings.TrimSpace(cfg.AuthTokenEnv) == "" {
		cfg.AuthTokenEnv = "VATD_AUTH_SECRET"
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	if cfg.SnapshotIntervalSecs == 0 {
		cfg.SnapshotIntervalSecs = 60
	}
	if cfg.DripIntervalSecs == 0 {
		cfg.DripIntervalSecs = 15
	}
	if cfg.PokeIntervalSecs == 0 {
		cfg.PokeIntervalSecs = 15
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
