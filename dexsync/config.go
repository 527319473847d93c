package dexsync

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type Config struct {
	Log          LogConfig          `toml:"log"`
	DB           DBConfig           `toml:"db"`
	DocStore     DocStoreConfig     `toml:"docstore"`
	Catalog      CatalogConfig      `toml:"catalog"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level"`
	Format    string     `toml:"format"`
	AddSource bool       `toml:"add_source"`
}

// DBConfig selects the local cache store backend. Driver "sqlite" (the
// default) keeps the cache in a local file; "postgres" points the same
// repository code at a shared server for multi-instance deployments.
type DBConfig struct {
	Driver   string `toml:"driver"`
	Path     string `toml:"path"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	PoolSize int    `toml:"pool_size"`
}

type DocStoreConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type CatalogConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type ConnectivityConfig struct {
	ProbeAddr       string `toml:"probe_addr"`
	IntervalSeconds int    `toml:"interval_seconds"`
}
