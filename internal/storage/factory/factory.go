// Package factory selects and opens a storage backend from configuration.
// The choice is made once per process; nothing downstream knows which
// implementation it received.
package factory

import (
	"fmt"

	"github.com/halewood/chronicle/internal/entropy"
	"github.com/halewood/chronicle/internal/platform/config"
	"github.com/halewood/chronicle/internal/storage"
	"github.com/halewood/chronicle/internal/storage/file"
	"github.com/halewood/chronicle/internal/storage/sqlite"
)

// Config selects the backend and its paths.
type Config struct {
	Backend      string `env:"CHRONICLE_STORAGE_BACKEND" envDefault:"file"`
	Root         string `env:"CHRONICLE_DATA_ROOT" envDefault:"data"`
	DatabasePath string `env:"CHRONICLE_SQLITE_PATH" envDefault:"data/chronicle.db"`
	LedgerPath   string `env:"CHRONICLE_ENTROPY_PATH" envDefault:"dice/entropy.ndjson"`
}

// LoadConfig reads backend selection from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse storage config: %w", err)
	}
	return cfg, nil
}

// Open builds the configured backend. The returned closer releases any
// underlying handles and is safe to call once.
func Open(cfg Config) (storage.Backend, func() error, error) {
	ledger := entropy.Open(cfg.LedgerPath)
	switch cfg.Backend {
	case "file", "":
		store, err := file.New(cfg.Root, ledger)
		if err != nil {
			return storage.Backend{}, nil, err
		}
		return store.Backend(), func() error { return nil }, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.DatabasePath, ledger)
		if err != nil {
			return storage.Backend{}, nil, err
		}
		return store.Backend(), store.Close, nil
	default:
		return storage.Backend{}, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
