package config

import "testing"

type testConfig struct {
	Path string `env:"CHRONICLE_TEST_PATH" envDefault:"dice/entropy.ndjson"`
	Tail int    `env:"CHRONICLE_TEST_TAIL" envDefault:"50"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg testConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Path != "dice/entropy.ndjson" {
		t.Fatalf("expected default path, got %q", cfg.Path)
	}
	if cfg.Tail != 50 {
		t.Fatalf("expected default tail 50, got %d", cfg.Tail)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("CHRONICLE_TEST_PATH", "/tmp/ledger.ndjson")
	t.Setenv("CHRONICLE_TEST_TAIL", "10")

	var cfg testConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Path != "/tmp/ledger.ndjson" {
		t.Fatalf("expected env path, got %q", cfg.Path)
	}
	if cfg.Tail != 10 {
		t.Fatalf("expected tail 10, got %d", cfg.Tail)
	}
}
