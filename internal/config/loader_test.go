package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.Models.Primary != def.Models.Primary {
		t.Errorf("primary = %q, want default %q", cfg.Models.Primary, def.Models.Primary)
	}
	if cfg.Persistence.BackupRetentionMinutes != 10 {
		t.Errorf("retention = %d, want 10", cfg.Persistence.BackupRetentionMinutes)
	}
}

func TestLoadMalformedIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	partial := `{"models": {"primary": "my-model"}}`
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Models.Primary != "my-model" {
		t.Errorf("primary = %q, want my-model", cfg.Models.Primary)
	}
	if cfg.Generation.TimeoutSeconds != 120 {
		t.Errorf("timeout = %d, want default 120", cfg.Generation.TimeoutSeconds)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := DefaultConfig()
	cfg.Models.Primary = "roundtrip-model"
	cfg.Server.Addr = "127.0.0.1:9999"
	if err := Save(&cfg, path); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Models.Primary != "roundtrip-model" || got.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
}
