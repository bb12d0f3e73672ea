package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.Auth.SessionTTL != 4*time.Hour {
		t.Errorf("session TTL = %v, want 4h", cfg.Auth.SessionTTL)
	}
	if cfg.GateEnabled() {
		t.Error("gate enabled with no PIN")
	}
}

func TestPINValidation(t *testing.T) {
	cfg := Default()

	cfg.Auth.PIN = "123456"
	if err := cfg.Validate(); err != nil {
		t.Errorf("six digits rejected: %v", err)
	}
	if !cfg.GateEnabled() {
		t.Error("gate disabled with PIN set")
	}

	for _, bad := range []string{"12345", "1234567", "12345a", "abcdef"} {
		cfg.Auth.PIN = bad
		if err := cfg.Validate(); err == nil {
			t.Errorf("PIN %q accepted", bad)
		}
	}
}

func TestLoadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"server":{"host":"127.0.0.1","port":9000},"auth":{"pin":"222333"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Auth.PIN != "222333" {
		t.Errorf("pin = %q", cfg.Auth.PIN)
	}
	// Untouched sections keep defaults.
	if cfg.Coordinator.CacheTTL != 5*time.Second {
		t.Errorf("cache TTL = %v, want default", cfg.Coordinator.CacheTTL)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "server:\n  port: 9001\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Server.Port)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("PIN", "444555")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Auth.PIN != "444555" {
		t.Errorf("pin = %q, want env override", cfg.Auth.PIN)
	}
}

func TestInvalidPortRejected(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative port accepted")
	}
}
