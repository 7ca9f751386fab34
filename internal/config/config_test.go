package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.DBPath != "agora.db" {
		t.Fatalf("unexpected db path: %s", cfg.DBPath)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Fatalf("unexpected store timeout: %s", cfg.StoreTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGORA_ADDR", ":9000")
	t.Setenv("AGORA_DB", "/tmp/test.db")
	t.Setenv("AGORA_CHALLENGE_TTL", "30s")
	t.Setenv("AGORA_RL_POST_PER_DAY", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Fatalf("unexpected db path: %s", cfg.DBPath)
	}
	if cfg.ChallengeTTL != 30*time.Second {
		t.Fatalf("unexpected challenge ttl: %s", cfg.ChallengeTTL)
	}
	if cfg.RateLimits.PostPerDay != 500 {
		t.Fatalf("unexpected post per day: %d", cfg.RateLimits.PostPerDay)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agora.toml")
	data := []byte(`
addr = ":7070"
challenge_ttl = "2m"

[rate_limits]
message_per_minute = 3
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGORA_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.ChallengeTTL != 2*time.Minute {
		t.Fatalf("unexpected challenge ttl: %s", cfg.ChallengeTTL)
	}
	if cfg.RateLimits.MessagePerMinute != 3 {
		t.Fatalf("unexpected message limit: %d", cfg.RateLimits.MessagePerMinute)
	}

	// Environment still wins over the file.
	t.Setenv("AGORA_ADDR", ":7071")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7071" {
		t.Fatalf("env should override file, got %s", cfg.Addr)
	}
}
