package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("COLLAB_IDENTITY_SECRET", "id-secret")
	t.Setenv("COLLAB_ROOM_SECRET", "room-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8090" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.MaxPayloadBytes != 1048576 {
		t.Fatalf("unexpected payload cap: %d", cfg.MaxPayloadBytes)
	}
	if cfg.MaxRoomsPerOrg != 100 {
		t.Fatalf("unexpected room cap: %d", cfg.MaxRoomsPerOrg)
	}
	if cfg.IdleTimeout != 30*time.Minute || cfg.SweepInterval != 5*time.Minute {
		t.Fatalf("unexpected eviction settings: %v / %v", cfg.IdleTimeout, cfg.SweepInterval)
	}
	if cfg.ConnRate != 100 || cfg.SubjectRate != 500 || cfg.OrgRate != 2000 {
		t.Fatalf("unexpected rate defaults: %d/%d/%d", cfg.ConnRate, cfg.SubjectRate, cfg.OrgRate)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("COLLAB_ADDR", ":9999")
	t.Setenv("COLLAB_IDLE_TIMEOUT", "10m")
	t.Setenv("COLLAB_ALLOWED_ORIGINS", "https://app.bracketsync.org,https://staging.bracketsync.org")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.IdleTimeout != 10*time.Minute {
		t.Fatalf("unexpected idle timeout: %v", cfg.IdleTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://staging.bracketsync.org" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoadMissingSecret(t *testing.T) {
	t.Setenv("COLLAB_IDENTITY_SECRET", "id-secret")
	t.Setenv("COLLAB_ROOM_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing room secret")
	}
}

func TestLoadRejectsNonPositiveLimits(t *testing.T) {
	setRequired(t)
	t.Setenv("COLLAB_MAX_ROOMS_PER_ORG", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for zero room cap")
	}
}
