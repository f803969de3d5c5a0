package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PASS", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	id := cfg.IdentityTarget()
	if id.Host != "localhost" || id.Port != "5432" || id.User != "postgres" || id.Database != "aspnet_db" {
		t.Fatalf("unexpected identity target: %+v", id)
	}
	if got := cfg.ConfigurationTarget().Database; got != "idcfg_db" {
		t.Fatalf("configuration database = %q", got)
	}
	if got := cfg.OperationalTarget().Database; got != "idops_db" {
		t.Fatalf("operational database = %q", got)
	}
	if got := cfg.RedisAddr(); got != "localhost:6379" {
		t.Fatalf("redis addr = %q", got)
	}
	if cfg.TokenCleanupInterval != time.Hour {
		t.Fatalf("cleanup interval = %v", cfg.TokenCleanupInterval)
	}
	if cfg.IsDevelopment() {
		t.Fatalf("expected production by default")
	}
	if cfg.GoogleEnabled() {
		t.Fatalf("google federation should be disabled without credentials")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_USER", "identity")
	t.Setenv("DB_PASS", "pw")
	t.Setenv("IDOPS_DB", "ops")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PASSWORD", "redis-pw")
	t.Setenv("CERT_PATH", "/certs")
	t.Setenv("CERT_FILENAME", "id.pfx")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("GOOGLE_CLIENT_ID", "gid")
	t.Setenv("GOOGLE_SECRET_ID", "gsecret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ops := cfg.OperationalTarget()
	if ops.Host != "db.internal" || ops.Port != "6543" || ops.User != "identity" || ops.Database != "ops" || ops.Password != "pw" {
		t.Fatalf("unexpected operational target: %+v", ops)
	}
	if cfg.RedisAddr() != "cache:6379" || cfg.RedisPassword != "redis-pw" {
		t.Fatalf("unexpected redis settings: %s %q", cfg.RedisAddr(), cfg.RedisPassword)
	}
	if cfg.CertificateFile() != filepath.Join("/certs", "id.pfx") {
		t.Fatalf("certificate file = %q", cfg.CertificateFile())
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected development environment")
	}
	if !cfg.GoogleEnabled() {
		t.Fatalf("expected google federation to be enabled")
	}
}

func TestValidateRequiresPassword(t *testing.T) {
	t.Setenv("DB_PASS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); !errors.Is(err, ErrMissingPassword) {
		t.Fatalf("expected ErrMissingPassword, got %v", err)
	}
}
