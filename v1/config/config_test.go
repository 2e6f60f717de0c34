package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultMatchesServiceConstants(t *testing.T) {
	cfg := Default()
	if cfg.TTL.Std() != 24*time.Hour {
		t.Fatalf("unexpected ttl %v", cfg.TTL.Std())
	}
	if cfg.Lock.TTL.Std() != 60*time.Second {
		t.Fatalf("unexpected lock ttl %v", cfg.Lock.TTL.Std())
	}
	if cfg.Lock.PollInterval.Std() != 100*time.Millisecond {
		t.Fatalf("unexpected poll interval %v", cfg.Lock.PollInterval.Std())
	}
	if cfg.Upstream.MaxAttempts != 0 {
		t.Fatal("default upstream retries must be unbounded")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fillcache.yaml")
	doc := `
backend: memcache
memcache:
  servers: ["10.0.0.1:11211", "10.0.0.2:11211"]
upstream:
  url: https://upstream.example/
  max_attempts: 5
ttl: 1d12h
lock:
  ttl: 30s
  max_wait: 2m
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendMemcache || len(cfg.Memcache.Servers) != 2 {
		t.Fatalf("unexpected backend config %+v", cfg.Memcache)
	}
	if cfg.TTL.Std() != 36*time.Hour {
		t.Fatalf("expected 36h ttl, got %v", cfg.TTL.Std())
	}
	if cfg.Lock.TTL.Std() != 30*time.Second || cfg.Lock.MaxWait.Std() != 2*time.Minute {
		t.Fatalf("unexpected lock config %+v", cfg.Lock)
	}
	if cfg.Lock.PollInterval.Std() != 100*time.Millisecond {
		t.Fatal("unset field lost its default")
	}
	if cfg.Upstream.MaxAttempts != 5 {
		t.Fatalf("unexpected max attempts %d", cfg.Upstream.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("ttl: soon\n"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Backend = "etcd"
	cfg.TTL = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"upstream.url", "unknown backend", "ttl must be positive"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}
