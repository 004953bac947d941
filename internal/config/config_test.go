package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REMOTE_ADDR", "")
	t.Setenv("REMOTE_ALLOWED_ORIGINS", "")
	t.Setenv("REMOTE_MAX_PAYLOAD_BYTES", "")
	t.Setenv("REMOTE_PING_INTERVAL", "")
	t.Setenv("REMOTE_REGISTRY_BACKEND", "")
	t.Setenv("REMOTE_TLS_CERT", "")
	t.Setenv("REMOTE_TLS_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.PingInterval != DefaultPingInterval {
		t.Fatalf("expected default ping interval %v, got %v", DefaultPingInterval, cfg.PingInterval)
	}
	if cfg.PongTimeout != DefaultPongTimeout {
		t.Fatalf("expected default pong timeout %v, got %v", DefaultPongTimeout, cfg.PongTimeout)
	}
	if cfg.CodeLength != DefaultCodeLength {
		t.Fatalf("expected default code length %d, got %d", DefaultCodeLength, cfg.CodeLength)
	}
	if cfg.RegistryBackend != "memory" {
		t.Fatalf("expected memory backend, got %q", cfg.RegistryBackend)
	}
	if cfg.TLSCertPath != "" || cfg.TLSKeyPath != "" {
		t.Fatalf("expected TLS paths to be empty, got cert=%q key=%q", cfg.TLSCertPath, cfg.TLSKeyPath)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REMOTE_ADDR", "127.0.0.1:9000")
	t.Setenv("REMOTE_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("REMOTE_PING_INTERVAL", "2s")
	t.Setenv("REMOTE_PONG_TIMEOUT", "20s")
	t.Setenv("REMOTE_CODE_LENGTH", "8")
	t.Setenv("REMOTE_CODE_TTL", "1h")
	t.Setenv("REMOTE_REGISTRY_BACKEND", "redis")
	t.Setenv("REMOTE_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("REMOTE_BROADCAST_RATE_LIMIT", "8")
	t.Setenv("REMOTE_BROADCAST_RATE_WINDOW", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://example.com" || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.PingInterval.String() != "2s" {
		t.Fatalf("expected ping interval 2s, got %v", cfg.PingInterval)
	}
	if cfg.PongTimeout.String() != "20s" {
		t.Fatalf("expected pong timeout 20s, got %v", cfg.PongTimeout)
	}
	if cfg.CodeLength != 8 {
		t.Fatalf("expected code length 8, got %d", cfg.CodeLength)
	}
	if cfg.CodeTTL.String() != "1h0m0s" {
		t.Fatalf("expected code ttl 1h, got %v", cfg.CodeTTL)
	}
	if cfg.RegistryBackend != "redis" || cfg.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("unexpected registry settings: %q %q", cfg.RegistryBackend, cfg.RedisAddr)
	}
	if cfg.BroadcastRateLimit != 8 || cfg.BroadcastRateWindow.String() != "5s" {
		t.Fatalf("unexpected broadcast rate settings: %d %v", cfg.BroadcastRateLimit, cfg.BroadcastRateWindow)
	}
}

func TestLoadCollectsProblems(t *testing.T) {
	t.Setenv("REMOTE_PING_INTERVAL", "not-a-duration")
	t.Setenv("REMOTE_CODE_LENGTH", "2")
	t.Setenv("REMOTE_REGISTRY_BACKEND", "redis")
	t.Setenv("REMOTE_REDIS_ADDR", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail")
	}
	for _, fragment := range []string{"REMOTE_PING_INTERVAL", "REMOTE_CODE_LENGTH", "REMOTE_REDIS_ADDR"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected error to mention %s, got %v", fragment, err)
		}
	}
}

func TestLoadRejectsPongTimeoutBelowPing(t *testing.T) {
	t.Setenv("REMOTE_PING_INTERVAL", "10s")
	t.Setenv("REMOTE_PONG_TIMEOUT", "5s")
	t.Setenv("REMOTE_REGISTRY_BACKEND", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REMOTE_PONG_TIMEOUT") {
		t.Fatalf("expected pong timeout problem, got %v", err)
	}
}

func TestLoadRejectsLoneTLSSetting(t *testing.T) {
	t.Setenv("REMOTE_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("REMOTE_TLS_KEY", "")
	t.Setenv("REMOTE_REGISTRY_BACKEND", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REMOTE_TLS_CERT") {
		t.Fatalf("expected TLS pairing problem, got %v", err)
	}
}
