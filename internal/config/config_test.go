package config

import (
	"testing"
	"time"
)

func TestLoadRequiresSecretKey(t *testing.T) {
	t.Setenv("SECRET_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when SECRET_KEY is empty")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 3000 {
		t.Errorf("default port: got %d", cfg.Port)
	}
	if cfg.RoutePrefix != "/api/v1" {
		t.Errorf("default prefix: got %q", cfg.RoutePrefix)
	}
	if cfg.LockTTL != 5*time.Minute {
		t.Errorf("default lock TTL: got %v", cfg.LockTTL)
	}
	if !cfg.SocketEnabled {
		t.Error("sockets should default to enabled")
	}
}

func TestValidateRejectsUnknownHTTPServer(t *testing.T) {
	cfg := &Config{Port: 3000, SecretKey: "x", LockTTL: time.Minute, RoutePrefix: "/api/v1", HTTPServer: "fasthttp"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported HTTP_SERVER")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{Port: -1, SecretKey: "x", LockTTL: time.Minute, RoutePrefix: "/api/v1"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative port")
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"true": true, "1": true, "yes": true,
		"false": false, "0": false, "no": false,
		"banana": true, // falls back to default
	}
	for v, want := range cases {
		t.Setenv("WAGATE_TEST_BOOL", v)
		if got := ParseBool("WAGATE_TEST_BOOL", true); got != want {
			t.Errorf("ParseBool(%q) = %v, want %v", v, got, want)
		}
	}
}

func TestCORSOriginsSplit(t *testing.T) {
	t.Setenv("SECRET_KEY", "s")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.CORSOrigins)
	}
}
