package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerRequiresSigningSecret(t *testing.T) {
	if _, err := LoadServer(NewViper()); err == nil || !strings.Contains(err.Error(), "auth.signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadServerReadsEnvironment(t *testing.T) {
	t.Setenv("LAMRIM_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("LAMRIM_HTTP_ADDRESS", "127.0.0.1:9090")
	t.Setenv("LAMRIM_HTTP_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("LAMRIM_AUTH_TOKEN_TTL", "2h")

	cfg, err := LoadServer(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9090" || cfg.SigningSecret != "secret" {
		t.Fatalf("unexpected config %#v", cfg)
	}
	if cfg.TokenTTL != 2*time.Hour {
		t.Fatalf("expected 2h ttl, got %s", cfg.TokenTTL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
	if cfg.Issuer != defaultIssuer || cfg.Audience != defaultAudience || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("expected defaults, got %#v", cfg)
	}
}

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != DefaultDataDir() || cfg.StoreBackend != StoreBackendSQLite {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.RemoteEnabled() {
		t.Fatalf("expected remote disabled by default")
	}
	if cfg.MaxAttempts != defaultMaxAttempts || cfg.BaseDelay != defaultBaseDelay {
		t.Fatalf("unexpected retry defaults %#v", cfg)
	}
	if cfg.DatabasePath() != filepath.Join(DefaultDataDir(), "lamrim.db") {
		t.Fatalf("unexpected database path %s", cfg.DatabasePath())
	}
}

func TestLoadClientValidation(t *testing.T) {
	testCases := []struct {
		name    string
		values  map[string]any
		wantErr string
	}{
		{name: "remote without token", values: map[string]any{"remote.url": "http://localhost:8080"}, wantErr: "remote.token"},
		{name: "unknown backend", values: map[string]any{"store.backend": "redis"}, wantErr: "store.backend"},
		{name: "zero attempts", values: map[string]any{"sync.max_attempts": 0}, wantErr: "sync.max_attempts"},
		{name: "negative rate", values: map[string]any{"sync.writes_per_second": -1.0}, wantErr: "sync.writes_per_second"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := LoadClient(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.wantErr, err)
			}
		})
	}
}
