package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigOptionalMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CLIENT_ID", "")
	t.Setenv("REDIRECT_SERVICE_URL", "")

	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URLScheme != DefaultURLScheme {
		t.Fatalf("expected scheme %q, got %q", DefaultURLScheme, cfg.URLScheme)
	}
	if cfg.AuthorizeURL() != "http://localhost:8080/api/spotify-authenticate" {
		t.Fatalf("unexpected authorize url %q", cfg.AuthorizeURL())
	}
	if cfg.IPCAddr() != "127.0.0.1:8765" {
		t.Fatalf("unexpected ipc addr %q", cfg.IPCAddr())
	}
	if cfg.Refresh.RetryInitial != 5*time.Second || cfg.Refresh.RetryMax != 5*time.Minute {
		t.Fatalf("unexpected retry defaults %+v", cfg.Refresh)
	}
}

func TestLoadConfigMissingFileIsErrorWhenRequired(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfigParsesYAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`debug: true
url-scheme: "custom://"
redirect-service-url: "https://redirect.example.com/"
client-id: file-client
ipc:
  port: 9000
refresh:
  lead: 30s
  retry-initial: 2s
  retry-max: 1s
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CLIENT_ID", "env-client")
	t.Setenv("REDIRECT_SERVICE_URL", "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Debug {
		t.Fatal("expected debug to be enabled")
	}
	if cfg.DeepLinkPrefix() != "custom://" {
		t.Fatalf("unexpected prefix %q", cfg.DeepLinkPrefix())
	}
	if cfg.RedirectServiceURL != "https://redirect.example.com" {
		t.Fatalf("unexpected redirect url %q", cfg.RedirectServiceURL)
	}
	if cfg.ClientID != "env-client" {
		t.Fatalf("expected env override, got %q", cfg.ClientID)
	}
	if cfg.IPC.Port != 9000 {
		t.Fatalf("unexpected port %d", cfg.IPC.Port)
	}
	if cfg.Refresh.Lead != 30*time.Second {
		t.Fatalf("unexpected lead %v", cfg.Refresh.Lead)
	}
	if cfg.Refresh.RetryMax != cfg.Refresh.RetryInitial {
		t.Fatalf("expected retry max clamped to initial, got %v", cfg.Refresh.RetryMax)
	}
}

func TestLoadRedirectConfig(t *testing.T) {
	t.Setenv("CLIENT_ID", "id")
	t.Setenv("CLIENT_SECRET", "secret")
	t.Setenv("DEV_STATE", "true")
	t.Setenv("DEV_REDIRECT_URI", "http://localhost:8080/api/auth-callback")
	t.Setenv("PROD_REDIRECT_URI", "https://prod.example.com/api/auth-callback")
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ALLOW_ORIGINS", "http://a.example, http://b.example")

	cfg, err := LoadRedirectConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RedirectURI != "http://localhost:8080/api/auth-callback" {
		t.Fatalf("expected dev redirect uri, got %q", cfg.RedirectURI)
	}
	if cfg.Port != 9090 {
		t.Fatalf("unexpected port %d", cfg.Port)
	}
	if len(cfg.AllowOrigins) != 2 {
		t.Fatalf("unexpected origins %v", cfg.AllowOrigins)
	}

	t.Setenv("DEV_STATE", "")
	cfg, err = LoadRedirectConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RedirectURI != "https://prod.example.com/api/auth-callback" {
		t.Fatalf("expected prod redirect uri, got %q", cfg.RedirectURI)
	}
}

func TestLoadRedirectConfigMissingValues(t *testing.T) {
	t.Setenv("CLIENT_ID", "")
	t.Setenv("CLIENT_SECRET", "")
	t.Setenv("DEV_STATE", "")
	t.Setenv("PROD_REDIRECT_URI", "")
	t.Setenv("PORT", "")

	if _, err := LoadRedirectConfig(); err == nil {
		t.Fatal("expected error when required values are missing")
	}
}
