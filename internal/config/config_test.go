package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != "0.0.0.0:8080" {
		t.Errorf("unexpected default addr: %s", cfg.Addr)
	}
	if cfg.MaxClients != 100 {
		t.Errorf("unexpected default max clients: %d", cfg.MaxClients)
	}
	if cfg.TLSEnabled() {
		t.Error("TLS should be disabled by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHAT_SERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("CHAT_SERVER_MAX_CLIENTS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Errorf("addr override not applied: %s", cfg.Addr)
	}
	if cfg.MaxClients != 5 {
		t.Errorf("max clients override not applied: %d", cfg.MaxClients)
	}
}

func TestLoad_InvalidMaxClients(t *testing.T) {
	t.Setenv("CHAT_SERVER_MAX_CLIENTS", "lots")
	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric max clients")
	}

	t.Setenv("CHAT_SERVER_MAX_CLIENTS", "0")
	if _, err := Load(); err == nil {
		t.Error("expected error for zero max clients")
	}
}

func TestLoad_TLSRequiresBothPaths(t *testing.T) {
	t.Setenv("TLS_CERT_PATH", "/tmp/cert.pem")
	if _, err := Load(); err == nil {
		t.Error("expected error when only cert path is set")
	}

	t.Setenv("TLS_KEY_PATH", "/tmp/key.pem")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.TLSEnabled() {
		t.Error("TLS should be enabled with both paths set")
	}
}
