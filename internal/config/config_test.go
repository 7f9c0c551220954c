package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/ashureev/tabrelay/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Settings.ServerPort != 3025 {
		t.Errorf("Expected default port 3025, got %d", cfg.Settings.ServerPort)
	}
	if cfg.Transport.ReconnectDelay != 3*time.Second {
		t.Errorf("Expected 3s reconnect delay, got %v", cfg.Transport.ReconnectDelay)
	}
	if cfg.Transport.MaxReconnectAttempts != 0 {
		t.Errorf("Expected unbounded reconnects by default, got %d", cfg.Transport.MaxReconnectAttempts)
	}
	if !cfg.SendsHTTP() || cfg.SendsSocket() {
		t.Errorf("Expected http-only ingestion by default")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("RELAY_SERVER_HOST", "10.0.0.2")
	t.Setenv("RELAY_SERVER_PORT", "4000")
	t.Setenv("RELAY_SHOW_REQUEST_HEADERS", "yes")
	t.Setenv("RELAY_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("RELAY_INGEST_MODE", "BOTH")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CONTROL_ALLOWED_ORIGINS", "http://localhost:5173, ,chrome-extension://abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Settings.WebSocketURL() != "ws://10.0.0.2:4000/extension-ws" {
		t.Errorf("Unexpected socket URL %s", cfg.Settings.WebSocketURL())
	}
	if !cfg.Settings.ShowRequestHeaders {
		t.Error("Expected request headers enabled")
	}
	if cfg.Transport.HeartbeatInterval != 5*time.Second {
		t.Errorf("Expected 5s heartbeat, got %v", cfg.Transport.HeartbeatInterval)
	}
	if !cfg.SendsHTTP() || !cfg.SendsSocket() {
		t.Error("Expected both ingestion paths")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("Expected debug level, got %v", cfg.LogLevel)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "chrome-extension://abc" {
		t.Errorf("Unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"RELAY_SERVER_PORT":      "70000",
		"RELAY_INGEST_MODE":      "carrier-pigeon",
		"RELAY_HEARTBEAT_POLICY": "never",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Errorf("Expected error for %s=%s", key, value)
			}
		})
	}
}

func TestLive(t *testing.T) {
	live := NewLive(domain.DefaultSettings())
	next := domain.DefaultSettings()
	next.ServerPort = 9000

	prev := live.Set(next)
	if prev.ServerPort != 3025 {
		t.Errorf("Expected previous port 3025, got %d", prev.ServerPort)
	}
	if live.Get().ServerPort != 9000 {
		t.Errorf("Expected port 9000, got %d", live.Get().ServerPort)
	}
}
