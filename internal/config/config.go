// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/tabrelay/internal/domain"
)

// Ingest modes select where captured entries are delivered.
const (
	IngestHTTP   = "http"
	IngestSocket = "socket"
	IngestBoth   = "both"
)

// Heartbeat policies.
const (
	HeartbeatSendFailures     = "send-failures"
	HeartbeatMissedResponses  = "missed-responses"
	defaultHeartbeatPolicy    = HeartbeatSendFailures
	defaultControlAddr        = "127.0.0.1:3026"
	defaultDBPath             = "./data/tabrelay.db"
	defaultChromeStartURL     = "about:blank"
	defaultDiagnosticInterval = 10 * time.Second
)

// Config holds all application configuration.
type Config struct {
	Settings       domain.Settings
	Transport      TransportConfig
	Browser        BrowserConfig
	ControlAddr    string
	AllowedOrigins []string
	DBPath         string
	LogLevel       slog.Level

	IngestMode         string
	ScriptTimeout      time.Duration
	LogBufferSize      int
	DiagnosticInterval time.Duration
}

// TransportConfig controls the socket connection policy.
type TransportConfig struct {
	ReconnectDelay       time.Duration
	HeartbeatInterval    time.Duration
	MaxHeartbeatFailures int
	HeartbeatPolicy      string
	// MaxReconnectAttempts caps reconnects after abnormal closes; 0 means unbounded.
	MaxReconnectAttempts int
	IdentityTimeout      time.Duration
	ValidationCacheTTL   time.Duration
}

// BrowserConfig selects the browser the agent instruments.
type BrowserConfig struct {
	CDPURL     string // remote debugging endpoint; empty launches a local browser
	ChromePath string
	Headless   bool
	StartURL   string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	defaults := domain.DefaultSettings()

	cfg := &Config{
		Settings: domain.Settings{
			ServerHost:          getEnv("RELAY_SERVER_HOST", defaults.ServerHost),
			ServerPort:          getEnvInt("RELAY_SERVER_PORT", defaults.ServerPort),
			LogLimit:            getEnvInt("RELAY_LOG_LIMIT", defaults.LogLimit),
			QueryLimit:          getEnvInt("RELAY_QUERY_LIMIT", defaults.QueryLimit),
			StringSizeLimit:     getEnvInt("RELAY_STRING_SIZE_LIMIT", defaults.StringSizeLimit),
			MaxLogSize:          getEnvInt("RELAY_MAX_LOG_SIZE", defaults.MaxLogSize),
			ShowRequestHeaders:  getEnvBool("RELAY_SHOW_REQUEST_HEADERS", false),
			ShowResponseHeaders: getEnvBool("RELAY_SHOW_RESPONSE_HEADERS", false),
			ScreenshotPath:      getEnv("RELAY_SCREENSHOT_PATH", ""),
			AllowAutoPaste:      getEnvBool("RELAY_ALLOW_AUTO_PASTE", false),
		},
		Transport: TransportConfig{
			ReconnectDelay:       getEnvDuration("RELAY_RECONNECT_DELAY", 3*time.Second),
			HeartbeatInterval:    getEnvDuration("RELAY_HEARTBEAT_INTERVAL", 20*time.Second),
			MaxHeartbeatFailures: getEnvInt("RELAY_MAX_HEARTBEAT_FAILURES", 3),
			HeartbeatPolicy:      getEnv("RELAY_HEARTBEAT_POLICY", defaultHeartbeatPolicy),
			MaxReconnectAttempts: getEnvInt("RELAY_MAX_RECONNECT_ATTEMPTS", 0),
			IdentityTimeout:      getEnvDuration("RELAY_IDENTITY_TIMEOUT", 3*time.Second),
			ValidationCacheTTL:   getEnvDuration("RELAY_VALIDATION_CACHE_TTL", 30*time.Second),
		},
		Browser: BrowserConfig{
			CDPURL:     getEnv("CHROME_CDP_URL", ""),
			ChromePath: getEnv("CHROME_PATH", ""),
			Headless:   getEnvBool("CHROME_HEADLESS", true),
			StartURL:   getEnv("CHROME_START_URL", defaultChromeStartURL),
		},
		ControlAddr:        getEnv("CONTROL_ADDR", defaultControlAddr),
		AllowedOrigins:     splitList(getEnv("CONTROL_ALLOWED_ORIGINS", "")),
		DBPath:             getEnv("DB_PATH", defaultDBPath),
		LogLevel:           parseLevel(getEnv("LOG_LEVEL", "info")),
		IngestMode:         strings.ToLower(getEnv("RELAY_INGEST_MODE", IngestHTTP)),
		ScriptTimeout:      getEnvDuration("RELAY_SCRIPT_TIMEOUT", 15*time.Second),
		LogBufferSize:      getEnvInt("RELAY_LOG_BUFFER_SIZE", 1000),
		DiagnosticInterval: getEnvDuration("RELAY_DIAGNOSTIC_INTERVAL", defaultDiagnosticInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ControlAddr == "" {
		return fmt.Errorf("CONTROL_ADDR cannot be empty")
	}
	switch c.IngestMode {
	case IngestHTTP, IngestSocket, IngestBoth:
	default:
		return fmt.Errorf("RELAY_INGEST_MODE must be one of http, socket, both")
	}
	switch c.Transport.HeartbeatPolicy {
	case HeartbeatSendFailures, HeartbeatMissedResponses:
	default:
		return fmt.Errorf("RELAY_HEARTBEAT_POLICY must be send-failures or missed-responses")
	}
	if c.Transport.ReconnectDelay <= 0 {
		return fmt.Errorf("RELAY_RECONNECT_DELAY must be > 0")
	}
	if c.Transport.HeartbeatInterval <= 0 {
		return fmt.Errorf("RELAY_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Transport.MaxHeartbeatFailures <= 0 {
		return fmt.Errorf("RELAY_MAX_HEARTBEAT_FAILURES must be > 0")
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("RELAY_MAX_RECONNECT_ATTEMPTS cannot be negative")
	}
	if c.ScriptTimeout <= 0 {
		return fmt.Errorf("RELAY_SCRIPT_TIMEOUT must be > 0")
	}
	if c.LogBufferSize <= 0 {
		return fmt.Errorf("RELAY_LOG_BUFFER_SIZE must be > 0")
	}
	return nil
}

// SendsHTTP reports whether entries go to the HTTP ingestion endpoint.
func (c *Config) SendsHTTP() bool {
	return c.IngestMode == IngestHTTP || c.IngestMode == IngestBoth
}

// SendsSocket reports whether entries are pushed over the socket.
func (c *Config) SendsSocket() bool {
	return c.IngestMode == IngestSocket || c.IngestMode == IngestBoth
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
