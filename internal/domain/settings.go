// Package domain holds the data types shared by the relay components.
package domain

import (
	"errors"
	"net"
	"strconv"
)

// Settings is the read-only snapshot of user settings the relay consumes.
type Settings struct {
	ServerHost          string `json:"serverHost"`
	ServerPort          int    `json:"serverPort"`
	LogLimit            int    `json:"logLimit"`
	QueryLimit          int    `json:"queryLimit"`
	StringSizeLimit     int    `json:"stringSizeLimit"`
	MaxLogSize          int    `json:"maxLogSize"`
	ShowRequestHeaders  bool   `json:"showRequestHeaders"`
	ShowResponseHeaders bool   `json:"showResponseHeaders"`
	ScreenshotPath      string `json:"screenshotPath,omitempty"`
	AllowAutoPaste      bool   `json:"allowAutoPaste"`
}

// DefaultSettings returns the settings used before anything is saved.
func DefaultSettings() Settings {
	return Settings{
		ServerHost:      "localhost",
		ServerPort:      3025,
		LogLimit:        50,
		QueryLimit:      30000,
		StringSizeLimit: 500,
		MaxLogSize:      20000,
	}
}

// Addr returns host:port of the relay server.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.ServerHost, strconv.Itoa(s.ServerPort))
}

// BaseURL returns the HTTP base URL of the relay server.
func (s Settings) BaseURL() string {
	return "http://" + s.Addr()
}

// WebSocketURL returns the socket endpoint of the relay server.
func (s Settings) WebSocketURL() string {
	return "ws://" + s.Addr() + "/extension-ws"
}

// SameServer reports whether both snapshots point at the same relay server.
func (s Settings) SameServer(other Settings) bool {
	return s.ServerHost == other.ServerHost && s.ServerPort == other.ServerPort
}

// Validate checks the snapshot for values the relay cannot work with.
func (s Settings) Validate() error {
	if s.ServerHost == "" {
		return errors.New("serverHost cannot be empty")
	}
	if s.ServerPort <= 0 || s.ServerPort > 65535 {
		return errors.New("serverPort must be between 1 and 65535")
	}
	if s.LogLimit < 0 || s.QueryLimit < 0 || s.StringSizeLimit < 0 || s.MaxLogSize < 0 {
		return errors.New("limits cannot be negative")
	}
	return nil
}
