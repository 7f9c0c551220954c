// Package protocol defines the JSON frames exchanged with the relay server.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ashureev/tabrelay/internal/domain"
)

// Inbound frame types.
const (
	TypeTakeScreenshot    = "take-screenshot"
	TypeRefreshPage       = "refresh-page"
	TypeRunScript         = "run-script"
	TypeGetCurrentURL     = "get-current-url"
	TypeGetConsoleLogs    = "get-console-logs"
	TypeGetConsoleErrors  = "get-console-errors"
	TypeGetNetworkLogs    = "get-network-logs"
	TypeWipeLogs          = "wipe-logs"
	TypeServerShutdown    = "server-shutdown"
	TypePing              = "ping"
	TypeHeartbeatResponse = "heartbeat-response"
)

// Outbound frame types.
const (
	TypeHeartbeat           = "heartbeat"
	TypePong                = "pong"
	TypeScreenshotData      = "screenshot-data"
	TypeScreenshotError     = "screenshot-error"
	TypeRefreshPageResponse = "refresh-page-response"
	TypeScriptResult        = "script-result"
	TypeScriptError         = "script-error"
	TypeCurrentURLResponse  = "current-url-response"
	TypeWipeLogsResponse    = "wipe-logs-response"
	TypePageNavigated       = "page-navigated"
)

// ResponseType returns the reply type for a log query type, e.g.
// get-console-logs -> console-logs-response.
func ResponseType(queryType string) string {
	return strings.TrimPrefix(queryType, "get-") + "-response"
}

// Inbound is the union of all fields an inbound frame may carry.
type Inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Script    string `json:"script,omitempty"`
	Path      string `json:"path,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Decode parses an inbound frame.
func Decode(data []byte) (Inbound, error) {
	var msg Inbound
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// Now returns the current time in milliseconds, the unit used on the wire.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Heartbeat is sent periodically while the socket is open.
type Heartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a ping.
type Pong struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ScreenshotData carries a captured screenshot as a data URL.
type ScreenshotData struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Data      string `json:"data"`
	Path      string `json:"path,omitempty"`
	AutoPaste bool   `json:"autoPaste"`
}

// ErrorReply is the shape of screenshot-error.
type ErrorReply struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error"`
}

// RefreshPageResponse reports whether a reload was issued.
type RefreshPageResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ScriptResult carries the JSON value a script evaluated to.
type ScriptResult struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Result    json.RawMessage `json:"result"`
	Evaluator string          `json:"evaluator,omitempty"`
}

// ContextInfo describes tab state when a command is refused.
type ContextInfo struct {
	TabID                string `json:"tabId"`
	ConsecutiveFailures  int    `json:"consecutiveFailures"`
	TimeSinceLastSuccess int64  `json:"timeSinceLastSuccess"`
}

// ScriptError reports a failed script execution.
type ScriptError struct {
	Type        string       `json:"type"`
	RequestID   string       `json:"requestId,omitempty"`
	Error       string       `json:"error"`
	Reason      string       `json:"reason,omitempty"`
	ContextInfo *ContextInfo `json:"contextInfo,omitempty"`
}

// CurrentURLResponse answers get-current-url. URL is null when unknown.
type CurrentURLResponse struct {
	Type      string  `json:"type"`
	RequestID string  `json:"requestId,omitempty"`
	URL       *string `json:"url"`
	TabID     string  `json:"tabId,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// LogsResponse answers a log query. Logs is never null.
type LogsResponse struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Logs      []domain.LogEntry `json:"logs"`
}

// WipeLogsResponse acknowledges wipe-logs.
type WipeLogsResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
}

// PageNavigated announces the URL of the tracked tab.
type PageNavigated struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	TabID     string `json:"tabId"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source,omitempty"`
}

// LogEntryFrame pushes one captured entry over the socket. Type repeats the
// entry type (console-log, network-request, ...).
type LogEntryFrame struct {
	Type string          `json:"type"`
	Data domain.LogEntry `json:"data"`
}
