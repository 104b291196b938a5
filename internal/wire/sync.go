// Package wire defines the JSON wire contracts exchanged with the control
// server over HTTP. Field names and shapes mirror the teacher's server-side
// handlers 1:1 (_examples/brennhill-.../internal/capture/sync.go and
// rate_limit.go) since this coordinator is the client of exactly those
// endpoints (spec §6).
//
// JSON CONVENTION: fields use snake_case, matching the teacher's
// documented API-naming standard, except HealthResponse/HealthLogs, the
// underscore-prefixed enrichment fields of LogEntry, and
// NetworkWaterfallRequest's pageURL, which are camelCase.
package wire

import "encoding/json"

// SyncRequest is the POST body for /sync.
type SyncRequest struct {
	ExtSessionID     string          `json:"ext_session_id"`
	ExtensionVersion string          `json:"extension_version,omitempty"`
	Settings         *SyncSettings   `json:"settings,omitempty"`
	ExtensionLogs    []ExtensionLog  `json:"extension_logs,omitempty"`
	LastCommandAck   string          `json:"last_command_ack,omitempty"`
	CommandResults   []CommandResult `json:"command_results,omitempty"`
}

// SyncSettings carries pilot/tracking flags and capture toggles.
type SyncSettings struct {
	PilotEnabled     bool   `json:"pilot_enabled"`
	TrackingEnabled  bool   `json:"tracking_enabled"`
	TrackedTabID     int    `json:"tracked_tab_id"`
	TrackedTabURL    string `json:"tracked_tab_url"`
	TrackedTabTitle  string `json:"tracked_tab_title"`
	CaptureLogs      bool   `json:"capture_logs"`
	CaptureNetwork   bool   `json:"capture_network"`
	CaptureWebSocket bool   `json:"capture_websocket"`
	CaptureActions   bool   `json:"capture_actions"`
}

// CommandResult is a terminal (or timeout) result for a dispatched command.
type CommandResult struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        string          `json:"status"` // "complete" | "error" | "timeout"
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// SyncResponse is the response body for /sync.
type SyncResponse struct {
	ServerVersion    string            `json:"server_version,omitempty"`
	Commands         []Command         `json:"commands"`
	CaptureOverrides map[string]string `json:"capture_overrides,omitempty"`
	NextPollMs       int               `json:"next_poll_ms"`
}

// Command is a command the server wants the coordinator to execute.
type Command struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Params        json.RawMessage `json:"params"`
	TabID         int             `json:"tab_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// ExtensionLog is a background-level debug log line, POSTed as part of
// /sync or standalone to /extension-logs.
type ExtensionLog struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	Category  string         `json:"category,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// HealthResponse mirrors GET /health.
type HealthResponse struct {
	Connected        bool       `json:"connected"`
	Version          string     `json:"version"`
	AvailableVersion string     `json:"availableVersion,omitempty"`
	Logs             HealthLogs `json:"logs"`
}

// HealthLogs is the logs sub-object of HealthResponse.
type HealthLogs struct {
	LogFile     string `json:"logFile"`
	LogFileSize int64  `json:"logFileSize"`
	Entries     int    `json:"entries"`
	MaxEntries  int    `json:"maxEntries"`
}
