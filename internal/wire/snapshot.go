package wire

// SnapshotError is one aggregated error-group row within a named snapshot,
// mirroring the teacher's internal/types/snapshot.go SnapshotError shape.
type SnapshotError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// SnapshotNetworkRequest summarizes one network request captured at
// snapshot time.
type SnapshotNetworkRequest struct {
	Method       string `json:"method"`
	URL          string `json:"url"`
	Status       int    `json:"status"`
	Duration     int    `json:"duration_ms"`
	ResponseSize int    `json:"response_size,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
}

// SnapshotWSConnection summarizes one WebSocket connection observed at
// snapshot time.
type SnapshotWSConnection struct {
	URL         string  `json:"url"`
	State       string  `json:"state"`
	MessageRate float64 `json:"message_rate,omitempty"`
}

// NamedSnapshot is a point-in-time capture of page state, persisted under a
// user-chosen name (component K, spec §4.K).
type NamedSnapshot struct {
	Name                  string                   `json:"name"`
	CapturedAt            string                   `json:"captured_at"`
	URLFilter             string                   `json:"url_filter,omitempty"`
	PageURL               string                   `json:"page_url"`
	ConsoleErrors         []SnapshotError          `json:"console_errors,omitempty"`
	ConsoleWarnings       []SnapshotError          `json:"console_warnings,omitempty"`
	NetworkRequests       []SnapshotNetworkRequest `json:"network_requests,omitempty"`
	WebSocketConnections  []SnapshotWSConnection   `json:"websocket_connections,omitempty"`
}

// SnapshotListResponse is returned by the state-snapshot list operation.
type SnapshotListResponse struct {
	Snapshots []NamedSnapshot `json:"snapshots"`
}

// SnapshotSaveRequest requests persistence of a new or updated snapshot.
type SnapshotSaveRequest struct {
	Snapshot NamedSnapshot `json:"snapshot"`
}

// SnapshotDeleteRequest requests deletion of a named snapshot.
type SnapshotDeleteRequest struct {
	Name string `json:"name"`
}
