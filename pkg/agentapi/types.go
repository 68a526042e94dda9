// Package agentapi defines the guest agent wire protocol and the host-side
// HTTP client for it.
//
// Every agent response is wrapped in an envelope:
//
//	{"status": "ok",    "data": {...}}
//	{"status": "error", "error": "..."}
package agentapi

import "encoding/json"

// Agent state values reported by the status endpoint.
const (
	StateIdle       = "idle"
	StateExecuting  = "executing"
	StateCollecting = "collecting"
	StateError      = "error"
)

// Envelope is the uniform response wrapper used by every agent endpoint.
type Envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusData is the payload of GET /api/status.
type StatusData struct {
	Status         string          `json:"status"`
	CurrentSample  string          `json:"current_sample,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	StartedAt      string          `json:"started_at"`
	ExecutionCount int             `json:"execution_count"`
	AgentVersion   string          `json:"agent_version"`
	Platform       string          `json:"platform"`
	Collectors     []CollectorInfo `json:"collectors"`
}

// CollectorInfo reports a collector's name and runtime availability.
type CollectorInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// CollectorsData is the payload of GET /api/collectors.
type CollectorsData struct {
	Collectors []CollectorInfo `json:"collectors"`
}

// ArtifactsData is the payload of GET /api/artifacts.
type ArtifactsData struct {
	Artifacts []string `json:"artifacts"`
	Count     int      `json:"count"`
}

// ExecuteRequest is the body of POST /api/execute.
type ExecuteRequest struct {
	Filename string `json:"filename"`
	// TimeoutSec is the detonation window in seconds (default 60).
	TimeoutSec int `json:"timeout,omitempty"`
	// ScreenshotIntervalSec is the capture cadence in seconds (default 5).
	ScreenshotIntervalSec int `json:"screenshot_interval,omitempty"`
}

// ExecuteAck is the payload of a successful POST /api/execute.
// Execution continues in the background after the ack.
type ExecuteAck struct {
	Message    string `json:"message"`
	TimeoutSec int    `json:"timeout"`
}

// MessageData is the payload of cleanup/shutdown acknowledgements.
type MessageData struct {
	Message string `json:"message"`
}
