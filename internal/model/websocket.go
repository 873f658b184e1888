package model

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage carries a job status snapshot
type WSStatusMessage struct {
	Type  string         `json:"type"`
	JobID string         `json:"jobId"`
	Job   StatusResponse `json:"job"`
}
