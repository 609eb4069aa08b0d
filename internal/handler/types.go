package handler

import "time"

// RejectRequest is the body of a draft rejection
type RejectRequest struct {
	Reason string `json:"reason"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Database      string    `json:"database"`
	Scheduler     string    `json:"scheduler"`
	PendingDrafts int64     `json:"pending_drafts"`
	OpenCircuits  []string  `json:"open_circuits,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
