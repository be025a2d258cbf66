package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID       string `json:"user_id"`
	Persona      string `json:"persona"`
	ModelID      string `json:"model_id"`
	MemoryWindow int    `json:"memory_window"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Persona         string    `json:"persona"`
	ModelID         string    `json:"model_id"`
	MemoryWindow    int       `json:"memory_window"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// Stats is the trivial per-session statistics panel payload.
type Stats struct {
	SessionID  string `json:"session_id"`
	Messages   int    `json:"messages"`
	DurationMS int64  `json:"duration_ms"`
}
