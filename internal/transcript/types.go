package transcript

import (
	"context"
	"time"
)

// Turn is one completed exchange: the user's message paired with the
// assistant's reply. Turns are immutable once appended and are only
// created after a successful inference call.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Human     string    `json:"human"`
	Assistant string    `json:"assistant"`
	Redacted  bool      `json:"redacted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store holds per-session transcripts. Seq is strictly increasing within
// a session; insertion order is conversation order.
type Store interface {
	// Append records a completed turn, assigning ID, Seq and CreatedAt
	// when unset, and returns the stored turn.
	Append(ctx context.Context, turn Turn) (Turn, error)
	// SessionTurns returns the full transcript in conversation order.
	SessionTurns(ctx context.Context, sessionID string) ([]Turn, error)
	// RecentTurns returns at most limit of the newest turns with
	// Seq > sinceSeq, in conversation order.
	RecentTurns(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]Turn, error)
	// ClearSession discards the session's transcript.
	ClearSession(ctx context.Context, sessionID string) error
	Close() error
}
