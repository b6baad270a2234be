package temporal

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when no session exists for an ID.
var ErrSessionNotFound = errors.New("session not found")

// Sessions starts and inspects enrichment sessions.
// Each address has at most one running session; starting another while one
// runs returns the running one.
type Sessions interface {
	StartSession(ctx context.Context, input EnrichAddressInput) (*Session, error)
	SessionStatus(ctx context.Context, id string) (*Session, error)
}

// Session describes one EnrichAddressWorkflow execution.
type Session struct {
	ID        string               `json:"id"`
	RunID     string               `json:"run_id"`
	Status    string               `json:"status"`
	StartedAt *time.Time           `json:"started_at,omitempty"`
	ClosedAt  *time.Time           `json:"closed_at,omitempty"`
	Result    *EnrichAddressResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Session statuses, matching Temporal's execution status names.
const (
	StatusRunning   = "Running"
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
)

// sessionID returns the workflow ID for an address.
func sessionID(address string) string {
	return "enrich-" + address
}
