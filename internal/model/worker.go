package model

import "time"

// Worker status constants.
const (
	StatusCreated    = "created"
	StatusRunning    = "running"
	StatusCommitted  = "committed"
	StatusFailed     = "failed"
	StatusTerminated = "terminated"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusCreated: {
		StatusRunning:    true,
		StatusFailed:     true,
		StatusTerminated: true,
	},
	StatusRunning: {
		StatusCommitted: true,
		StatusFailed:    true,
	},
	StatusCommitted: {
		StatusTerminated: true,
	},
	StatusFailed: {
		StatusTerminated: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// WorkerRecord is the scheduler-owned view of one in-flight execution.
type WorkerRecord struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	Tempdir   string    `json:"tempdir"`
	StartedAt time.Time `json:"started_at"`
}

// Run is a persisted history entry for one worker execution.
type Run struct {
	ID               string     `json:"id"`
	Action           string     `json:"action"`
	IdempotencyToken string     `json:"idempotency_token"`
	StreamKey        string     `json:"stream_key,omitempty"`
	Status           string     `json:"status"`
	Keys             int        `json:"keys"`
	MissingKeys      int        `json:"missing_keys"`
	Error            string     `json:"error,omitempty"`
	DurationMS       *int       `json:"duration_ms,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}
