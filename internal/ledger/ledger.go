// Package ledger persists the history of worker executions so that the
// service can report what the cache engine has been doing.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/flowcache/internal/model"
)

// ErrInvalidTransition is returned when a run is terminated twice or was never created.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByAction map[string]int `json:"count_by_action"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Termination describes how a run ended.
type Termination struct {
	Status      string
	MissingKeys int
	Error       string
	Duration    time.Duration
	FinishedAt  time.Time
}

// Ledger defines the persistence operations for worker runs.
type Ledger interface {
	RecordCreate(ctx context.Context, rec model.WorkerRecord) error
	RecordTerminate(ctx context.Context, id string, t Termination) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
