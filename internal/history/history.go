package history

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Record is one finished job, kept for operator visibility after the
// job's store record has been deleted.
type Record struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	WorkerID    string    `json:"worker_id"`
	RequesterID string    `json:"requester_id"`
	Engine      string    `json:"engine"`
	Action      string    `json:"action"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	Record(ctx context.Context, rec *Record) error
	ListRecent(ctx context.Context, limit int) ([]*Record, error)
}

// NewNoopStore returns a Store that drops everything; used when no
// database is configured.
func NewNoopStore() Store {
	return noopStore{}
}

type noopStore struct{}

func (noopStore) Record(ctx context.Context, rec *Record) error {
	return nil
}

func (noopStore) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	return nil, nil
}
