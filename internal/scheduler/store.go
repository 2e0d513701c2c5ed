package scheduler

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned by Store.Get for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// Payload carries everything needed to deliver a reminder without
// touching the database mid-fire.
type Payload struct {
	TaskID  uint
	ChatID  int64
	Message string
}

// Job is a scheduled unit of future work tracked by id.
type Job struct {
	ID         string
	Trigger    Trigger
	Payload    Payload
	NextFireAt time.Time
}

// Store is a durable registry of jobs that survives process restarts.
// Single-writer discipline per job id is assumed; no cross-job
// transactions are required.
type Store interface {
	// Put inserts or replaces the job with the same id.
	Put(ctx context.Context, job Job) error
	// Get returns ErrJobNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Job, error)
	// Delete is a no-op for unknown ids.
	Delete(ctx context.Context, id string) error
	// DeleteByPrefix removes every job whose id starts with prefix and
	// reports how many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
	DeleteAll(ctx context.Context) error
	List(ctx context.Context) ([]Job, error)
	// SetNextFire advances a cyclical job to its next occurrence.
	SetNextFire(ctx context.Context, id string, at time.Time) error
}
