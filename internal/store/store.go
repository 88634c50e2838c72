package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Record is the last known OS process for a project. It exists so orphaned
// dev servers can be reaped after the supervisor itself restarts.
// StartedAt and UpdatedAt are UTC.
type Record struct {
	ProjectID string    `json:"project_id"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps one Record per project.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// SavePID upserts the project's record. StartedAt is set to now.
	SavePID(ctx context.Context, projectID string, pid, port int) error
	// RemovePID deletes the project's record. Missing records are not an error.
	RemovePID(ctx context.Context, projectID string) error
	Get(ctx context.Context, projectID string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Close() error
}
