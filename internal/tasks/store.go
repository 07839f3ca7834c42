package tasks

import (
	"context"
	"time"
)

// ProcessingUpdate carries the fields a processing message may set.
type ProcessingUpdate struct {
	StartedAt time.Time
	Device    string
	Metadata  map[string]any
}

// CompletedUpdate carries the fields a completed message may set.
type CompletedUpdate struct {
	CompletedAt  time.Time
	OutputPath   string
	FileSize     *int64
	SamplingRate *int
	Device       string
	Metadata     map[string]any
}

// FailedUpdate carries the fields a failed message may set.
type FailedUpdate struct {
	FailedAt     time.Time
	ErrorMessage string
	Device       string
	Metadata     map[string]any
}

// Store persists tasks. Every method is a single short transaction; no
// reader ever observes a half-applied update.
type Store interface {
	// Create inserts a new task row. A queued or processing task with the
	// same text hash makes it fail with ErrDuplicateInFlight.
	Create(ctx context.Context, task *Task) error

	// GetByID returns ErrNotFound for an unknown id.
	GetByID(ctx context.Context, id string) (*Task, error)

	// GetByHash returns the reusable task for a text hash, excluding failed
	// ones. Ties break completed > processing > queued, then newest first.
	GetByHash(ctx context.Context, hash string) (*Task, bool, error)

	// List returns tasks newest first, optionally filtered by status.
	// A non-positive limit means no limit.
	List(ctx context.Context, status Status, limit int) ([]*Task, error)

	// MarkProcessing, MarkCompleted and MarkFailed apply one status
	// transition each, touching only the columns that transition owns.
	// An unknown id signals ErrNotFound.
	MarkProcessing(ctx context.Context, id string, update ProcessingUpdate) error
	MarkCompleted(ctx context.Context, id string, update CompletedUpdate) error
	MarkFailed(ctx context.Context, id string, update FailedUpdate) error

	// AttachItem links a task to its owning item.
	AttachItem(ctx context.Context, id string, itemID int64) error

	// DeleteFailedBefore bulk-removes failed tasks whose failure predates
	// the cutoff and reports how many rows went away.
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// OrphanedCompletedBefore lists completed tasks with no owning item
	// whose completion predates the cutoff. Delete removes a single row, so
	// a purge sweep can skip individual failures.
	OrphanedCompletedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Delete(ctx context.Context, id string) error

	CountByStatus(ctx context.Context) (map[Status]int, error)
	Stats(ctx context.Context) (*Statistics, error)
}
