// Package jobstore defines durable keyed storage for job records. The
// Postgres implementation is the production store; the memory implementation
// backs tests and single-node development.
package jobstore

import (
	"context"
	"time"

	"replaymill/internal/job"
)

// ListFilter narrows a List call. Zero values mean "no constraint".
type ListFilter struct {
	Status          job.Status
	SessionID       string
	CompletedBefore time.Time
}

// Store is the single source of truth for job records. Implementations must
// enforce the status machine: a transition a caller requests that
// job.Status.CanTransition rejects fails with a conflict error.
type Store interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)

	// List returns jobs matching the filter, oldest first.
	List(ctx context.Context, f ListFilter) ([]*job.Job, error)

	// Claim atomically moves a queued job to processing and returns it.
	// The claim is exclusive: concurrent claims of the same id yield the
	// job to exactly one caller; the rest get a conflict error.
	Claim(ctx context.Context, id string) (*job.Job, error)

	// SetMessage updates the progress text of a processing job.
	SetMessage(ctx context.Context, id, msg string) error

	// MarkCompleted transitions processing -> completed, setting
	// output_path and completed_at in one write.
	MarkCompleted(ctx context.Context, id, outputPath string, at time.Time) error

	// MarkFailed transitions processing -> failed, setting message and
	// completed_at in one write.
	MarkFailed(ctx context.Context, id, msg string, at time.Time) error

	// FailOrphaned marks every processing job as failed with msg. Run at
	// worker startup so no record is left processing with no worker
	// attached. Returns the number of jobs failed.
	FailOrphaned(ctx context.Context, msg string) (int, error)

	Delete(ctx context.Context, id string) error
}
