package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/k2pweb/internal/models"
)

// JobStorage is the durable job store.
type JobStorage interface {
	// CreateJob inserts a new job row atomically.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob returns the job by ID, or an error when absent.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateJob applies mutate to the current row and persists the result
	// under the store's write lock. Used for partial field updates.
	UpdateJob(ctx context.Context, jobID string, mutate func(*models.Job)) error

	// DeleteJob removes the job and all of its settings metadata rows.
	DeleteJob(ctx context.Context, jobID string) error

	// ClaimNextQueued atomically transitions the oldest QUEUED job to
	// RUNNING, stamps StartedAt, and returns it. Returns (nil, nil) when no
	// job is available. At most one caller observes a given job as claimed.
	ClaimNextQueued(ctx context.Context) (*models.Job, error)

	// CountJobsByStatus returns the number of jobs in any of the statuses.
	CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int, error)

	// ListRunningWithBackendRef streams RUNNING jobs with a non-empty
	// BackendRef to fn in chunks to bound memory. Iteration stops on the
	// first error from fn.
	ListRunningWithBackendRef(ctx context.Context, fn func(*models.Job) error) error

	// LastFinishedAt returns the most recent FinishedAt across all jobs, or
	// the zero time when none has finished.
	LastFinishedAt(ctx context.Context) (time.Time, error)

	// SaveSettingsMeta inserts metadata rows for a job.
	SaveSettingsMeta(ctx context.Context, metas []*models.JobSettingsMeta) error

	// ListSettingsMeta returns the metadata rows for a job.
	ListSettingsMeta(ctx context.Context, jobID string) ([]*models.JobSettingsMeta, error)
}

// StorageManager owns the database connection and the per-entity storages.
type StorageManager interface {
	JobStorage() JobStorage
	Close() error
}
