package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// runningChunkSize bounds how many RUNNING jobs are materialized per batch
// while reconciling.
const runningChunkSize = 50

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJob re-reads and rewrites the row inside a single badger
// transaction so concurrent partial updates cannot drop each other's fields.
func (s *JobStorage) UpdateJob(ctx context.Context, jobID string, mutate func(*models.Job)) error {
	err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
		var job models.Job
		if err := s.db.Store().TxGet(tx, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("job not found: %s", jobID)
			}
			return err
		}
		mutate(&job)
		return s.db.Store().TxUpdate(tx, jobID, &job)
	})
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if err := s.db.Store().DeleteMatching(&models.JobSettingsMeta{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete job settings meta: %w", err)
	}
	return nil
}

// ClaimNextQueued selects the QUEUED job with the smallest CreatedAt,
// transitions it to RUNNING and stamps StartedAt, all inside one badger
// transaction. Badger detects write conflicts between concurrent
// transactions, so two claimers can never both win the same job; the loser
// retries against the next snapshot.
func (s *JobStorage) ClaimNextQueued(ctx context.Context) (*models.Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var claimed *models.Job
		err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
			var candidates []models.Job
			query := badgerhold.Where("Status").Eq(models.JobStatusQueued).SortBy("CreatedAt").Limit(1)
			if err := s.db.Store().TxFind(tx, &candidates, query); err != nil {
				return err
			}
			if len(candidates) == 0 {
				return nil
			}
			job := candidates[0]
			now := time.Now().UTC()
			job.Status = models.JobStatusRunning
			job.StartedAt = &now
			if err := s.db.Store().TxUpdate(tx, job.ID, &job); err != nil {
				return err
			}
			claimed = &job
			return nil
		})
		if err == badgerdb.ErrConflict {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		return claimed, nil
	}
}

func (s *JobStorage) CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int, error) {
	total := 0
	for _, status := range statuses {
		count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
		if err != nil {
			return 0, fmt.Errorf("failed to count jobs: %w", err)
		}
		total += int(count)
	}
	return total, nil
}

// ListRunningWithBackendRef streams RUNNING jobs that carry a backend ref in
// chunks so a long reconcile pass never holds the full set in memory.
func (s *JobStorage) ListRunningWithBackendRef(ctx context.Context, fn func(*models.Job) error) error {
	offset := 0
	for {
		var jobs []models.Job
		query := badgerhold.Where("Status").Eq(models.JobStatusRunning).
			And("BackendRef").Ne("").
			SortBy("CreatedAt").
			Skip(offset).
			Limit(runningChunkSize)
		if err := s.db.Store().Find(&jobs, query); err != nil {
			return fmt.Errorf("failed to list running jobs: %w", err)
		}
		if len(jobs) == 0 {
			return nil
		}
		for i := range jobs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(&jobs[i]); err != nil {
				return err
			}
		}
		if len(jobs) < runningChunkSize {
			return nil
		}
		offset += runningChunkSize
	}
}

func (s *JobStorage) LastFinishedAt(ctx context.Context) (time.Time, error) {
	var jobs []models.Job
	query := badgerhold.Where("Status").In(models.JobStatusSucceeded, models.JobStatusFailed)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return time.Time{}, fmt.Errorf("failed to query finished jobs: %w", err)
	}
	var latest time.Time
	for i := range jobs {
		if jobs[i].FinishedAt != nil && jobs[i].FinishedAt.After(latest) {
			latest = *jobs[i].FinishedAt
		}
	}
	return latest, nil
}

func (s *JobStorage) SaveSettingsMeta(ctx context.Context, metas []*models.JobSettingsMeta) error {
	for _, meta := range metas {
		if meta.ID == "" {
			meta.ID = meta.JobID + "|" + meta.FileName
		}
		if err := s.db.Store().Upsert(meta.ID, meta); err != nil {
			return fmt.Errorf("failed to save settings meta %s: %w", meta.FileName, err)
		}
	}
	return nil
}

func (s *JobStorage) ListSettingsMeta(ctx context.Context, jobID string) ([]*models.JobSettingsMeta, error) {
	var metas []models.JobSettingsMeta
	if err := s.db.Store().Find(&metas, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to list settings meta: %w", err)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].FileName < metas[j].FileName })
	result := make([]*models.JobSettingsMeta, len(metas))
	for i := range metas {
		result[i] = &metas[i]
	}
	return result, nil
}
