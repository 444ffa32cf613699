// Package dispatcher drives job execution: each tick claims at most one
// QUEUED job for the backend and reconciles every RUNNING job that has a
// remote reference.
package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/metrics"
	"github.com/ternarybob/k2pweb/internal/models"
)

// Dispatcher is the supervisor loop over the claim/submit/reconcile cycle.
type Dispatcher struct {
	storage interfaces.JobStorage
	backend interfaces.Backend
	config  *common.Config
	metrics *metrics.Metrics
	logger  arbor.ILogger
}

// New creates a dispatcher over the given store and execution backend.
func New(storage interfaces.JobStorage, backend interfaces.Backend, config *common.Config, m *metrics.Metrics, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		storage: storage,
		backend: backend,
		config:  config,
		metrics: m,
		logger:  logger,
	}
}

// Run ticks until ctx is cancelled. A tick error stops the loop and is
// returned so the process exits non-zero; transient backend failures are
// job-level outcomes, not tick errors.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.config.TickInterval()
	d.logger.Info().
		Str("backend", d.backend.Name()).
		Str("tick", interval.String()).
		Msg("Dispatcher started")

	for {
		if err := d.Tick(ctx); err != nil {
			d.metrics.WorkerErrorsTotal.Inc()
			d.logger.Error().Err(err).Msg("Dispatcher tick failed")
			return err
		}
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Dispatcher stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

// Tick runs one claim/submit pass and one reconcile pass, then stamps the
// heartbeat gauge.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if err := d.submitOne(ctx); err != nil {
		return err
	}
	if err := d.reconcileRunning(ctx); err != nil {
		return err
	}
	d.metrics.WorkerHeartbeatTimestamp.Set(float64(time.Now().Unix()))
	return nil
}

// submitOne claims the oldest QUEUED job and hands it to the backend. The
// container backend returns a terminal result inside this call; the
// orchestrator backend returns a remote reference to reconcile later.
func (d *Dispatcher) submitOne(ctx context.Context) error {
	job, err := d.storage.ClaimNextQueued(ctx)
	if err != nil {
		return fmt.Errorf("claim next queued job: %w", err)
	}
	if job == nil {
		return nil
	}

	d.logger.Info().
		Str("event", "job_picked").
		Str("job_id", job.ID).
		Msg("Job picked")

	if job.StartedAt != nil {
		d.metrics.JobQueueWaitSeconds.Observe(job.StartedAt.Sub(job.CreatedAt).Seconds())
	}

	if job.InputKey == "" {
		return d.finish(ctx, job, terminalOutcome{
			err: models.NewJobError(models.ErrCodeInputMissing, "job has no persisted input archive"),
		})
	}

	inputPath := filepath.Join(d.config.Storage.JobRoot, filepath.FromSlash(job.InputKey))
	outDir := filepath.Join(d.config.Storage.ResultRoot, "jobs", job.ID)

	res := d.backend.Start(ctx, job, inputPath, outDir)

	if !res.Terminal {
		if err := d.storage.UpdateJob(ctx, job.ID, func(j *models.Job) {
			j.BackendRef = res.BackendRef
			j.Namespace = res.Namespace
		}); err != nil {
			return fmt.Errorf("record backend ref for job %s: %w", job.ID, err)
		}
		return nil
	}

	return d.finish(ctx, job, terminalOutcome{
		succeeded:  res.Succeeded,
		exitCode:   res.ExitCode,
		stdoutTail: res.StdoutTail,
		stderrTail: res.StderrTail,
		err:        res.Err,
	})
}

// reconcileRunning polls every RUNNING job that has a backend reference and
// writes terminal state for the finished ones.
func (d *Dispatcher) reconcileRunning(ctx context.Context) error {
	return d.storage.ListRunningWithBackendRef(ctx, func(job *models.Job) error {
		res := d.backend.Poll(ctx, job)
		if !res.Terminal {
			return nil
		}
		return d.finish(ctx, job, terminalOutcome{
			succeeded: res.Succeeded,
			exitCode:  res.ExitCode,
			err:       res.Err,
		})
	})
}

// terminalOutcome is what a finished run reduces to before it is written
// back to the store.
type terminalOutcome struct {
	succeeded  bool
	exitCode   *int
	stdoutTail string
	stderrTail string
	err        *models.JobError
}

// finish writes the terminal state for a job and stamps the metrics and the
// job_finished log line.
func (d *Dispatcher) finish(ctx context.Context, job *models.Job, out terminalOutcome) error {
	now := time.Now().UTC()
	status := models.JobStatusFailed
	if out.succeeded {
		status = models.JobStatusSucceeded
	}

	errorCode := ""
	errorMessage := ""
	if !out.succeeded {
		if out.err != nil {
			errorCode = out.err.Code
			errorMessage = out.err.Message
			if out.stdoutTail == "" {
				out.stdoutTail = out.err.StdoutTail
			}
			if out.stderrTail == "" {
				out.stderrTail = out.err.StderrTail
			}
		} else {
			errorCode = models.ErrCodeGeneralFailure
			errorMessage = "job failed"
		}
	}

	resultKey := fmt.Sprintf("jobs/%s/", job.ID)

	if err := d.storage.UpdateJob(ctx, job.ID, func(j *models.Job) {
		j.Status = status
		j.FinishedAt = &now
		j.ExitCode = out.exitCode
		j.StdoutTail = out.stdoutTail
		j.StderrTail = out.stderrTail
		j.ResultKey = resultKey
		j.ErrorCode = errorCode
		j.ErrorMessage = errorMessage
	}); err != nil {
		return fmt.Errorf("write terminal state for job %s: %w", job.ID, err)
	}

	var durationSecs float64
	if job.StartedAt != nil {
		durationSecs = now.Sub(*job.StartedAt).Seconds()
		d.metrics.JobDurationSeconds.Observe(durationSecs)
		d.metrics.JobRunSeconds.Observe(durationSecs)
	}
	d.metrics.JobEndToEndSeconds.Observe(now.Sub(job.CreatedAt).Seconds())
	d.metrics.JobFinishedTotal.WithLabelValues(string(status)).Inc()
	if out.exitCode != nil {
		d.metrics.ObserveExitCode(*out.exitCode)
	}
	if !out.succeeded {
		d.metrics.ErrorTotal.Inc()
	}

	d.logger.Info().
		Str("event", "job_finished").
		Str("job_id", job.ID).
		Str("status", string(status)).
		Float64("duration_seconds", durationSecs).
		Str("error_code", errorCode).
		Msg("Job finished")

	return nil
}
