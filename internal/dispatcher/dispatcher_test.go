package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/metrics"
	"github.com/ternarybob/k2pweb/internal/models"
	"github.com/ternarybob/k2pweb/internal/storage/badger"
)

// fakeBackend scripts Start/Poll results for the dispatcher.
type fakeBackend struct {
	name        string
	startResult interfaces.StartResult
	pollResult  interfaces.PollResult
	started     []string
	polled      []string
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Start(ctx context.Context, job *models.Job, inputPath, outDir string) interfaces.StartResult {
	b.started = append(b.started, job.ID)
	return b.startResult
}

func (b *fakeBackend) Poll(ctx context.Context, job *models.Job) interfaces.PollResult {
	b.polled = append(b.polled, job.ID)
	return b.pollResult
}

func newTestDispatcher(t *testing.T, backend interfaces.Backend) (*Dispatcher, interfaces.JobStorage) {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Storage.JobRoot = t.TempDir()
	cfg.Storage.ResultRoot = t.TempDir()

	manager, err := badger.NewManager(cfg, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	storage := manager.JobStorage()
	return New(storage, backend, cfg, metrics.New(), common.GetLogger()), storage
}

func createQueued(t *testing.T, storage interfaces.JobStorage, id string) {
	t.Helper()
	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:        id,
		Status:    models.JobStatusQueued,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
		InputKey:  "jobs/" + id + "/workflow.zip",
	}))
}

func TestTickIdleQueue(t *testing.T) {
	backend := &fakeBackend{name: "container"}
	d, _ := newTestDispatcher(t, backend)

	require.NoError(t, d.Tick(context.Background()))
	assert.Empty(t, backend.started)
}

func TestSubmitOneContainerSuccess(t *testing.T) {
	zero := 0
	backend := &fakeBackend{
		name: "container",
		startResult: interfaces.StartResult{
			Terminal:   true,
			Succeeded:  true,
			ExitCode:   &zero,
			StdoutTail: "done",
		},
	}
	d, storage := newTestDispatcher(t, backend)
	createQueued(t, storage, "job-1")

	require.NoError(t, d.Tick(context.Background()))

	assert.Equal(t, []string{"job-1"}, backend.started)

	job, err := storage.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	assert.Equal(t, "done", job.StdoutTail)
	assert.Equal(t, "jobs/job-1/", job.ResultKey)
	assert.Empty(t, job.ErrorCode)
	require.NotNil(t, job.FinishedAt)
	require.NotNil(t, job.StartedAt)
}

func TestSubmitOneContainerFailure(t *testing.T) {
	one := 1
	backend := &fakeBackend{
		name: "container",
		startResult: interfaces.StartResult{
			Terminal: true,
			ExitCode: &one,
			Err: &models.JobError{
				Code:       models.ErrCodeRunnerFailed,
				Message:    "non-zero exit",
				StderrTail: "boom",
			},
		},
	}
	d, storage := newTestDispatcher(t, backend)
	createQueued(t, storage, "job-1")

	require.NoError(t, d.Tick(context.Background()))

	job, err := storage.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrCodeRunnerFailed, job.ErrorCode)
	assert.Equal(t, "non-zero exit", job.ErrorMessage)
	assert.Equal(t, "boom", job.StderrTail)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 1, *job.ExitCode)
}

func TestSubmitOneContainerTimeout(t *testing.T) {
	backend := &fakeBackend{
		name: "container",
		startResult: interfaces.StartResult{
			Terminal: true,
			Err: &models.JobError{
				Code:    models.ErrCodeRunnerFailed,
				Message: "timeout after 300s",
			},
		},
	}
	d, storage := newTestDispatcher(t, backend)
	createQueued(t, storage, "job-1")

	require.NoError(t, d.Tick(context.Background()))

	job, err := storage.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrCodeRunnerFailed, job.ErrorCode)
	assert.Contains(t, job.ErrorMessage, "timeout")
	assert.Nil(t, job.ExitCode, "no exit code when the container was killed")
}

func TestSubmitOneOrchestratorRecordsRef(t *testing.T) {
	backend := &fakeBackend{
		name: "orchestrator",
		startResult: interfaces.StartResult{
			Terminal:   false,
			BackendRef: "k2p-job-1",
			Namespace:  "k2p",
		},
		pollResult: interfaces.PollResult{Terminal: false},
	}
	d, storage := newTestDispatcher(t, backend)
	createQueued(t, storage, "job-1")

	require.NoError(t, d.Tick(context.Background()))

	job, err := storage.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, "k2p-job-1", job.BackendRef)
	assert.Equal(t, "k2p", job.Namespace)
	assert.Nil(t, job.FinishedAt)
}

func TestSubmitOneSubmitFailure(t *testing.T) {
	backend := &fakeBackend{
		name: "orchestrator",
		startResult: interfaces.StartResult{
			Terminal: true,
			Err:      models.NewJobError(models.ErrCodeK8sSubmitFailed, "kubectl: connection refused"),
		},
	}
	d, storage := newTestDispatcher(t, backend)
	createQueued(t, storage, "job-1")

	require.NoError(t, d.Tick(context.Background()))

	job, err := storage.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrCodeK8sSubmitFailed, job.ErrorCode)
	assert.Contains(t, job.ErrorMessage, "connection refused")
}

func TestSubmitOneInputMissing(t *testing.T) {
	backend := &fakeBackend{name: "container"}
	d, storage := newTestDispatcher(t, backend)

	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:        "job-1",
		Status:    models.JobStatusQueued,
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, d.Tick(context.Background()))

	assert.Empty(t, backend.started, "a job without input never reaches the backend")
	job, err := storage.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrCodeInputMissing, job.ErrorCode)
}

func TestReconcileRunningTerminalStates(t *testing.T) {
	zero := 0
	backend := &fakeBackend{
		name:       "orchestrator",
		pollResult: interfaces.PollResult{Terminal: true, Succeeded: true, ExitCode: &zero},
	}
	d, storage := newTestDispatcher(t, backend)

	started := time.Now().UTC().Add(-30 * time.Second)
	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:         "job-1",
		Status:     models.JobStatusRunning,
		CreatedAt:  started.Add(-time.Minute),
		StartedAt:  &started,
		BackendRef: "k2p-job-1",
		Namespace:  "k2p",
	}))

	require.NoError(t, d.Tick(context.Background()))

	assert.Equal(t, []string{"job-1"}, backend.polled)
	job, err := storage.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Equal(t, "jobs/job-1/", job.ResultKey)
	require.NotNil(t, job.FinishedAt)
}

func TestReconcileRunningStillRunning(t *testing.T) {
	backend := &fakeBackend{
		name:       "orchestrator",
		pollResult: interfaces.PollResult{Terminal: false},
	}
	d, storage := newTestDispatcher(t, backend)

	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:         "job-1",
		Status:     models.JobStatusRunning,
		CreatedAt:  time.Now().UTC(),
		BackendRef: "k2p-job-1",
	}))

	require.NoError(t, d.Tick(context.Background()))

	job, err := storage.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Nil(t, job.FinishedAt)
}

func TestReconcileRunningFailure(t *testing.T) {
	one := 1
	backend := &fakeBackend{
		name: "orchestrator",
		pollResult: interfaces.PollResult{
			Terminal: true,
			ExitCode: &one,
			Err:      models.NewJobError(models.ErrCodeK8sJobFailed, "Kubernetes Job failed (check cluster logs)."),
		},
	}
	d, storage := newTestDispatcher(t, backend)

	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:         "job-1",
		Status:     models.JobStatusRunning,
		CreatedAt:  time.Now().UTC(),
		BackendRef: "k2p-job-1",
	}))

	require.NoError(t, d.Tick(context.Background()))

	job, err := storage.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ErrCodeK8sJobFailed, job.ErrorCode)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 1, *job.ExitCode)
}

func TestRunStopsOnCancel(t *testing.T) {
	backend := &fakeBackend{name: "container"}
	d, _ := newTestDispatcher(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("dispatcher did not stop after context cancellation")
	}
}
