package interfaces

import (
	"context"

	"github.com/ternarybob/k2pweb/internal/models"
)

// StartResult is the outcome of handing a claimed job to a backend.
//
// The container backend runs synchronously inside the dispatcher tick, so
// its Start always returns a terminal result. The orchestrator backend only
// submits; its terminal state is observed later via Poll.
type StartResult struct {
	// Terminal is true when the job already reached a terminal state.
	Terminal bool
	// Succeeded is meaningful only when Terminal is true.
	Succeeded  bool
	ExitCode   *int
	StdoutTail string
	StderrTail string
	// BackendRef names the remote job for later polling (orchestrator only).
	BackendRef string
	// Namespace is the cluster namespace the remote job was created in.
	Namespace string
	// Err carries the tagged failure when Terminal is true and not Succeeded.
	Err *models.JobError
}

// PollResult is the backend's view of a previously started job.
type PollResult struct {
	// Terminal is false while the remote job is still running.
	Terminal  bool
	Succeeded bool
	ExitCode  *int
	Err       *models.JobError
}

// Backend executes claimed jobs.
type Backend interface {
	// Name identifies the backend in logs and config ("container" or
	// "orchestrator").
	Name() string

	// Start hands a claimed job to the backend. inputPath is the absolute
	// path of the persisted archive; outDir the absolute result directory.
	Start(ctx context.Context, job *models.Job, inputPath, outDir string) StartResult

	// Poll observes the state of a job previously started with Start. Only
	// meaningful for backends whose Start is not terminal.
	Poll(ctx context.Context, job *models.Job) PollResult
}
