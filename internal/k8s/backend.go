package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/models"
)

const submitStderrCap = 4000

// Orchestrator is the asynchronous execution backend: Start submits a
// batch/v1 Job and returns immediately; the dispatcher observes completion
// through Poll.
type Orchestrator struct {
	client *Client
	config *common.RunnerConfig
	logger arbor.ILogger
}

// NewOrchestrator creates the Kubernetes backend.
func NewOrchestrator(config *common.RunnerConfig, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		client: NewClient(config.K8s.KubectlBin),
		config: config,
		logger: logger,
	}
}

func (o *Orchestrator) Name() string {
	return common.BackendOrchestrator
}

// Start renders and applies the Job manifest. A kubectl failure yields a
// terminal result tagged k8s_submit_failed carrying the tail of stderr.
func (o *Orchestrator) Start(ctx context.Context, job *models.Job, inputPath, outDir string) interfaces.StartResult {
	jobName := NormalizeJobName(job.ID)
	namespace := o.config.K8s.Namespace

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return submitFailure(fmt.Sprintf("create result dir: %v", err))
	}

	inFilename := filepath.Base(inputPath)
	if inFilename == "." || inFilename == string(filepath.Separator) {
		inFilename = "bundle.zip"
	}

	manifest := RenderJobManifest(ManifestParams{
		Namespace:       namespace,
		JobName:         jobName,
		Image:           o.config.Image,
		InHostPath:      o.resolveNodePath(inputPath),
		InContainerPath: "/in/" + inFilename,
		OutHostDir:      o.resolveNodePath(outDir),
	})

	_, stderr, err := o.client.Apply(ctx, manifest)
	if err != nil {
		return submitFailure(tailString(stderr, submitStderrCap))
	}

	o.logger.Info().
		Str("event", "k8s_job_created").
		Str("job_id", job.ID).
		Str("k8s_job_name", jobName).
		Str("k8s_namespace", namespace).
		Msg("Kubernetes job created")

	return interfaces.StartResult{
		Terminal:   false,
		BackendRef: jobName,
		Namespace:  namespace,
	}
}

// Poll reads the remote Job and maps its counters onto the state model. An
// unreachable or not-yet-visible Job is reported as still running.
func (o *Orchestrator) Poll(ctx context.Context, job *models.Job) interfaces.PollResult {
	namespace := job.Namespace
	if namespace == "" {
		namespace = o.config.K8s.Namespace
	}
	status, err := o.client.GetJob(ctx, namespace, job.BackendRef)
	if err != nil || status == nil {
		return interfaces.PollResult{Terminal: false}
	}

	state, exitCode := JobState(status)
	switch state {
	case "SUCCEEDED":
		return interfaces.PollResult{Terminal: true, Succeeded: true, ExitCode: exitCode}
	case "FAILED":
		return interfaces.PollResult{
			Terminal: true,
			ExitCode: exitCode,
			Err: models.NewJobError(models.ErrCodeK8sJobFailed,
				"Kubernetes Job failed (check cluster logs)."),
		}
	default:
		return interfaces.PollResult{Terminal: false}
	}
}

// resolveNodePath maps a service-visible path onto the cluster node's view
// of the same file. In kind-style setups the repo is mounted on the node at
// a different root.
func (o *Orchestrator) resolveNodePath(path string) string {
	mappings := []struct {
		localRoot string
		nodeRoot  string
	}{
		{o.config.ContainerJobRoot, o.config.HostJobRoot},
		{o.config.ContainerResultRoot, o.config.HostResultRoot},
		{o.config.ContainerRepoRoot, o.config.HostRepoRoot},
	}
	for _, m := range mappings {
		if m.localRoot == "" || m.nodeRoot == "" {
			continue
		}
		rel, err := filepath.Rel(m.localRoot, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.Join(m.nodeRoot, rel)
	}
	return path
}

func submitFailure(detail string) interfaces.StartResult {
	je := models.NewJobError(models.ErrCodeK8sSubmitFailed, detail)
	return interfaces.StartResult{Terminal: true, Err: je}
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
