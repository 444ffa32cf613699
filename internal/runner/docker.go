// Package runner executes jobs in locally sandboxed docker containers.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/models"
)

const (
	containerInputPath = "/work/input.zip"
	containerOutDir    = "/work/out"
)

// DockerRunner shells out to the docker CLI and runs each job in a locked
// down container: no network, read-only rootfs, cpu/memory/pid caps, nobody
// user. Start is synchronous; the container either finishes or is removed on
// timeout.
type DockerRunner struct {
	config *common.RunnerConfig
	logger arbor.ILogger
}

// NewDockerRunner creates the container backend.
func NewDockerRunner(config *common.RunnerConfig, logger arbor.ILogger) *DockerRunner {
	return &DockerRunner{config: config, logger: logger}
}

func (r *DockerRunner) Name() string {
	return common.BackendContainer
}

// Start runs the job to completion. The returned result is always terminal.
func (r *DockerRunner) Start(ctx context.Context, job *models.Job, inputPath, outDir string) interfaces.StartResult {
	res, err := r.runJob(ctx, job.ID, inputPath, outDir)
	if err != nil {
		je, ok := models.AsJobError(err)
		if !ok {
			je = models.NewJobError(models.ErrCodeRunnerFailed, err.Error())
		}
		return interfaces.StartResult{
			Terminal:   true,
			Succeeded:  false,
			ExitCode:   je.ExitCode,
			StdoutTail: je.StdoutTail,
			StderrTail: je.StderrTail,
			Err:        je,
		}
	}
	zero := 0
	return interfaces.StartResult{
		Terminal:   true,
		Succeeded:  true,
		ExitCode:   &zero,
		StdoutTail: res.StdoutTail,
		StderrTail: res.StderrTail,
	}
}

// Poll is never reached for the container backend: Start is terminal.
func (r *DockerRunner) Poll(ctx context.Context, job *models.Job) interfaces.PollResult {
	return interfaces.PollResult{
		Terminal:  true,
		Succeeded: false,
		Err:       models.NewJobError(models.ErrCodeRunnerFailed, "container backend does not support polling"),
	}
}

// RunResult is what a completed container run yields.
type RunResult struct {
	ExitCode   int
	StdoutTail string
	StderrTail string
	Artifacts  []string
	StdoutPath string
	StderrPath string
}

func (r *DockerRunner) runJob(ctx context.Context, jobID, inputPath, outDir string) (*RunResult, error) {
	name := "k2pweb-job-" + jobID

	if err := os.MkdirAll(outDir, 0o777); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	// The container writes as nobody; the dir must stay writable for it.
	if err := os.Chmod(outDir, 0o777); err != nil {
		return nil, fmt.Errorf("chmod output dir: %w", err)
	}

	stdoutPath := filepath.Join(outDir, "stdout.log")
	stderrPath := filepath.Join(outDir, "stderr.log")

	hostIn := r.resolveHostPath(inputPath)
	hostOut := r.resolveHostPath(outDir)
	if hostOut != outDir {
		if err := os.MkdirAll(hostOut, 0o777); err != nil {
			return nil, fmt.Errorf("create host output dir: %w", err)
		}
	}

	if err := r.ensureImage(ctx); err != nil {
		return nil, err
	}

	entrypoint, err := r.buildCommand()
	if err != nil {
		return nil, err
	}

	args := []string{
		"run",
		"--rm",
		"--name", name,
		"--network", "none",
		"--read-only",
		"--cpus", r.config.CPU,
		"--memory", r.config.Memory,
		"--pids-limit", r.config.PidsLimit,
		"--user", "65534:65534",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"-v", hostIn + ":" + containerInputPath + ":ro",
		"-v", hostOut + ":" + containerOutDir + ":rw",
		"-w", "/work",
	}
	if entrypoint != "" {
		// Override the image ENTRYPOINT to avoid any baked-in positional
		// workflow path.
		args = append(args, "--entrypoint", entrypoint)
	}
	args = append(args, r.config.Image)
	jobArgs, err := r.buildArgs()
	if err != nil {
		return nil, err
	}
	args = append(args, jobArgs...)

	r.logger.Info().
		Str("event", "runner_start").
		Str("job_id", jobID).
		Str("image", r.config.Image).
		Msg("Starting container run")

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer stderrFile.Close()

	timeout := time.Duration(r.config.TimeoutSecs) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.config.DockerBin, args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		// The CLI process was killed; the container may still be running.
		rm := exec.Command(r.config.DockerBin, "rm", "-f", name)
		_ = rm.Run()
		return nil, &models.JobError{
			Code:       models.ErrCodeRunnerFailed,
			Message:    fmt.Sprintf("timeout after %ds", r.config.TimeoutSecs),
			StdoutTail: tailFile(stdoutPath),
			StderrTail: tailFile(stderrPath),
		}
	}

	stdoutTail := tailFile(stdoutPath)
	stderrTail := tailFile(stderrPath)

	if runErr != nil {
		exitCode := -1
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return nil, &models.JobError{
			Code:       models.ErrCodeRunnerFailed,
			Message:    "non-zero exit",
			ExitCode:   &exitCode,
			StdoutTail: stdoutTail,
			StderrTail: stderrTail,
		}
	}

	artifacts, err := listArtifacts(outDir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	return &RunResult{
		ExitCode:   0,
		StdoutTail: stdoutTail,
		StderrTail: stderrTail,
		Artifacts:  artifacts,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}, nil
}

// ensureImage checks the image is present locally and pulls it if not.
func (r *DockerRunner) ensureImage(ctx context.Context) error {
	inspect := exec.CommandContext(ctx, r.config.DockerBin, "image", "inspect", r.config.Image)
	if err := inspect.Run(); err == nil {
		return nil
	}
	pull := exec.CommandContext(ctx, r.config.DockerBin, "pull", r.config.Image)
	out, err := pull.CombinedOutput()
	if err != nil {
		code := -1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
		return &models.JobError{
			Code:       models.ErrCodeImagePullFailed,
			Message:    "failed to pull image " + r.config.Image,
			ExitCode:   &code,
			StderrTail: tailString(string(out), 1000),
		}
	}
	return nil
}

// resolveHostPath maps a path under one of the container-visible storage
// roots to the equivalent path on the docker host. Needed when the service
// itself runs in a container and mounts storage from the host.
func (r *DockerRunner) resolveHostPath(path string) string {
	mappings := []struct {
		containerRoot string
		hostRoot      string
	}{
		{r.config.ContainerJobRoot, r.config.HostJobRoot},
		{r.config.ContainerResultRoot, r.config.HostResultRoot},
		{r.config.ContainerRepoRoot, r.config.HostRepoRoot},
	}
	for _, m := range mappings {
		if m.hostRoot == "" || m.containerRoot == "" {
			continue
		}
		rel, err := filepath.Rel(m.containerRoot, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.Join(m.hostRoot, rel)
	}
	return path
}

// buildCommand returns the entrypoint override. The configured command must
// be a single executable token; arguments belong in the args template.
func (r *DockerRunner) buildCommand() (string, error) {
	if r.config.Command == "" {
		return "", nil
	}
	tokens, err := shlex.Split(r.config.Command)
	if err != nil {
		return "", models.NewJobError(models.ErrCodeRunnerFailed, "runner command is not parseable: "+err.Error())
	}
	if len(tokens) != 1 {
		return "", models.NewJobError(models.ErrCodeRunnerFailed, "runner command must be a single executable (no args)")
	}
	return tokens[0], nil
}

// buildArgs renders the argument template with the in-container paths.
func (r *DockerRunner) buildArgs() ([]string, error) {
	if r.config.ArgsTemplate == "" {
		return []string{"--in-zip", containerInputPath, "--out", containerOutDir}, nil
	}
	rendered := strings.NewReplacer(
		"{input}", containerInputPath,
		"{output}", containerOutDir,
	).Replace(r.config.ArgsTemplate)
	tokens, err := shlex.Split(rendered)
	if err != nil {
		return nil, models.NewJobError(models.ErrCodeRunnerFailed, "args template is not parseable: "+err.Error())
	}
	return tokens, nil
}

// listArtifacts walks outDir and returns the relative paths of all files.
func listArtifacts(outDir string) ([]string, error) {
	var artifacts []string
	err := filepath.WalkDir(outDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outDir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}
