package k8s

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"gopkg.in/yaml.v3"
)

// Client wraps the kubectl CLI. The service deliberately avoids an in-cluster
// API client: the deployment already ships kubectl with kubeconfig wired, and
// apply/get covers everything the reconciler needs.
type Client struct {
	kubectlBin string
}

// NewClient creates a kubectl-backed client.
func NewClient(kubectlBin string) *Client {
	if kubectlBin == "" {
		kubectlBin = "kubectl"
	}
	return &Client{kubectlBin: kubectlBin}
}

// Apply serializes the manifest to YAML and pipes it to `kubectl apply -f -`.
// On failure the returned stderr carries kubectl's diagnostics.
func (c *Client) Apply(ctx context.Context, manifest *JobManifest) (stdout, stderr string, err error) {
	yml, err := yaml.Marshal(manifest)
	if err != nil {
		return "", "", err
	}

	cmd := exec.CommandContext(ctx, c.kubectlBin, "apply", "-f", "-")
	cmd.Stdin = bytes.NewReader(yml)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// JobStatus is the slice of `kubectl get job -o json` the reconciler reads.
type JobStatus struct {
	Status struct {
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	} `json:"status"`
}

// GetJob fetches the Job object. A non-zero kubectl exit (including
// not-found) yields (nil, nil): the reconciler treats it as "nothing to
// observe yet".
func (c *Client) GetJob(ctx context.Context, namespace, jobName string) (*JobStatus, error) {
	cmd := exec.CommandContext(ctx, c.kubectlBin, "-n", namespace, "get", "job", jobName, "-o", "json")
	out, err := cmd.Output()
	if err != nil {
		return nil, nil
	}
	var status JobStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// JobState classifies a Job object into the service's state model.
// exitCode is nil while the job is still running.
func JobState(status *JobStatus) (state string, exitCode *int) {
	if status.Status.Succeeded >= 1 {
		zero := 0
		return "SUCCEEDED", &zero
	}
	if status.Status.Failed >= 1 {
		one := 1
		return "FAILED", &one
	}
	return "RUNNING", nil
}
