package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)

// AllStatuses lists every job status in lifecycle order.
var AllStatuses = []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed}

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Job represents a single uploaded workflow bundle and its execution state.
//
// Lifecycle: QUEUED -> RUNNING -> SUCCEEDED | FAILED. A job leaves QUEUED at
// most once (the dispatcher's claim is exclusive). StartedAt is stamped on
// claim, FinishedAt on the terminal transition.
//
// InputKey and ResultKey are storage-relative paths; the absolute location is
// resolved against the configured job/result storage roots, never stored.
type Job struct {
	ID string `json:"id" badgerhold:"key"`

	Status JobStatus `json:"status" badgerholdIndex:"Status"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	OriginalFilename string `json:"original_filename"`
	InputSize        int64  `json:"input_size"`
	InputSHA256      string `json:"input_sha256"`
	InputKey         string `json:"input_key"` // jobs/<id>/<stem>.zip under the job storage root

	// BackendRef is the sanitized external job name used by the orchestrator
	// backend (k2p-<id>, DNS-1123 label). Empty for the container backend.
	BackendRef string `json:"backend_ref,omitempty"`
	Namespace  string `json:"namespace,omitempty"`

	ExitCode   *int   `json:"exit_code,omitempty"`
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
	ResultKey  string `json:"result_key,omitempty"` // jobs/<id>/ under the result storage root

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// JobSettingsMeta is a per-file metadata row derived from a settings.xml
// entry inside the uploaded bundle. Rows live and die with their parent job.
type JobSettingsMeta struct {
	ID       string `json:"id" badgerhold:"key"` // <job_id>|<file_name>
	JobID    string `json:"job_id" badgerholdIndex:"JobID"`
	FileName string `json:"file_name"`
	Factory  string `json:"factory,omitempty"`
	NodeName string `json:"node_name,omitempty"`
	Name     string `json:"name,omitempty"`
}
