package models

import (
	"errors"
	"fmt"
)

// Error codes stored on the Job and echoed in API error payloads.
const (
	ErrCodeInvalidRequest   = "invalid_request"
	ErrCodeUploadTooLarge   = "upload_too_large"
	ErrCodeQueueFull        = "queue_full"
	ErrCodeInvalidZip       = "invalid_zip"
	ErrCodeMissingWorkflow  = "missing_workflow_root"
	ErrCodeZipTooManyFiles  = "zip_too_many_files"
	ErrCodeZipPathUnsafe    = "zip_path_unsafe"
	ErrCodeZipEncrypted     = "zip_encrypted"
	ErrCodeZipSymlink       = "zip_symlink"
	ErrCodeZipPathTooDeep   = "zip_path_too_deep"
	ErrCodeZipEntryTooLarge = "zip_entry_too_large"
	ErrCodeZipBomb          = "zip_bomb"
	ErrCodeZipPathTraversal = "zip_path_traversal"
	ErrCodeInvalidXML       = "invalid_xml"
	ErrCodeImagePullFailed  = "image_pull_failed"
	ErrCodeRunnerFailed     = "runner_failed"
	ErrCodeK8sSubmitFailed  = "k8s_submit_failed"
	ErrCodeK8sJobFailed     = "k8s_job_failed"
	ErrCodeInputMissing     = "input_missing"
	ErrCodeJobNotReady      = "job_not_ready"
	ErrCodeMissingResults   = "missing_results"
	ErrCodeGeneralFailure   = "general_failure"
)

// JobError is a tagged error carried through intake and execution. Code is
// persisted on the Job as error_code; the optional exit code and tails come
// from the runner.
type JobError struct {
	Code       string
	Message    string
	ExitCode   *int
	StdoutTail string
	StderrTail string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewJobError creates a tagged error with no runner detail.
func NewJobError(code, message string) *JobError {
	return &JobError{Code: code, Message: message}
}

// AsJobError unwraps err into a *JobError if it carries one.
func AsJobError(err error) (*JobError, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je, true
	}
	return nil, false
}

// ErrorCode returns the tag for err, falling back to general_failure.
func ErrorCode(err error) string {
	if je, ok := AsJobError(err); ok {
		return je.Code
	}
	return ErrCodeGeneralFailure
}
