package handlers

import (
	"archive/zip"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/intake"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/models"
)

// maxMultipartMemory bounds the in-memory part of multipart parsing; larger
// uploads spill to a temp file.
const maxMultipartMemory = 32 << 20

// JobHandler serves the job API: create, detail, logs, result download.
type JobHandler struct {
	intake  *intake.Service
	storage interfaces.JobStorage
	config  *common.Config
	logger  arbor.ILogger
}

// NewJobHandler creates a job handler.
func NewJobHandler(intakeService *intake.Service, storage interfaces.JobStorage, config *common.Config, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		intake:  intakeService,
		storage: storage,
		config:  config,
		logger:  logger,
	}
}

// JobResponse is the API view of a job.
type JobResponse struct {
	ID               string     `json:"id"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at"`
	Status           string     `json:"status"`
	OriginalFilename string     `json:"original_filename"`
	InputSize        int64      `json:"input_size"`
	InputSHA256      string     `json:"input_sha256"`
	InputKey         string     `json:"input_key"`
	ErrorCode        string     `json:"error_code"`
	ErrorMessage     string     `json:"error_message"`
}

func toJobResponse(job *models.Job) *JobResponse {
	return &JobResponse{
		ID:               job.ID,
		CreatedAt:        job.CreatedAt,
		StartedAt:        job.StartedAt,
		FinishedAt:       job.FinishedAt,
		Status:           string(job.Status),
		OriginalFilename: job.OriginalFilename,
		InputSize:        job.InputSize,
		InputSHA256:      job.InputSHA256,
		InputKey:         job.InputKey,
		ErrorCode:        job.ErrorCode,
		ErrorMessage:     job.ErrorMessage,
	}
}

// statusForCode maps an error tag onto its HTTP status.
func statusForCode(code string) int {
	switch code {
	case models.ErrCodeQueueFull:
		return http.StatusTooManyRequests
	case models.ErrCodeUploadTooLarge:
		return http.StatusRequestEntityTooLarge
	case models.ErrCodeJobNotReady:
		return http.StatusConflict
	case models.ErrCodeMissingResults, models.ErrCodeGeneralFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// CreateJobHandler accepts a multipart upload (field "bundle") and runs it
// through intake. 201 with the job on success; tagged error payload
// otherwise.
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid multipart request.")
		return
	}
	file, header, err := r.FormFile("bundle")
	if err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrCodeInvalidRequest, "Missing file field 'bundle'.")
		return
	}
	defer file.Close()

	job, err := h.intake.CreateJob(r.Context(), intake.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Content:     file,
	})
	if err != nil {
		code := models.ErrorCode(err)
		message := err.Error()
		if je, ok := models.AsJobError(err); ok {
			message = je.Message
		}
		var details map[string]interface{}
		if job != nil {
			details = map[string]interface{}{"job_id": job.ID}
		}
		WriteErrorDetails(w, statusForCode(code), code, message, details)
		return
	}

	WriteJSON(w, http.StatusCreated, toJobResponse(job))
}

// GetJobHandler returns one job by ID.
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	job, err := h.storage.GetJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "Job not found.")
		return
	}
	WriteJSON(w, http.StatusOK, toJobResponse(job))
}

// LogsHandler returns the captured output tails for a job.
func (h *JobHandler) LogsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	job, err := h.storage.GetJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "Job not found.")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":          job.ID,
		"status":      string(job.Status),
		"stdout_tail": job.StdoutTail,
		"stderr_tail": job.StderrTail,
	})
}

// ResultZipHandler streams the result directory of a succeeded job as a ZIP
// archive assembled on the fly.
func (h *JobHandler) ResultZipHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	job, err := h.storage.GetJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "Job not found.")
		return
	}
	if job.Status != models.JobStatusSucceeded {
		WriteErrorDetails(w, http.StatusConflict, models.ErrCodeJobNotReady, "Job is not finished yet.",
			map[string]interface{}{"status": string(job.Status)})
		return
	}

	resultsDir, ok := h.resolveResultsDir(job)
	if !ok {
		WriteError(w, http.StatusInternalServerError, models.ErrCodeGeneralFailure, "Invalid results path.")
		return
	}
	info, err := os.Stat(resultsDir)
	if err != nil || !info.IsDir() {
		WriteError(w, http.StatusInternalServerError, models.ErrCodeMissingResults, "Results directory does not exist.")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ID+`.zip"`)
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	defer zw.Close()

	walkErr := filepath.WalkDir(resultsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(resultsDir, path)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
	if walkErr != nil {
		// Headers are already sent; the truncated stream is all we can signal.
		h.logger.Error().Err(walkErr).Str("job_id", job.ID).Msg("Result zip streaming failed")
	}
}

// resolveResultsDir canonicalizes the result directory and confirms it stays
// under the configured result root.
func (h *JobHandler) resolveResultsDir(job *models.Job) (string, bool) {
	root, err := filepath.Abs(h.config.Storage.ResultRoot)
	if err != nil {
		return "", false
	}
	key := job.ResultKey
	if key == "" {
		key = "jobs/" + job.ID
	}
	dir, err := filepath.Abs(filepath.Join(root, filepath.FromSlash(key)))
	if err != nil {
		return "", false
	}
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", false
	}
	return dir, true
}
