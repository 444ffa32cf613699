package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/intake"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/metrics"
	"github.com/ternarybob/k2pweb/internal/models"
	"github.com/ternarybob/k2pweb/internal/storage/badger"
)

func newTestHandler(t *testing.T) (*JobHandler, interfaces.JobStorage, *common.Config) {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Storage.JobRoot = t.TempDir()
	cfg.Storage.ResultRoot = t.TempDir()

	manager, err := badger.NewManager(cfg, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	storage := manager.JobStorage()
	svc := intake.NewService(storage, cfg, metrics.New(), common.GetLogger())
	return NewJobHandler(svc, storage, cfg, common.GetLogger()), storage, cfg
}

func bundleBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("workflow.knime")
	require.NoError(t, err)
	_, err = fw.Write([]byte("<workflow/>"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func multipartUpload(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var payload struct {
		Error APIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Error
}

func TestCreateJobEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, contentType := multipartUpload(t, "bundle", "workflow.zip", bundleBytes(t))
	req := httptest.NewRequest("POST", "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateJobHandler(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, string(models.JobStatusQueued), resp.Status)
	assert.Equal(t, "workflow.zip", resp.OriginalFilename)
	assert.NotEmpty(t, resp.InputSHA256)
}

func TestCreateJobEndpointMissingField(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, contentType := multipartUpload(t, "wrong_field", "workflow.zip", bundleBytes(t))
	req := httptest.NewRequest("POST", "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateJobHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.ErrCodeInvalidRequest, decodeError(t, rec).Code)
}

func TestCreateJobEndpointValidationError(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, contentType := multipartUpload(t, "bundle", "nothing.zip", []byte("not a zip"))
	req := httptest.NewRequest("POST", "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateJobHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, models.ErrCodeInvalidZip, apiErr.Code)
	assert.Contains(t, apiErr.Details, "job_id", "the failed row is referenced for inspection")
}

func TestCreateJobEndpointQueueFull(t *testing.T) {
	h, _, cfg := newTestHandler(t)
	cfg.Intake.MaxQueuedJobs = 0

	body, contentType := multipartUpload(t, "bundle", "workflow.zip", bundleBytes(t))
	req := httptest.NewRequest("POST", "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateJobHandler(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, models.ErrCodeQueueFull, decodeError(t, rec).Code)
}

func TestCreateJobEndpointUploadTooLarge(t *testing.T) {
	h, _, cfg := newTestHandler(t)
	cfg.Intake.MaxUploadBytes = 4

	body, contentType := multipartUpload(t, "bundle", "workflow.zip", bundleBytes(t))
	req := httptest.NewRequest("POST", "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.CreateJobHandler(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, models.ErrCodeUploadTooLarge, decodeError(t, rec).Code)
}

func TestGetJobEndpoint(t *testing.T) {
	h, storage, _ := newTestHandler(t)

	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:        "job-1",
		Status:    models.JobStatusQueued,
		CreatedAt: time.Now().UTC(),
	}))

	rec := httptest.NewRecorder()
	h.GetJobHandler(rec, httptest.NewRequest("GET", "/api/jobs/job-1", nil), "job-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.GetJobHandler(rec, httptest.NewRequest("GET", "/api/jobs/nope", nil), "nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsEndpoint(t *testing.T) {
	h, storage, _ := newTestHandler(t)

	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:         "job-1",
		Status:     models.JobStatusFailed,
		CreatedAt:  time.Now().UTC(),
		StdoutTail: "out",
		StderrTail: "err",
	}))

	rec := httptest.NewRecorder()
	h.LogsHandler(rec, httptest.NewRequest("GET", "/api/jobs/job-1/logs", nil), "job-1")

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "job-1", payload["id"])
	assert.Equal(t, "FAILED", payload["status"])
	assert.Equal(t, "out", payload["stdout_tail"])
	assert.Equal(t, "err", payload["stderr_tail"])
}

func TestResultZipNotReady(t *testing.T) {
	h, storage, _ := newTestHandler(t)

	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:        "job-1",
		Status:    models.JobStatusRunning,
		CreatedAt: time.Now().UTC(),
	}))

	rec := httptest.NewRecorder()
	h.ResultZipHandler(rec, httptest.NewRequest("GET", "/api/jobs/job-1/result.zip", nil), "job-1")

	assert.Equal(t, http.StatusConflict, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, models.ErrCodeJobNotReady, apiErr.Code)
	assert.Equal(t, "RUNNING", apiErr.Details["status"])
}

func TestResultZipMissingResults(t *testing.T) {
	h, storage, _ := newTestHandler(t)

	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:        "job-1",
		Status:    models.JobStatusSucceeded,
		CreatedAt: time.Now().UTC(),
		ResultKey: "jobs/job-1/",
	}))

	rec := httptest.NewRecorder()
	h.ResultZipHandler(rec, httptest.NewRequest("GET", "/api/jobs/job-1/result.zip", nil), "job-1")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, models.ErrCodeMissingResults, decodeError(t, rec).Code)
}

func TestResultZipEscapingKeyRejected(t *testing.T) {
	h, storage, _ := newTestHandler(t)

	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:        "job-1",
		Status:    models.JobStatusSucceeded,
		CreatedAt: time.Now().UTC(),
		ResultKey: "../../etc",
	}))

	rec := httptest.NewRecorder()
	h.ResultZipHandler(rec, httptest.NewRequest("GET", "/api/jobs/job-1/result.zip", nil), "job-1")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, models.ErrCodeGeneralFailure, decodeError(t, rec).Code)
}

func TestResultZipStreamsArchive(t *testing.T) {
	h, storage, cfg := newTestHandler(t)

	resultsDir := filepath.Join(cfg.Storage.ResultRoot, "jobs", "job-1")
	require.NoError(t, os.MkdirAll(filepath.Join(resultsDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resultsDir, "out.py"), []byte("print('hi')"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(resultsDir, "sub", "log.txt"), []byte("ok"), 0o644))

	require.NoError(t, storage.CreateJob(context.Background(), &models.Job{
		ID:        "job-1",
		Status:    models.JobStatusSucceeded,
		CreatedAt: time.Now().UTC(),
		ResultKey: "jobs/job-1/",
	}))

	rec := httptest.NewRecorder()
	h.ResultZipHandler(rec, httptest.NewRequest("GET", "/api/jobs/job-1/result.zip", nil), "job-1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "job-1.zip")

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"out.py", "sub/log.txt"}, names)
}
