// Package intake admits uploaded workflow bundles and turns them into
// queued jobs: admission control, archive validation, persistence with
// hashing, XML well-formedness, and metadata derivation.
package intake

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/k2pweb/internal/archive"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/metrics"
	"github.com/ternarybob/k2pweb/internal/models"
	"github.com/ternarybob/k2pweb/internal/workflow"
)

const workflowRootName = "workflow.knime"

// allowedContentTypes for the multipart bundle part. Empty is accepted
// because some clients omit the header.
var allowedContentTypes = map[string]bool{
	"":                             true,
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"multipart/x-zip":              true,
	"application/octet-stream":     true,
}

// Upload describes one "create job" attempt.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.ReaderAt
}

// Service runs the intake pipeline.
type Service struct {
	storage interfaces.JobStorage
	config  *common.Config
	metrics *metrics.Metrics
	logger  arbor.ILogger
}

// NewService creates the intake service.
func NewService(storage interfaces.JobStorage, config *common.Config, m *metrics.Metrics, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		config:  config,
		metrics: m,
		logger:  logger,
	}
}

func (s *Service) zipLimits() archive.Limits {
	z := s.config.Intake.Zip
	return archive.Limits{
		MaxFiles:         z.MaxFiles,
		MaxPathDepth:     z.MaxPathDepth,
		MaxUnpackedBytes: z.MaxUnpackedBytes,
		MaxFileBytes:     z.MaxFileBytes,
	}
}

// CreateJob runs the full intake pipeline for one upload. On rejection after
// the job row exists, the row is stamped FAILED with the error tag and the
// tagged error is returned; rejections before that point leave no row.
func (s *Service) CreateJob(ctx context.Context, up Upload) (*models.Job, error) {
	// 1. Admission: bound in-flight work, not just backlog.
	inFlight, err := s.storage.CountJobsByStatus(ctx, models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("count in-flight jobs: %w", err)
	}
	if inFlight >= s.config.Intake.MaxQueuedJobs {
		s.metrics.EnqueueRejectedTotal.Inc()
		return nil, models.NewJobError(models.ErrCodeQueueFull, "job queue is full, try again later")
	}

	// 2. Surface validation.
	if !strings.HasSuffix(strings.ToLower(up.Filename), ".zip") {
		s.metrics.EnqueueRejectedTotal.Inc()
		return nil, models.NewJobError(models.ErrCodeInvalidRequest, "only .zip files are accepted")
	}
	if !allowedContentTypes[up.ContentType] {
		s.metrics.EnqueueRejectedTotal.Inc()
		return nil, models.NewJobError(models.ErrCodeInvalidRequest, "invalid content type for zip upload")
	}

	// 3. Create record.
	job := &models.Job{
		ID:               uuid.New().String(),
		Status:           models.JobStatusQueued,
		CreatedAt:        time.Now().UTC(),
		OriginalFilename: truncate(up.Filename, 255),
		InputSize:        up.Size,
	}
	if err := s.storage.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	// 4. Size cap.
	maxUpload := s.config.Intake.MaxUploadBytes
	if maxUpload >= 0 && up.Size > maxUpload {
		return job, s.fail(ctx, job, models.NewJobError(models.ErrCodeUploadTooLarge,
			fmt.Sprintf("upload too large (max %d bytes)", maxUpload)))
	}

	// 5. Structural validation of the uploaded bytes.
	if err := s.validateUpload(up); err != nil {
		return job, s.fail(ctx, job, err)
	}

	// 6. Persist with SHA-256 computed during the write.
	relKey := fmt.Sprintf("jobs/%s/%s.zip", job.ID, SafeStem(up.Filename))
	fullPath := filepath.Join(s.config.Storage.JobRoot, filepath.FromSlash(relKey))
	sum, err := s.persist(up, fullPath)
	if err != nil {
		return job, s.fail(ctx, job, err)
	}

	// 7.-8. XML well-formedness and metadata over the persisted archive.
	metas, err := s.inspectPersisted(fullPath, job.ID)
	if err != nil {
		os.Remove(fullPath)
		return job, s.fail(ctx, job, err)
	}
	if err := s.storage.SaveSettingsMeta(ctx, metas); err != nil {
		os.Remove(fullPath)
		return job, s.fail(ctx, job, fmt.Errorf("save settings meta: %w", err))
	}

	// 9. Finalize.
	if err := s.storage.UpdateJob(ctx, job.ID, func(j *models.Job) {
		j.InputKey = relKey
		j.InputSHA256 = sum
	}); err != nil {
		return job, s.fail(ctx, job, fmt.Errorf("finalize job: %w", err))
	}
	job.InputKey = relKey
	job.InputSHA256 = sum

	s.metrics.JobCreatedTotal.Inc()
	s.logger.Info().
		Str("event", "job_created").
		Str("job_id", job.ID).
		Int64("input_size", job.InputSize).
		Str("input_sha256_prefix", truncate(sum, 12)).
		Msg("Job created")

	return job, nil
}

// validateUpload runs the first structural pass over the uploaded bytes and
// requires a top-level workflow.knime entry.
func (s *Service) validateUpload(up Upload) error {
	zr, err := zip.NewReader(up.Content, up.Size)
	if err != nil {
		return models.NewJobError(models.ErrCodeInvalidZip, "uploaded file is not a valid ZIP archive")
	}
	names, err := archive.Validate(zr, s.zipLimits())
	if err != nil {
		return err
	}
	for _, name := range names {
		if archive.IsHousekeeping(name) {
			continue
		}
		if strings.EqualFold(name, workflowRootName) {
			return nil
		}
	}
	return models.NewJobError(models.ErrCodeMissingWorkflow, "workflow.knime must be at the top level of the zip")
}

// persist streams the upload to fullPath, hashing as it writes.
func (s *Service) persist(up Upload, fullPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create job storage dir: %w", err)
	}
	dst, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer dst.Close()

	hasher := sha256.New()
	src := io.NewSectionReader(up.Content, 0, up.Size)
	buf := make([]byte, 1<<20)
	if _, err := io.CopyBuffer(io.MultiWriter(dst, hasher), src, buf); err != nil {
		return "", fmt.Errorf("persist archive: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// inspectPersisted reopens the stored archive, enforces XML well-formedness
// on every .xml entry and the workflow descriptor, and derives the settings
// metadata catalog.
func (s *Service) inspectPersisted(fullPath, jobID string) ([]*models.JobSettingsMeta, error) {
	zr, err := zip.OpenReader(fullPath)
	if err != nil {
		return nil, models.NewJobError(models.ErrCodeInvalidZip, "persisted file is not a valid ZIP archive")
	}
	defer zr.Close()

	if _, err := archive.Validate(&zr.Reader, s.zipLimits()); err != nil {
		return nil, err
	}

	for _, f := range zr.File {
		name := archive.NormalizeName(f.Name)
		if archive.IsHousekeeping(name) {
			continue
		}
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".xml") && !strings.HasSuffix(lower, workflowRootName) {
			continue
		}
		data, err := readZipEntry(f)
		if err != nil {
			return nil, err
		}
		if err := workflow.ParseWellFormed(data); err != nil {
			return nil, models.NewJobError(models.ErrCodeInvalidXML, fmt.Sprintf("invalid XML in %s", name))
		}
	}

	parsed, err := workflow.ExtractSettingsMeta(&zr.Reader)
	if err != nil {
		return nil, err
	}
	metas := make([]*models.JobSettingsMeta, 0, len(parsed))
	for _, p := range parsed {
		metas = append(metas, &models.JobSettingsMeta{
			JobID:    jobID,
			FileName: p.FileName,
			Factory:  p.Factory,
			NodeName: p.NodeName,
			Name:     p.Name,
		})
	}
	return metas, nil
}

// fail stamps the job FAILED with the error tag and returns the original
// error for HTTP mapping.
func (s *Service) fail(ctx context.Context, job *models.Job, cause error) error {
	code := models.ErrorCode(cause)
	message := cause.Error()
	if je, ok := models.AsJobError(cause); ok {
		message = je.Message
	}
	if err := s.storage.UpdateJob(ctx, job.ID, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		now := time.Now().UTC()
		j.FinishedAt = &now
		j.ErrorCode = code
		j.ErrorMessage = message
	}); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
	}
	job.Status = models.JobStatusFailed
	job.ErrorCode = code
	job.ErrorMessage = message
	return cause
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, models.NewJobError(models.ErrCodeInvalidZip, "cannot read zip entry "+f.Name)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
