package intake

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
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

const settingsSample = `<?xml version="1.0" encoding="UTF-8"?>
<config>
    <entry key="factory" value="org.knime.base.node.io.CSVReaderFactory"/>
    <entry key="node-name" value="CSV Reader"/>
    <entry key="name" value="CSV Reader (#1)"/>
</config>
`

func newTestService(t *testing.T) (*Service, interfaces.JobStorage, *common.Config) {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Storage.JobRoot = t.TempDir()
	cfg.Storage.ResultRoot = t.TempDir()

	manager, err := badger.NewManager(cfg, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	storage := manager.JobStorage()
	svc := NewService(storage, cfg, metrics.New(), common.GetLogger())
	return svc, storage, cfg
}

func buildBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func validBundle(t *testing.T) []byte {
	return buildBundle(t, map[string]string{
		"workflow.knime":          "<workflow/>",
		"CSV Reader/settings.xml": settingsSample,
	})
}

func upload(name string, data []byte) Upload {
	return Upload{
		Filename:    name,
		ContentType: "application/zip",
		Size:        int64(len(data)),
		Content:     bytes.NewReader(data),
	}
}

func TestCreateJobHappyPath(t *testing.T) {
	svc, storage, cfg := newTestService(t)
	ctx := context.Background()

	data := validBundle(t)
	job, err := svc.CreateJob(ctx, upload("My Workflow.zip", data))
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "My Workflow.zip", job.OriginalFilename)
	assert.Equal(t, int64(len(data)), job.InputSize)
	assert.Equal(t, "jobs/"+job.ID+"/My_Workflow.zip", job.InputKey)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), job.InputSHA256)

	// Archive is persisted byte for byte.
	persisted, err := os.ReadFile(filepath.Join(cfg.Storage.JobRoot, filepath.FromSlash(job.InputKey)))
	require.NoError(t, err)
	assert.Equal(t, data, persisted)

	// Settings catalog derived.
	metas, err := storage.ListSettingsMeta(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "CSV Reader/settings.xml", metas[0].FileName)
	assert.Equal(t, "CSV Reader", metas[0].NodeName)

	stored, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Equal(t, job.InputSHA256, stored.InputSHA256)
}

func TestCreateJobQueueFullLeavesNoRow(t *testing.T) {
	svc, storage, cfg := newTestService(t)
	cfg.Intake.MaxQueuedJobs = 1
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, upload("a.zip", validBundle(t)))
	require.NoError(t, err)

	_, err = svc.CreateJob(ctx, upload("b.zip", validBundle(t)))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeQueueFull, models.ErrorCode(err))

	total, err := storage.CountJobsByStatus(ctx, models.AllStatuses...)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "a rejected upload must not create a row")
}

func TestCreateJobRejectsNonZipFilename(t *testing.T) {
	svc, storage, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, upload("bundle.tar.gz", validBundle(t)))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInvalidRequest, models.ErrorCode(err))

	total, err := storage.CountJobsByStatus(ctx, models.AllStatuses...)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestCreateJobRejectsBadContentType(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	up := upload("a.zip", validBundle(t))
	up.ContentType = "text/html"
	_, err := svc.CreateJob(ctx, up)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInvalidRequest, models.ErrorCode(err))
}

func TestCreateJobAcceptsEmptyContentType(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	up := upload("a.zip", validBundle(t))
	up.ContentType = ""
	_, err := svc.CreateJob(ctx, up)
	assert.NoError(t, err)
}

func TestCreateJobUploadTooLarge(t *testing.T) {
	svc, storage, cfg := newTestService(t)
	cfg.Intake.MaxUploadBytes = 10
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, upload("big.zip", validBundle(t)))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeUploadTooLarge, models.ErrorCode(err))

	require.NotNil(t, job, "the failed job row is kept for inspection")
	stored, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, models.ErrCodeUploadTooLarge, stored.ErrorCode)
	require.NotNil(t, stored.FinishedAt)
}

func TestCreateJobInvalidZip(t *testing.T) {
	svc, storage, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, upload("junk.zip", []byte("this is not a zip")))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInvalidZip, models.ErrorCode(err))

	stored, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, models.ErrCodeInvalidZip, stored.ErrorCode)
}

func TestCreateJobMissingWorkflowRoot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// workflow.knime nested one level down does not count.
	data := buildBundle(t, map[string]string{
		"subdir/workflow.knime": "<workflow/>",
	})
	_, err := svc.CreateJob(ctx, upload("nested.zip", data))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeMissingWorkflow, models.ErrorCode(err))
}

func TestCreateJobWorkflowRootCaseInsensitive(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	data := buildBundle(t, map[string]string{"WORKFLOW.KNIME": "<workflow/>"})
	_, err := svc.CreateJob(ctx, upload("upper.zip", data))
	assert.NoError(t, err)
}

func TestCreateJobInvalidXMLCleansUpArchive(t *testing.T) {
	svc, storage, cfg := newTestService(t)
	ctx := context.Background()

	data := buildBundle(t, map[string]string{
		"workflow.knime":    "<workflow/>",
		"Node/settings.xml": "<config><entry key='factory'",
	})
	job, err := svc.CreateJob(ctx, upload("badxml.zip", data))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInvalidXML, models.ErrorCode(err))
	assert.Contains(t, err.Error(), "Node/settings.xml")

	stored, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)

	// The persisted archive is removed again.
	archivePath := filepath.Join(cfg.Storage.JobRoot, "jobs", job.ID, "badxml.zip")
	_, statErr := os.Stat(archivePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreateJobZipLimitViolation(t *testing.T) {
	svc, _, cfg := newTestService(t)
	cfg.Intake.Zip.MaxFiles = 1
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, upload("many.zip", validBundle(t)))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeZipTooManyFiles, models.ErrorCode(err))
}

func TestCreateJobTruncatesLongFilename(t *testing.T) {
	svc, storage, _ := newTestService(t)
	ctx := context.Background()

	long := ""
	for len(long) < 300 {
		long += "a"
	}
	job, err := svc.CreateJob(ctx, upload(long+".zip", validBundle(t)))
	require.NoError(t, err)

	stored, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, stored.OriginalFilename, 255)
	assert.WithinDuration(t, time.Now().UTC(), stored.CreatedAt, 5*time.Second)
}
