package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalog/internal/progress"
	"github.com/JonMunkholm/catalog/internal/queue"
)

// Receiver stages incoming uploads on disk and hands them to the import
// queue. It returns as soon as the job is enqueued.
type Receiver struct {
	limiter    *UploadLimiter
	progress   progress.Store
	queue      queue.Queue
	stagingDir string
	logger     *slog.Logger
}

func NewReceiver(limiter *UploadLimiter, prog progress.Store, q queue.Queue, stagingDir string, logger *slog.Logger) *Receiver {
	if limiter == nil {
		limiter = NewUploadLimiter(0, 0)
	}
	if stagingDir == "" {
		stagingDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		limiter:    limiter,
		progress:   prog,
		queue:      q,
		stagingDir: stagingDir,
		logger:     logger,
	}
}

// Limiter exposes the upload limiter for status reporting and shutdown.
func (rc *Receiver) Limiter() *UploadLimiter { return rc.limiter }

// Receive copies r to the staging directory, registers a queued job and
// enqueues it. The returned id is what clients poll progress with.
func (rc *Receiver) Receive(ctx context.Context, filename string, r io.Reader) (string, error) {
	format, err := FormatFromFilename(filename)
	if err != nil {
		return "", err
	}

	if err := rc.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	defer rc.limiter.Release()

	path, size, err := rc.stage(r, format)
	if err != nil {
		return "", err
	}
	if size == 0 {
		os.Remove(path)
		return "", ErrEmptyFile
	}

	jobID := uuid.NewString()
	log := rc.logger.With("job_id", jobID, "filename", filepath.Base(filename))

	err = rc.progress.Set(ctx, progress.Progress{
		JobID:     jobID,
		State:     progress.StateQueued,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("register upload: %w", err)
	}

	job, err := queue.NewJob(JobKindImport, ImportJob{
		JobID:    jobID,
		Path:     path,
		Filename: filepath.Base(filename),
		Format:   format,
	})
	if err == nil {
		err = rc.queue.Enqueue(ctx, job)
	}
	if err != nil {
		os.Remove(path)
		rc.markFailed(ctx, jobID, err, log)
		return "", fmt.Errorf("enqueue import: %w", err)
	}

	log.Info("upload accepted", "bytes", size, "format", format)
	return jobID, nil
}

func (rc *Receiver) stage(r io.Reader, format Format) (string, int64, error) {
	if err := os.MkdirAll(rc.stagingDir, 0o750); err != nil {
		return "", 0, fmt.Errorf("create staging dir: %w", err)
	}
	f, err := os.CreateTemp(rc.stagingDir, "upload-*."+string(format))
	if err != nil {
		return "", 0, fmt.Errorf("create staging file: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("stage upload: %w", err)
	}
	return f.Name(), n, nil
}

func (rc *Receiver) markFailed(ctx context.Context, jobID string, cause error, log *slog.Logger) {
	err := rc.progress.Set(context.WithoutCancel(ctx), progress.Progress{
		JobID:     jobID,
		State:     progress.StateFailed,
		Error:     FormatUserError(cause),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error("record enqueue failure", "error", err)
	}
}
