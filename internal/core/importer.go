package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/JonMunkholm/catalog/internal/progress"
	"github.com/JonMunkholm/catalog/internal/queue"
)

const (
	DefaultBatchSize    = 5000
	DefaultFlushTimeout = 2 * time.Minute

	maxStoredFailures = 100
	maxReasonLength   = 1000
)

// ImportRequest identifies a staged file to merge.
type ImportRequest struct {
	JobID  string
	Path   string
	Format Format
}

// RowFailure describes a skipped data row. Line is the source line the row
// started on.
type RowFailure = progress.RowFailure

// ImportResult summarises one import run.
type ImportResult struct {
	JobID     string
	Total     int64
	Processed int64
	Skipped   int64
	Inserted  int
	Updated   int
	Batches   int
	Failures  []RowFailure
	Duration  time.Duration
}

// ImporterOptions tunes an Importer. Zero values take the defaults.
type ImporterOptions struct {
	BatchSize    int
	Timeout      time.Duration
	FlushTimeout time.Duration
	Logger       *slog.Logger
	Observer     Observer
}

// Importer streams a staged upload into the catalog in fixed-size batches.
// Each batch is one UpsertProducts transaction; progress moves after every
// committed batch.
type Importer struct {
	store        CatalogStore
	progress     progress.Store
	batchSize    int
	timeout      time.Duration
	flushTimeout time.Duration
	logger       *slog.Logger
	observer     Observer
}

func NewImporter(store CatalogStore, prog progress.Store, opts ImporterOptions) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Importer{
		store:        store,
		progress:     prog,
		batchSize:    opts.BatchSize,
		timeout:      opts.Timeout,
		flushTimeout: opts.FlushTimeout,
		logger:       opts.Logger,
		observer:     observerOrNop(opts.Observer),
	}
}

// Handle is the queue handler for JobKindImport. Import failures are recorded
// in the progress store rather than returned, so the transport does not
// redeliver a job that already failed. A redelivered job whose progress is
// already terminal is acknowledged without running again.
func (im *Importer) Handle(ctx context.Context, job queue.Job) error {
	var ij ImportJob
	if err := job.Decode(&ij); err != nil {
		im.logger.Error("discarding malformed import job", "queue_job_id", job.ID, "error", err)
		return nil
	}
	log := im.logger.With("job_id", ij.JobID, "attempt", job.Attempt)

	defer func() {
		if err := os.Remove(ij.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove staged upload", "path", ij.Path, "error", err)
		}
	}()

	if p, err := im.progress.Get(ctx, ij.JobID); err == nil && p.State.Terminal() {
		log.Info("import already finished, skipping redelivery", "state", p.State)
		return nil
	}
	if job.Attempt > 1 {
		log.Warn("import redelivered, running again")
	}

	_, _ = im.Run(ctx, ImportRequest{JobID: ij.JobID, Path: ij.Path, Format: ij.Format})
	return nil
}

// Run performs the import and always leaves a terminal state in the progress
// store. The returned error is the cause of a failed job.
func (im *Importer) Run(ctx context.Context, req ImportRequest) (res ImportResult, err error) {
	if im.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, im.timeout)
		defer cancel()
	}

	log := im.logger.With("job_id", req.JobID, "format", req.Format)
	start := time.Now()
	res.JobID = req.JobID

	defer func() {
		res.Duration = time.Since(start)
		im.observer.ImportFinished(res, err)
		if err != nil {
			im.fail(ctx, res, err, log)
			return
		}
		if res.Skipped > 0 {
			log.Warn("rows skipped",
				"skipped", res.Skipped,
				"first_line", res.Failures[0].Line,
				"first_reason", res.Failures[0].Reason)
		}
		log.Info("import completed",
			"rows", res.Processed,
			"skipped", res.Skipped,
			"inserted", res.Inserted,
			"updated", res.Updated,
			"batches", res.Batches,
			"duration_ms", res.Duration.Milliseconds())
	}()

	res.Total, err = CountRows(req.Path, req.Format)
	if err != nil {
		return res, err
	}
	if err = im.report(ctx, res, progress.StateRunning, 0); err != nil {
		return res, err
	}
	if res.Total == 0 {
		return res, im.report(ctx, res, progress.StateDone, 100)
	}
	log.Info("import started", "total", res.Total, "batch_size", im.batchSize)

	src, err := openRows(req.Path, req.Format)
	if err != nil {
		return res, err
	}
	defer src.Close()

	header, err := src.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = ErrEmptyFile
		}
		return res, fmt.Errorf("read header: %w", err)
	}
	cols, err := indexHeader(header)
	if err != nil {
		return res, err
	}

	var (
		batch   = make([]ProductInput, 0, im.batchSize)
		pending int64 // rows read since the last flush, skipped ones included
		line    = 1
	)
	for {
		rec, rerr := src.Next()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if pe, ok := recordError(rerr); ok {
			line = pe.StartLine
			pending++
			res.Skipped++
			res.Failures = appendFailure(res.Failures, line, pe.Err.Error())
			continue
		}
		if rerr != nil {
			return res, fmt.Errorf("read row: %w", rerr)
		}
		line = lineOf(src, line+1)
		pending++

		in, perr := parseRecord(rec, cols)
		if perr != nil {
			res.Skipped++
			res.Failures = appendFailure(res.Failures, line, perr.Error())
			continue
		}
		batch = append(batch, in)

		if len(batch) >= im.batchSize {
			if err = im.flush(ctx, &res, batch, pending, log); err != nil {
				return res, err
			}
			batch = make([]ProductInput, 0, im.batchSize)
			pending = 0
		}
	}

	if len(batch) > 0 || pending > 0 {
		if err = im.flush(ctx, &res, batch, pending, log); err != nil {
			return res, err
		}
	}
	return res, im.report(ctx, res, progress.StateDone, 100)
}

// flush commits batch and advances progress by the rows it covers.
func (im *Importer) flush(ctx context.Context, res *ImportResult, batch []ProductInput, rows int64, log *slog.Logger) error {
	if len(batch) > 0 {
		fctx, cancel := context.WithTimeout(ctx, im.flushTimeout)
		defer cancel()

		up, err := im.store.UpsertProducts(fctx, batch)
		if err != nil {
			return fmt.Errorf("flush batch %d: %w", res.Batches+1, err)
		}
		res.Inserted += up.Inserted
		res.Updated += up.Updated
		res.Batches++
		log.Debug("batch committed", "batch", res.Batches, "rows", len(batch), "inserted", up.Inserted, "updated", up.Updated)
	}
	res.Processed += rows
	return im.report(ctx, *res, progress.StateRunning, progress.Percent(res.Processed, res.Total))
}

func (im *Importer) report(ctx context.Context, res ImportResult, state progress.State, percent int) error {
	err := im.progress.Set(ctx, progress.Progress{
		JobID:     res.JobID,
		State:     state,
		Percent:   percent,
		Processed: res.Processed,
		Total:     res.Total,
		Skipped:   res.Skipped,
		Failures:  slices.Clone(res.Failures),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

// fail records the terminal failure. Percent stays at the last committed
// flush because the store keeps the larger value.
func (im *Importer) fail(ctx context.Context, res ImportResult, cause error, log *slog.Logger) {
	log.Error("import failed",
		"error", cause,
		"processed", res.Processed,
		"total", res.Total,
		"batches", res.Batches)

	err := im.progress.Set(context.WithoutCancel(ctx), progress.Progress{
		JobID:     res.JobID,
		State:     progress.StateFailed,
		Percent:   0,
		Processed: res.Processed,
		Total:     res.Total,
		Skipped:   res.Skipped,
		Failures:  slices.Clone(res.Failures),
		Error:     FormatUserError(cause),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error("record import failure", "error", err)
	}
}

func appendFailure(fs []RowFailure, line int, reason string) []RowFailure {
	if len(fs) >= maxStoredFailures {
		return fs
	}
	return append(fs, RowFailure{Line: line, Reason: truncateReason(reason)})
}

func truncateReason(s string) string {
	if len(s) <= maxReasonLength {
		return s
	}
	r := []rune(s)
	if len(r) <= maxReasonLength {
		return s
	}
	return string(r[:maxReasonLength])
}
