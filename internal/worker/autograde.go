package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"athena-grader/internal/autograde"
	"athena-grader/internal/config"
	"athena-grader/internal/db"
	"athena-grader/internal/logger"
	"athena-grader/internal/model"
	"athena-grader/internal/queue"
	apperrors "athena-grader/pkg/errors"

	"github.com/rs/zerolog"
)

const (
	ingestTimeout = 30 * time.Second
	slowSubmit    = time.Second
)

type JobRunner interface {
	Run(ctx context.Context, job model.AutogradeJob) (autograde.Outcome, error)
	JobDiscarder
}

// JobDiscarder removes what earlier runs of a job left behind before the job
// is recorded as failed without a run of its own.
type JobDiscarder interface {
	Discard(ctx context.Context, job model.AutogradeJob, cause error) error
}

type JobIngestor interface {
	Ingest(ctx context.Context, job model.AutogradeJob, outcome autograde.Outcome) (bool, error)
}

// JobRequeuer puts jobs back on the autograde queue.
type JobRequeuer interface {
	EnqueueAutogradeJob(ctx context.Context, job model.AutogradeJob) error
	ReturnAutogradeJob(ctx context.Context, job model.AutogradeJob) error
}

type MessageSource interface {
	ConsumeAutogradeQueue(ctx context.Context, handler queue.MessageHandler) error
}

// AutogradeWorker pops jobs off the queue and runs each one to completion on
// the pool. Every job ends in exactly one of: ingested, retried, returned to
// the queue on shutdown, or dropped as stale.
type AutogradeWorker struct {
	repo       db.Repository
	runner     JobRunner
	ingestor   JobIngestor
	source     MessageSource
	requeuer   JobRequeuer
	workerPool *WorkerPool
	log        zerolog.Logger
}

func NewAutogradeWorker(
	cfg *config.Config,
	repo db.Repository,
	runner JobRunner,
	ingestor JobIngestor,
	source MessageSource,
	requeuer JobRequeuer,
) *AutogradeWorker {
	return &AutogradeWorker{
		repo:       repo,
		runner:     runner,
		ingestor:   ingestor,
		source:     source,
		requeuer:   requeuer,
		workerPool: NewWorkerPool(cfg.Workers.Autograde.Count),
		log:        logger.Component("autograde-worker"),
	}
}

// Start consumes until ctx is cancelled, then waits for running jobs.
func (w *AutogradeWorker) Start(ctx context.Context) error {
	w.log.Info().Msg("Starting autograde worker")

	w.workerPool.Start(ctx)
	defer w.workerPool.Stop()

	err := w.source.ConsumeAutogradeQueue(ctx, w.handleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *AutogradeWorker) handleMessage(ctx context.Context, data []byte) error {
	var job model.AutogradeJob
	if err := json.Unmarshal(data, &job); err != nil {
		w.log.Error().Err(err).Msg("Failed to unmarshal autograde job")
		return err
	}
	if job.SubmissionID <= 0 || job.ResultID <= 0 {
		return fmt.Errorf("autograde job %q is missing its submission or result id", job.JobID)
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}

	w.log.Info().Int64("submission_id", job.SubmissionID).Str("job_id", job.JobID).
		Int("attempt", job.Attempt).Msg("Processing autograde job")

	start := time.Now()
	err := w.workerPool.Submit(ctx, func(ctx context.Context) error {
		return w.process(ctx, job)
	})
	if err != nil {
		w.giveBack(job)
		return nil
	}
	if waited := time.Since(start); waited >= slowSubmit {
		w.log.Info().Str("job_id", job.JobID).Dur("waited", waited).Msg("Waited for a free autograde worker")
	}
	return nil
}

func (w *AutogradeWorker) process(ctx context.Context, job model.AutogradeJob) error {
	log := w.log.With().
		Int64("submission_id", job.SubmissionID).
		Int64("result_id", job.ResultID).
		Str("job_id", job.JobID).
		Int("attempt", job.Attempt).
		Logger()

	if ctx.Err() != nil {
		w.giveBack(job)
		return nil
	}

	pending, err := w.stillPending(ctx, job)
	if err != nil {
		return err
	}
	if !pending {
		log.Info().Msg("Result record was reset or already completed, skipping job")
		return nil
	}

	outcome, err := w.runner.Run(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			w.giveBack(job)
			return nil
		}
		if apperrors.IsRetryable(err) && job.CanRetry() {
			if w.retry(ctx, job, err, log) {
				return nil
			}
		}
		log.Error().Err(err).Msg("Autograde job failed, recording failure")
		outcome = autograde.FailedOutcome(err)
	}

	// Ingestion must survive shutdown, or the submission would wait for the reaper.
	ingestCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ingestTimeout)
	defer cancel()

	if err != nil {
		if derr := w.runner.Discard(ingestCtx, job, err); derr != nil {
			log.Warn().Err(derr).Msg("Failed to clear reports of earlier runs")
		}
	}

	if _, err := w.ingestor.Ingest(ingestCtx, job, outcome); err != nil {
		if errors.Is(err, apperrors.ErrSubmissionNotFound) {
			log.Warn().Msg("Submission no longer exists, dropping result")
			return nil
		}
		return fmt.Errorf("ingest autograde result: %w", err)
	}
	return nil
}

func (w *AutogradeWorker) stillPending(ctx context.Context, job model.AutogradeJob) (bool, error) {
	result, err := w.repo.GetAutograderResult(ctx, job.ResultID)
	if errors.Is(err, apperrors.ErrAutogradeResultNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return result.SubmissionID == job.SubmissionID && !result.Completed(), nil
}

func (w *AutogradeWorker) retry(ctx context.Context, job model.AutogradeJob, cause error, log zerolog.Logger) bool {
	next := job
	next.Attempt++
	next.EnqueuedAt = time.Now().UTC()
	if err := w.requeuer.EnqueueAutogradeJob(ctx, next); err != nil {
		log.Error().Err(err).Msg("Failed to re-enqueue autograde job")
		return false
	}
	log.Warn().Err(cause).Int("next_attempt", next.Attempt).Msg("Autograde job re-enqueued")
	return true
}

// giveBack returns an unstarted job to the head of the queue.
func (w *AutogradeWorker) giveBack(job model.AutogradeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.requeuer.ReturnAutogradeJob(ctx, job); err != nil {
		w.log.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to return job to queue")
		return
	}
	w.log.Info().Str("job_id", job.JobID).Msg("Returned job to queue")
}
