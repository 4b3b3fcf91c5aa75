package autograde

import (
	"context"
	"time"

	"athena-grader/internal/db"
	"athena-grader/internal/logger"
	"athena-grader/internal/model"

	"github.com/rs/zerolog"
)

// Ingestor turns a finished run into persisted state.
type Ingestor struct {
	repo db.Repository
	now  func() time.Time
	log  zerolog.Logger
}

func NewIngestor(repo db.Repository) *Ingestor {
	return &Ingestor{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
		log:  logger.Component("autograde-ingestor"),
	}
}

// Ingest records outcome against the result record the job was tagged with.
// It reports whether anything was written. Stale jobs (the record was reset)
// and re-deliveries (the record is already complete) are no-ops.
func (i *Ingestor) Ingest(ctx context.Context, job model.AutogradeJob, outcome Outcome) (bool, error) {
	log := i.log.With().
		Int64("submission_id", job.SubmissionID).
		Int64("result_id", job.ResultID).
		Str("job_id", job.JobID).
		Logger()

	applied := false
	err := i.repo.WithSubmissionLock(ctx, job.SubmissionID, func(ctx context.Context, tx db.SubmissionTx) error {
		result, err := tx.AutograderResult(ctx)
		if err != nil {
			return err
		}
		if result == nil || result.ID != job.ResultID {
			log.Info().Msg("Result record no longer exists, dropping stale completion")
			return nil
		}
		if result.Completed() {
			log.Info().Msg("Result already recorded, ignoring duplicate completion")
			return nil
		}

		completedAt := i.now()
		result.Success = outcome.Success
		result.Score = 0
		if outcome.Success {
			result.Score = outcome.Score
		}
		result.ResultDir = job.ReportPrefix + "/"
		result.CompletedAt = &completedAt
		if err := tx.CompleteAutograderResult(ctx, result); err != nil {
			return err
		}
		applied = true

		sub := tx.Submission()
		if sub.Status != model.StatusToAutograde {
			log.Info().Str("status", string(sub.Status)).Msg("Submission moved on, keeping its status")
			return nil
		}
		return tx.SetStatus(ctx, model.StatusAutograded)
	})
	if err != nil {
		return false, err
	}

	if applied {
		log.Info().Bool("success", outcome.Success).Float64("score", outcome.Score).Msg("Autograde result ingested")
	}
	return applied, nil
}
