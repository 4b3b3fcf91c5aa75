package autograde

import (
	"context"
	"errors"
	"path"
	"strconv"
	"time"

	"athena-grader/internal/config"
	"athena-grader/internal/db"
	"athena-grader/internal/logger"
	"athena-grader/internal/model"
	"athena-grader/internal/storage"
	apperrors "athena-grader/pkg/errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Enqueuer is the producing side of the autograde queue.
type Enqueuer interface {
	EnqueueAutogradeJob(ctx context.Context, job model.AutogradeJob) error
}

type Dispatcher struct {
	cfg      config.AutograderConfig
	repo     db.Repository
	storage  storage.Storage
	enqueuer Enqueuer
	now      func() time.Time
	log      zerolog.Logger
}

func NewDispatcher(cfg *config.Config, repo db.Repository, store storage.Storage, enqueuer Enqueuer) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.Autograder,
		repo:     repo,
		storage:  store,
		enqueuer: enqueuer,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Component("autograde-dispatcher"),
	}
}

// Dispatch creates the pending result record for sub and queues exactly one
// job for it. It returns as soon as the job is on the queue.
//
// ErrAutogradeDisabled, ErrGraderArchiveMissing and ErrSubmissionArchiveMissing
// mean nothing was recorded or queued. If the enqueue itself fails the pending
// record is kept; the reaper fails it once it goes stale.
func (d *Dispatcher) Dispatch(ctx context.Context, sub *model.Submission, assignment *model.Assignment) (*model.AutogradeJob, error) {
	log := d.log.With().Int64("submission_id", sub.ID).Int64("assignment_id", assignment.ID).Logger()

	if !assignment.Autograded() {
		return nil, apperrors.ErrAutogradeDisabled
	}

	graderKey := assignment.GraderArchive()
	if graderKey == "" {
		log.Error().Msg("Assignment is autograded but has no grader archive")
		return nil, apperrors.ErrGraderArchiveMissing
	}
	if err := d.requireObject(ctx, graderKey, apperrors.ErrGraderArchiveMissing); err != nil {
		log.Error().Err(err).Str("key", graderKey).Msg("Grader archive is not available")
		return nil, err
	}
	if err := d.requireObject(ctx, sub.FileKey, apperrors.ErrSubmissionArchiveMissing); err != nil {
		log.Error().Err(err).Str("key", sub.FileKey).Msg("Submission file is not available")
		return nil, err
	}

	reportPrefix := ReportPrefix(d.cfg, sub.ID)
	result := &model.AutograderResult{
		SubmissionID: sub.ID,
		ResultDir:    reportPrefix + "/",
		CreatedAt:    d.now(),
	}
	if err := d.repo.CreateAutograderResult(ctx, result); err != nil {
		return nil, err
	}

	job := model.AutogradeJob{
		JobID:                uuid.New().String(),
		SubmissionID:         sub.ID,
		ResultID:             result.ID,
		AssignmentID:         assignment.ID,
		GraderArchiveKey:     graderKey,
		SubmissionArchiveKey: sub.FileKey,
		ReportPrefix:         reportPrefix,
		LogKey:               LogKey(d.cfg, sub.ID),
		Attempt:              1,
		MaxAttempts:          d.cfg.MaxAttempts(),
		TimeoutSeconds:       int(d.cfg.Timeout / time.Second),
		EnqueuedAt:           d.now(),
	}

	if err := d.enqueuer.EnqueueAutogradeJob(ctx, job); err != nil {
		log.Error().Err(err).Int64("result_id", result.ID).Msg("Failed to enqueue autograde job")
		return nil, err
	}

	log.Info().Str("job_id", job.JobID).Int64("result_id", job.ResultID).Msg("Autograde job dispatched")
	return &job, nil
}

func (d *Dispatcher) requireObject(ctx context.Context, key string, missing error) error {
	if key == "" {
		return missing
	}
	ok, err := d.storage.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return missing
	}
	return nil
}

// IsConfigurationError reports whether a dispatch was refused because the
// assignment or upload can never produce a runnable job.
func IsConfigurationError(err error) bool {
	return errors.Is(err, apperrors.ErrAutogradeDisabled) ||
		errors.Is(err, apperrors.ErrGraderArchiveMissing) ||
		errors.Is(err, apperrors.ErrSubmissionArchiveMissing)
}

// ReportPrefix is the storage prefix holding a submission's report files.
func ReportPrefix(cfg config.AutograderConfig, submissionID int64) string {
	return path.Join(cfg.ReportsPrefix, strconv.FormatInt(submissionID, 10))
}

// LogKey is where the script's captured stdout and stderr are stored.
func LogKey(cfg config.AutograderConfig, submissionID int64) string {
	return path.Join(cfg.LogsPrefix, strconv.FormatInt(submissionID, 10), logFileName)
}
