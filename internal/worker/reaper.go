package worker

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"athena-grader/internal/autograde"
	"athena-grader/internal/config"
	"athena-grader/internal/db"
	"athena-grader/internal/logger"
	"athena-grader/internal/model"

	"github.com/rs/zerolog"
)

const reapBatchSize = 100

var errJobLost = errors.New("autograde job did not complete in time")

// Reaper fails pending results whose job was lost, so no submission stays
// in TO_AUTOGRADE forever.
type Reaper struct {
	cfg      *config.Config
	repo     db.Repository
	ingestor JobIngestor
	discard  JobDiscarder
	timer    *time.Timer
	now      func() time.Time
	log      zerolog.Logger
}

func NewReaper(cfg *config.Config, repo db.Repository, ingestor JobIngestor, discard JobDiscarder) *Reaper {
	return &Reaper{
		cfg:      cfg,
		repo:     repo,
		ingestor: ingestor,
		discard:  discard,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Component("autograde-reaper"),
	}
}

func (r *Reaper) Start(ctx context.Context) error {
	interval := r.cfg.Workers.Reaper.Interval
	r.log.Info().Dur("interval", interval).Dur("stale_after", r.cfg.StaleAfter()).Msg("Starting autograde reaper")

	r.timer = time.NewTimer(interval)
	defer r.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Autograde reaper context cancelled")
			return nil
		case <-r.timer.C:
			if _, err := r.Reap(ctx); err != nil {
				r.log.Error().Err(err).Msg("Reaping stale autograde results failed")
			}
			r.timer.Reset(interval)
		}
	}
}

// Reap fails every pending result older than the stale cutoff and returns
// how many it recorded.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	startTime := time.Now()
	cutoff := r.now().Add(-r.cfg.StaleAfter())

	reaped := 0
	for {
		stale, err := r.repo.ListStalePendingResults(ctx, cutoff, reapBatchSize)
		if err != nil {
			return reaped, err
		}

		progressed := false
		for _, result := range stale {
			job := jobForResult(r.cfg, result)
			if err := r.discard.Discard(ctx, job, errJobLost); err != nil {
				r.log.Warn().Err(err).Int64("result_id", result.ID).Msg("Failed to clear reports of stale result")
			}
			applied, err := r.ingestor.Ingest(ctx, job, autograde.FailedOutcome(errJobLost))
			if err != nil {
				r.log.Error().Err(err).Int64("result_id", result.ID).Msg("Failed to reap stale result")
				continue
			}
			if applied {
				reaped++
				progressed = true
			}
		}

		if len(stale) < reapBatchSize || !progressed {
			break
		}
	}

	if reaped > 0 {
		r.log.Warn().Int("reaped", reaped).Dur("duration", time.Since(startTime)).Msg("Failed stale autograde results")
	}
	return reaped, nil
}

func jobForResult(cfg *config.Config, result model.AutograderResult) model.AutogradeJob {
	return model.AutogradeJob{
		JobID:        "reaper-" + strconv.FormatInt(result.ID, 10),
		SubmissionID: result.SubmissionID,
		ResultID:     result.ID,
		ReportPrefix: strings.TrimSuffix(result.ResultDir, "/"),
		LogKey:       autograde.LogKey(cfg.Autograder, result.SubmissionID),
	}
}
