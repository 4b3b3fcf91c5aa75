package autograde

import (
	"context"
	"errors"
	"sync"
	"testing"

	"athena-grader/internal/db"
	"athena-grader/internal/db/dbtest"
	"athena-grader/internal/model"
	apperrors "athena-grader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestFixture struct {
	repo     *dbtest.Memory
	ingestor *Ingestor
	sub      *model.Submission
	job      model.AutogradeJob
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	ctx := context.Background()
	repo := dbtest.NewMemory()

	sub := &model.Submission{StudentID: 1, AssignmentID: 1, FileKey: "s.py", Status: model.StatusToAutograde}
	_, err := repo.CreateSubmission(ctx, sub)
	require.NoError(t, err)

	result := &model.AutograderResult{SubmissionID: sub.ID, ResultDir: "reports/1/"}
	require.NoError(t, repo.CreateAutograderResult(ctx, result))

	return &ingestFixture{
		repo:     repo,
		ingestor: NewIngestor(repo),
		sub:      sub,
		job:      model.AutogradeJob{JobID: "j1", SubmissionID: sub.ID, ResultID: result.ID, ReportPrefix: "reports/1"},
	}
}

func (f *ingestFixture) setStatus(t *testing.T, status model.SubmissionStatus) {
	t.Helper()
	require.NoError(t, f.repo.WithSubmissionLock(context.Background(), f.sub.ID, func(ctx context.Context, tx db.SubmissionTx) error {
		return tx.SetStatus(ctx, status)
	}))
}

func (f *ingestFixture) state(t *testing.T) (model.SubmissionStatus, model.AutograderResult) {
	t.Helper()
	sub, err := f.repo.GetSubmission(context.Background(), f.sub.ID)
	require.NoError(t, err)
	results := f.repo.Results(f.sub.ID)
	require.Len(t, results, 1, "exactly one result record per submission")
	return sub.Status, results[0]
}

func TestIngest_Success(t *testing.T) {
	f := newIngestFixture(t)

	applied, err := f.ingestor.Ingest(context.Background(), f.job, Outcome{Success: true, Score: 87})
	require.NoError(t, err)
	assert.True(t, applied)

	status, result := f.state(t)
	assert.Equal(t, model.StatusAutograded, status)
	assert.Equal(t, 87.0, result.Score)
	assert.True(t, result.Success)
	assert.False(t, result.Visible)
	assert.True(t, result.Completed())
	assert.Equal(t, "reports/1/", result.ResultDir)
}

func TestIngest_FailureRecordsZeroScore(t *testing.T) {
	f := newIngestFixture(t)

	outcome := Outcome{TimedOut: true, Score: 42, Err: errors.New("timed out")}
	applied, err := f.ingestor.Ingest(context.Background(), f.job, outcome)
	require.NoError(t, err)
	assert.True(t, applied)

	status, result := f.state(t)
	assert.Equal(t, model.StatusAutograded, status, "a failed run never leaves the submission pending")
	assert.Equal(t, 0.0, result.Score)
	assert.False(t, result.Success)
	assert.False(t, result.Visible)
}

func TestIngest_RedeliveryIsIdempotent(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	_, err := f.ingestor.Ingest(ctx, f.job, Outcome{Success: true, Score: 87})
	require.NoError(t, err)
	applied, err := f.ingestor.Ingest(ctx, f.job, Outcome{Success: true, Score: 12})
	require.NoError(t, err)
	assert.False(t, applied)

	_, result := f.state(t)
	assert.Equal(t, 87.0, result.Score)
}

func TestIngest_KeepsVisibility(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	_, err := f.repo.SetResultsVisible(ctx, []int64{f.sub.ID}, true)
	require.NoError(t, err)

	_, err = f.ingestor.Ingest(ctx, f.job, Outcome{Success: true, Score: 50})
	require.NoError(t, err)

	_, result := f.state(t)
	assert.True(t, result.Visible)
}

func TestIngest_DoesNotClobberTerminalStatus(t *testing.T) {
	for _, status := range []model.SubmissionStatus{model.StatusGraded, model.StatusSuperseded} {
		t.Run(string(status), func(t *testing.T) {
			f := newIngestFixture(t)
			f.setStatus(t, status)

			applied, err := f.ingestor.Ingest(context.Background(), f.job, Outcome{Success: true, Score: 70})
			require.NoError(t, err)
			assert.True(t, applied, "the result is still recorded")

			got, result := f.state(t)
			assert.Equal(t, status, got)
			assert.Equal(t, 70.0, result.Score)
		})
	}
}

func TestIngest_StaleJobIsNoop(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	stale := f.job
	stale.ResultID = f.job.ResultID + 100
	applied, err := f.ingestor.Ingest(ctx, stale, Outcome{Success: true, Score: 99})
	require.NoError(t, err)
	assert.False(t, applied)

	status, result := f.state(t)
	assert.Equal(t, model.StatusToAutograde, status)
	assert.False(t, result.Completed())
}

func TestIngest_UnknownSubmission(t *testing.T) {
	f := newIngestFixture(t)
	job := f.job
	job.SubmissionID = 999

	_, err := f.ingestor.Ingest(context.Background(), job, Outcome{Success: true, Score: 1})
	assert.ErrorIs(t, err, apperrors.ErrSubmissionNotFound)
}

func TestIngest_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newIngestFixture(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(score float64) {
			defer wg.Done()
			ok, err := f.ingestor.Ingest(context.Background(), f.job, Outcome{Success: true, Score: score})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(float64(i))
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	f.state(t)
}
