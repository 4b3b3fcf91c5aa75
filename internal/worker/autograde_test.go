package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"athena-grader/internal/autograde"
	"athena-grader/internal/config"
	"athena-grader/internal/db/dbtest"
	"athena-grader/internal/model"
	"athena-grader/internal/queue"
	apperrors "athena-grader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu        sync.Mutex
	calls     int
	outcome   autograde.Outcome
	err       error
	discarded []model.AutogradeJob
}

func (r *fakeRunner) Run(ctx context.Context, job model.AutogradeJob) (autograde.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.outcome, r.err
}

func (r *fakeRunner) Discard(ctx context.Context, job model.AutogradeJob, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, job)
	return nil
}

type fakeRequeuer struct {
	mu       sync.Mutex
	enqueued []model.AutogradeJob
	returned []model.AutogradeJob
}

func (q *fakeRequeuer) EnqueueAutogradeJob(ctx context.Context, job model.AutogradeJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, job)
	return nil
}

func (q *fakeRequeuer) ReturnAutogradeJob(ctx context.Context, job model.AutogradeJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.returned = append(q.returned, job)
	return nil
}

// sliceSource delivers its messages once and then stops consuming.
type sliceSource struct {
	messages [][]byte
	rejected []error
}

func (s *sliceSource) ConsumeAutogradeQueue(ctx context.Context, handler queue.MessageHandler) error {
	for _, m := range s.messages {
		if err := handler(ctx, m); err != nil {
			s.rejected = append(s.rejected, err)
		}
	}
	return nil
}

type workerFixture struct {
	repo     *dbtest.Memory
	runner   *fakeRunner
	requeuer *fakeRequeuer
	job      model.AutogradeJob
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	ctx := context.Background()
	repo := dbtest.NewMemory()

	sub := &model.Submission{StudentID: 1, AssignmentID: 1, FileKey: "s.py", Status: model.StatusToAutograde}
	_, err := repo.CreateSubmission(ctx, sub)
	require.NoError(t, err)
	result := &model.AutograderResult{SubmissionID: sub.ID}
	require.NoError(t, repo.CreateAutograderResult(ctx, result))

	return &workerFixture{
		repo:     repo,
		runner:   &fakeRunner{},
		requeuer: &fakeRequeuer{},
		job: model.AutogradeJob{
			JobID: "job-1", SubmissionID: sub.ID, ResultID: result.ID, ReportPrefix: "reports/1",
			Attempt: 1, MaxAttempts: 2,
		},
	}
}

func (f *workerFixture) run(t *testing.T, messages ...[]byte) *sliceSource {
	t.Helper()
	cfg := &config.Config{Workers: config.WorkersConfig{Autograde: config.AutogradeWorkerConfig{Count: 2}}}
	source := &sliceSource{messages: messages}
	w := NewAutogradeWorker(cfg, f.repo, f.runner, autograde.NewIngestor(f.repo), source, f.requeuer)
	require.NoError(t, w.Start(context.Background()))
	return source
}

func encode(t *testing.T, job model.AutogradeJob) []byte {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return data
}

func (f *workerFixture) result(t *testing.T) *model.AutograderResult {
	t.Helper()
	r, err := f.repo.GetAutograderResult(context.Background(), f.job.ResultID)
	require.NoError(t, err)
	return r
}

func (f *workerFixture) status(t *testing.T) model.SubmissionStatus {
	t.Helper()
	sub, err := f.repo.GetSubmission(context.Background(), f.job.SubmissionID)
	require.NoError(t, err)
	return sub.Status
}

func TestAutogradeWorker_IngestsOutcome(t *testing.T) {
	f := newWorkerFixture(t)
	f.runner.outcome = autograde.Outcome{Success: true, Score: 87}

	f.run(t, encode(t, f.job))

	assert.Equal(t, 1, f.runner.calls)
	assert.Equal(t, 87.0, f.result(t).Score)
	assert.Equal(t, model.StatusAutograded, f.status(t))
	assert.Empty(t, f.runner.discarded, "a completed run publishes its own reports")
}

func TestAutogradeWorker_RetriesInfrastructureErrors(t *testing.T) {
	f := newWorkerFixture(t)
	f.runner.err = apperrors.NewRetryableError(errors.New("s3 timeout"), "failed to download grader archive")

	f.run(t, encode(t, f.job))

	require.Len(t, f.requeuer.enqueued, 1)
	assert.Empty(t, f.runner.discarded)
	assert.Equal(t, 2, f.requeuer.enqueued[0].Attempt)
	assert.Equal(t, f.job.ResultID, f.requeuer.enqueued[0].ResultID)
	assert.False(t, f.result(t).Completed())
	assert.Equal(t, model.StatusToAutograde, f.status(t))
}

func TestAutogradeWorker_LastAttemptIsRecordedAsFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.runner.err = apperrors.NewRetryableError(errors.New("s3 timeout"), "failed to download grader archive")
	f.job.Attempt = 2

	f.run(t, encode(t, f.job))

	assert.Empty(t, f.requeuer.enqueued)
	result := f.result(t)
	assert.True(t, result.Completed())
	assert.False(t, result.Success)
	assert.Equal(t, 0.0, result.Score)
	assert.Equal(t, model.StatusAutograded, f.status(t))
	require.Len(t, f.runner.discarded, 1, "reports of earlier runs are cleared")
	assert.Equal(t, f.job.ReportPrefix, f.runner.discarded[0].ReportPrefix)
}

func TestAutogradeWorker_NonRetryableErrorIsRecordedAsFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.runner.err = errors.New("disk full")

	f.run(t, encode(t, f.job))

	assert.Empty(t, f.requeuer.enqueued)
	assert.True(t, f.result(t).Completed())
	assert.Len(t, f.runner.discarded, 1)
}

func TestAutogradeWorker_SkipsResetJobs(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.repo.DeleteAutograderResult(context.Background(), f.job.ResultID))

	f.run(t, encode(t, f.job))

	assert.Equal(t, 0, f.runner.calls)
}

func TestAutogradeWorker_RejectsUndecodableMessages(t *testing.T) {
	f := newWorkerFixture(t)
	noIDs := f.job
	noIDs.ResultID = 0

	source := f.run(t, []byte("{not json"), encode(t, noIDs))

	assert.Len(t, source.rejected, 2)
	assert.Equal(t, 0, f.runner.calls)
}

func TestAutogradeWorker_ReturnsJobsOnShutdown(t *testing.T) {
	f := newWorkerFixture(t)
	cfg := &config.Config{Workers: config.WorkersConfig{Autograde: config.AutogradeWorkerConfig{Count: 1}}}
	w := NewAutogradeWorker(cfg, f.repo, f.runner, autograde.NewIngestor(f.repo), &sliceSource{}, f.requeuer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.process(ctx, f.job))

	require.Len(t, f.requeuer.returned, 1)
	assert.Equal(t, f.job.JobID, f.requeuer.returned[0].JobID)
	assert.Equal(t, 0, f.runner.calls)
	assert.False(t, f.result(t).Completed())
}
