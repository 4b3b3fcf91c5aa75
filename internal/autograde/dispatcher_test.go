package autograde

import (
	"context"
	"errors"
	"strings"
	"testing"

	"athena-grader/internal/config"
	"athena-grader/internal/db/dbtest"
	"athena-grader/internal/model"
	"athena-grader/internal/storage"
	apperrors "athena-grader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	jobs []model.AutogradeJob
	err  error
}

func (e *fakeEnqueuer) EnqueueAutogradeJob(ctx context.Context, job model.AutogradeJob) error {
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, job)
	return nil
}

type dispatchFixture struct {
	repo       *dbtest.Memory
	store      storage.Storage
	enqueuer   *fakeEnqueuer
	dispatcher *Dispatcher
	sub        *model.Submission
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	cfg, err := config.Parse([]byte("storage:\n  driver: local\n  local:\n    root: " + t.TempDir() +
		"\nautograder:\n  timeout: 2m\n  retries: 2\n"))
	require.NoError(t, err)
	store, err := storage.New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Upload(ctx, "graders/hw1.zip", strings.NewReader("zip")))
	require.NoError(t, store.Upload(ctx, "submissions/1/9/abc/main.py", strings.NewReader("print(1)")))

	repo := dbtest.NewMemory()
	sub := &model.Submission{StudentID: 9, AssignmentID: 1, FileKey: "submissions/1/9/abc/main.py", Status: model.StatusToAutograde}
	_, err = repo.CreateSubmission(ctx, sub)
	require.NoError(t, err)

	enqueuer := &fakeEnqueuer{}
	return &dispatchFixture{
		repo:       repo,
		store:      store,
		enqueuer:   enqueuer,
		dispatcher: NewDispatcher(cfg, repo, store, enqueuer),
		sub:        sub,
	}
}

func autogradedAssignment(key string) *model.Assignment {
	return &model.Assignment{ID: 1, AutogradeMode: model.AutogradeModeAutograde, GraderArchiveKey: &key}
}

func TestDispatch(t *testing.T) {
	f := newDispatchFixture(t)

	job, err := f.dispatcher.Dispatch(context.Background(), f.sub, autogradedAssignment("graders/hw1.zip"))
	require.NoError(t, err)

	require.Len(t, f.enqueuer.jobs, 1)
	assert.Equal(t, *job, f.enqueuer.jobs[0])
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, f.sub.ID, job.SubmissionID)
	assert.Equal(t, "graders/hw1.zip", job.GraderArchiveKey)
	assert.Equal(t, f.sub.FileKey, job.SubmissionArchiveKey)
	assert.Equal(t, "reports/1", job.ReportPrefix)
	assert.Equal(t, "logs/1/autograde.log", job.LogKey)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 120, job.TimeoutSeconds)

	results := f.repo.Results(f.sub.ID)
	require.Len(t, results, 1)
	assert.Equal(t, job.ResultID, results[0].ID)
	assert.Equal(t, "reports/1/", results[0].ResultDir)
	assert.False(t, results[0].Completed())
	assert.False(t, results[0].Visible)
}

func TestDispatch_Refusals(t *testing.T) {
	tests := []struct {
		name       string
		assignment *model.Assignment
		mutate     func(t *testing.T, f *dispatchFixture)
		want       error
	}{
		{
			name:       "manual assignment",
			assignment: &model.Assignment{ID: 1, AutogradeMode: model.AutogradeModeManual},
			want:       apperrors.ErrAutogradeDisabled,
		},
		{
			name:       "no grader archive configured",
			assignment: &model.Assignment{ID: 1, AutogradeMode: model.AutogradeModeAutograde},
			want:       apperrors.ErrGraderArchiveMissing,
		},
		{
			name:       "grader archive not uploaded",
			assignment: autogradedAssignment("graders/missing.zip"),
			want:       apperrors.ErrGraderArchiveMissing,
		},
		{
			name:       "submission file gone",
			assignment: autogradedAssignment("graders/hw1.zip"),
			mutate: func(t *testing.T, f *dispatchFixture) {
				require.NoError(t, f.store.Delete(context.Background(), f.sub.FileKey))
			},
			want: apperrors.ErrSubmissionArchiveMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatchFixture(t)
			if tt.mutate != nil {
				tt.mutate(t, f)
			}

			_, err := f.dispatcher.Dispatch(context.Background(), f.sub, tt.assignment)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsConfigurationError(err))
			assert.Empty(t, f.enqueuer.jobs)
			assert.Empty(t, f.repo.Results(f.sub.ID))
		})
	}
}

func TestDispatch_SecondDispatchIsRefused(t *testing.T) {
	f := newDispatchFixture(t)
	assignment := autogradedAssignment("graders/hw1.zip")

	_, err := f.dispatcher.Dispatch(context.Background(), f.sub, assignment)
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(context.Background(), f.sub, assignment)
	assert.ErrorIs(t, err, apperrors.ErrAutogradeResultExists)
	assert.Len(t, f.enqueuer.jobs, 1)
	assert.Len(t, f.repo.Results(f.sub.ID), 1)
}

func TestDispatch_EnqueueFailureKeepsPendingRecord(t *testing.T) {
	f := newDispatchFixture(t)
	f.enqueuer.err = errors.New("connection refused")

	_, err := f.dispatcher.Dispatch(context.Background(), f.sub, autogradedAssignment("graders/hw1.zip"))
	require.Error(t, err)
	assert.False(t, IsConfigurationError(err))
	assert.Len(t, f.repo.Results(f.sub.ID), 1)
}
