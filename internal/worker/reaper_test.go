package worker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"athena-grader/internal/autograde"
	"athena-grader/internal/config"
	"athena-grader/internal/db/dbtest"
	"athena-grader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_FailsStalePendingResults(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Parse([]byte("autograder:\n  timeout: 1m\n  retries: 1\nworkers:\n  reaper:\n    grace: 1m\n"))
	require.NoError(t, err)

	repo := dbtest.NewMemory()
	now := time.Now().UTC()

	create := func(studentID int64, age time.Duration) (*model.Submission, *model.AutograderResult) {
		sub := &model.Submission{StudentID: studentID, AssignmentID: 1, Status: model.StatusToAutograde}
		_, err := repo.CreateSubmission(ctx, sub)
		require.NoError(t, err)
		res := &model.AutograderResult{SubmissionID: sub.ID, ResultDir: "reports/x/", CreatedAt: now.Add(-age)}
		require.NoError(t, repo.CreateAutograderResult(ctx, res))
		return sub, res
	}
	staleSub, staleRes := create(1, time.Hour)
	freshSub, freshRes := create(2, time.Minute)

	runner := &fakeRunner{}
	reaper := NewReaper(cfg, repo, autograde.NewIngestor(repo), runner)
	reaper.now = func() time.Time { return now }

	n, err := reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, runner.discarded, 1)
	assert.Equal(t, staleRes.ID, runner.discarded[0].ResultID)
	assert.Equal(t, "reports/x", runner.discarded[0].ReportPrefix)
	assert.Equal(t, "logs/"+strconv.FormatInt(staleSub.ID, 10)+"/autograde.log", runner.discarded[0].LogKey)

	got, err := repo.GetAutograderResult(ctx, staleRes.ID)
	require.NoError(t, err)
	assert.True(t, got.Completed())
	assert.False(t, got.Success)
	assert.Equal(t, "reports/x/", got.ResultDir)
	sub, err := repo.GetSubmission(ctx, staleSub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAutograded, sub.Status)

	got, err = repo.GetAutograderResult(ctx, freshRes.ID)
	require.NoError(t, err)
	assert.False(t, got.Completed())
	sub, err = repo.GetSubmission(ctx, freshSub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusToAutograde, sub.Status)

	n, err = reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
