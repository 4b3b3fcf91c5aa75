package autograde

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"athena-grader/internal/config"
	"athena-grader/internal/model"
	"athena-grader/internal/storage"
	apperrors "athena-grader/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFixture struct {
	cfg    *config.Config
	store  storage.Storage
	runner *Runner
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("autograder scripts need a POSIX shell")
	}

	yaml := "storage:\n  driver: local\n  local:\n    root: " + t.TempDir() +
		"\nautograder:\n  work_root: " + t.TempDir() + "\n  timeout: 20s\n"
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)

	store, err := storage.New(cfg)
	require.NoError(t, err)
	return &runnerFixture{cfg: cfg, store: store, runner: NewRunner(cfg, store)}
}

func (f *runnerFixture) job(t *testing.T, submissionID int64, script string, submissionName string, submission []byte) model.AutogradeJob {
	t.Helper()
	ctx := context.Background()

	graderKey := "graders/" + strconv.FormatInt(submissionID, 10) + ".zip"
	require.NoError(t, f.store.Upload(ctx, graderKey, bytes.NewReader(zipBytes(t, map[string]string{
		"run_autograder": "#!/bin/sh\n" + script,
	}))))
	subKey := "submissions/" + strconv.FormatInt(submissionID, 10) + "/" + submissionName
	require.NoError(t, f.store.Upload(ctx, subKey, bytes.NewReader(submission)))

	return model.AutogradeJob{
		JobID:                uuid.New().String(),
		SubmissionID:         submissionID,
		ResultID:             submissionID * 10,
		GraderArchiveKey:     graderKey,
		SubmissionArchiveKey: subKey,
		ReportPrefix:         ReportPrefix(f.cfg.Autograder, submissionID),
		LogKey:               LogKey(f.cfg.Autograder, submissionID),
		Attempt:              1,
		MaxAttempts:          2,
		TimeoutSeconds:       20,
	}
}

func (f *runnerFixture) read(t *testing.T, key string) string {
	t.Helper()
	reader, err := f.store.Download(context.Background(), key)
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	return string(data)
}

func TestRunner_Success(t *testing.T) {
	f := newRunnerFixture(t)
	script := `echo "grading $AUTOGRADER_SUBMISSION_ID"
test -f submission/solution.py || exit 4
echo '{"score": 87, "tests": [{"name": "t1", "score": 87, "max_score": 100}]}' > results/results.json
echo "all tests ran" > results/report.txt
`
	job := f.job(t, 1, script, "solution.py", []byte("print(1)\n"))

	outcome, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Success)
	assert.Equal(t, 87.0, outcome.Score)
	assert.Equal(t, 0, outcome.ExitCode)
	require.NotNil(t, outcome.Artifact)
	assert.Len(t, outcome.Artifact.Tests, 1)

	assert.Contains(t, f.read(t, job.LogKey), "grading 1")
	names, err := f.store.List(context.Background(), job.ReportPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"report.txt", "results.json"}, names)

	entries, err := os.ReadDir(filepath.Join(f.cfg.Autograder.WorkRoot, "1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "working directory is removed after the run")
}

func TestRunner_ExtractsZipSubmission(t *testing.T) {
	f := newRunnerFixture(t)
	script := `test -f submission/src/main.c || exit 4
echo '{"score": 5}' > results/results.json
`
	job := f.job(t, 2, script, "upload.zip", zipBytes(t, map[string]string{"src/main.c": "int main(){}"}))

	outcome, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, outcome.Success, "outcome error: %v", outcome.Err)
	assert.Equal(t, 5.0, outcome.Score)
}

func TestRunner_NonZeroExit(t *testing.T) {
	f := newRunnerFixture(t)
	job := f.job(t, 3, "echo boom >&2\nexit 3\n", "a.py", []byte("x"))

	outcome, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, 3, outcome.ExitCode)
	assert.Error(t, outcome.Err)
	assert.Contains(t, f.read(t, job.LogKey), "boom")
}

func TestRunner_MissingResultFile(t *testing.T) {
	f := newRunnerFixture(t)
	job := f.job(t, 4, "echo done\n", "a.py", []byte("x"))

	outcome, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.ErrorIs(t, outcome.Err, apperrors.ErrInvalidResultFile)
}

func TestRunner_MalformedResultFile(t *testing.T) {
	f := newRunnerFixture(t)
	job := f.job(t, 5, "echo '{\"points\": 3}' > results/results.json\n", "a.py", []byte("x"))

	outcome, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.ErrorIs(t, outcome.Err, apperrors.ErrInvalidResultFile)
}

func TestRunner_Timeout(t *testing.T) {
	f := newRunnerFixture(t)
	job := f.job(t, 6, "sleep 30 &\nsleep 30\necho '{\"score\": 1}' > results/results.json\n", "a.py", []byte("x"))
	job.TimeoutSeconds = 1

	start := time.Now()
	outcome, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 15*time.Second)
	assert.True(t, outcome.TimedOut)
	assert.False(t, outcome.Success)
	assert.Equal(t, 0.0, outcome.Score)
	assert.Contains(t, f.read(t, job.LogKey), "timed out")
}

func TestRunner_CancelledContextIsNotAFailure(t *testing.T) {
	f := newRunnerFixture(t)
	job := f.job(t, 7, "sleep 30\n", "a.py", []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)

	_, err := f.runner.Run(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_MissingGraderArchive(t *testing.T) {
	f := newRunnerFixture(t)
	job := f.job(t, 8, "exit 0\n", "a.py", []byte("x"))
	require.NoError(t, f.store.Delete(context.Background(), job.GraderArchiveKey))

	outcome, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.ErrorIs(t, outcome.Err, apperrors.ErrGraderArchiveMissing)
}

func TestRunner_GraderWithoutEntryScript(t *testing.T) {
	f := newRunnerFixture(t)
	job := f.job(t, 9, "exit 0\n", "a.py", []byte("x"))
	require.NoError(t, f.store.Upload(context.Background(), job.GraderArchiveKey,
		bytes.NewReader(zipBytes(t, map[string]string{"README": "no script"}))))

	outcome, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Error(t, outcome.Err)
}

func TestRunner_ReplacesStaleReports(t *testing.T) {
	f := newRunnerFixture(t)
	job := f.job(t, 10, "echo '{\"score\": 2}' > results/results.json\n", "a.py", []byte("x"))
	require.NoError(t, f.store.Upload(context.Background(), job.ReportPrefix+"/old.txt", bytes.NewReader([]byte("old"))))

	_, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)

	names, err := f.store.List(context.Background(), job.ReportPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"results.json"}, names)
}

func TestRunner_SandboxCommandWrapsEntry(t *testing.T) {
	r := &Runner{cfg: config.AutograderConfig{SandboxCommand: []string{"nsjail", "--chroot", "{workdir}", "--"}}}

	name, args := r.command("/w/source/run_autograder", "/w")
	assert.Equal(t, "nsjail", name)
	assert.Equal(t, []string{"--chroot", "/w", "--", "/w/source/run_autograder"}, args)

	r.cfg.SandboxCommand = nil
	name, args = r.command("/w/source/run_autograder", "/w")
	assert.Equal(t, "/w/source/run_autograder", name)
	assert.Empty(t, args)
}

func TestRunner_FailedRunClearsStaleReports(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()
	script := "echo '{\"score\": 9}' > results/results.json\necho 'ALL TESTS PASSED' > results/report.txt\n"
	first := f.job(t, 11, script, "a.py", []byte("x"))

	outcome, err := f.runner.Run(ctx, first)
	require.NoError(t, err)
	require.True(t, outcome.Success, "outcome error: %v", outcome.Err)

	require.NoError(t, f.store.Upload(ctx, first.GraderArchiveKey, bytes.NewReader([]byte("not a zip"))))
	second := first
	second.JobID = uuid.New().String()

	outcome, err = f.runner.Run(ctx, second)
	require.NoError(t, err)
	assert.False(t, outcome.Success)

	names, err := f.store.List(ctx, second.ReportPrefix)
	require.NoError(t, err)
	assert.Empty(t, names, "reports of the passing run must not describe the failed one")
	assert.Contains(t, f.read(t, second.LogKey), "grader archive")
}

func TestRunner_DiscardClearsReportsAndLogsCause(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()
	job := f.job(t, 12, "exit 0\n", "a.py", []byte("x"))
	require.NoError(t, f.store.Upload(ctx, job.ReportPrefix+"/report.txt", bytes.NewReader([]byte("old"))))

	require.NoError(t, f.runner.Discard(ctx, job, errors.New("storage unavailable")))

	names, err := f.store.List(ctx, job.ReportPrefix)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Contains(t, f.read(t, job.LogKey), "storage unavailable")
}

func TestRunner_RejectsOversizedSubmissionFile(t *testing.T) {
	f := newRunnerFixture(t)
	f.runner.cfg.MaxExtractBytes = 1024
	script := "echo '{\"score\": 1}' > results/results.json\n"
	job := f.job(t, 13, script, "big.py", bytes.Repeat([]byte("x"), 4096))

	outcome, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.ErrorIs(t, outcome.Err, errArchiveTooLarge)
}
