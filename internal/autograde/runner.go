package autograde

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"athena-grader/internal/config"
	"athena-grader/internal/logger"
	"athena-grader/internal/model"
	"athena-grader/internal/storage"
	apperrors "athena-grader/pkg/errors"

	"github.com/rs/zerolog"
)

// Working directory layout handed to run_autograder.
const (
	sourceDir     = "source"
	submissionDir = "submission"
	resultsDir    = "results"
	logFileName   = "autograde.log"

	workdirPlaceholder = "{workdir}"
	killGracePeriod    = 2 * time.Second
)

// Outcome is what one grading run produced. Script and parse failures are
// reported here, never as an error from Run.
type Outcome struct {
	Success  bool
	Score    float64
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Artifact *model.ResultArtifact
	Err      error
}

// FailedOutcome builds a zero-score outcome for a job that could not finish.
func FailedOutcome(err error) Outcome {
	return Outcome{ExitCode: -1, Err: err}
}

type Runner struct {
	cfg     config.AutograderConfig
	storage storage.Storage
	log     zerolog.Logger
}

func NewRunner(cfg *config.Config, store storage.Storage) *Runner {
	return &Runner{
		cfg:     cfg.Autograder,
		storage: store,
		log:     logger.Component("autograde-runner"),
	}
}

// Run executes job in a fresh working directory. The returned error is
// non-nil only for infrastructure problems (RetryableError) or when ctx is
// cancelled; the job should then be retried or returned to the queue.
func (r *Runner) Run(ctx context.Context, job model.AutogradeJob) (Outcome, error) {
	log := r.log.With().
		Int64("submission_id", job.SubmissionID).
		Int64("result_id", job.ResultID).
		Str("job_id", job.JobID).
		Int("attempt", job.Attempt).
		Logger()

	workdir, err := r.prepareWorkdir(job)
	if err != nil {
		return Outcome{}, apperrors.NewRetryableError(err, "failed to create working directory")
	}
	if !r.cfg.KeepWorkdirs {
		defer os.RemoveAll(workdir)
	}

	log.Debug().Str("workdir", workdir).Msg("Preparing autograder inputs")

	if failure, err := r.stageInputs(ctx, job, workdir); err != nil || failure != nil {
		if err != nil {
			return Outcome{}, err
		}
		if err := r.clearReports(ctx, job); err != nil {
			return Outcome{}, apperrors.NewRetryableError(err, "failed to clear autograder reports")
		}
		r.uploadLog(ctx, job, workdir, failure.Error(), log)
		return FailedOutcome(failure), nil
	}

	outcome, err := r.execute(ctx, job, workdir, log)
	if err != nil {
		return Outcome{}, err
	}

	if err := r.publish(ctx, job, workdir); err != nil {
		return Outcome{}, apperrors.NewRetryableError(err, "failed to upload autograder reports")
	}

	if outcome.Success {
		log.Info().Float64("score", outcome.Score).Dur("duration", outcome.Duration).Msg("Autograder run succeeded")
	} else {
		log.Warn().Err(outcome.Err).Int("exit_code", outcome.ExitCode).Bool("timed_out", outcome.TimedOut).
			Dur("duration", outcome.Duration).Msg("Autograder run failed")
	}
	return outcome, nil
}

func (r *Runner) prepareWorkdir(job model.AutogradeJob) (string, error) {
	parent := filepath.Join(r.cfg.WorkRoot, strconv.FormatInt(job.SubmissionID, 10))
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return "", err
	}

	// Mkdir fails on an existing directory, so a workdir is never shared.
	workdir := filepath.Join(parent, job.JobID+"-"+strconv.Itoa(job.Attempt))
	if err := os.Mkdir(workdir, 0o700); err != nil {
		return "", err
	}
	for _, dir := range []string{sourceDir, submissionDir, resultsDir} {
		if err := os.Mkdir(filepath.Join(workdir, dir), 0o755); err != nil {
			return "", err
		}
	}
	return workdir, nil
}

// stageInputs fetches and unpacks both archives. A non-nil failure means the
// inputs themselves are unusable, which no retry can fix.
func (r *Runner) stageInputs(ctx context.Context, job model.AutogradeJob, workdir string) (failure error, err error) {
	graderZip := filepath.Join(workdir, "grader.zip")
	if err := r.fetch(ctx, job.GraderArchiveKey, graderZip); err != nil {
		return fetchFailure(err, apperrors.ErrGraderArchiveMissing, "grader archive")
	}
	if err := extractZip(graderZip, filepath.Join(workdir, sourceDir), r.cfg.MaxExtractBytes); err != nil {
		return fmt.Errorf("grader archive: %w", err), nil
	}

	name := path.Base(job.SubmissionArchiveKey)
	if strings.EqualFold(filepath.Ext(name), ".zip") {
		local := filepath.Join(workdir, "submission.zip")
		if err := r.fetch(ctx, job.SubmissionArchiveKey, local); err != nil {
			return fetchFailure(err, apperrors.ErrSubmissionArchiveMissing, "submission archive")
		}
		if err := extractZip(local, filepath.Join(workdir, submissionDir), r.cfg.MaxExtractBytes); err != nil {
			return fmt.Errorf("submission archive: %w", err), nil
		}
		return nil, nil
	}

	if err := r.fetch(ctx, job.SubmissionArchiveKey, filepath.Join(workdir, submissionDir, name)); err != nil {
		return fetchFailure(err, apperrors.ErrSubmissionArchiveMissing, "submission file")
	}
	return nil, nil
}

// fetchFailure splits a download error into a final failure (missing or
// oversized input) and a retryable infrastructure error.
func fetchFailure(err, missing error, what string) (error, error) {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return missing, nil
	}
	if errors.Is(err, errArchiveTooLarge) {
		return fmt.Errorf("%s: %w", what, err), nil
	}
	return nil, apperrors.NewRetryableError(err, "failed to download "+what)
}

func (r *Runner) fetch(ctx context.Context, key, dst string) error {
	reader, err := r.storage.Download(ctx, key)
	if err != nil {
		return err
	}
	defer reader.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(reader, r.cfg.MaxExtractBytes+1))
	if err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if n > r.cfg.MaxExtractBytes {
		return errArchiveTooLarge
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, job model.AutogradeJob, workdir string, log zerolog.Logger) (Outcome, error) {
	logFile, err := os.Create(filepath.Join(workdir, logFileName))
	if err != nil {
		return Outcome{}, apperrors.NewRetryableError(err, "failed to create autograder log")
	}
	defer logFile.Close()

	entry, err := locateEntry(filepath.Join(workdir, sourceDir), r.cfg.EntryScript)
	if err != nil {
		fmt.Fprintf(logFile, "[athena] %v\n", err)
		return FailedOutcome(err), nil
	}
	if err := os.Chmod(entry, 0o755); err != nil {
		return Outcome{}, apperrors.NewRetryableError(err, "failed to mark entry script executable")
	}

	timeout := job.Timeout()
	if timeout <= 0 || timeout > config.MaxAutogradeTimeout {
		timeout = r.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := r.command(entry, workdir)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = workdir
	cmd.Env = r.environment(job, workdir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.WaitDelay = killGracePeriod
	isolateProcess(cmd)

	log.Info().Str("entry", entry).Dur("timeout", timeout).Msg("Running autograder")

	start := time.Now()
	runErr := cmd.Run()
	outcome := Outcome{Duration: time.Since(start), ExitCode: -1}
	if cmd.ProcessState != nil {
		outcome.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		// Shutdown, not a grading failure.
		return Outcome{}, ctx.Err()
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.TimedOut = true
		outcome.Err = fmt.Errorf("autograder timed out after %s", timeout)
		fmt.Fprintf(logFile, "\n[athena] %v\n", outcome.Err)
		return outcome, nil
	case runErr != nil:
		outcome.Err = fmt.Errorf("autograder exited abnormally: %w", runErr)
		return outcome, nil
	}

	artifact, err := r.readArtifact(workdir)
	if err != nil {
		outcome.Err = err
		return outcome, nil
	}

	outcome.Success = true
	outcome.Score = *artifact.Score
	outcome.Artifact = artifact
	return outcome, nil
}

func (r *Runner) command(entry, workdir string) (string, []string) {
	if len(r.cfg.SandboxCommand) == 0 {
		return entry, nil
	}
	args := make([]string, 0, len(r.cfg.SandboxCommand))
	for _, arg := range r.cfg.SandboxCommand[1:] {
		args = append(args, strings.ReplaceAll(arg, workdirPlaceholder, workdir))
	}
	return r.cfg.SandboxCommand[0], append(args, entry)
}

// environment is the whole environment of the script. The worker's own variables are not inherited.
func (r *Runner) environment(job model.AutogradeJob, workdir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workdir,
		"LANG=C.UTF-8",
		"AUTOGRADER_SOURCE_DIR=" + filepath.Join(workdir, sourceDir),
		"AUTOGRADER_SUBMISSION_DIR=" + filepath.Join(workdir, submissionDir),
		"AUTOGRADER_RESULTS_DIR=" + filepath.Join(workdir, resultsDir),
		"AUTOGRADER_SUBMISSION_ID=" + strconv.FormatInt(job.SubmissionID, 10),
	}
}

func (r *Runner) readArtifact(workdir string) (*model.ResultArtifact, error) {
	f, err := os.Open(filepath.Join(workdir, resultsDir, r.cfg.ResultsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s was not produced", apperrors.ErrInvalidResultFile, r.cfg.ResultsFile)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseResult(f)
}

// publish uploads the run log and every file under results/ as reports,
// replacing whatever an earlier run left under the report prefix.
func (r *Runner) publish(ctx context.Context, job model.AutogradeJob, workdir string) error {
	if err := r.upload(ctx, filepath.Join(workdir, logFileName), job.LogKey); err != nil {
		return err
	}

	if err := r.clearReports(ctx, job); err != nil {
		return err
	}

	root := filepath.Join(workdir, resultsDir)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return r.upload(ctx, p, path.Join(job.ReportPrefix, filepath.ToSlash(rel)))
	})
}

// clearReports deletes every report an earlier run left under the prefix.
func (r *Runner) clearReports(ctx context.Context, job model.AutogradeJob) error {
	stale, err := r.storage.List(ctx, job.ReportPrefix)
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := r.storage.Delete(ctx, path.Join(job.ReportPrefix, key)); err != nil {
			return err
		}
	}
	return nil
}

// Discard is called when a job is recorded as failed without a completed
// run. Reports of earlier runs are removed and the cause is logged.
func (r *Runner) Discard(ctx context.Context, job model.AutogradeJob, cause error) error {
	if err := r.clearReports(ctx, job); err != nil {
		return err
	}
	return r.storage.Upload(ctx, job.LogKey, strings.NewReader("[athena] "+cause.Error()+"\n"))
}

func (r *Runner) upload(ctx context.Context, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.storage.Upload(ctx, key, f)
}

// uploadLog records why a run never started, so instructors can see it.
func (r *Runner) uploadLog(ctx context.Context, job model.AutogradeJob, workdir, message string, log zerolog.Logger) {
	p := filepath.Join(workdir, logFileName)
	if err := os.WriteFile(p, []byte("[athena] "+message+"\n"), 0o644); err != nil {
		log.Warn().Err(err).Msg("Failed to write autograder log")
		return
	}
	if err := r.upload(ctx, p, job.LogKey); err != nil {
		log.Warn().Err(err).Msg("Failed to upload autograder log")
	}
}
