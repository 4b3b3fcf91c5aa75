package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"athena-grader/internal/autograde"
	"athena-grader/internal/config"
	"athena-grader/internal/db"
	"athena-grader/internal/logger"
	"athena-grader/internal/model"
	"athena-grader/internal/storage"
	apperrors "athena-grader/pkg/errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const uploadsPrefix = "submissions"

type Dispatcher interface {
	Dispatch(ctx context.Context, sub *model.Submission, assignment *model.Assignment) (*model.AutogradeJob, error)
}

type Service struct {
	cfg        *config.Config
	repo       db.Repository
	storage    storage.Storage
	dispatcher Dispatcher
	now        func() time.Time
	log        zerolog.Logger
}

func NewService(cfg *config.Config, repo db.Repository, store storage.Storage, dispatcher Dispatcher) *Service {
	return &Service{
		cfg:        cfg,
		repo:       repo,
		storage:    store,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logger.Component("submission-service"),
	}
}

type CreateRequest struct {
	StudentID    int64
	AssignmentID int64
	FileName     string
	Content      io.ReadSeeker
}

// Create stores the upload, records the submission (superseding earlier
// ones) and hands it to the autograder when the assignment asks for it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Submission, error) {
	if req.StudentID <= 0 {
		return nil, apperrors.ValidationError{Field: "student_id", Value: req.StudentID, Message: "must be positive"}
	}
	name := path.Base(strings.ReplaceAll(req.FileName, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return nil, apperrors.ValidationError{Field: "file", Value: req.FileName, Message: "file name is required"}
	}

	assignment, err := s.repo.GetAssignment(ctx, req.AssignmentID)
	if err != nil {
		return nil, err
	}

	key := path.Join(uploadsPrefix,
		strconv.FormatInt(assignment.ID, 10),
		strconv.FormatInt(req.StudentID, 10),
		uuid.New().String(), name)
	if err := s.storage.Upload(ctx, key, req.Content); err != nil {
		return nil, fmt.Errorf("failed to store submission file: %w", err)
	}

	sub := &model.Submission{
		StudentID:    req.StudentID,
		AssignmentID: assignment.ID,
		FileKey:      key,
		Status:       InitialStatus(assignment),
		SubmittedAt:  s.now(),
	}
	superseded, err := s.repo.CreateSubmission(ctx, sub)
	if err != nil {
		return nil, err
	}

	log := s.log.With().Int64("submission_id", sub.ID).Int64("student_id", sub.StudentID).
		Int64("assignment_id", sub.AssignmentID).Logger()
	log.Info().Str("status", string(sub.Status)).Ints64("superseded", superseded).Msg("Submission created")

	if sub.Status == model.StatusToAutograde {
		s.dispatch(ctx, sub, assignment, log)
	}
	return sub, nil
}

// dispatch queues a job for sub. A refused dispatch leaves the submission
// SUBMITTED; a failed enqueue leaves the pending record for the reaper.
func (s *Service) dispatch(ctx context.Context, sub *model.Submission, assignment *model.Assignment, log zerolog.Logger) {
	_, err := s.dispatcher.Dispatch(ctx, sub, assignment)
	if err == nil {
		return
	}
	if !autograde.IsConfigurationError(err) {
		log.Error().Err(err).Msg("Autograde dispatch failed, the reaper will fail the pending result")
		return
	}

	log.Warn().Err(err).Msg("Autograde dispatch refused")
	err = s.repo.WithSubmissionLock(ctx, sub.ID, func(ctx context.Context, tx db.SubmissionTx) error {
		current := tx.Submission().Status
		next := StatusAfterDispatchRefused(current)
		if next == current {
			return nil
		}
		return tx.SetStatus(ctx, next)
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to revert submission after refused dispatch")
		return
	}
	sub.Status = StatusAfterDispatchRefused(sub.Status)
}

func (s *Service) validateGrade(assignment *model.Assignment, grade float64) error {
	if math.IsNaN(grade) || math.IsInf(grade, 0) {
		return apperrors.ValidationError{Field: "grade", Value: grade, Message: "must be a number"}
	}
	if grade < 0 {
		return apperrors.ValidationError{Field: "grade", Value: grade, Message: "must not be negative"}
	}
	if grade > assignment.MaxGrade && !s.cfg.Grading.AllowExtraCredit {
		return apperrors.ValidationError{Field: "grade", Value: grade,
			Message: fmt.Sprintf("must not exceed the maximum grade %g", assignment.MaxGrade)}
	}
	return nil
}

// SaveGrade records or overwrites the manual grade and moves the submission to GRADED.
func (s *Service) SaveGrade(ctx context.Context, submissionID int64, req model.GradeRequest) (*model.Grade, error) {
	if req.Grade == nil {
		return nil, apperrors.ValidationError{Field: "grade", Message: "is required"}
	}

	sub, err := s.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	assignment, err := s.repo.GetAssignment(ctx, sub.AssignmentID)
	if err != nil {
		return nil, err
	}
	if err := s.validateGrade(assignment, *req.Grade); err != nil {
		return nil, err
	}

	grade := &model.Grade{
		SubmissionID: submissionID,
		GraderID:     req.GraderID,
		Grade:        *req.Grade,
		Comments:     req.Comments,
		GradedAt:     s.now(),
	}
	err = s.repo.WithSubmissionLock(ctx, submissionID, func(ctx context.Context, tx db.SubmissionTx) error {
		if err := checkNotSuperseded(tx.Submission()); err != nil {
			return err
		}
		if err := tx.UpsertGrade(ctx, grade); err != nil {
			return err
		}
		return tx.SetStatus(ctx, model.StatusGraded)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Int64("submission_id", submissionID).Int64("grader_id", req.GraderID).
		Float64("grade", grade.Grade).Msg("Grade saved")
	return grade, nil
}

// RemoveGrade deletes the manual grade and returns the submission to the
// status the autograder left it in. It returns the new status.
func (s *Service) RemoveGrade(ctx context.Context, submissionID int64) (model.SubmissionStatus, error) {
	var next model.SubmissionStatus
	err := s.repo.WithSubmissionLock(ctx, submissionID, func(ctx context.Context, tx db.SubmissionTx) error {
		if err := checkCanRemoveGrade(tx.Submission()); err != nil {
			return err
		}
		grade, err := tx.Grade(ctx)
		if err != nil {
			return err
		}
		if grade == nil {
			return apperrors.ErrGradeNotFound
		}
		result, err := tx.AutograderResult(ctx)
		if err != nil {
			return err
		}
		if err := tx.DeleteGrade(ctx); err != nil {
			return err
		}
		next = StatusAfterGradeRemoved(result)
		return tx.SetStatus(ctx, next)
	})
	if err != nil {
		return "", err
	}

	s.log.Info().Int64("submission_id", submissionID).Str("status", string(next)).Msg("Grade removed")
	return next, nil
}

// ResetAutograde clears the autograder result and, if the assignment still
// autogrades, queues a fresh job. A job still running for the old record
// finds it gone and its completion is dropped.
func (s *Service) ResetAutograde(ctx context.Context, submissionID int64) (*model.Submission, error) {
	sub, err := s.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	assignment, err := s.repo.GetAssignment(ctx, sub.AssignmentID)
	if err != nil {
		return nil, err
	}

	var locked model.Submission
	err = s.repo.WithSubmissionLock(ctx, submissionID, func(ctx context.Context, tx db.SubmissionTx) error {
		current := tx.Submission()
		if err := checkNotSuperseded(current); err != nil {
			return err
		}
		result, err := tx.AutograderResult(ctx)
		if err != nil {
			return err
		}
		if result != nil {
			if err := tx.DeleteAutograderResult(ctx); err != nil {
				return err
			}
		}
		next := StatusAfterReset(current.Status, assignment.Autograded())
		if next != current.Status {
			if err := tx.SetStatus(ctx, next); err != nil {
				return err
			}
		}
		locked = *tx.Submission()
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := s.log.With().Int64("submission_id", submissionID).Logger()
	log.Info().Str("status", string(locked.Status)).Msg("Autograde reset")

	// The new record can only be created once the old one is gone for good.
	if assignment.Autograded() {
		s.dispatch(ctx, &locked, assignment, log)
	}
	return &locked, nil
}

// SetResultsVisible releases or hides autograder results in bulk. Submission
// status is not touched.
func (s *Service) SetResultsVisible(ctx context.Context, submissionIDs []int64, visible bool) (int64, error) {
	if len(submissionIDs) == 0 {
		return 0, apperrors.ValidationError{Field: "submission_ids", Value: submissionIDs, Message: "must not be empty"}
	}
	n, err := s.repo.SetResultsVisible(ctx, submissionIDs, visible)
	if err != nil {
		return 0, err
	}
	s.log.Info().Int("requested", len(submissionIDs)).Int64("updated", n).Bool("visible", visible).
		Msg("Autograder result visibility changed")
	return n, nil
}

type snapshot struct {
	sub    *model.Submission
	grade  *model.Grade
	result *model.AutograderResult
}

func (s *Service) load(ctx context.Context, submissionID int64) (*snapshot, error) {
	sub, err := s.repo.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	snap := &snapshot{sub: sub}

	snap.grade, err = s.repo.GetGrade(ctx, submissionID)
	if errors.Is(err, apperrors.ErrGradeNotFound) {
		err = nil
	}
	if err != nil {
		return nil, err
	}

	snap.result, err = s.repo.GetAutograderResultBySubmission(ctx, submissionID)
	if errors.Is(err, apperrors.ErrAutogradeResultNotFound) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (snap *snapshot) completed() bool {
	return snap.result.Completed()
}

func (snap *snapshot) visible() bool {
	return snap.result != nil && snap.result.Visible
}

// View is the read-side projection of a submission for role.
func (s *Service) View(ctx context.Context, submissionID int64, role Role) (*model.SubmissionView, error) {
	snap, err := s.load(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	hasGrade := snap.grade != nil
	view := &model.SubmissionView{
		ID:           snap.sub.ID,
		StudentID:    snap.sub.StudentID,
		AssignmentID: snap.sub.AssignmentID,
		SubmittedAt:  snap.sub.SubmittedAt,
		Label:        Label(snap.sub.Status, hasGrade, snap.completed(), snap.visible(), role.Staff()),
		Released:     Released(hasGrade, snap.completed(), snap.visible()),
	}

	switch {
	case hasGrade:
		v := snap.grade.Grade
		view.Score = &v
		view.Comments = snap.grade.Comments
	case snap.completed() && (role.Staff() || view.Released):
		v := snap.result.Score
		view.Score = &v
	}

	if role.Staff() {
		view.Status = snap.sub.Status
		if snap.result != nil {
			view.Autograde = &model.AutogradeView{
				ResultID:    snap.result.ID,
				Score:       snap.result.Score,
				Success:     snap.result.Success,
				Visible:     snap.result.Visible,
				CompletedAt: snap.result.CompletedAt,
			}
		}
	}
	return view, nil
}

// reportPrefix returns where the submission's reports live, or
// ErrReportsNotReleased when role may not read them yet.
func (s *Service) reportPrefix(ctx context.Context, submissionID int64, role Role) (string, error) {
	snap, err := s.load(ctx, submissionID)
	if err != nil {
		return "", err
	}
	if !snap.completed() {
		return "", apperrors.ErrAutogradeResultNotFound
	}
	if !role.Staff() && !snap.result.Visible {
		return "", apperrors.ErrReportsNotReleased
	}
	return autograde.ReportPrefix(s.cfg.Autograder, submissionID), nil
}

// Reports lists the report files of a completed autograder run.
func (s *Service) Reports(ctx context.Context, submissionID int64, role Role) ([]string, error) {
	prefix, err := s.reportPrefix(ctx, submissionID, role)
	if err != nil {
		return nil, err
	}
	names, err := s.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// OpenReport streams one report file. name must be one returned by Reports.
func (s *Service) OpenReport(ctx context.Context, submissionID int64, name string, role Role) (io.ReadCloser, error) {
	clean := path.Clean("/" + name)[1:]
	if clean == "" || clean != name {
		return nil, apperrors.ValidationError{Field: "name", Value: name, Message: "invalid report name"}
	}

	prefix, err := s.reportPrefix(ctx, submissionID, role)
	if err != nil {
		return nil, err
	}
	reader, err := s.storage.Download(ctx, path.Join(prefix, clean))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, fmt.Errorf("report %q: %w", name, err)
	}
	return reader, err
}

// AutogradeLog streams the captured script output. Staff only.
func (s *Service) AutogradeLog(ctx context.Context, submissionID int64, role Role) (io.ReadCloser, error) {
	if !role.Staff() {
		return nil, apperrors.ErrReportsNotReleased
	}
	if _, err := s.repo.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	return s.storage.Download(ctx, autograde.LogKey(s.cfg.Autograder, submissionID))
}

// Gradebook returns the assignment and its current submissions.
func (s *Service) Gradebook(ctx context.Context, assignmentID int64) (*model.Assignment, []model.GradebookRow, error) {
	assignment, err := s.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.repo.ListGradebook(ctx, assignmentID)
	if err != nil {
		return nil, nil, err
	}
	return assignment, rows, nil
}

// ImportGrades saves each parsed row as a manual grade by graderID. Rows that
// cannot be applied are reported and do not stop the rest of the import.
func (s *Service) ImportGrades(ctx context.Context, assignmentID, graderID int64, rows []model.GradeImportRow) (*model.GradeImportReport, error) {
	if _, err := s.repo.GetAssignment(ctx, assignmentID); err != nil {
		return nil, err
	}

	report := &model.GradeImportReport{AssignmentID: assignmentID, Failed: []model.GradeImportFailure{}}
	fail := func(row model.GradeImportRow, err error) {
		report.Failed = append(report.Failed, model.GradeImportFailure{
			Row: row.Row, SubmissionID: row.SubmissionID, Error: err.Error(),
		})
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sub, err := s.repo.GetSubmission(ctx, row.SubmissionID)
		if err != nil {
			fail(row, err)
			continue
		}
		if sub.AssignmentID != assignmentID {
			fail(row, fmt.Errorf("submission belongs to assignment %d", sub.AssignmentID))
			continue
		}

		comments, err := s.importComments(ctx, row)
		if err != nil {
			fail(row, err)
			continue
		}
		grade := row.Grade
		if _, err := s.SaveGrade(ctx, row.SubmissionID, model.GradeRequest{
			GraderID: graderID, Grade: &grade, Comments: comments,
		}); err != nil {
			fail(row, err)
			continue
		}
		report.Applied++
	}

	s.log.Info().Int64("assignment_id", assignmentID).Int64("grader_id", graderID).
		Int("applied", report.Applied).Int("failed", len(report.Failed)).Msg("Grades imported")
	return report, nil
}

// importComments keeps the stored comments when the sheet has no comments column.
func (s *Service) importComments(ctx context.Context, row model.GradeImportRow) (string, error) {
	if row.Comments != nil {
		return *row.Comments, nil
	}
	existing, err := s.repo.GetGrade(ctx, row.SubmissionID)
	if errors.Is(err, apperrors.ErrGradeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return existing.Comments, nil
}
