package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"athena-grader/internal/model"
	apperrors "athena-grader/pkg/errors"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlErrDuplicateEntry = 1062
	mysqlErrDeadlock       = 1213

	maxDeadlockRetries = 3
)

type Repository interface {
	GetAssignment(ctx context.Context, assignmentID int64) (*model.Assignment, error)
	GetSubmission(ctx context.Context, submissionID int64) (*model.Submission, error)
	GetGrade(ctx context.Context, submissionID int64) (*model.Grade, error)
	GetAutograderResult(ctx context.Context, resultID int64) (*model.AutograderResult, error)
	GetAutograderResultBySubmission(ctx context.Context, submissionID int64) (*model.AutograderResult, error)

	// CreateSubmission inserts sub and supersedes every earlier current
	// submission of the same student for the same assignment, atomically.
	CreateSubmission(ctx context.Context, sub *model.Submission) (superseded []int64, err error)
	CreateAutograderResult(ctx context.Context, res *model.AutograderResult) error
	DeleteAutograderResult(ctx context.Context, resultID int64) error
	SetResultsVisible(ctx context.Context, submissionIDs []int64, visible bool) (int64, error)
	ListStalePendingResults(ctx context.Context, createdBefore time.Time, limit int) ([]model.AutograderResult, error)
	ListGradebook(ctx context.Context, assignmentID int64) ([]model.GradebookRow, error)

	// WithSubmissionLock runs fn in a transaction holding the submission row lock.
	WithSubmissionLock(ctx context.Context, submissionID int64, fn func(ctx context.Context, tx SubmissionTx) error) error
}

// SubmissionTx is the set of mutations allowed while a submission row is locked.
type SubmissionTx interface {
	Submission() *model.Submission
	Grade(ctx context.Context) (*model.Grade, error)
	AutograderResult(ctx context.Context) (*model.AutograderResult, error)
	SetStatus(ctx context.Context, status model.SubmissionStatus) error
	UpsertGrade(ctx context.Context, grade *model.Grade) error
	DeleteGrade(ctx context.Context) error
	DeleteAutograderResult(ctx context.Context) error
	CompleteAutograderResult(ctx context.Context, res *model.AutograderResult) error
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const submissionColumns = `id, student_id, assignment_id, file_key, status, submitted_at, updated_at`

func scanSubmission(row rowScanner) (*model.Submission, error) {
	var sub model.Submission
	err := row.Scan(&sub.ID, &sub.StudentID, &sub.AssignmentID, &sub.FileKey,
		&sub.Status, &sub.SubmittedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

const resultColumns = `id, submission_id, result_dir, score, success, visible, completed_at, created_at`

func scanResult(row rowScanner) (*model.AutograderResult, error) {
	var res model.AutograderResult
	var completedAt sql.NullTime
	err := row.Scan(&res.ID, &res.SubmissionID, &res.ResultDir, &res.Score,
		&res.Success, &res.Visible, &completedAt, &res.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrAutogradeResultNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		res.CompletedAt = &t
	}
	return &res, nil
}

func scanGrade(row rowScanner) (*model.Grade, error) {
	var grade model.Grade
	err := row.Scan(&grade.SubmissionID, &grade.GraderID, &grade.Grade, &grade.Comments, &grade.GradedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrGradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &grade, nil
}

func (r *repository) GetAssignment(ctx context.Context, assignmentID int64) (*model.Assignment, error) {
	query := `SELECT id, course_id, code, title, max_grade, autograde_mode, grader_archive_key, due_date
			  FROM assignments WHERE id = ?`

	var a model.Assignment
	var archive sql.NullString
	err := r.db.QueryRowContext(ctx, query, assignmentID).Scan(
		&a.ID, &a.CourseID, &a.Code, &a.Title, &a.MaxGrade, &a.AutogradeMode, &archive, &a.DueDate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrAssignmentNotFound
	}
	if err != nil {
		return nil, err
	}
	if archive.Valid {
		a.GraderArchiveKey = &archive.String
	}
	return &a, nil
}

func (r *repository) GetSubmission(ctx context.Context, submissionID int64) (*model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = ?`
	return scanSubmission(r.db.QueryRowContext(ctx, query, submissionID))
}

func (r *repository) GetGrade(ctx context.Context, submissionID int64) (*model.Grade, error) {
	query := `SELECT submission_id, grader_id, grade, comments, graded_at FROM grades WHERE submission_id = ?`
	return scanGrade(r.db.QueryRowContext(ctx, query, submissionID))
}

func (r *repository) GetAutograderResult(ctx context.Context, resultID int64) (*model.AutograderResult, error) {
	query := `SELECT ` + resultColumns + ` FROM autograder_results WHERE id = ?`
	return scanResult(r.db.QueryRowContext(ctx, query, resultID))
}

func (r *repository) GetAutograderResultBySubmission(ctx context.Context, submissionID int64) (*model.AutograderResult, error) {
	query := `SELECT ` + resultColumns + ` FROM autograder_results WHERE submission_id = ?`
	return scanResult(r.db.QueryRowContext(ctx, query, submissionID))
}

func (r *repository) CreateSubmission(ctx context.Context, sub *model.Submission) ([]int64, error) {
	var superseded []int64
	var err error
	for attempt := 0; attempt < maxDeadlockRetries; attempt++ {
		superseded, err = r.createSubmission(ctx, sub)
		if !isMySQLError(err, mysqlErrDeadlock) {
			return superseded, err
		}
	}
	return nil, fmt.Errorf("create submission: %w", err)
}

func (r *repository) createSubmission(ctx context.Context, sub *model.Submission) ([]int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Lock the pair's rows so concurrent uploads by the same student serialize here.
	// For a first submission there are no rows; under REPEATABLE READ the
	// next-key lock on the index gap still serializes the two inserts (one of
	// them deadlocks and is retried). READ COMMITTED takes no gap locks, which
	// is why DatabaseDSN pins the isolation level.
	lockQuery := `SELECT id FROM submissions
				  WHERE student_id = ? AND assignment_id = ? AND status <> ?
				  FOR UPDATE`
	rows, err := tx.QueryContext(ctx, lockQuery, sub.StudentID, sub.AssignmentID, model.StatusSuperseded)
	if err != nil {
		return nil, err
	}
	var superseded []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		superseded = append(superseded, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(superseded) > 0 {
		updateQuery := `UPDATE submissions SET status = ?, updated_at = ?
						WHERE student_id = ? AND assignment_id = ? AND status <> ?`
		if _, err := tx.ExecContext(ctx, updateQuery, model.StatusSuperseded, sub.SubmittedAt,
			sub.StudentID, sub.AssignmentID, model.StatusSuperseded); err != nil {
			return nil, err
		}
	}

	insertQuery := `INSERT INTO submissions (student_id, assignment_id, file_key, status, submitted_at, updated_at)
					VALUES (?, ?, ?, ?, ?, ?)`
	result, err := tx.ExecContext(ctx, insertQuery, sub.StudentID, sub.AssignmentID, sub.FileKey,
		sub.Status, sub.SubmittedAt, sub.SubmittedAt)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sub.ID = id
	sub.UpdatedAt = sub.SubmittedAt
	return superseded, nil
}

func (r *repository) CreateAutograderResult(ctx context.Context, res *model.AutograderResult) error {
	query := `INSERT INTO autograder_results (submission_id, result_dir, score, success, visible, completed_at, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query, res.SubmissionID, res.ResultDir, res.Score,
		res.Success, res.Visible, res.CompletedAt, res.CreatedAt)
	if isMySQLError(err, mysqlErrDuplicateEntry) {
		return apperrors.ErrAutogradeResultExists
	}
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	res.ID = id
	return nil
}

func (r *repository) DeleteAutograderResult(ctx context.Context, resultID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM autograder_results WHERE id = ?`, resultID)
	return err
}

func (r *repository) SetResultsVisible(ctx context.Context, submissionIDs []int64, visible bool) (int64, error) {
	if len(submissionIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(submissionIDs)), ",")
	query := `UPDATE autograder_results SET visible = ? WHERE submission_id IN (` + placeholders + `)`

	args := make([]any, 0, len(submissionIDs)+1)
	args = append(args, visible)
	for _, id := range submissionIDs {
		args = append(args, id)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *repository) ListStalePendingResults(ctx context.Context, createdBefore time.Time, limit int) ([]model.AutograderResult, error) {
	query := `SELECT ` + resultColumns + ` FROM autograder_results
			  WHERE completed_at IS NULL AND created_at < ?
			  ORDER BY created_at LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.AutograderResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, rows.Err()
}

func (r *repository) ListGradebook(ctx context.Context, assignmentID int64) ([]model.GradebookRow, error) {
	query := `SELECT s.id, s.student_id, s.submitted_at, s.status,
				g.grade, ar.score, ar.completed_at, COALESCE(ar.success, FALSE), COALESCE(ar.visible, FALSE)
			  FROM submissions s
			  LEFT JOIN grades g ON g.submission_id = s.id
			  LEFT JOIN autograder_results ar ON ar.submission_id = s.id
			  WHERE s.assignment_id = ? AND s.status <> ?
			  ORDER BY s.student_id`

	rows, err := r.db.QueryContext(ctx, query, assignmentID, model.StatusSuperseded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GradebookRow
	for rows.Next() {
		var row model.GradebookRow
		var manual, score sql.NullFloat64
		var completedAt sql.NullTime
		if err := rows.Scan(&row.SubmissionID, &row.StudentID, &row.SubmittedAt, &row.Status,
			&manual, &score, &completedAt, &row.AutogradeOK, &row.Visible); err != nil {
			return nil, err
		}
		if manual.Valid {
			v := manual.Float64
			row.ManualGrade = &v
		}
		// Pending results carry no score yet.
		if score.Valid && completedAt.Valid {
			v := score.Float64
			row.AutogradeScore = &v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *repository) WithSubmissionLock(ctx context.Context, submissionID int64, fn func(ctx context.Context, tx SubmissionTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = ? FOR UPDATE`
	sub, err := scanSubmission(tx.QueryRowContext(ctx, query, submissionID))
	if err != nil {
		return err
	}

	if err := fn(ctx, &submissionTx{tx: tx, sub: sub}); err != nil {
		return err
	}
	return tx.Commit()
}

type submissionTx struct {
	tx  *sql.Tx
	sub *model.Submission
}

func (t *submissionTx) Submission() *model.Submission {
	return t.sub
}

func (t *submissionTx) Grade(ctx context.Context) (*model.Grade, error) {
	query := `SELECT submission_id, grader_id, grade, comments, graded_at FROM grades WHERE submission_id = ?`
	grade, err := scanGrade(t.tx.QueryRowContext(ctx, query, t.sub.ID))
	if errors.Is(err, apperrors.ErrGradeNotFound) {
		return nil, nil
	}
	return grade, err
}

func (t *submissionTx) AutograderResult(ctx context.Context) (*model.AutograderResult, error) {
	query := `SELECT ` + resultColumns + ` FROM autograder_results WHERE submission_id = ? FOR UPDATE`
	res, err := scanResult(t.tx.QueryRowContext(ctx, query, t.sub.ID))
	if errors.Is(err, apperrors.ErrAutogradeResultNotFound) {
		return nil, nil
	}
	return res, err
}

func (t *submissionTx) SetStatus(ctx context.Context, status model.SubmissionStatus) error {
	now := time.Now().UTC()
	query := `UPDATE submissions SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := t.tx.ExecContext(ctx, query, status, now, t.sub.ID); err != nil {
		return err
	}
	t.sub.Status = status
	t.sub.UpdatedAt = now
	return nil
}

func (t *submissionTx) UpsertGrade(ctx context.Context, grade *model.Grade) error {
	query := `INSERT INTO grades (submission_id, grader_id, grade, comments, graded_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE grader_id = VALUES(grader_id), grade = VALUES(grade),
				comments = VALUES(comments), graded_at = VALUES(graded_at)`
	_, err := t.tx.ExecContext(ctx, query, t.sub.ID, grade.GraderID, grade.Grade, grade.Comments, grade.GradedAt)
	return err
}

func (t *submissionTx) DeleteGrade(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM grades WHERE submission_id = ?`, t.sub.ID)
	return err
}

func (t *submissionTx) DeleteAutograderResult(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM autograder_results WHERE submission_id = ?`, t.sub.ID)
	return err
}

func (t *submissionTx) CompleteAutograderResult(ctx context.Context, res *model.AutograderResult) error {
	query := `UPDATE autograder_results SET score = ?, success = ?, result_dir = ?, completed_at = ?
			  WHERE id = ? AND submission_id = ?`
	_, err := t.tx.ExecContext(ctx, query, res.Score, res.Success, res.ResultDir, res.CompletedAt, res.ID, t.sub.ID)
	return err
}

func isMySQLError(err error, number uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == number
}
