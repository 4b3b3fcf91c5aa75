package model

import "time"

// AutogradeJob is the queue payload for one grading run. SubmissionID and
// ResultID tag the job so completion can find the exact record to update.
type AutogradeJob struct {
	JobID                string    `json:"job_id"`
	SubmissionID         int64     `json:"submission_id"`
	ResultID             int64     `json:"result_id"`
	AssignmentID         int64     `json:"assignment_id"`
	GraderArchiveKey     string    `json:"grader_archive_key"`
	SubmissionArchiveKey string    `json:"submission_archive_key"`
	ReportPrefix         string    `json:"report_prefix"`
	LogKey               string    `json:"log_key"`
	Attempt              int       `json:"attempt"`
	MaxAttempts          int       `json:"max_attempts"`
	TimeoutSeconds       int       `json:"timeout_seconds"`
	EnqueuedAt           time.Time `json:"enqueued_at"`
}

func (j AutogradeJob) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

func (j AutogradeJob) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}

type GradeRequest struct {
	GraderID int64    `json:"grader_id" binding:"required"`
	Grade    *float64 `json:"grade" binding:"required"`
	Comments string   `json:"comments"`
}

type VisibilityRequest struct {
	SubmissionIDs []int64 `json:"submission_ids" binding:"required"`
	Visible       bool    `json:"visible"`
}

type VisibilityResponse struct {
	Updated int64 `json:"updated"`
	Visible bool  `json:"visible"`
}

// SubmissionView is what a viewer is allowed to see about one submission.
type SubmissionView struct {
	ID           int64            `json:"id"`
	StudentID    int64            `json:"student_id"`
	AssignmentID int64            `json:"assignment_id"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	Label        string           `json:"label"`
	Status       SubmissionStatus `json:"status,omitempty"`
	Score        *float64         `json:"score,omitempty"`
	Comments     string           `json:"comments,omitempty"`
	Released     bool             `json:"released"`
	Autograde    *AutogradeView   `json:"autograde,omitempty"`
}

type AutogradeView struct {
	ResultID    int64      `json:"result_id"`
	Score       float64    `json:"score"`
	Success     bool       `json:"success"`
	Visible     bool       `json:"visible"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GradebookRow is one current submission in the gradebook export.
type GradebookRow struct {
	SubmissionID   int64
	StudentID      int64
	SubmittedAt    time.Time
	Status         SubmissionStatus
	ManualGrade    *float64
	AutogradeScore *float64
	AutogradeOK    bool
	Visible        bool
}

// EffectiveScore prefers the manual grade over a completed autograde score.
func (r GradebookRow) EffectiveScore() *float64 {
	if r.ManualGrade != nil {
		return r.ManualGrade
	}
	return r.AutogradeScore
}

// GradeImportRow is one manual grade read back from an uploaded gradebook.
// A nil Comments keeps the comments already on the grade.
type GradeImportRow struct {
	Row          int
	SubmissionID int64
	Grade        float64
	Comments     *string
}

type GradeImportFailure struct {
	Row          int    `json:"row"`
	SubmissionID int64  `json:"submission_id"`
	Error        string `json:"error"`
}

type GradeImportReport struct {
	AssignmentID int64                `json:"assignment_id"`
	Applied      int                  `json:"applied"`
	Failed       []GradeImportFailure `json:"failed"`
}
