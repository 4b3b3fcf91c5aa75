package model

import "time"

type SubmissionStatus string

const (
	StatusSubmitted   SubmissionStatus = "SUBMITTED"
	StatusToAutograde SubmissionStatus = "TO_AUTOGRADE"
	StatusAutograded  SubmissionStatus = "AUTOGRADED"
	StatusGraded      SubmissionStatus = "GRADED"
	StatusSuperseded  SubmissionStatus = "SUPERSEDED"
)

func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusToAutograde, StatusAutograded, StatusGraded, StatusSuperseded:
		return true
	}
	return false
}

type Submission struct {
	ID           int64            `json:"id" db:"id"`
	StudentID    int64            `json:"student_id" db:"student_id"`
	AssignmentID int64            `json:"assignment_id" db:"assignment_id"`
	FileKey      string           `json:"file_key" db:"file_key"`
	Status       SubmissionStatus `json:"status" db:"status"`
	SubmittedAt  time.Time        `json:"submitted_at" db:"submitted_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}
