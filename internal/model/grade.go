package model

import "time"

// Grade is a manual grade recorded by an instructor or TA.
type Grade struct {
	SubmissionID int64     `json:"submission_id" db:"submission_id"`
	GraderID     int64     `json:"grader_id" db:"grader_id"`
	Grade        float64   `json:"grade" db:"grade"`
	Comments     string    `json:"comments" db:"comments"`
	GradedAt     time.Time `json:"graded_at" db:"graded_at"`
}
