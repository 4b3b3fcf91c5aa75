package model

import "time"

// AutograderResult is created pending when a job is dispatched and
// completed by the ingestor. Visible is only changed by release control.
type AutograderResult struct {
	ID           int64      `json:"id" db:"id"`
	SubmissionID int64      `json:"submission_id" db:"submission_id"`
	ResultDir    string     `json:"result_dir" db:"result_dir"`
	Score        float64    `json:"score" db:"score"`
	Success      bool       `json:"success" db:"success"`
	Visible      bool       `json:"visible" db:"visible"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

func (r *AutograderResult) Completed() bool {
	return r != nil && r.CompletedAt != nil
}

// ResultArtifact is the machine-readable file written by a grading script.
// Only Score is required; per-test detail is kept for reports.
type ResultArtifact struct {
	Score  *float64         `json:"score"`
	Output string           `json:"output,omitempty"`
	Tests  []ResultTestCase `json:"tests,omitempty"`
}

type ResultTestCase struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
	Status   string  `json:"status,omitempty"`
	Output   string  `json:"output,omitempty"`
}
