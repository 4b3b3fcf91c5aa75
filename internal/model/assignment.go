package model

import "time"

type AutogradeMode string

const (
	AutogradeModeManual    AutogradeMode = "MANUAL"
	AutogradeModeAutograde AutogradeMode = "AUTOGRADE"
)

// Assignment is owned by the course CRUD layer. Only the fields the
// grading pipeline reads are mapped here.
type Assignment struct {
	ID               int64         `json:"id" db:"id"`
	CourseID         int64         `json:"course_id" db:"course_id"`
	Code             string        `json:"code" db:"code"`
	Title            string        `json:"title" db:"title"`
	MaxGrade         float64       `json:"max_grade" db:"max_grade"`
	AutogradeMode    AutogradeMode `json:"autograde_mode" db:"autograde_mode"`
	GraderArchiveKey *string       `json:"grader_archive_key,omitempty" db:"grader_archive_key"`
	DueDate          time.Time     `json:"due_date" db:"due_date"`
}

func (a *Assignment) Autograded() bool {
	return a.AutogradeMode == AutogradeModeAutograde
}

// GraderArchive returns the configured grader archive key, or "" if unset.
func (a *Assignment) GraderArchive() string {
	if a.GraderArchiveKey == nil {
		return ""
	}
	return *a.GraderArchiveKey
}
