package submission

import "athena-grader/internal/model"

const (
	LabelSubmitted          = "Submitted"
	LabelGraded             = "Graded"
	LabelPrevious           = "Previous submission"
	LabelPending            = "Pending"
	LabelAutogradedReleased = "Autograded (released)"
	LabelAutogradedHidden   = "Autograded (hidden)"
)

// Role is who is looking at a submission.
type Role string

const (
	RoleStudent    Role = "student"
	RoleTA         Role = "ta"
	RoleInstructor Role = "instructor"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTA, RoleInstructor:
		return true
	}
	return false
}

// Staff roles see the fine-grained vocabulary and every result.
func (r Role) Staff() bool {
	return r == RoleTA || r == RoleInstructor
}

// Label projects the stored state into the vocabulary shown to the viewer.
// hasResult means a completed autograder result exists.
func Label(status model.SubmissionStatus, hasGrade, hasResult, resultVisible, staff bool) string {
	if status == model.StatusSuperseded {
		return LabelPrevious
	}
	if status == model.StatusGraded || hasGrade {
		return LabelGraded
	}

	if !staff {
		if status == model.StatusAutograded && hasResult && resultVisible {
			return LabelGraded
		}
		return LabelSubmitted
	}

	switch status {
	case model.StatusAutograded:
		if hasResult && resultVisible {
			return LabelAutogradedReleased
		}
		return LabelAutogradedHidden
	case model.StatusToAutograde:
		return LabelPending
	default:
		return LabelSubmitted
	}
}

// Released reports whether the autograder score is the grade a student sees.
// A manual grade always takes precedence.
func Released(hasGrade, hasResult, resultVisible bool) bool {
	return resultVisible && hasResult && !hasGrade
}
