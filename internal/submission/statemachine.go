package submission

import (
	"athena-grader/internal/model"
	apperrors "athena-grader/pkg/errors"
)

// InitialStatus is the status of a freshly uploaded submission.
func InitialStatus(assignment *model.Assignment) model.SubmissionStatus {
	if assignment.Autograded() {
		return model.StatusToAutograde
	}
	return model.StatusSubmitted
}

// StatusAfterGradeRemoved falls back to what the autograder last left behind.
func StatusAfterGradeRemoved(result *model.AutograderResult) model.SubmissionStatus {
	switch {
	case result.Completed():
		return model.StatusAutograded
	case result != nil:
		return model.StatusToAutograde
	default:
		return model.StatusSubmitted
	}
}

// StatusAfterReset is the status once the autograder result is cleared. A
// manual grade still takes precedence.
func StatusAfterReset(current model.SubmissionStatus, autograded bool) model.SubmissionStatus {
	switch {
	case current == model.StatusGraded:
		return model.StatusGraded
	case autograded:
		return model.StatusToAutograde
	default:
		return model.StatusSubmitted
	}
}

// StatusAfterDispatchRefused undoes TO_AUTOGRADE when no job could be queued.
func StatusAfterDispatchRefused(current model.SubmissionStatus) model.SubmissionStatus {
	if current == model.StatusToAutograde {
		return model.StatusSubmitted
	}
	return current
}

func checkNotSuperseded(sub *model.Submission) error {
	if sub.Status == model.StatusSuperseded {
		return apperrors.ErrSubmissionSuperseded
	}
	return nil
}

func checkCanRemoveGrade(sub *model.Submission) error {
	if err := checkNotSuperseded(sub); err != nil {
		return err
	}
	if sub.Status != model.StatusGraded {
		return apperrors.TransitionError{SubmissionID: sub.ID, From: string(sub.Status), Action: "remove grade from"}
	}
	return nil
}
