package errors

import (
	"errors"
	"fmt"
)

var (
	ErrSubmissionNotFound       = errors.New("submission not found")
	ErrAssignmentNotFound       = errors.New("assignment not found")
	ErrGradeNotFound            = errors.New("grade not found")
	ErrAutogradeResultNotFound  = errors.New("autograder result not found")
	ErrAutogradeDisabled        = errors.New("assignment is not autograded")
	ErrGraderArchiveMissing     = errors.New("grader archive is not configured or missing")
	ErrSubmissionArchiveMissing = errors.New("submission archive is missing")
	ErrAutogradeResultExists    = errors.New("autograder result already exists for submission")
	ErrSubmissionSuperseded     = errors.New("submission has been superseded")
	ErrInvalidTransition        = errors.New("invalid submission status transition")
	ErrInvalidResultFile        = errors.New("invalid autograder result file")
	ErrReportsNotReleased       = errors.New("autograder reports are not released")
	ErrInvalidFileFormat        = errors.New("invalid file format")
)

type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s' with value '%v': %s",
		e.Field, e.Value, e.Message)
}

type RetryableError struct {
	Err     error
	Message string
}

func (e RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %s - %s", e.Message, e.Err.Error())
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

func NewRetryableError(err error, message string) error {
	return RetryableError{
		Err:     err,
		Message: message,
	}
}

// IsRetryable reports whether err or anything it wraps is a RetryableError.
func IsRetryable(err error) bool {
	var re RetryableError
	return errors.As(err, &re)
}

// TransitionError records a refused status change.
type TransitionError struct {
	SubmissionID int64
	From         string
	Action       string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("cannot %s submission %d in status %s", e.Action, e.SubmissionID, e.From)
}

func (e TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
