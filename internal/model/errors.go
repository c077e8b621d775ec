package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared by the session components.
var (
	ErrSessionLocked       = errors.New("session is no longer accepting changes")
	ErrNotInProgress       = errors.New("session is not in progress")
	ErrAlreadySubmitted    = errors.New("assessment already submitted")
	ErrQuestionIndex       = errors.New("question index out of range")
	ErrInvalidAnswer       = errors.New("answer value does not match question type")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
	ErrSessionDisposed     = errors.New("session disposed")
)

// LoadError is fatal to a session: no partial session is created. Callers
// offer a manual retry.
type LoadError struct {
	AssessmentID ID
	SubmittedAt  time.Time
	Err          error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load assessment %s: %v", e.AssessmentID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SaveError is a failed autosave. It never blocks the session.
type SaveError struct {
	Sequence uint64
	Attempt  int
	Err      error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save progress (seq %d, attempt %d): %v", e.Sequence, e.Attempt, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// SubmitError is a failed submission. The session is back in progress and
// the submission can be retried.
type SubmitError struct {
	Trigger SubmitTrigger
	Attempt int
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit (%s, attempt %d): %v", e.Trigger, e.Attempt, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// ValidationWarning asks for confirmation before a manual submit with
// unanswered questions. It is informational and overridable.
type ValidationWarning struct {
	Unanswered []int
}

func (w *ValidationWarning) Error() string {
	return fmt.Sprintf("%d question(s) unanswered", len(w.Unanswered))
}

// FileConstraintError rejects an upload before it reaches session state.
type FileConstraintError struct {
	QuestionIndex int
	FileName      string
	Allowed       []string
	MaxBytes      int64
	Err           error
}

func (e *FileConstraintError) Error() string {
	if errors.Is(e.Err, ErrFileTooLarge) {
		return fmt.Sprintf("%s: %v (max %d bytes)", e.FileName, e.Err, e.MaxBytes)
	}
	return fmt.Sprintf("%s: %v (allowed: %s)", e.FileName, e.Err, strings.Join(e.Allowed, ", "))
}

func (e *FileConstraintError) Unwrap() error { return e.Err }
