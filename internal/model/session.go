package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// SaveStatus reflects the autosave pipeline.
type SaveStatus string

const (
	SaveStatusSaved  SaveStatus = "saved"
	SaveStatusSaving SaveStatus = "saving"
	SaveStatusError  SaveStatus = "error"
)

// NetworkStatus reflects the connectivity monitor.
type NetworkStatus string

const (
	NetworkStatusOnline  NetworkStatus = "online"
	NetworkStatusOffline NetworkStatus = "offline"
)

// CompletionStatus is the one-way submission state.
type CompletionStatus string

const (
	CompletionInProgress CompletionStatus = "in_progress"
	CompletionSubmitting CompletionStatus = "submitting"
	CompletionSubmitted  CompletionStatus = "submitted"
)

// QuestionStatus is the sidebar marker for a question.
type QuestionStatus string

const (
	QuestionStatusFlagged    QuestionStatus = "flagged"
	QuestionStatusAnswered   QuestionStatus = "answered"
	QuestionStatusCurrent    QuestionStatus = "current"
	QuestionStatusUnanswered QuestionStatus = "unanswered"
)

// SessionState is a point-in-time copy of the session. Mutating it has no
// effect on the session.
type SessionState struct {
	AssessmentID         ID
	Answers              []Answer
	Flagged              []int
	CurrentIndex         int
	TimeRemainingSeconds int
	SaveStatus           SaveStatus
	NetworkStatus        NetworkStatus
	CompletionStatus     CompletionStatus
}

// Progress is the full snapshot POSTed to the attempt endpoint. It is also
// what the backend hands back as studentProgress on resume.
type Progress struct {
	Answers          AnswerSet `json:"answers"`
	FlaggedQuestions []int     `json:"flaggedQuestions" binding:"dive,gte=0"`
	Timestamp        Timestamp `json:"timestamp"`
	Sequence         uint64    `json:"sequence,omitempty"`
}

// SubmitPayload is the body of the submit endpoint.
type SubmitPayload struct {
	Answers          AnswerSet `json:"answers"`
	FlaggedQuestions []int     `json:"flaggedQuestions" binding:"dive,gte=0"`
}

// SaveAck acknowledges a progress save.
type SaveAck struct {
	Saved    bool      `json:"saved"`
	Sequence uint64    `json:"sequence,omitempty"`
	SavedAt  Timestamp `json:"savedAt"`
}

// SubmitResult acknowledges a submission.
type SubmitResult struct {
	Submitted   bool      `json:"submitted"`
	SubmittedAt Timestamp `json:"submittedAt"`
	Message     string    `json:"message,omitempty"`
}

// FetchResult is the decoded fetch-assessment response.
type FetchResult struct {
	IsSubmitted     bool        `json:"isSubmitted"`
	SubmittedAt     Timestamp   `json:"submittedAt"`
	Message         string      `json:"message,omitempty"`
	Assessment      *Assessment `json:"assessment,omitempty"`
	StudentProgress *Progress   `json:"studentProgress,omitempty"`
}

// UnmarshalJSON accepts the wrapped form and a bare assessment document.
func (r *FetchResult) UnmarshalJSON(b []byte) error {
	type wrapped FetchResult
	var w wrapped
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Assessment == nil && !w.IsSubmitted {
		var probe struct {
			Questions json.RawMessage `json:"questions"`
		}
		if err := json.Unmarshal(b, &probe); err == nil && len(bytes.TrimSpace(probe.Questions)) > 0 {
			var a Assessment
			if err := json.Unmarshal(b, &a); err != nil {
				return err
			}
			w.Assessment = &a
		}
	}
	*r = FetchResult(w)
	return nil
}

// SubmitTrigger records what initiated a submission.
type SubmitTrigger string

const (
	TriggerManual  SubmitTrigger = "manual"
	TriggerTimeout SubmitTrigger = "timeout"
)

// EventKind enumerates session notifications.
type EventKind string

const (
	EventFiveMinuteWarning EventKind = "five_minute_warning"
	EventOneMinuteWarning  EventKind = "one_minute_warning"
	EventTimeExpired       EventKind = "time_expired"
	EventSaveStatus        EventKind = "save_status"
	EventNetworkStatus     EventKind = "network_status"
	EventSubmitted         EventKind = "submitted"
	EventSubmitFailed      EventKind = "submit_failed"
)

// Event is delivered to the session's event handler.
type Event struct {
	Kind       EventKind
	At         time.Time
	Remaining  int
	SaveStatus SaveStatus
	Network    NetworkStatus
	Trigger    SubmitTrigger
	Err        error
}

// EventHandler receives session events. It is never called with a lock
// held, so it may call back into the session.
type EventHandler func(Event)
