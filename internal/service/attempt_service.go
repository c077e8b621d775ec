package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/state"
)

var (
	// ErrIndexOutOfRange rejects progress that names a question the
	// assessment does not have.
	ErrIndexOutOfRange = errors.New("question index out of range")
	// ErrQuestionMismatch rejects an answer whose question ID is unknown or
	// whose type differs from the question it names.
	ErrQuestionMismatch = errors.New("answer does not match a question")
)

// AttemptService is the development server's side of the attempt
// contract: it serves assessments, stores progress and accepts one
// submission per student.
type AttemptService struct {
	store    *repository.AttemptStore
	duration time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu        sync.Mutex
	deadlines map[string]time.Time
}

// NewAttemptService creates a new AttemptService. Assessments without an
// end date get one duration after the student's first fetch.
func NewAttemptService(store *repository.AttemptStore, duration time.Duration, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		store:     store,
		duration:  duration,
		now:       time.Now,
		log:       log.With().Str("component", "attempt_service").Logger(),
		deadlines: make(map[string]time.Time),
	}
}

// Fetch returns the assessment with the student's saved progress, or the
// submitted marker when the student has already submitted.
func (s *AttemptService) Fetch(studentID string, id model.ID) (*model.FetchResult, error) {
	a, err := s.store.GetAssessment(id)
	if err != nil {
		return nil, err
	}

	att := s.store.GetAttempt(studentID, id)
	if att.Submitted() {
		return &model.FetchResult{
			IsSubmitted: true,
			SubmittedAt: model.NewTimestamp(att.SubmittedAt),
			Message:     "Assessment already submitted",
		}, nil
	}

	out := *a
	if out.EndDate.IsZero() {
		out.EndDate = model.NewTimestamp(s.deadline(studentID, id))
		if out.StartDate.IsZero() {
			out.StartDate = model.NewTimestamp(out.EndDate.Add(-s.duration))
		}
	}

	return &model.FetchResult{Assessment: &out, StudentProgress: att.Progress}, nil
}

// Exists reports whether the assessment is served.
func (s *AttemptService) Exists(id model.ID) bool {
	_, err := s.store.GetAssessment(id)
	return err == nil
}

func (s *AttemptService) deadline(studentID string, id model.ID) time.Time {
	key := studentID + "/" + id.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deadlines[key]
	if !ok {
		d = s.now().Add(s.duration)
		s.deadlines[key] = d
		s.log.Info().
			Str("student_id", studentID).
			Str("assessment_id", id.String()).
			Time("end_date", d).
			Msg("Attempt window opened")
	}
	return d
}

// SaveProgress stores a progress snapshot.
func (s *AttemptService) SaveProgress(studentID string, id model.ID, p *model.Progress) (*model.SaveAck, error) {
	if err := s.checkAnswers(id, p.Answers, p.FlaggedQuestions); err != nil {
		return nil, err
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = model.NewTimestamp(s.now())
	}
	return s.store.SaveProgress(studentID, id, p)
}

// checkAnswers rejects indices the assessment does not have and uploads
// that break their question's file constraints.
func (s *AttemptService) checkAnswers(id model.ID, answers model.AnswerSet, flagged []int) error {
	a, err := s.store.GetAssessment(id)
	if err != nil {
		return err
	}
	n := a.QuestionCount()
	for _, i := range answers.Indices() {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: answer %d", ErrIndexOutOfRange, i)
		}
		q, err := answeredQuestion(a, i, answers[i])
		if err != nil {
			return err
		}
		kind, ok := q.Kind.(model.FileUpload)
		if file := answers[i].File; ok && file != nil {
			if err := state.CheckFile(i, kind, *file); err != nil {
				return err
			}
		}
	}
	for _, i := range flagged {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: flag %d", ErrIndexOutOfRange, i)
		}
	}
	return nil
}

// answeredQuestion resolves the question an answer belongs to. Indices are
// in the student's display order, so the question ID wins; the index is
// only used for answers that carry no ID.
func answeredQuestion(a *model.Assessment, i int, w model.WireAnswer) (model.Question, error) {
	q := a.Questions[i]
	if w.QuestionID != "" {
		found, ok := a.Question(w.QuestionID)
		if !ok {
			return model.Question{}, fmt.Errorf("%w: answer %d names %q", ErrQuestionMismatch, i, w.QuestionID)
		}
		q = found
	}
	if w.Type != "" && w.Type != q.Type() {
		return model.Question{}, fmt.Errorf("%w: answer %d is %s, question %s is %s", ErrQuestionMismatch, i, w.Type, q.ID, q.Type())
	}
	return q, nil
}

// Submit records the final answers.
func (s *AttemptService) Submit(studentID string, id model.ID, payload *model.SubmitPayload) (*model.SubmitResult, error) {
	if err := s.checkAnswers(id, payload.Answers, payload.FlaggedQuestions); err != nil {
		return nil, err
	}
	res, err := s.store.Submit(studentID, id, payload, s.now())
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("student_id", studentID).
		Str("assessment_id", id.String()).
		Int("answers", len(payload.Answers)).
		Ints("flagged", payload.FlaggedQuestions).
		Msg("Assessment submitted")
	return res, nil
}
