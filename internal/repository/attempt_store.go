package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/validator"
)

// Errors returned by AttemptStore.
var (
	ErrAssessmentNotFound = errors.New("assessment not found")
	ErrStaleProgress      = errors.New("progress sequence is older than the stored one")
)

// Attempt is one student's attempt at one assessment.
type Attempt struct {
	Progress    *model.Progress
	Submission  *model.SubmitPayload
	SubmittedAt time.Time
}

// Submitted reports whether the attempt has been submitted.
func (a Attempt) Submitted() bool { return a.Submission != nil }

type attemptKey struct {
	studentID    string
	assessmentID model.ID
}

// AttemptStore is the in-memory backend state of the development server.
type AttemptStore struct {
	mu          sync.RWMutex
	assessments map[model.ID]*model.Assessment
	attempts    map[attemptKey]*Attempt
}

// NewAttemptStore creates a store serving the given assessments.
func NewAttemptStore(assessments ...*model.Assessment) *AttemptStore {
	s := &AttemptStore{
		assessments: make(map[model.ID]*model.Assessment, len(assessments)),
		attempts:    make(map[attemptKey]*Attempt),
	}
	for _, a := range assessments {
		s.assessments[a.ID] = a
	}
	return s
}

// LoadFixtures reads a JSON array of assessments and validates each one.
func LoadFixtures(path string) ([]*model.Assessment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}

	var list []*model.Assessment
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	for i, a := range list {
		if err := validator.ValidateAssessment(a); err != nil {
			return nil, fmt.Errorf("fixture %d: %w", i, err)
		}
	}
	return list, nil
}

// PutAssessment adds or replaces an assessment.
func (s *AttemptStore) PutAssessment(a *model.Assessment) {
	s.mu.Lock()
	s.assessments[a.ID] = a
	s.mu.Unlock()
}

// GetAssessment returns an assessment by ID.
func (s *AttemptStore) GetAssessment(id model.ID) (*model.Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assessments[id]
	if !ok {
		return nil, ErrAssessmentNotFound
	}
	return a, nil
}

// GetAttempt returns a copy of a student's attempt, or a zero Attempt.
func (s *AttemptStore) GetAttempt(studentID string, id model.ID) Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.attempts[attemptKey{studentID, id}]; ok {
		return *a
	}
	return Attempt{}
}

// SaveProgress stores the snapshot. Snapshots with a sequence at or below
// the stored one are rejected; a zero sequence always wins.
func (s *AttemptStore) SaveProgress(studentID string, id model.ID, p *model.Progress) (*model.SaveAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assessments[id]; !ok {
		return nil, ErrAssessmentNotFound
	}

	key := attemptKey{studentID, id}
	att, ok := s.attempts[key]
	if !ok {
		att = &Attempt{}
		s.attempts[key] = att
	}
	if att.Submitted() {
		return nil, model.ErrAlreadySubmitted
	}
	if att.Progress != nil && p.Sequence != 0 && p.Sequence <= att.Progress.Sequence {
		return nil, ErrStaleProgress
	}

	att.Progress = p
	return &model.SaveAck{Saved: true, Sequence: p.Sequence, SavedAt: model.NewTimestamp(time.Now())}, nil
}

// Submit records the final answers exactly once.
func (s *AttemptStore) Submit(studentID string, id model.ID, payload *model.SubmitPayload, at time.Time) (*model.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assessments[id]; !ok {
		return nil, ErrAssessmentNotFound
	}

	key := attemptKey{studentID, id}
	att, ok := s.attempts[key]
	if !ok {
		att = &Attempt{}
		s.attempts[key] = att
	}
	if att.Submitted() {
		return nil, model.ErrAlreadySubmitted
	}

	att.Submission = payload
	att.SubmittedAt = at
	return &model.SubmitResult{
		Submitted:   true,
		SubmittedAt: model.NewTimestamp(at),
		Message:     "Assessment submitted successfully",
	}, nil
}
