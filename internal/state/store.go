// Package state holds the canonical in-memory state of one assessment
// attempt. Every mutation is serialized by the store's lock; callers never
// see internal slices.
package state

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/stemsi/exstem-session/internal/model"
)

// Store is the session state store.
type Store struct {
	mu sync.RWMutex

	assessmentID model.ID
	questions    []model.Question
	answers      []model.Answer
	flagged      map[int]struct{}
	current      int

	timeRemaining int
	saveStatus    model.SaveStatus
	networkStatus model.NetworkStatus
	completion    model.CompletionStatus

	revision uint64
}

// New initializes one empty, type-correct answer per question. questions is
// the display order; nil means the assessment's own order.
func New(a *model.Assessment, questions []model.Question) *Store {
	if questions == nil {
		questions = a.Questions
	}
	qs := append([]model.Question(nil), questions...)

	answers := make([]model.Answer, len(qs))
	for i, q := range qs {
		answers[i] = model.EmptyAnswer(q.Kind)
	}

	return &Store{
		assessmentID:  a.ID,
		questions:     qs,
		answers:       answers,
		flagged:       make(map[int]struct{}),
		saveStatus:    model.SaveStatusSaved,
		networkStatus: model.NetworkStatusOnline,
		completion:    model.CompletionInProgress,
	}
}

// AssessmentID returns the assessment this state belongs to.
func (s *Store) AssessmentID() model.ID { return s.assessmentID }

// Len returns the number of questions.
func (s *Store) Len() int { return len(s.questions) }

// Question returns the question at a display index.
func (s *Store) Question(index int) (model.Question, error) {
	if index < 0 || index >= len(s.questions) {
		return model.Question{}, fmt.Errorf("%w: %d", model.ErrQuestionIndex, index)
	}
	return s.questions[index], nil
}

// Questions returns the questions in display order.
func (s *Store) Questions() []model.Question {
	return append([]model.Question(nil), s.questions...)
}

// UpdateAnswer normalizes raw into the answer type of the question at index
// and stores it. Accepted raw values: mcq int, *int or nil; essay string;
// file model.FileMeta, *model.FileMeta or nil.
func (s *Store) UpdateAnswer(index int, raw any) (model.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completion != model.CompletionInProgress {
		return nil, model.ErrSessionLocked
	}
	if index < 0 || index >= len(s.questions) {
		return nil, fmt.Errorf("%w: %d", model.ErrQuestionIndex, index)
	}

	answer, err := normalize(index, s.questions[index], raw)
	if err != nil {
		return nil, err
	}

	s.answers[index] = answer
	s.revision++
	return model.CloneAnswer(answer), nil
}

func normalize(index int, q model.Question, raw any) (model.Answer, error) {
	switch k := q.Kind.(type) {
	case model.MCQ:
		var selected *int
		switch v := raw.(type) {
		case nil:
		case int:
			selected = &v
		case *int:
			if v != nil {
				c := *v
				selected = &c
			}
		default:
			return nil, fmt.Errorf("%w: mcq expects an option index, got %T", model.ErrInvalidAnswer, raw)
		}
		if selected == nil {
			return model.MCQAnswer{}, nil
		}
		if *selected < 0 || *selected >= len(k.Options) {
			return nil, fmt.Errorf("%w: option %d of %d", model.ErrInvalidAnswer, *selected, len(k.Options))
		}
		return model.MCQAnswer{
			SelectedOptionIndex: selected,
			SelectedOptionID:    k.Options[*selected].ID,
			IsAnswered:          true,
		}, nil

	case model.Essay:
		var content string
		switch v := raw.(type) {
		case nil:
		case string:
			content = v
		default:
			return nil, fmt.Errorf("%w: essay expects markup, got %T", model.ErrInvalidAnswer, raw)
		}
		return model.EssayAnswer{Content: content, IsAnswered: PlainText(content) != ""}, nil

	case model.FileUpload:
		var meta *model.FileMeta
		switch v := raw.(type) {
		case nil:
		case model.FileMeta:
			meta = &v
		case *model.FileMeta:
			if v != nil {
				c := *v
				meta = &c
			}
		default:
			return nil, fmt.Errorf("%w: file expects file metadata, got %T", model.ErrInvalidAnswer, raw)
		}
		if meta == nil {
			return model.FileAnswer{}, nil
		}
		if err := CheckFile(index, k, *meta); err != nil {
			return nil, err
		}
		return model.FileAnswer{File: meta, IsAnswered: true}, nil

	default:
		panic(fmt.Sprintf("state: unknown question kind %T", q.Kind))
	}
}

// ToggleFlag adds or removes index from the flagged set and reports whether
// it is flagged afterwards.
func (s *Store) ToggleFlag(index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completion != model.CompletionInProgress {
		return false, model.ErrSessionLocked
	}
	if index < 0 || index >= len(s.questions) {
		return false, fmt.Errorf("%w: %d", model.ErrQuestionIndex, index)
	}

	s.revision++
	if _, ok := s.flagged[index]; ok {
		delete(s.flagged, index)
		return false, nil
	}
	s.flagged[index] = struct{}{}
	return true, nil
}

// Progress returns the answered percentage, rounded.
func (s *Store) Progress() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.answers) == 0 {
		return 0
	}
	answered := 0
	for _, a := range s.answers {
		if a.Answered() {
			answered++
		}
	}
	return int(math.Round(100 * float64(answered) / float64(len(s.answers))))
}

// Unanswered returns the indices of unanswered questions in order.
func (s *Store) Unanswered() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int
	for i, a := range s.answers {
		if !a.Answered() {
			out = append(out, i)
		}
	}
	return out
}

// UnansweredCount returns len(Unanswered()).
func (s *Store) UnansweredCount() int {
	return len(s.Unanswered())
}

// Navigate moves the cursor.
func (s *Store) Navigate(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.questions) {
		return fmt.Errorf("%w: %d", model.ErrQuestionIndex, index)
	}
	s.current = index
	return nil
}

// Next moves the cursor forward, stopping at the last question.
func (s *Store) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < len(s.questions)-1 {
		s.current++
	}
	return s.current
}

// Prev moves the cursor back, stopping at the first question.
func (s *Store) Prev() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current > 0 {
		s.current--
	}
	return s.current
}

// Current returns the cursor.
func (s *Store) Current() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// QuestionStatus returns the sidebar marker: flagged wins over answered,
// answered over current.
func (s *Store) QuestionStatus(index int) (model.QuestionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= len(s.questions) {
		return "", fmt.Errorf("%w: %d", model.ErrQuestionIndex, index)
	}
	if _, ok := s.flagged[index]; ok {
		return model.QuestionStatusFlagged, nil
	}
	if s.answers[index].Answered() {
		return model.QuestionStatusAnswered, nil
	}
	if index == s.current {
		return model.QuestionStatusCurrent, nil
	}
	return model.QuestionStatusUnanswered, nil
}

// WordCount returns the word count of an essay answer and its limit (0 means
// no limit).
func (s *Store) WordCount(index int) (count, limit int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= len(s.questions) {
		return 0, 0, fmt.Errorf("%w: %d", model.ErrQuestionIndex, index)
	}
	essay, ok := s.questions[index].Kind.(model.Essay)
	if !ok {
		return 0, 0, fmt.Errorf("%w: question %d is not an essay", model.ErrInvalidAnswer, index)
	}
	return WordCount(s.answers[index].(model.EssayAnswer).Content), essay.WordLimit, nil
}

// Restore applies previously persisted progress. Answers are matched by
// question ID when present, otherwise by index, and re-normalized. Entries
// that no longer fit are returned as dropped indices.
func (s *Store) Restore(p *model.Progress) (restored int, dropped []int) {
	if p == nil {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completion != model.CompletionInProgress {
		return 0, nil
	}

	byID := make(map[model.ID]int, len(s.questions))
	for i, q := range s.questions {
		byID[q.ID] = i
	}

	for _, k := range p.Answers.Indices() {
		w := p.Answers[k]
		target := k
		if w.QuestionID != "" {
			idx, ok := byID[w.QuestionID]
			if !ok {
				dropped = append(dropped, k)
				continue
			}
			target = idx
		}
		if target < 0 || target >= len(s.questions) {
			dropped = append(dropped, k)
			continue
		}

		q := s.questions[target]
		if w.Type != "" && w.Type != q.Type() {
			dropped = append(dropped, k)
			continue
		}
		answer, err := normalize(target, q, rawFromWire(q, w))
		if err != nil {
			dropped = append(dropped, k)
			continue
		}
		s.answers[target] = answer
		restored++
	}

	for _, f := range p.FlaggedQuestions {
		if f >= 0 && f < len(s.questions) {
			s.flagged[f] = struct{}{}
		}
	}
	s.revision++
	return restored, dropped
}

func rawFromWire(q model.Question, w model.WireAnswer) any {
	switch k := q.Kind.(type) {
	case model.MCQ:
		if w.SelectedOptionID != "" {
			for i, o := range k.Options {
				if o.ID == w.SelectedOptionID {
					return i
				}
			}
		}
		return w.SelectedOptionIndex
	case model.Essay:
		return w.Content
	case model.FileUpload:
		return w.File
	default:
		return nil
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	answers := make([]model.Answer, len(s.answers))
	for i, a := range s.answers {
		answers[i] = model.CloneAnswer(a)
	}
	return model.SessionState{
		AssessmentID:         s.assessmentID,
		Answers:              answers,
		Flagged:              s.flaggedLocked(),
		CurrentIndex:         s.current,
		TimeRemainingSeconds: s.timeRemaining,
		SaveStatus:           s.saveStatus,
		NetworkStatus:        s.networkStatus,
		CompletionStatus:     s.completion,
	}
}

// ProgressPayload builds the full snapshot sent to the progress endpoint.
func (s *Store) ProgressPayload(seq uint64, at time.Time) *model.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &model.Progress{
		Answers:          s.answersLocked(),
		FlaggedQuestions: s.flaggedLocked(),
		Timestamp:        model.NewTimestamp(at),
		Sequence:         seq,
	}
}

// SubmitPayload builds the body of the submit endpoint.
func (s *Store) SubmitPayload() *model.SubmitPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &model.SubmitPayload{
		Answers:          s.answersLocked(),
		FlaggedQuestions: s.flaggedLocked(),
	}
}

func (s *Store) answersLocked() model.AnswerSet {
	set := make(model.AnswerSet, len(s.answers))
	for i, a := range s.answers {
		set[i] = model.EncodeAnswer(s.questions[i], model.CloneAnswer(a))
	}
	return set
}

func (s *Store) flaggedLocked() []int {
	out := make([]int, 0, len(s.flagged))
	for i := range s.flagged {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Revision increments on every answer or flag change.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// SetTimeRemaining records the countdown value, clamped at zero.
func (s *Store) SetTimeRemaining(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	s.mu.Lock()
	s.timeRemaining = seconds
	s.mu.Unlock()
}

// TimeRemaining returns the last recorded countdown value.
func (s *Store) TimeRemaining() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeRemaining
}

// SetSaveStatus records the autosave status and reports whether it changed.
func (s *Store) SetSaveStatus(status model.SaveStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveStatus == status {
		return false
	}
	s.saveStatus = status
	return true
}

// SaveStatus returns the autosave status.
func (s *Store) SaveStatus() model.SaveStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveStatus
}

// SetNetworkStatus records connectivity and reports whether it changed.
func (s *Store) SetNetworkStatus(status model.NetworkStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.networkStatus == status {
		return false
	}
	s.networkStatus = status
	return true
}

// Completion returns the submission state.
func (s *Store) Completion() model.CompletionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completion
}

// BeginSubmit moves in_progress to submitting. Only one caller wins.
func (s *Store) BeginSubmit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completion != model.CompletionInProgress {
		return fmt.Errorf("%w: %s", model.ErrNotInProgress, s.completion)
	}
	s.completion = model.CompletionSubmitting
	return nil
}

// RevertSubmit moves submitting back to in_progress after a failed submit.
func (s *Store) RevertSubmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completion == model.CompletionSubmitting {
		s.completion = model.CompletionInProgress
	}
}

// MarkSubmitted moves submitting to the terminal submitted state.
func (s *Store) MarkSubmitted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completion != model.CompletionSubmitting {
		return fmt.Errorf("%w: %s", model.ErrNotInProgress, s.completion)
	}
	s.completion = model.CompletionSubmitted
	return nil
}
