package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/state"
)

var errNotConfirmed = errors.New("backend did not confirm the submission")

// Submitter posts the final answers.
type Submitter interface {
	Submit(ctx context.Context, assessmentID model.ID, payload *model.SubmitPayload) (*model.SubmitResult, error)
}

// Flusher performs a last save before submission.
type Flusher interface {
	Flush(ctx context.Context) error
}

// SubmitConfig holds submission timings.
type SubmitConfig struct {
	FlushTimeout   time.Duration
	RequestTimeout time.Duration

	// Timeout-triggered submissions that fail are retried with exponential
	// backoff: RetryBaseDelay, doubling, capped at RetryMaxDelay.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// SubmissionService moves the session from in_progress to submitted exactly
// once.
type SubmissionService struct {
	store   *state.Store
	backend Submitter
	flusher Flusher
	cfg     SubmitConfig
	log     zerolog.Logger

	onSubmitted func(*model.SubmitResult, model.SubmitTrigger)
	onFailed    func(*model.SubmitError)

	mu             sync.Mutex
	attempts       int
	timeoutRetries int
	timeoutPending bool
	retry          *time.Timer
	stopped        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSubmissionService creates a new SubmissionService. flusher may be nil.
func NewSubmissionService(store *state.Store, backend Submitter, flusher Flusher, cfg SubmitConfig, log zerolog.Logger) *SubmissionService {
	ctx, cancel := context.WithCancel(context.Background())
	return &SubmissionService{
		store:       store,
		backend:     backend,
		flusher:     flusher,
		cfg:         cfg,
		log:         log.With().Str("component", "submission_service").Logger(),
		onSubmitted: func(*model.SubmitResult, model.SubmitTrigger) {},
		onFailed:    func(*model.SubmitError) {},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnSubmitted registers the success callback.
func (s *SubmissionService) OnSubmitted(fn func(*model.SubmitResult, model.SubmitTrigger)) *SubmissionService {
	s.onSubmitted = fn
	return s
}

// OnFailed registers the failure callback.
func (s *SubmissionService) OnFailed(fn func(*model.SubmitError)) *SubmissionService {
	s.onFailed = fn
	return s
}

// Submit submits the session.
//
// It is a no-op returning ErrNotInProgress unless the session is in
// progress. A manual submission with unanswered questions and no
// confirmation returns a *ValidationWarning without changing state.
// Timeout submissions skip the confirmation and are retried with backoff
// when they fail.
func (s *SubmissionService) Submit(ctx context.Context, trigger model.SubmitTrigger, confirmed bool) (*model.SubmitResult, error) {
	switch s.store.Completion() {
	case model.CompletionInProgress:
	case model.CompletionSubmitting:
		if trigger == model.TriggerTimeout {
			// Deliver the timeout if the running submission fails.
			s.mu.Lock()
			s.timeoutPending = true
			s.mu.Unlock()
		}
		return nil, fmt.Errorf("%w: submission already running", model.ErrNotInProgress)
	default:
		return nil, model.ErrNotInProgress
	}

	if trigger == model.TriggerManual && !confirmed {
		if unanswered := s.store.Unanswered(); len(unanswered) > 0 {
			return nil, &model.ValidationWarning{Unanswered: unanswered}
		}
	}

	if err := s.begin(trigger); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	log := s.log.With().Str("trigger", string(trigger)).Int("attempt", attempt).Logger()
	log.Info().Msg("Submitting")

	s.flush(ctx, log)

	result, err := s.post(ctx)
	if err == nil || errors.Is(err, model.ErrAlreadySubmitted) {
		if err != nil {
			log.Warn().Err(err).Msg("Backend reports an earlier submission")
			result = &model.SubmitResult{Submitted: true, Message: err.Error()}
		}
		if err := s.store.MarkSubmitted(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.timeoutPending = false
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
		s.mu.Unlock()

		log.Info().Msg("Submitted")
		s.onSubmitted(result, trigger)
		return result, nil
	}

	s.store.RevertSubmit()
	subErr := &model.SubmitError{Trigger: trigger, Attempt: attempt, Err: err}
	log.Error().Err(err).Msg("Submit failed")
	s.onFailed(subErr)

	s.mu.Lock()
	retry := trigger == model.TriggerTimeout || s.timeoutPending
	s.timeoutPending = false
	s.mu.Unlock()
	if retry {
		s.scheduleRetry()
	}
	return nil, subErr
}

// begin moves the store to submitting. A timeout that loses the race to
// another submission is delivered if that submission fails.
func (s *SubmissionService) begin(trigger model.SubmitTrigger) error {
	err := s.store.BeginSubmit()
	if err != nil && trigger == model.TriggerTimeout {
		s.mu.Lock()
		s.timeoutPending = true
		s.mu.Unlock()
	}
	return err
}

func (s *SubmissionService) flush(ctx context.Context, log zerolog.Logger) {
	if s.flusher == nil {
		return
	}
	flushCtx := ctx
	if s.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, s.cfg.FlushTimeout)
		defer cancel()
	}
	if err := s.flusher.Flush(flushCtx); err != nil {
		log.Warn().Err(err).Msg("Final save failed, submitting anyway")
	}
}

func (s *SubmissionService) post(ctx context.Context) (*model.SubmitResult, error) {
	reqCtx := ctx
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	result, err := s.backend.Submit(reqCtx, s.store.AssessmentID(), s.store.SubmitPayload())
	if err != nil {
		return nil, err
	}
	if result == nil || !result.Submitted {
		return nil, errNotConfirmed
	}
	return result, nil
}

// RetryDelay returns the backoff before timeout retry n (1-based).
func (c SubmitConfig) RetryDelay(n int) time.Duration {
	d := c.RetryBaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if c.RetryMaxDelay > 0 && d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	if c.RetryMaxDelay > 0 && d > c.RetryMaxDelay {
		return c.RetryMaxDelay
	}
	return d
}

func (s *SubmissionService) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.retry != nil {
		return
	}
	if s.timeoutRetries >= s.cfg.RetryAttempts {
		s.log.Error().Int("retries", s.timeoutRetries).Msg("Giving up on timeout submission")
		return
	}
	s.timeoutRetries++
	n := s.timeoutRetries
	delay := s.cfg.RetryDelay(n)

	s.log.Warn().Int("retry", n).Dur("delay", delay).Msg("Scheduling timeout submission retry")
	s.retry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retry = nil
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()

		s.Submit(s.ctx, model.TriggerTimeout, true)
	})
}

// Stop cancels a scheduled retry and waits for a running one. Safe to call
// more than once.
func (s *SubmissionService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}
