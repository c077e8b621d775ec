package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/randomizer"
	"github.com/stemsi/exstem-session/internal/state"
	"github.com/stemsi/exstem-session/internal/worker"
)

// Backend is the assessment backend as seen by a session.
type Backend interface {
	Fetch(ctx context.Context, assessmentID model.ID) (*model.FetchResult, error)
	worker.ProgressSaver
	Submitter
}

// Journal is the local snapshot journal.
type Journal interface {
	worker.SnapshotJournal
	Get(ctx context.Context, assessmentID model.ID) (*model.Progress, error)
	Delete(ctx context.Context, assessmentID model.ID) error
}

// SessionOptions configures every session opened by a SessionService.
type SessionOptions struct {
	StudentID    string
	Autosave     worker.AutosaveConfig
	Submit       SubmitConfig
	TickInterval time.Duration

	// Prober, when set, builds the connectivity probe for an assessment.
	Prober        func(assessmentID model.ID) worker.Prober
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	Journal Journal
	Now     func() time.Time
}

// OptionsFromConfig maps the application configuration onto session
// options. Prober and Journal are left for the caller to wire.
func OptionsFromConfig(cfg *config.Config) SessionOptions {
	return SessionOptions{
		StudentID: cfg.StudentID,
		Autosave: worker.AutosaveConfig{
			Debounce:       cfg.DebounceWindow,
			Heartbeat:      cfg.HeartbeatInterval,
			RetryDelay:     cfg.SaveRetryDelay,
			RequestTimeout: cfg.RequestTimeout,
		},
		Submit: SubmitConfig{
			FlushTimeout:   cfg.FlushTimeout,
			RequestTimeout: cfg.RequestTimeout,
			RetryAttempts:  cfg.SubmitRetryAttempts,
			RetryBaseDelay: cfg.SubmitRetryBaseDelay,
			RetryMaxDelay:  cfg.SubmitRetryMaxDelay,
		},
		TickInterval:  cfg.TickInterval,
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.RequestTimeout,
	}
}

// SessionService opens assessment sessions.
type SessionService struct {
	backend Backend
	opts    SessionOptions
	log     zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(backend Backend, opts SessionOptions, log zerolog.Logger) *SessionService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SessionService{
		backend: backend,
		opts:    opts,
		log:     log.With().Str("component", "session_service").Logger(),
	}
}

// Open fetches the assessment and starts a session for it. Any failure is
// a *model.LoadError and leaves nothing running.
func (svc *SessionService) Open(ctx context.Context, assessmentID model.ID) (*Session, error) {
	log := svc.log.With().Str("assessment_id", assessmentID.String()).Logger()

	res, err := svc.backend.Fetch(ctx, assessmentID)
	if err != nil {
		return nil, &model.LoadError{AssessmentID: assessmentID, Err: err}
	}
	if res.IsSubmitted {
		return nil, &model.LoadError{
			AssessmentID: assessmentID,
			SubmittedAt:  res.SubmittedAt.Time,
			Err:          model.ErrAlreadySubmitted,
		}
	}
	a := res.Assessment
	if a == nil {
		return nil, &model.LoadError{AssessmentID: assessmentID, Err: errors.New("response carries no assessment")}
	}
	if a.EndDate.IsZero() {
		return nil, &model.LoadError{AssessmentID: assessmentID, Err: errors.New("assessment has no end date")}
	}

	seed := randomizer.Seed(svc.opts.StudentID, a.ID)
	store := state.New(a, randomizer.Apply(a, seed))

	resumeSeq := svc.restore(ctx, log, store, a.ID, res.StudentProgress)

	s := &Session{
		store:   store,
		journal: svc.opts.Journal,
		log:     log,
		events:  newEventDispatcher(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var prober worker.Prober
	if svc.opts.Prober != nil {
		prober = svc.opts.Prober(a.ID)
	}
	s.monitor = worker.NewNetworkMonitor(prober, svc.opts.ProbeInterval, svc.opts.ProbeTimeout, log)

	s.autosave = worker.NewAutosaveWorker(store, svc.backend, svc.opts.Autosave, log).
		WithGate(s.monitor.Online).
		OnStatus(s.saveStatusChanged).
		ResumeFrom(resumeSeq)
	if svc.opts.Journal != nil {
		s.autosave.WithJournal(svc.opts.Journal)
	}

	s.submission = NewSubmissionService(store, svc.backend, s.autosave, svc.opts.Submit, log).
		OnSubmitted(s.submitted).
		OnFailed(s.submitFailed)

	remaining := worker.RemainingUntil(a.EndDate.Time, svc.opts.Now())
	s.countdown = worker.NewCountdownWorker(store, remaining, svc.opts.TickInterval, log).
		OnWarning(s.warning).
		OnExpired(s.expired)

	s.unsubscribe = s.monitor.Subscribe(s.networkChanged)

	s.monitor.Start()
	s.autosave.Start()
	s.countdown.Start()

	log.Info().
		Int("questions", store.Len()).
		Int("remaining", remaining).
		Bool("shuffle_questions", a.ShuffleQuestions).
		Bool("shuffle_options", a.ShuffleOptions).
		Msg("Session opened")

	return s, nil
}

// restore applies the newer of the server progress and the local journal
// and returns the sequence numbering should continue from.
func (svc *SessionService) restore(ctx context.Context, log zerolog.Logger, store *state.Store, id model.ID, server *model.Progress) uint64 {
	var local *model.Progress
	if svc.opts.Journal != nil {
		p, err := svc.opts.Journal.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Msg("Snapshot journal unavailable")
		}
		local = p
	}

	pick, source := server, "server"
	if newerSnapshot(local, server) {
		pick, source = local, "journal"
	}
	if pick == nil {
		return 0
	}

	restored, dropped := store.Restore(pick)
	log.Info().
		Str("source", source).
		Int("restored", restored).
		Ints("dropped", dropped).
		Uint64("sequence", pick.Sequence).
		Msg("Progress restored")

	seq := pick.Sequence
	if server != nil && server.Sequence > seq {
		seq = server.Sequence
	}
	if local != nil && local.Sequence > seq {
		seq = local.Sequence
	}
	return seq
}

func newerSnapshot(a, b *model.Progress) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	case a.Sequence != b.Sequence:
		return a.Sequence > b.Sequence
	default:
		return a.Timestamp.After(b.Timestamp.Time)
	}
}

// Key is a keyboard shortcut understood by HandleKey.
type Key string

const (
	KeyPrev Key = "ArrowLeft"
	KeyNext Key = "ArrowRight"
	KeyFlag Key = "f"
	KeySave Key = "ctrl+s"
)

// Session is one running attempt. All methods are safe for concurrent use.
type Session struct {
	store      *state.Store
	autosave   *worker.AutosaveWorker
	countdown  *worker.CountdownWorker
	monitor    *worker.NetworkMonitor
	submission *SubmissionService
	journal    Journal
	log        zerolog.Logger

	events      *eventDispatcher
	unsubscribe func()

	mu       sync.Mutex
	disposed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OnEvent sets the event handler. Events are delivered in order on a
// dedicated goroutine. Events emitted before the first call, such as an
// expiry found by Open, are held for it.
func (s *Session) OnEvent(fn model.EventHandler) {
	s.events.setHandler(fn)
}

func (s *Session) emit(e model.Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.events.emit(e)
}

func (s *Session) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return model.ErrSessionDisposed
	}
	return nil
}

// AssessmentID returns the assessment of this session.
func (s *Session) AssessmentID() model.ID { return s.store.AssessmentID() }

// Questions returns the questions in the order this student sees them.
func (s *Session) Questions() []model.Question { return s.store.Questions() }

// State returns a snapshot of the session state.
func (s *Session) State() model.SessionState { return s.store.Snapshot() }

// UpdateAnswer records an answer and schedules an autosave.
func (s *Session) UpdateAnswer(index int, raw any) (model.Answer, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	a, err := s.store.UpdateAnswer(index, raw)
	if err != nil {
		return nil, err
	}
	s.autosave.Schedule()
	return a, nil
}

// ToggleFlag flags or unflags a question for review.
func (s *Session) ToggleFlag(index int) (bool, error) {
	if err := s.live(); err != nil {
		return false, err
	}
	return s.store.ToggleFlag(index)
}

// Navigate moves to a question.
func (s *Session) Navigate(index int) error { return s.store.Navigate(index) }

// Next moves to the next question and returns the new index.
func (s *Session) Next() int { return s.store.Next() }

// Prev moves to the previous question and returns the new index.
func (s *Session) Prev() int { return s.store.Prev() }

// Progress returns the answered percentage.
func (s *Session) Progress() int { return s.store.Progress() }

// QuestionStatus returns the sidebar marker of a question.
func (s *Session) QuestionStatus(index int) (model.QuestionStatus, error) {
	return s.store.QuestionStatus(index)
}

// WordCount returns an essay's word count and limit.
func (s *Session) WordCount(index int) (count, limit int, err error) {
	return s.store.WordCount(index)
}

// TimeRemaining returns the remaining seconds.
func (s *Session) TimeRemaining() int { return s.countdown.Remaining() }

// Clock returns the remaining time as HH:MM:SS with its display band.
func (s *Session) Clock() (string, worker.Band) {
	r := s.countdown.Remaining()
	return worker.FormatClock(r), worker.ClockBand(r)
}

// SaveNow requests an immediate save.
func (s *Session) SaveNow() error {
	if err := s.live(); err != nil {
		return err
	}
	s.autosave.SaveNow()
	return nil
}

// Flush saves the current answers now, skipping the debounce, and waits for
// the outcome. It does nothing once the session is submitted.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.live(); err != nil {
		return err
	}
	if s.store.Completion() == model.CompletionSubmitted {
		return nil
	}
	return s.autosave.Flush(ctx)
}

// ReportNetwork forwards a platform connectivity notification.
func (s *Session) ReportNetwork(status model.NetworkStatus) {
	s.monitor.Report(status)
}

// Submit submits manually. With unanswered questions and confirmed false
// it returns a *model.ValidationWarning and changes nothing.
func (s *Session) Submit(ctx context.Context, confirmed bool) (*model.SubmitResult, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	return s.submission.Submit(ctx, model.TriggerManual, confirmed)
}

// HandleKey applies a keyboard shortcut to the current question.
func (s *Session) HandleKey(key Key) error {
	if err := s.live(); err != nil {
		return err
	}
	switch {
	case key == KeyPrev:
		s.store.Prev()
	case key == KeyNext:
		s.store.Next()
	case strings.EqualFold(string(key), string(KeyFlag)):
		_, err := s.store.ToggleFlag(s.store.Current())
		return err
	case strings.EqualFold(string(key), string(KeySave)):
		s.autosave.SaveNow()
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

func (s *Session) warning(threshold, remaining int) {
	kind := model.EventOneMinuteWarning
	if threshold == worker.FiveMinuteWarning {
		kind = model.EventFiveMinuteWarning
	}
	s.emit(model.Event{Kind: kind, Remaining: remaining})
}

func (s *Session) expired() {
	s.emit(model.Event{Kind: model.EventTimeExpired})

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.submission.Submit(s.ctx, model.TriggerTimeout, true); err != nil {
			s.log.Warn().Err(err).Msg("Timeout submission did not complete")
		}
	}()
}

func (s *Session) saveStatusChanged(status model.SaveStatus, err error) {
	s.emit(model.Event{Kind: model.EventSaveStatus, SaveStatus: status, Err: err})
}

func (s *Session) networkChanged(status model.NetworkStatus) {
	s.store.SetNetworkStatus(status)
	s.autosave.NetworkChanged(status)
	s.emit(model.Event{Kind: model.EventNetworkStatus, Network: status})
}

func (s *Session) submitted(result *model.SubmitResult, trigger model.SubmitTrigger) {
	s.countdown.Stop()
	s.autosave.Stop()

	if s.journal != nil {
		if err := s.journal.Delete(s.ctx, s.store.AssessmentID()); err != nil {
			s.log.Warn().Err(err).Msg("Failed to clear snapshot journal")
		}
	}

	at := result.SubmittedAt.Time
	if at.IsZero() {
		at = time.Now()
	}
	s.emit(model.Event{Kind: model.EventSubmitted, At: at, Trigger: trigger})
}

func (s *Session) submitFailed(err *model.SubmitError) {
	s.emit(model.Event{Kind: model.EventSubmitFailed, Trigger: err.Trigger, Err: err})
}

// Dispose stops every timer, probe and pending request of the session. It
// is idempotent and safe to call from an event handler.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.unsubscribe()
	s.cancel()
	s.submission.Stop()
	s.wg.Wait()

	s.countdown.Stop()
	s.autosave.Stop()
	s.monitor.Stop()
	s.events.close()

	s.log.Info().Msg("Session disposed")
}
