package worker

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

var (
	errNotSaved = errors.New("backend did not confirm the save")
	errStaleAck = errors.New("stale acknowledgement")
)

// ProgressSaver persists a full progress snapshot.
type ProgressSaver interface {
	SaveProgress(ctx context.Context, assessmentID model.ID, p *model.Progress) (*model.SaveAck, error)
}

// SnapshotJournal keeps the latest attempted snapshot locally.
type SnapshotJournal interface {
	Put(ctx context.Context, assessmentID model.ID, p *model.Progress) error
}

// AutosaveConfig holds the pipeline timings.
type AutosaveConfig struct {
	Debounce       time.Duration
	Heartbeat      time.Duration
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

// AutosaveWorker persists the session state store. Saves are triggered by a
// debounce after edits, a heartbeat, a manual request or a flush; at most
// one save is in flight at a time.
type AutosaveWorker struct {
	store   *state.Store
	saver   ProgressSaver
	journal SnapshotJournal
	online  func() bool
	notify  func(model.SaveStatus, error)
	cfg     AutosaveConfig
	log     zerolog.Logger

	// sem is the in-flight guard.
	sem chan struct{}

	mu       sync.Mutex
	debounce *time.Timer
	pending  bool
	held     bool
	seq      uint64
	acked    uint64
	lastErr  error
	started  bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(store *state.Store, saver ProgressSaver, cfg AutosaveConfig, log zerolog.Logger) *AutosaveWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &AutosaveWorker{
		store:  store,
		saver:  saver,
		online: func() bool { return true },
		notify: func(model.SaveStatus, error) {},
		cfg:    cfg,
		log:    log.With().Str("component", "autosave_worker").Logger(),
		sem:    make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// WithJournal records every attempted snapshot in j before it is sent.
func (w *AutosaveWorker) WithJournal(j SnapshotJournal) *AutosaveWorker {
	w.journal = j
	return w
}

// WithGate holds saves while online reports false.
func (w *AutosaveWorker) WithGate(online func() bool) *AutosaveWorker {
	w.online = online
	return w
}

// OnStatus registers the save status callback. It runs without locks held.
func (w *AutosaveWorker) OnStatus(fn func(model.SaveStatus, error)) *AutosaveWorker {
	w.notify = fn
	return w
}

// ResumeFrom continues numbering after seq, the newest sequence a previous
// run of this attempt is known to have used.
func (w *AutosaveWorker) ResumeFrom(seq uint64) *AutosaveWorker {
	w.mu.Lock()
	if seq > w.seq {
		w.seq = seq
		w.acked = seq
	}
	w.mu.Unlock()
	return w
}

// Start begins the heartbeat. It returns immediately.
func (w *AutosaveWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true

	if w.cfg.Heartbeat <= 0 {
		return
	}
	w.wg.Add(1)
	go w.heartbeat()
	w.log.Debug().Dur("interval", w.cfg.Heartbeat).Msg("Worker started")
}

func (w *AutosaveWorker) heartbeat() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if w.store.Completion() == model.CompletionInProgress {
				w.fire()
			}
		}
	}
}

// Schedule (re)starts the debounce window. Only the last edit of a burst
// produces a save.
func (w *AutosaveWorker) Schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.cfg.Debounce, w.fire)
}

// SaveNow cancels the debounce and triggers a save immediately. The guard
// and the offline gate still apply.
func (w *AutosaveWorker) SaveNow() {
	w.cancelDebounce()
	w.fire()
}

func (w *AutosaveWorker) cancelDebounce() {
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.mu.Unlock()
}

// fire starts a save unless one is already in flight (deferred) or the
// network is down (held until reconnect).
func (w *AutosaveWorker) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if w.store.Completion() == model.CompletionSubmitted {
		w.mu.Unlock()
		return
	}
	if !w.online() {
		w.held = true
		w.mu.Unlock()
		w.log.Debug().Msg("Offline, holding save")
		return
	}
	select {
	case w.sem <- struct{}{}:
	default:
		w.pending = true
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		w.run()
	}()
}

// run holds the guard for one save including its single retry.
func (w *AutosaveWorker) run() {
	defer w.release()

	err := w.attempt(w.ctx, 1)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Dur("retry_in", w.cfg.RetryDelay).Msg("Save failed, retrying")

	timer := time.NewTimer(w.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-w.done:
		return
	case <-timer.C:
	}

	if !w.online() {
		w.mu.Lock()
		w.held = true
		w.mu.Unlock()
		return
	}

	if err := w.attempt(w.ctx, 2); err != nil {
		w.log.Error().Err(err).Msg("Save failed after retry")
		w.setStatus(model.SaveStatusError, err)
	}
}

func (w *AutosaveWorker) release() {
	w.mu.Lock()
	<-w.sem
	refire := w.pending && !w.stopped
	w.pending = false
	w.mu.Unlock()

	if refire {
		w.fire()
	}
}

// attempt sends one fresh snapshot. The status is left at saving on
// failure; the caller decides whether that is final.
func (w *AutosaveWorker) attempt(ctx context.Context, n int) error {
	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	assessmentID := w.store.AssessmentID()
	progress := w.store.ProgressPayload(seq, time.Now())

	w.setStatus(model.SaveStatusSaving, nil)

	if w.journal != nil {
		if err := w.journal.Put(ctx, assessmentID, progress); err != nil {
			w.log.Warn().Err(err).Uint64("sequence", seq).Msg("Journal write failed")
		}
	}

	reqCtx := ctx
	if w.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, w.cfg.RequestTimeout)
		defer cancel()
	}

	ack, err := w.saver.SaveProgress(reqCtx, assessmentID, progress)
	if err == nil && (ack == nil || !ack.Saved) {
		err = errNotSaved
	}
	if err != nil {
		return w.fail(seq, n, err)
	}

	w.mu.Lock()
	if ack.Sequence != 0 && ack.Sequence < w.acked {
		w.mu.Unlock()
		return w.fail(seq, n, fmt.Errorf("%w: got %d after %d", errStaleAck, ack.Sequence, w.acked))
	}
	if ack.Sequence > w.acked {
		w.acked = ack.Sequence
	} else if ack.Sequence == 0 {
		w.acked = seq
	}
	w.lastErr = nil
	w.mu.Unlock()

	w.log.Debug().Uint64("sequence", seq).Msg("Progress saved")
	w.setStatus(model.SaveStatusSaved, nil)
	return nil
}

func (w *AutosaveWorker) fail(seq uint64, n int, err error) error {
	saveErr := &model.SaveError{Sequence: seq, Attempt: n, Err: err}
	w.mu.Lock()
	w.lastErr = saveErr
	w.mu.Unlock()
	return saveErr
}

func (w *AutosaveWorker) setStatus(status model.SaveStatus, err error) {
	if w.store.SetSaveStatus(status) || err != nil {
		w.notify(status, err)
	}
}

// NetworkChanged releases a held save when connectivity returns.
func (w *AutosaveWorker) NetworkChanged(status model.NetworkStatus) {
	if status != model.NetworkStatusOnline {
		return
	}
	w.mu.Lock()
	held := w.held
	w.held = false
	w.mu.Unlock()

	if held {
		w.log.Debug().Msg("Back online, releasing held save")
		w.fire()
	}
}

// Flush waits for any in-flight save, then performs one final save
// regardless of completion status or connectivity. Used before submission.
func (w *AutosaveWorker) Flush(ctx context.Context) error {
	w.cancelDebounce()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return model.ErrSessionDisposed
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return model.ErrSessionDisposed
	}

	w.mu.Lock()
	w.pending = false
	w.held = false
	w.mu.Unlock()

	err := w.attempt(ctx, 1)
	if err != nil {
		w.setStatus(model.SaveStatusError, err)
	}
	w.release()
	return err
}

// LastError returns the most recent save failure, or nil after a success.
func (w *AutosaveWorker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Sequence returns the last issued snapshot sequence.
func (w *AutosaveWorker) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Acked returns the newest acknowledged snapshot sequence.
func (w *AutosaveWorker) Acked() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acked
}

// Stop cancels pending timers and in-flight requests and waits for every
// goroutine to exit. Safe to call more than once.
func (w *AutosaveWorker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	close(w.done)
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Debug().Msg("Worker stopped")
}
