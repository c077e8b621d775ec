package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/state"
)

var errBackend = errors.New("backend unavailable")

type fakeSaver struct {
	mu       sync.Mutex
	calls    []*model.Progress
	inflight int
	maxIn    int
	block    chan struct{}
	respond  func(n int, p *model.Progress) (*model.SaveAck, error)
}

func (f *fakeSaver) SaveProgress(ctx context.Context, _ model.ID, p *model.Progress) (*model.SaveAck, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	n := len(f.calls)
	f.inflight++
	if f.inflight > f.maxIn {
		f.maxIn = f.inflight
	}
	block := f.block
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if block != nil && n == 1 {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.respond != nil {
		return f.respond(n, p)
	}
	return &model.SaveAck{Saved: true, Sequence: p.Sequence}, nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSaver) call(i int) *model.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeJournal struct {
	mu   sync.Mutex
	seqs []uint64
}

func (j *fakeJournal) Put(_ context.Context, _ model.ID, p *model.Progress) error {
	j.mu.Lock()
	j.seqs = append(j.seqs, p.Sequence)
	j.mu.Unlock()
	return nil
}

type statusLog struct {
	mu     sync.Mutex
	status []model.SaveStatus
}

func (l *statusLog) record(s model.SaveStatus, _ error) {
	l.mu.Lock()
	l.status = append(l.status, s)
	l.mu.Unlock()
}

func (l *statusLog) all() []model.SaveStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.SaveStatus(nil), l.status...)
}

func testStore() *state.Store {
	return state.New(&model.Assessment{
		ID:    "9",
		Title: "Quiz",
		Questions: []model.Question{
			{ID: "q1", Text: "pick", Kind: model.MCQ{Options: []model.Option{{ID: "a"}, {ID: "b"}, {ID: "c"}}}},
		},
	}, nil)
}

func testAutosaveConfig() AutosaveConfig {
	return AutosaveConfig{
		Debounce:       30 * time.Millisecond,
		RetryDelay:     20 * time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func TestAutosave_DebounceCollapsesBurst(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	saver := &fakeSaver{}
	w := NewAutosaveWorker(store, saver, testAutosaveConfig(), zerolog.Nop())
	defer w.Stop()

	for i := 0; i < 5; i++ {
		_, err := store.UpdateAnswer(0, i%3)
		require.NoError(t, err)
		w.Schedule()
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return saver.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, saver.count())

	got := saver.call(0).Answers[0]
	require.NotNil(t, got.SelectedOptionIndex)
	assert.Equal(t, 1, *got.SelectedOptionIndex, "the save carries the last edit")
	assert.Equal(t, model.SaveStatusSaved, store.SaveStatus())
}

func TestAutosave_HeartbeatOnlyWhileInProgress(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	saver := &fakeSaver{}
	cfg := testAutosaveConfig()
	cfg.Heartbeat = 15 * time.Millisecond
	w := NewAutosaveWorker(store, saver, cfg, zerolog.Nop())
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return saver.count() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, store.BeginSubmit())
	require.NoError(t, store.MarkSubmitted())
	time.Sleep(20 * time.Millisecond)
	settled := saver.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, saver.count())
}

func TestAutosave_InFlightGuardDefersTriggers(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	saver := &fakeSaver{block: make(chan struct{})}
	w := NewAutosaveWorker(store, saver, testAutosaveConfig(), zerolog.Nop())
	defer w.Stop()

	w.SaveNow()
	require.Eventually(t, func() bool { return saver.count() == 1 }, time.Second, time.Millisecond)

	w.SaveNow()
	w.SaveNow()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, saver.count(), "triggers during a save must wait")

	close(saver.block)
	require.Eventually(t, func() bool { return saver.count() == 2 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 2, saver.count(), "deferred triggers collapse into one save")
	saver.mu.Lock()
	assert.Equal(t, 1, saver.maxIn)
	saver.mu.Unlock()
	assert.Equal(t, uint64(2), saver.call(1).Sequence)
}

func TestAutosave_RetryOnceThenError(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	saver := &fakeSaver{respond: func(int, *model.Progress) (*model.SaveAck, error) {
		return nil, errBackend
	}}
	statuses := &statusLog{}
	w := NewAutosaveWorker(store, saver, testAutosaveConfig(), zerolog.Nop()).OnStatus(statuses.record)
	defer w.Stop()

	w.SaveNow()

	require.Eventually(t, func() bool { return store.SaveStatus() == model.SaveStatusError }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 2, saver.count())

	var saveErr *model.SaveError
	require.ErrorAs(t, w.LastError(), &saveErr)
	assert.Equal(t, 2, saveErr.Attempt)
	assert.ErrorIs(t, saveErr, errBackend)
	assert.Equal(t, []model.SaveStatus{model.SaveStatusSaving, model.SaveStatusError}, statuses.all())
}

func TestAutosave_RetrySucceeds(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	saver := &fakeSaver{respond: func(n int, p *model.Progress) (*model.SaveAck, error) {
		if n == 1 {
			return nil, errBackend
		}
		return &model.SaveAck{Saved: true, Sequence: p.Sequence}, nil
	}}
	w := NewAutosaveWorker(store, saver, testAutosaveConfig(), zerolog.Nop())
	defer w.Stop()

	w.SaveNow()

	require.Eventually(t, func() bool { return saver.count() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return store.SaveStatus() == model.SaveStatusSaved }, time.Second, time.Millisecond)
	assert.NoError(t, w.LastError())
	assert.Equal(t, uint64(2), w.Acked())
}

func TestAutosave_OfflineHoldsUntilReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	saver := &fakeSaver{}
	var online atomic.Bool
	w := NewAutosaveWorker(store, saver, testAutosaveConfig(), zerolog.Nop()).WithGate(online.Load)
	defer w.Stop()

	w.SaveNow()
	w.Schedule()
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, saver.count())

	online.Store(true)
	w.NetworkChanged(model.NetworkStatusOnline)

	require.Eventually(t, func() bool { return saver.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, saver.count(), "held triggers fire once")
}

func TestAutosave_StaleAckIgnored(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	saver := &fakeSaver{respond: func(n int, _ *model.Progress) (*model.SaveAck, error) {
		if n == 1 {
			return &model.SaveAck{Saved: true, Sequence: 5}, nil
		}
		return &model.SaveAck{Saved: true, Sequence: 3}, nil
	}}
	w := NewAutosaveWorker(store, saver, testAutosaveConfig(), zerolog.Nop())
	defer w.Stop()

	w.SaveNow()
	require.Eventually(t, func() bool { return w.Acked() == 5 }, time.Second, time.Millisecond)

	w.SaveNow()
	require.Eventually(t, func() bool { return store.SaveStatus() == model.SaveStatusError }, time.Second, time.Millisecond)

	assert.Equal(t, uint64(5), w.Acked())
	assert.ErrorIs(t, w.LastError(), errStaleAck)
}

func TestAutosave_JournalsEveryAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	journal := &fakeJournal{}
	saver := &fakeSaver{respond: func(int, *model.Progress) (*model.SaveAck, error) {
		return &model.SaveAck{Saved: false}, nil
	}}
	w := NewAutosaveWorker(store, saver, testAutosaveConfig(), zerolog.Nop()).WithJournal(journal)
	defer w.Stop()

	w.SaveNow()
	require.Eventually(t, func() bool { return store.SaveStatus() == model.SaveStatusError }, time.Second, time.Millisecond)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, journal.seqs)
	assert.ErrorIs(t, w.LastError(), errNotSaved)
}

func TestAutosave_FlushWaitsForInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	saver := &fakeSaver{block: make(chan struct{})}
	w := NewAutosaveWorker(store, saver, testAutosaveConfig(), zerolog.Nop())
	defer w.Stop()

	w.SaveNow()
	require.Eventually(t, func() bool { return saver.count() == 1 }, time.Second, time.Millisecond)

	flushed := make(chan error, 1)
	go func() { flushed <- w.Flush(context.Background()) }()

	select {
	case <-flushed:
		t.Fatal("flush returned while a save was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(saver.block)
	select {
	case err := <-flushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("flush did not return")
	}
	assert.Equal(t, 2, saver.count())
	assert.Equal(t, uint64(2), saver.call(1).Sequence)
}

func TestAutosave_FlushIgnoresCompletionStatus(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	saver := &fakeSaver{}
	w := NewAutosaveWorker(store, saver, testAutosaveConfig(), zerolog.Nop())
	defer w.Stop()

	require.NoError(t, store.BeginSubmit())
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 1, saver.count())
}

func TestAutosave_StopCancelsPendingAndIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := testStore()
	saver := &fakeSaver{}
	cfg := testAutosaveConfig()
	cfg.Heartbeat = time.Hour
	w := NewAutosaveWorker(store, saver, cfg, zerolog.Nop())
	w.Start()

	w.Schedule()
	w.Stop()
	w.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, saver.count())
	assert.ErrorIs(t, w.Flush(context.Background()), model.ErrSessionDisposed)
}
