package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/state"
)

var errBackendDown = errors.New("backend down")

type fakeSubmitter struct {
	mu       sync.Mutex
	errs     []error // consumed in order; nil entries succeed
	payloads []*model.SubmitPayload
	result   *model.SubmitResult
}

func (f *fakeSubmitter) Submit(_ context.Context, _ model.ID, p *model.SubmitPayload) (*model.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.result != nil {
		return f.result, nil
	}
	return &model.SubmitResult{Submitted: true, SubmittedAt: model.NewTimestamp(time.Now())}, nil
}

func (f *fakeSubmitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type fakeFlusher struct {
	mu    sync.Mutex
	err   error
	calls int
	order *[]string
}

func (f *fakeFlusher) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.order != nil {
		*f.order = append(*f.order, "flush")
	}
	return f.err
}

type orderedSubmitter struct {
	fakeSubmitter
	order *[]string
}

func (o *orderedSubmitter) Submit(ctx context.Context, id model.ID, p *model.SubmitPayload) (*model.SubmitResult, error) {
	*o.order = append(*o.order, "submit")
	return o.fakeSubmitter.Submit(ctx, id, p)
}

func twoQuestionStore() *state.Store {
	opts := []model.Option{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}}
	return state.New(&model.Assessment{
		ID:    "42",
		Title: "Quiz",
		Questions: []model.Question{
			{ID: "q1", Text: "one", Kind: model.MCQ{Options: opts}},
			{ID: "q2", Text: "two", Kind: model.MCQ{Options: opts}},
		},
	}, nil)
}

func testSubmitConfig() SubmitConfig {
	return SubmitConfig{
		FlushTimeout:   time.Second,
		RequestTimeout: time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  40 * time.Millisecond,
	}
}

func TestSubmit_ManualWithUnansweredWarns(t *testing.T) {
	store := twoQuestionStore()
	_, err := store.UpdateAnswer(0, 1)
	require.NoError(t, err)

	backend := &fakeSubmitter{}
	flusher := &fakeFlusher{}
	svc := NewSubmissionService(store, backend, flusher, testSubmitConfig(), zerolog.Nop())
	defer svc.Stop()

	_, err = svc.Submit(context.Background(), model.TriggerManual, false)

	var warn *model.ValidationWarning
	require.ErrorAs(t, err, &warn)
	assert.Equal(t, []int{1}, warn.Unanswered)
	assert.Equal(t, model.CompletionInProgress, store.Completion())
	assert.Zero(t, backend.calls())
	assert.Zero(t, flusher.calls)
}

func TestSubmit_ConfirmedFlushesThenPosts(t *testing.T) {
	store := twoQuestionStore()
	_, err := store.UpdateAnswer(0, 1)
	require.NoError(t, err)
	_, err = store.ToggleFlag(1)
	require.NoError(t, err)

	var order []string
	backend := &orderedSubmitter{order: &order}
	flusher := &fakeFlusher{order: &order}

	var gotTrigger model.SubmitTrigger
	svc := NewSubmissionService(store, backend, flusher, testSubmitConfig(), zerolog.Nop()).
		OnSubmitted(func(_ *model.SubmitResult, trigger model.SubmitTrigger) { gotTrigger = trigger })
	defer svc.Stop()

	res, err := svc.Submit(context.Background(), model.TriggerManual, true)
	require.NoError(t, err)
	assert.True(t, res.Submitted)
	assert.Equal(t, []string{"flush", "submit"}, order)
	assert.Equal(t, model.TriggerManual, gotTrigger)
	assert.Equal(t, model.CompletionSubmitted, store.Completion())

	require.Len(t, backend.payloads, 1)
	payload := backend.payloads[0]
	assert.Equal(t, []int{1}, payload.FlaggedQuestions)
	require.Contains(t, payload.Answers, 0)

	_, err = svc.Submit(context.Background(), model.TriggerManual, true)
	assert.ErrorIs(t, err, model.ErrNotInProgress)
	assert.Equal(t, 1, backend.calls())
}

func TestSubmit_AllAnsweredNeedsNoConfirmation(t *testing.T) {
	store := twoQuestionStore()
	for i := 0; i < 2; i++ {
		_, err := store.UpdateAnswer(i, 0)
		require.NoError(t, err)
	}
	svc := NewSubmissionService(store, &fakeSubmitter{}, nil, testSubmitConfig(), zerolog.Nop())
	defer svc.Stop()

	_, err := svc.Submit(context.Background(), model.TriggerManual, false)
	require.NoError(t, err)
	assert.Equal(t, model.CompletionSubmitted, store.Completion())
}

func TestSubmit_AlreadySubmittedCountsAsSuccess(t *testing.T) {
	store := twoQuestionStore()
	backend := &fakeSubmitter{errs: []error{model.ErrAlreadySubmitted}}

	submitted := false
	svc := NewSubmissionService(store, backend, nil, testSubmitConfig(), zerolog.Nop()).
		OnSubmitted(func(*model.SubmitResult, model.SubmitTrigger) { submitted = true })
	defer svc.Stop()

	res, err := svc.Submit(context.Background(), model.TriggerTimeout, true)
	require.NoError(t, err)
	assert.True(t, res.Submitted)
	assert.True(t, submitted)
	assert.Equal(t, model.CompletionSubmitted, store.Completion())
}

func TestSubmit_ManualFailureRevertsWithoutRetry(t *testing.T) {
	store := twoQuestionStore()
	backend := &fakeSubmitter{errs: []error{errBackendDown}}

	var failed *model.SubmitError
	svc := NewSubmissionService(store, backend, nil, testSubmitConfig(), zerolog.Nop()).
		OnFailed(func(e *model.SubmitError) { failed = e })
	defer svc.Stop()

	_, err := svc.Submit(context.Background(), model.TriggerManual, true)

	var subErr *model.SubmitError
	require.ErrorAs(t, err, &subErr)
	assert.ErrorIs(t, err, errBackendDown)
	assert.Equal(t, model.TriggerManual, subErr.Trigger)
	assert.Equal(t, 1, subErr.Attempt)
	assert.Same(t, subErr, failed)
	assert.Equal(t, model.CompletionInProgress, store.Completion())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, backend.calls())

	_, err = svc.Submit(context.Background(), model.TriggerManual, true)
	require.NoError(t, err)
	assert.Equal(t, model.CompletionSubmitted, store.Completion())
}

func TestSubmit_UnconfirmedResultIsFailure(t *testing.T) {
	store := twoQuestionStore()
	backend := &fakeSubmitter{result: &model.SubmitResult{Submitted: false}}
	svc := NewSubmissionService(store, backend, nil, testSubmitConfig(), zerolog.Nop())
	defer svc.Stop()

	_, err := svc.Submit(context.Background(), model.TriggerManual, true)
	assert.ErrorIs(t, err, errNotConfirmed)
	assert.Equal(t, model.CompletionInProgress, store.Completion())
}

func TestSubmit_FlushFailureStillSubmits(t *testing.T) {
	store := twoQuestionStore()
	backend := &fakeSubmitter{}
	flusher := &fakeFlusher{err: errBackendDown}
	svc := NewSubmissionService(store, backend, flusher, testSubmitConfig(), zerolog.Nop())
	defer svc.Stop()

	_, err := svc.Submit(context.Background(), model.TriggerManual, true)
	require.NoError(t, err)
	assert.Equal(t, 1, flusher.calls)
	assert.Equal(t, 1, backend.calls())
}

func TestSubmit_TimeoutRetriesWithBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := twoQuestionStore()
	backend := &fakeSubmitter{errs: []error{errBackendDown, errBackendDown}}

	var mu sync.Mutex
	var triggers []model.SubmitTrigger
	svc := NewSubmissionService(store, backend, nil, testSubmitConfig(), zerolog.Nop()).
		OnSubmitted(func(_ *model.SubmitResult, trigger model.SubmitTrigger) {
			mu.Lock()
			triggers = append(triggers, trigger)
			mu.Unlock()
		})
	defer svc.Stop()

	_, err := svc.Submit(context.Background(), model.TriggerTimeout, true)
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return store.Completion() == model.CompletionSubmitted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, backend.calls())

	mu.Lock()
	assert.Equal(t, []model.SubmitTrigger{model.TriggerTimeout}, triggers)
	mu.Unlock()
}

func TestSubmit_TimeoutGivesUpAfterRetryAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := twoQuestionStore()
	backend := &fakeSubmitter{errs: []error{errBackendDown, errBackendDown, errBackendDown, errBackendDown, errBackendDown}}
	cfg := testSubmitConfig()
	cfg.RetryAttempts = 2
	svc := NewSubmissionService(store, backend, nil, cfg, zerolog.Nop())
	defer svc.Stop()

	_, err := svc.Submit(context.Background(), model.TriggerTimeout, true)
	require.Error(t, err)

	assert.Eventually(t, func() bool { return backend.calls() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, backend.calls())
	assert.Equal(t, model.CompletionInProgress, store.Completion())
}

func TestSubmit_StopCancelsScheduledRetry(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := twoQuestionStore()
	backend := &fakeSubmitter{errs: []error{errBackendDown}}
	cfg := testSubmitConfig()
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	svc := NewSubmissionService(store, backend, nil, cfg, zerolog.Nop())

	_, err := svc.Submit(context.Background(), model.TriggerTimeout, true)
	require.Error(t, err)

	svc.Stop()
	svc.Stop()
	assert.Equal(t, 1, backend.calls())
}

func TestSubmit_TimeoutLosingRaceRetriesAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := twoQuestionStore()
	backend := &fakeSubmitter{errs: []error{errBackendDown}}
	svc := NewSubmissionService(store, backend, nil, testSubmitConfig(), zerolog.Nop())
	defer svc.Stop()

	// A manual submission claims the store first.
	require.NoError(t, store.BeginSubmit())
	assert.ErrorIs(t, svc.begin(model.TriggerTimeout), model.ErrNotInProgress)
	store.RevertSubmit()

	_, err := svc.Submit(context.Background(), model.TriggerManual, true)
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return store.Completion() == model.CompletionSubmitted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, backend.calls())
}

func TestSubmit_RequiresInProgress(t *testing.T) {
	store := twoQuestionStore()
	require.NoError(t, store.BeginSubmit())

	svc := NewSubmissionService(store, &fakeSubmitter{}, nil, testSubmitConfig(), zerolog.Nop())
	defer svc.Stop()

	_, err := svc.Submit(context.Background(), model.TriggerManual, true)
	assert.ErrorIs(t, err, model.ErrNotInProgress)
}

func TestSubmitConfig_RetryDelay(t *testing.T) {
	cfg := SubmitConfig{RetryBaseDelay: time.Second, RetryMaxDelay: 8 * time.Second}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second},
		{12, 8 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.RetryDelay(tt.n), "retry %d", tt.n)
	}

	uncapped := SubmitConfig{RetryBaseDelay: time.Second}
	assert.Equal(t, 16*time.Second, uncapped.RetryDelay(5))
}
