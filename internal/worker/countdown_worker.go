package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/state"
)

// Warning thresholds in seconds.
const (
	FiveMinuteWarning = 300
	OneMinuteWarning  = 60
)

// Band is the display colour of the clock.
type Band string

const (
	BandGreen  Band = "green"
	BandYellow Band = "yellow"
	BandRed    Band = "red"
)

// ClockBand returns the display band for a remaining time.
func ClockBand(seconds int) Band {
	switch {
	case seconds > 1800:
		return BandGreen
	case seconds > 600:
		return BandYellow
	default:
		return BandRed
	}
}

// FormatClock renders seconds as HH:MM:SS.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
}

// RemainingUntil returns whole seconds left before end, never negative.
func RemainingUntil(end, now time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// CountdownWorker counts the session down to its deadline. Remaining time is
// taken from the deadline once; after that it only moves by ticks.
type CountdownWorker struct {
	store    *state.Store
	interval time.Duration
	log      zerolog.Logger

	onWarning func(threshold, remaining int)
	onExpired func()

	mu        sync.Mutex
	remaining int
	warned    map[int]bool
	expired   bool
	started   bool
	stopped   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewCountdownWorker creates a countdown starting at remaining seconds.
func NewCountdownWorker(store *state.Store, remaining int, interval time.Duration, log zerolog.Logger) *CountdownWorker {
	if remaining < 0 {
		remaining = 0
	}
	if interval <= 0 {
		interval = time.Second
	}
	store.SetTimeRemaining(remaining)
	return &CountdownWorker{
		store:     store,
		interval:  interval,
		log:       log.With().Str("component", "countdown_worker").Logger(),
		onWarning: func(int, int) {},
		onExpired: func() {},
		remaining: remaining,
		warned:    make(map[int]bool, 2),
		done:      make(chan struct{}),
	}
}

// OnWarning registers the threshold-crossing callback.
func (w *CountdownWorker) OnWarning(fn func(threshold, remaining int)) *CountdownWorker {
	w.onWarning = fn
	return w
}

// OnExpired registers the one-shot timeout callback.
func (w *CountdownWorker) OnExpired(fn func()) *CountdownWorker {
	w.onExpired = fn
	return w
}

// Remaining returns the current remaining seconds.
func (w *CountdownWorker) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remaining
}

// Start begins ticking. A countdown that starts at zero expires at once.
func (w *CountdownWorker) Start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	expireNow := w.remaining == 0 && !w.expired
	if expireNow {
		w.expired = true
	}
	w.wg.Add(1)
	w.mu.Unlock()

	if expireNow {
		w.log.Info().Msg("Deadline already passed")
		w.onExpired()
	}
	go w.loop()
}

func (w *CountdownWorker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	next := time.Now().Add(w.interval)

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			// A late wake-up replays the missed steps one by one.
			steps := 1
			if late := now.Sub(next); late >= w.interval {
				steps += int(late / w.interval)
			}
			next = next.Add(time.Duration(steps) * w.interval)

			for i := 0; i < steps; i++ {
				if !w.Tick() {
					break
				}
			}
		}
	}
}

// Tick moves the countdown one second and fires crossings. It reports
// whether the countdown is still running.
func (w *CountdownWorker) Tick() bool {
	w.mu.Lock()
	if w.expired || w.stopped || w.remaining <= 0 {
		w.mu.Unlock()
		return false
	}
	if w.store.Completion() == model.CompletionSubmitted {
		w.mu.Unlock()
		return false
	}

	prev := w.remaining
	w.remaining--
	now := w.remaining
	w.store.SetTimeRemaining(now)

	var crossed []int
	for _, threshold := range []int{FiveMinuteWarning, OneMinuteWarning} {
		if prev > threshold && now <= threshold && !w.warned[threshold] {
			w.warned[threshold] = true
			crossed = append(crossed, threshold)
		}
	}
	expired := now == 0
	if expired {
		w.expired = true
	}
	w.mu.Unlock()

	for _, threshold := range crossed {
		w.log.Info().Int("remaining", now).Int("threshold", threshold).Msg("Time warning")
		w.onWarning(threshold, now)
	}
	if expired {
		w.log.Info().Msg("Time expired")
		w.onExpired()
	}
	return !expired
}

// Stop halts the ticker and waits for it. Safe to call more than once.
func (w *CountdownWorker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.done)
	w.mu.Unlock()

	w.wg.Wait()
}
