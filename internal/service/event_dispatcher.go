package service

import (
	"sync"
	"sync/atomic"

	"github.com/stemsi/exstem-session/internal/model"
)

// eventDispatcher delivers session events in order on its own goroutine.
// Emitting never blocks, so workers can emit while they are being stopped
// and a handler may call back into the session, including Dispose. Events
// are held until a handler is set.
type eventDispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []model.Event
	handler model.EventHandler
	closed  bool

	delivering atomic.Bool
	done       chan struct{}
}

func newEventDispatcher() *eventDispatcher {
	d := &eventDispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *eventDispatcher) setHandler(fn model.EventHandler) {
	d.mu.Lock()
	d.handler = fn
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *eventDispatcher) emit(e model.Event) {
	d.mu.Lock()
	if !d.closed {
		d.queue = append(d.queue, e)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

func (d *eventDispatcher) loop() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for (len(d.queue) == 0 || d.handler == nil) && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 || d.handler == nil {
			d.queue = nil
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue[0] = model.Event{}
		d.queue = d.queue[1:]
		handler := d.handler
		d.mu.Unlock()

		d.delivering.Store(true)
		handler(e)
		d.delivering.Store(false)
	}
}

// close delivers what is queued, then stops. It waits for the loop unless
// called from inside a handler.
func (d *eventDispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()

	if d.delivering.Load() {
		return
	}
	<-d.done
}
