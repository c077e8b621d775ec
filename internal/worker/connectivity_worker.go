package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/model"
	ws "github.com/stemsi/exstem-session/internal/websocket"
)

// Prober checks whether the backend is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// NetworkMonitor tracks connectivity. Status changes come from the platform
// through Report or from an optional Prober polled on an interval; only
// transitions reach subscribers.
type NetworkMonitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	status  model.NetworkStatus
	subs    map[int]func(model.NetworkStatus)
	nextSub int
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetworkMonitor creates a monitor that starts online. prober may be nil.
func NewNetworkMonitor(prober Prober, interval, timeout time.Duration, log zerolog.Logger) *NetworkMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &NetworkMonitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		log:      log.With().Str("component", "connectivity_worker").Logger(),
		status:   model.NetworkStatusOnline,
		subs:     make(map[int]func(model.NetworkStatus)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Status returns the current connectivity.
func (m *NetworkMonitor) Status() model.NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Online reports whether Status is online.
func (m *NetworkMonitor) Online() bool {
	return m.Status() == model.NetworkStatusOnline
}

// Subscribe registers fn for transitions and returns its unsubscribe func.
func (m *NetworkMonitor) Subscribe(fn func(model.NetworkStatus)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Report records a platform connectivity notification.
func (m *NetworkMonitor) Report(status model.NetworkStatus) {
	m.mu.Lock()
	if m.stopped || m.status == status {
		m.mu.Unlock()
		return
	}
	m.status = status
	subs := make([]func(model.NetworkStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.log.Info().Str("status", string(status)).Msg("Network status changed")
	for _, fn := range subs {
		fn(status)
	}
}

// Start begins probing when a prober is configured.
func (m *NetworkMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped || m.prober == nil || m.interval <= 0 {
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.loop()
}

func (m *NetworkMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce()
		}
	}
}

func (m *NetworkMonitor) probeOnce() {
	ctx := m.ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	err := m.prober.Probe(ctx)
	if m.ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Debug().Err(err).Msg("Probe failed")
		m.Report(model.NetworkStatusOffline)
		return
	}
	m.Report(model.NetworkStatusOnline)
}

// Stop ends probing, drops subscribers and waits. Safe to call more than once.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.subs = make(map[int]func(model.NetworkStatus))
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

// HTTPProber probes with a GET; any 2xx or 3xx answer counts as reachable.
type HTTPProber struct {
	Client *http.Client
	URL    string
	Header http.Header
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	for k, v := range p.Header {
		req.Header[k] = v
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// WSProber dials the assessment stream and expects a pong for its ping.
type WSProber struct {
	Dialer *websocket.Dialer
	URL    string
	Header http.Header
}

func (p *WSProber) Probe(ctx context.Context) error {
	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, p.URL, p.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", p.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", p.URL, err)
	}
	defer conn.Close()

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	if err := ws.WriteTyped(conn, ws.PingRequest{Action: ws.ActionPing}, timeout); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}

	var msg ws.ResponseEnvelope
	if err := ws.ReadJSON(conn, &msg, timeout); err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if msg.Event != ws.EventPong {
		return fmt.Errorf("unexpected event %q: %s", msg.Event, msg.Error)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
