package connmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// worker is a background unit owned by the Manager. cancel is idempotent, may
// block on I/O and is therefore never called with the Manager's lock held.
type worker interface {
	cancel()
}

// emission is one queued delivery: an event, or a status refresh when status
// is non-empty.
type emission struct {
	event  Event
	status string
}

// Manager is the connection-session manager.
//
// Transitions:
//
//	None/Listening/Connecting/Connected -> Connecting   Connect
//	None/Listening/Connecting/Connected -> Listening    Listen
//	Connecting/Listening -> Connected                   worker hand-off
//	Connecting/Listening -> None                        dial/accept failure
//	Connected -> None                                   Stop, connection lost
//	any -> None                                         Stop, Shutdown
//
// Every transition and the resulting emissions are decided under one mutex;
// emissions are delivered in that order with no lock held.
type Manager struct {
	transport Transport
	log       *zap.Logger

	// state mirrors cur so State never contends with a transition.
	state atomic.Int32

	mu       sync.Mutex
	cur      State
	peer     Peer
	active   worker // at most one live worker; its type matches cur
	closed   bool
	sink     EventSink
	status   StatusPresenter
	queue    []emission
	flushing bool

	// enqueued and delivered count emissions; drained is signaled after each
	// delivery so a producer can wait for its own.
	enqueued  uint64
	delivered uint64
	drained   *sync.Cond

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithEventSink installs the initial event sink.
func WithEventSink(s EventSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithStatusPresenter installs the initial status presenter.
func WithStatusPresenter(p StatusPresenter) Option {
	return func(m *Manager) { m.status = p }
}

// New returns an idle Manager over t.
func New(t Transport, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		log:       zap.NewNop(),
	}
	m.drained = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current session state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Peer returns the connected peer, if any.
func (m *Manager) Peer() (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer, m.cur == StateConnected
}

// SetEventSink replaces the event sink. A nil sink drops events.
func (m *Manager) SetEventSink(s EventSink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// SetStatusPresenter replaces the status presenter. A nil presenter drops
// status refreshes.
func (m *Manager) SetStatusPresenter(p StatusPresenter) {
	m.mu.Lock()
	m.status = p
	m.mu.Unlock()
}

// Start republishes the current state and status. While Connected it first
// re-emits DeviceIdentified for the connected peer. It never changes state and
// never starts listening.
func (m *Manager) Start() {
	m.mu.Lock()
	m.refreshLocked()
	m.mu.Unlock()
	m.flush()
}

// Connect supersedes any live worker and starts one outbound attempt to
// address. Only the latest attempt's outcome is ever observed.
func (m *Manager) Connect(address string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.log.Debug("connmgr: connect after shutdown ignored", zap.String("address", address))
		return
	}
	w := newConnectWorker(m, address)
	old := m.replaceLocked(w, StateConnecting, Peer{})
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("connmgr: connecting", zap.String("address", address))
	cancelWorker(old)
	go w.run()
	m.flush()
}

// Listen supersedes any live worker and waits for one inbound connection.
func (m *Manager) Listen() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.log.Debug("connmgr: listen after shutdown ignored")
		return
	}
	w := newAcceptWorker(m)
	old := m.replaceLocked(w, StateListening, Peer{})
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("connmgr: listening")
	cancelWorker(old)
	go w.run()
	m.flush()
}

// Stop cancels the live worker, if any, and returns to None. Calling it while
// already None only republishes None.
func (m *Manager) Stop() {
	m.mu.Lock()
	old := m.replaceLocked(nil, StateNone, Peer{})
	m.mu.Unlock()

	cancelWorker(old)
	m.flush()
}

// Send writes p as one frame if a session is Connected and drops it otherwise.
// The write runs outside the state lock; concurrent Stop closes the stream and
// fails the write rather than waiting for it.
func (m *Manager) Send(p []byte) {
	m.mu.Lock()
	w, ok := m.active.(*ioWorker)
	if m.cur != StateConnected || !ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	w.write(p)
}

// Shutdown stops the session, refuses further Connect and Listen calls, and
// waits for every worker goroutine to exit or ctx to end. A transport that does
// not react to cancellation can keep a worker alive past ctx. It must not be
// called from an EventSink or StatusPresenter: the read loop waits for its
// deliveries.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	old := m.replaceLocked(nil, StateNone, Peer{})
	m.mu.Unlock()

	cancelWorker(old)
	m.flush()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connmgr: shutdown: %w", ctx.Err())
	}
}

// connected hands an established stream from a dial or accept worker to a new
// io worker. A stream from a superseded worker is closed instead.
func (m *Manager) connected(from worker, s Stream, p Peer) {
	m.mu.Lock()
	if m.active != from {
		m.mu.Unlock()
		m.log.Debug("connmgr: dropping stream from superseded worker", zap.String("address", p.Address))
		if err := s.Close(); err != nil {
			m.log.Debug("connmgr: close superseded stream", zap.Error(err))
		}
		return
	}
	w := newIOWorker(m, s, p)
	m.replaceLocked(w, StateConnected, p)
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("connmgr: connected", zap.String("address", p.Address), zap.String("name", p.Name))
	// Releases the establishment context only; the stream now belongs to w.
	from.cancel()
	go w.run()
	m.flush()
}

// failed resets to None after the active worker gave up, emitting text as a
// Notice before the refreshed state. Reports from superseded workers are
// ignored.
func (m *Manager) failed(from worker, text string) {
	m.mu.Lock()
	if m.active != from {
		m.mu.Unlock()
		return
	}
	m.enqueueLocked(emission{event: notice(text)})
	m.replaceLocked(nil, StateNone, Peer{})
	m.mu.Unlock()

	m.log.Info("connmgr: session reset", zap.String("reason", text))
	from.cancel()
	m.flush()
}

// received forwards an inbound chunk and returns once it has been delivered, so
// the read loop never outruns the sinks. It reports false once from is no
// longer the live io worker, which ends its read loop.
func (m *Manager) received(from *ioWorker, b []byte) bool {
	m.mu.Lock()
	if m.active != worker(from) {
		m.mu.Unlock()
		return false
	}
	seq := m.enqueueLocked(emission{event: dataReceived(b)})
	m.mu.Unlock()
	m.flush()

	m.mu.Lock()
	for m.delivered < seq {
		m.drained.Wait()
	}
	m.mu.Unlock()
	return true
}

func (m *Manager) sent(from *ioWorker, p []byte) {
	m.mu.Lock()
	if m.active != worker(from) {
		m.mu.Unlock()
		return
	}
	m.enqueueLocked(emission{event: dataSent(p)})
	m.mu.Unlock()
	m.flush()
}

// replaceLocked installs next as the live worker, moves to state s and queues
// the refresh for it. The previous worker is returned for the caller to cancel
// once the lock is released.
func (m *Manager) replaceLocked(next worker, s State, p Peer) worker {
	old := m.active
	m.active = next
	m.peer = p
	m.cur = s
	m.state.Store(int32(s))
	m.refreshLocked()
	return old
}

func (m *Manager) refreshLocked() {
	if m.cur == StateConnected {
		m.enqueueLocked(emission{event: deviceIdentified(m.peer)})
	}
	m.enqueueLocked(emission{event: stateChanged(m.cur)})
	m.enqueueLocked(emission{status: StatusText(m.cur, m.peer)})
}

// enqueueLocked queues e and returns its sequence number.
func (m *Manager) enqueueLocked(e emission) uint64 {
	m.queue = append(m.queue, e)
	m.enqueued++
	return m.enqueued
}

// flush delivers queued emissions in order. Only one goroutine drains at a
// time; others leave their emissions to it and return.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.queue) > 0 {
		e := m.queue[0]
		m.queue[0] = emission{}
		m.queue = m.queue[1:]
		sink, status := m.sink, m.status
		m.mu.Unlock()

		if e.status != "" {
			if status != nil {
				status.SetStatus(e.status)
			}
		} else if sink != nil {
			sink.HandleEvent(e.event)
		}

		m.mu.Lock()
		m.delivered++
		m.drained.Broadcast()
	}
	m.queue = nil
	m.flushing = false
	m.mu.Unlock()
}

func cancelWorker(w worker) {
	if w != nil {
		w.cancel()
	}
}
