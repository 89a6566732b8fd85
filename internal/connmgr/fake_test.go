package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// dialPlan scripts how fakeTransport answers Dial for one address.
type dialPlan struct {
	name string
	fail bool
	gate chan struct{} // dial waits for gate to close, ignoring cancellation
	hang bool          // dial waits for cancellation, then fails

	brokenWrites bool // the opened stream fails every write
}

type fakeStream struct {
	net.Conn
	closes atomic.Int32
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return s.Conn.Close()
}

type fakeTransport struct {
	mu      sync.Mutex
	plans   map[string]dialPlan
	streams []*fakeStream
	remotes map[string]net.Conn

	discoveryCancels atomic.Int32
	dials            atomic.Int32
	inbound          chan Peer

	// drain discards everything written to opened streams.
	drain bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		plans:   make(map[string]dialPlan),
		remotes: make(map[string]net.Conn),
		inbound: make(chan Peer),
	}
}

func (f *fakeTransport) plan(address string, p dialPlan) {
	f.mu.Lock()
	f.plans[address] = p
	f.mu.Unlock()
}

func (f *fakeTransport) CancelDiscovery(context.Context) error {
	f.discoveryCancels.Add(1)
	return nil
}

func (f *fakeTransport) Dial(ctx context.Context, address string) (Stream, Peer, error) {
	f.dials.Add(1)
	f.mu.Lock()
	p, ok := f.plans[address]
	f.mu.Unlock()
	if !ok || p.fail {
		return nil, Peer{}, fmt.Errorf("fake: dial %s: host is down", address)
	}
	if p.hang {
		<-ctx.Done()
		return nil, Peer{}, ctx.Err()
	}
	if p.gate != nil {
		<-p.gate
	}
	peer := Peer{Address: address, Name: p.name}
	return f.open(peer, p.brokenWrites), peer, nil
}

func (f *fakeTransport) Accept(ctx context.Context) (Stream, Peer, error) {
	select {
	case p := <-f.inbound:
		return f.open(p, false), p, nil
	case <-ctx.Done():
		return nil, Peer{}, ctx.Err()
	}
}

func (f *fakeTransport) open(p Peer, brokenWrites bool) *fakeStream {
	local, remote := net.Pipe()
	s := &fakeStream{Conn: local}
	if brokenWrites {
		s.Conn = errStream{local}
	}
	if f.drain {
		go func() { _, _ = io.Copy(io.Discard, remote) }()
	}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.remotes[p.Address] = remote
	f.mu.Unlock()
	return s
}

func (f *fakeTransport) remote(address string) net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remotes[address]
}

func (f *fakeTransport) openedStreams() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

// recorder captures events and status refreshes as short strings.
type recorder struct {
	mu       sync.Mutex
	events   []string
	statuses []string
}

func (r *recorder) HandleEvent(ev Event) {
	var s string
	switch ev.Type {
	case EventStateChanged:
		s = "state:" + ev.State.String()
	case EventDeviceIdentified:
		s = "device:" + ev.Peer.DisplayName()
	case EventDataReceived:
		s = fmt.Sprintf("recv:%s/%d", ev.Data, ev.Len)
	case EventDataSent:
		s = "sent:" + string(ev.Data)
	case EventNotice:
		s = "notice:" + ev.Text
	}
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) SetStatus(text string) {
	r.mu.Lock()
	r.statuses = append(r.statuses, text)
	r.mu.Unlock()
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.Events() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// errStream fails every write.
type errStream struct {
	net.Conn
}

func (errStream) Write([]byte) (int, error) { return 0, errors.New("fake: broken pipe") }

// checkInvariant reports whether the live worker matches the state.
func (m *Manager) checkInvariant() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var want State
	switch m.active.(type) {
	case nil:
		want = StateNone
	case *connectWorker:
		want = StateConnecting
	case *acceptWorker:
		want = StateListening
	case *ioWorker:
		want = StateConnected
	}
	if m.cur != want {
		return fmt.Errorf("state %s with worker %T", m.cur, m.active)
	}
	if State(m.state.Load()) != m.cur {
		return fmt.Errorf("mirror %s != %s", State(m.state.Load()), m.cur)
	}
	return nil
}
