//go:build linux

package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-serial/internal/bluez"
	"bluetooth-serial/internal/connmgr"
)

type fakeSession struct {
	mu    sync.Mutex
	state connmgr.State
	peer  connmgr.Peer
	calls []string
	sent  []string
}

func (f *fakeSession) State() connmgr.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Peer() (connmgr.Peer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peer, f.state == connmgr.StateConnected
}

func (f *fakeSession) Connect(address string) { f.record("connect " + address) }
func (f *fakeSession) Listen()                { f.record("listen") }
func (f *fakeSession) Stop()                  { f.record("stop") }

func (f *fakeSession) Send(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(p))
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSession) setState(s connmgr.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func newTestConsole(target string) (*console, *fakeSession, *bytes.Buffer) {
	var out bytes.Buffer
	sess := &fakeSession{}
	c := newConsole(&out, target)
	c.attach(sess)
	return c, sess, &out
}

func TestConsoleTranscript(t *testing.T) {
	c, _, out := newTestConsole("")

	c.HandleEvent(connmgr.Event{Type: connmgr.EventDeviceIdentified, Peer: connmgr.Peer{Address: "AA:BB:CC:DD:EE:FF", Name: "Desk"}})
	c.HandleEvent(connmgr.Event{Type: connmgr.EventDataReceived, Data: []byte("hello\r\n"), Len: 7})
	c.HandleEvent(connmgr.Event{Type: connmgr.EventDataSent, Data: []byte("hi")})
	c.HandleEvent(connmgr.Event{Type: connmgr.EventNotice, Text: connmgr.NoticeConnectionLost})

	assert.Equal(t, "* connected to Desk\nDesk: hello\nMe: hi\n! Device connection was lost\n", out.String())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", c.target, "identified peer becomes the reconnect target")
}

func TestConsoleSendsOnlyWhenConnected(t *testing.T) {
	c, sess, out := newTestConsole("")

	c.handleLine("hello")
	assert.Empty(t, sess.sent)
	assert.Contains(t, out.String(), "not connected")

	sess.setState(connmgr.StateConnected)
	c.handleLine("hello")
	c.handleLine("   ")
	assert.Equal(t, []string{"hello"}, sess.sent)
}

func TestConsoleCommands(t *testing.T) {
	c, sess, out := newTestConsole("11:22:33:44:55:66")

	assert.False(t, c.handleLine("/connect"))
	assert.False(t, c.handleLine("/connect AA:BB:CC:DD:EE:FF"))
	assert.False(t, c.handleLine("/disconnect"))
	assert.False(t, c.handleLine("/listen"))
	assert.False(t, c.handleLine("/toggle"))
	sess.setState(connmgr.StateConnecting)
	assert.False(t, c.handleLine("/toggle"))

	assert.Equal(t, []string{
		"connect 11:22:33:44:55:66",
		"connect AA:BB:CC:DD:EE:FF",
		"stop",
		"listen",
		"connect AA:BB:CC:DD:EE:FF",
		"stop",
	}, sess.calls)

	c.handleLine("/status")
	assert.Contains(t, out.String(), "* connecting...")

	c.handleLine("/help")
	assert.Contains(t, out.String(), "/disconnect")

	assert.True(t, c.handleLine("/quit"))
}

func TestConsoleConnectWithoutTarget(t *testing.T) {
	c, sess, out := newTestConsole("")
	c.handleLine("/connect")
	assert.Empty(t, sess.calls)
	assert.Contains(t, out.String(), "no device to connect to")
}

func TestConsoleConnectFallsBackToLastDevice(t *testing.T) {
	c, sess, _ := newTestConsole("")
	lookups := 0
	c.lastDevice = func() (string, bool) {
		lookups++
		return "AA:BB:CC:DD:EE:FF", true
	}

	c.handleLine("/connect")
	c.handleLine("/connect 11:22:33:44:55:66")
	assert.Equal(t, []string{"connect AA:BB:CC:DD:EE:FF", "connect 11:22:33:44:55:66"}, sess.calls)
	assert.Equal(t, 1, lookups, "an explicit address or a known target skips the lookup")
}

func TestConsoleToggleFallsBackToLastDevice(t *testing.T) {
	c, sess, out := newTestConsole("")
	c.lastDevice = func() (string, bool) { return "", false }

	c.handleLine("/toggle")
	assert.Empty(t, sess.calls)
	assert.Contains(t, out.String(), "no device to connect to")

	c.lastDevice = func() (string, bool) { return "AA:BB:CC:DD:EE:FF", true }
	c.handleLine("/toggle")
	assert.Equal(t, []string{"connect AA:BB:CC:DD:EE:FF"}, sess.calls)
}

func TestConsoleDiscoverable(t *testing.T) {
	c, _, out := newTestConsole("")

	c.handleLine("/discoverable")
	assert.Contains(t, out.String(), "! discoverable is not available")

	calls := 0
	c.discoverable = func() error {
		calls++
		if calls == 1 {
			return bluez.ErrNoAdapter
		}
		return nil
	}
	c.handleLine("/discoverable")
	assert.Contains(t, out.String(), "! discoverable: "+bluez.ErrNoAdapter.Error())

	c.handleLine("/discoverable")
	assert.Contains(t, out.String(), "* adapter is discoverable")
	assert.Equal(t, 2, calls)

	c.handleLine("/help")
	assert.Contains(t, out.String(), "/discoverable")
}

func TestConsoleRunStopsOnQuitAndEOF(t *testing.T) {
	c, sess, _ := newTestConsole("")
	sess.setState(connmgr.StateConnected)

	err := c.run(context.Background(), strings.NewReader("one\n/quit\ntwo\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, sess.sent)

	err = c.run(context.Background(), strings.NewReader("three\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "three"}, sess.sent)
}

func TestConsoleRunHonorsCancel(t *testing.T) {
	c, _, _ := newTestConsole("")
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.run(ctx, r) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestConsoleDrivesManager(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out, "")
	m := connmgr.New(unreachable{}, connmgr.WithEventSink(c))
	c.attach(m)

	c.handleLine("/connect AA:BB:CC:DD:EE:FF")
	require.Eventually(t, func() bool {
		return strings.Contains(safeString(c, &out), connmgr.NoticeConnectFailed)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, connmgr.StateNone, m.State())
	require.NoError(t, m.Shutdown(context.Background()))
}

type unreachable struct{}

func (unreachable) CancelDiscovery(context.Context) error { return nil }

func (unreachable) Dial(context.Context, string) (connmgr.Stream, connmgr.Peer, error) {
	return nil, connmgr.Peer{}, io.ErrUnexpectedEOF
}

func (unreachable) Accept(ctx context.Context) (connmgr.Stream, connmgr.Peer, error) {
	<-ctx.Done()
	return nil, connmgr.Peer{}, ctx.Err()
}

func safeString(c *console, b *bytes.Buffer) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return b.String()
}
