package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-serial/internal/connmgr"
)

func TestInitialState(t *testing.T) {
	c := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.state.WithLabelValues("none")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.state.WithLabelValues("connected")))
}

func TestHandleEvent(t *testing.T) {
	c := New()

	c.HandleEvent(connmgr.Event{Type: connmgr.EventStateChanged, State: connmgr.StateConnecting})
	c.HandleEvent(connmgr.Event{Type: connmgr.EventStateChanged, State: connmgr.StateConnected})
	c.HandleEvent(connmgr.Event{Type: connmgr.EventDataReceived, Data: []byte("abc"), Len: 3})
	c.HandleEvent(connmgr.Event{Type: connmgr.EventDataReceived, Data: []byte("de"), Len: 2})
	c.HandleEvent(connmgr.Event{Type: connmgr.EventDataSent, Data: []byte("hi")})
	c.HandleEvent(connmgr.Event{Type: connmgr.EventNotice, Text: connmgr.NoticeConnectionLost})
	c.HandleEvent(connmgr.Event{Type: connmgr.EventStateChanged, State: connmgr.StateNone})

	assert.Equal(t, 3.0, testutil.ToFloat64(c.events.WithLabelValues("state_changed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("data_received")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.bytesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notices.WithLabelValues(connmgr.NoticeConnectionLost)))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.state.WithLabelValues("none")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.state.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.state.WithLabelValues("connecting")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.HandleEvent(connmgr.Event{Type: connmgr.EventDataSent, Data: []byte("hello")})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "btserial_sent_bytes_total 5")
	assert.Contains(t, string(body), `btserial_session_state{state="none"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
