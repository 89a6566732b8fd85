// Package metrics exports session counters to Prometheus. A Collector is a
// connmgr.EventSink; install it next to the other sinks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bluetooth-serial/internal/connmgr"
)

const namespace = "btserial"

// Collector counts events and traffic, and tracks the current state.
type Collector struct {
	reg *prometheus.Registry

	events        *prometheus.CounterVec
	notices       *prometheus.CounterVec
	bytesReceived prometheus.Counter
	bytesSent     prometheus.Counter
	state         *prometheus.GaugeVec
}

var _ connmgr.EventSink = (*Collector)(nil)

var states = []connmgr.State{
	connmgr.StateNone,
	connmgr.StateListening,
	connmgr.StateConnecting,
	connmgr.StateConnected,
}

// New registers the session metrics, plus the Go and process collectors, on a
// private registry.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Session events emitted, by type.",
		}, []string{"type"}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_total",
			Help:      "User-facing notices, by text.",
		}, []string{"text"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Bytes read from the peer.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Payload bytes written to the peer, excluding the length prefix.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
	}
	c.reg.MustRegister(
		c.events,
		c.notices,
		c.bytesReceived,
		c.bytesSent,
		c.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.setState(connmgr.StateNone)
	return c
}

// HandleEvent updates the metrics for ev.
func (c *Collector) HandleEvent(ev connmgr.Event) {
	c.events.WithLabelValues(string(ev.Type)).Inc()
	switch ev.Type {
	case connmgr.EventStateChanged:
		c.setState(ev.State)
	case connmgr.EventDataReceived:
		c.bytesReceived.Add(float64(ev.Len))
	case connmgr.EventDataSent:
		c.bytesSent.Add(float64(len(ev.Data)))
	case connmgr.EventNotice:
		c.notices.WithLabelValues(ev.Text).Inc()
	}
}

func (c *Collector) setState(cur connmgr.State) {
	for _, s := range states {
		v := 0.0
		if s == cur {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
