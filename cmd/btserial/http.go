//go:build linux

package main

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type eventFeed interface {
	Handler(log *zap.Logger) http.Handler
}

type handlerSource interface {
	Handler() http.Handler
}

// newMux routes the session surfaces: /events (websocket), /metrics and /status.
func newMux(feed eventFeed, metrics, status handlerSource, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /events", feed.Handler(log))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /status", status.Handler())
	return withLogging(log, mux)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so /events can upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("http: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.code),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
