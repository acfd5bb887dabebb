package handlers

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/kyxap1/geoecho/internal/edge"
	"github.com/kyxap1/geoecho/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Middleware carries the cross-cutting concerns of the public listener.
// None of it touches the cross-origin headers the echo handler owns.
type Middleware struct {
	logger   *logrus.Logger
	metrics  *metrics.Manager
	ipHeader string
}

// NewMiddleware creates the middleware set. m may be nil.
func NewMiddleware(logger *logrus.Logger, m *metrics.Manager, ipHeader string) *Middleware {
	return &Middleware{
		logger:   logger,
		metrics:  m,
		ipHeader: ipHeader,
	}
}

// responseWriter wraps http.ResponseWriter to capture status and body size
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// Recover turns a handler panic into a bare 500 and keeps the listener alive
func (m *Middleware) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := wrap(w)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			m.logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"panic":  rec,
				"stack":  string(debug.Stack()),
			}).Error("handler_panic")
			if m.metrics != nil {
				m.metrics.CounterPanics.Inc()
			}
			if !wrapped.wroteHeader {
				wrapped.WriteHeader(http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(wrapped, r)
	})
}

// Metrics counts requests by method and status and records their duration
func (m *Middleware) Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		startTime := time.Now()
		wrapped := wrap(w)
		defer func() {
			m.metrics.HistRequestDuration.Observe(time.Since(startTime).Seconds())
			m.metrics.CounterRequests.WithLabelValues(r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
		}()

		next.ServeHTTP(wrapped, r)
	})
}

// Log sets the nosniff header on record responses and writes one structured
// line per request. Preflight responses carry only the cross-origin headers.
func (m *Middleware) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		if r.Method != http.MethodOptions {
			w.Header().Set("X-Content-Type-Options", "nosniff")
		}

		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)

		m.logger.WithFields(logrus.Fields{
			"method":        r.Method,
			"path":          r.URL.Path,
			"query":         r.URL.RawQuery,
			"status":        wrapped.statusCode,
			"duration_ms":   time.Since(startTime).Milliseconds(),
			"client_ip":     edge.ClientIP(r, m.ipHeader),
			"user_agent":    r.UserAgent(),
			"referer":       r.Referer(),
			"response_size": wrapped.size,
			"remote_addr":   r.RemoteAddr,
			"host":          r.Host,
		}).Info("request_processed")
	})
}
