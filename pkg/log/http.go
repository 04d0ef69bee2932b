package log

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// quietPaths are probed by orchestrators and scrapers; they log at debug.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// HTTPMiddleware returns a net/http middleware usable with gorilla/mux's
// router.Use. It injects a request-scoped logger into the request context.
func HTTPMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := requestID(r.Header.Get(headerRequestID))
			child := requestLogger(logger, reqID, r.Method, r.URL.Path, clientIP(r))

			w.Header().Set(headerRequestID, reqID)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithLogger(r.Context(), child)))

			finished(child, r.URL.Path, rec.status, start).Msg("request completed")
		})
	}
}

func requestLogger(base zerolog.Logger, reqID, method, path, ip string) zerolog.Logger {
	return base.With().
		Str(FieldRequestID, reqID).
		Str(FieldMethod, method).
		Str(FieldPath, path).
		Str(FieldClientIP, ip).
		Logger()
}

// finished picks the level from the status: 5xx error, 4xx warn, probe
// paths debug, everything else info.
func finished(l zerolog.Logger, path string, status int, start time.Time) *zerolog.Event {
	var evt *zerolog.Event
	switch _, quiet := quietPaths[path]; {
	case status >= http.StatusInternalServerError:
		evt = l.Error()
	case status >= http.StatusBadRequest:
		evt = l.Warn()
	case quiet:
		evt = l.Debug()
	default:
		evt = l.Info()
	}
	return evt.Int(FieldStatus, status).Dur(FieldLatency, time.Since(start))
}

func requestID(header string) string {
	if header != "" {
		return header
	}
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// statusRecorder captures the status code while staying hijackable so
// websocket upgrades pass through the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not implement http.Hijacker")
	}
	// Upgraded connections report 101.
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// clientIP extracts the client IP from X-Forwarded-For, X-Real-IP, or RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
