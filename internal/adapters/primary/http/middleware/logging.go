package middleware

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorrc/labnotify/internal/auth"
	"github.com/lorrc/labnotify/internal/infrastructure/logging"
)

// responseWriter records the status, body size and whether the connection
// was taken over by a websocket upgrade.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	hijacked     bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for websocket upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response does not implement http.Hijacker")
	}
	conn, buf, err := hijacker.Hijack()
	if err == nil {
		rw.hijacked = true
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

// caller is filled in by JWTMiddleware further down the chain so the access
// log can name who made the request.
type caller struct {
	userID string
	role   string
}

type callerKey struct{}

func stampCaller(ctx context.Context, claims *auth.Claims) {
	if c, ok := ctx.Value(callerKey{}).(*caller); ok {
		c.userID = claims.UserID.String()
		c.role = claims.Role.String()
	}
}

// RequestLogger writes one access log line per request. Health probes are
// logged at debug level; websocket upgrades are logged when the handshake
// completes, not when the session ends.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)
			who := &caller{}

			ctx := context.WithValue(r.Context(), callerKey{}, who)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.Int64("bytes", wrapped.bytesWritten),
				slog.String("client_ip", getClientIP(r)),
			}
			if rctx := chi.RouteContext(ctx); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, slog.String("route", pattern))
				}
			}
			if who.userID != "" {
				attrs = append(attrs, slog.String("user_id", who.userID), slog.String("role", who.role))
			}
			if r.URL.RawQuery != "" {
				attrs = append(attrs, slog.String("query", redactQuery(r)))
			}

			msg := "http request"
			level := slog.LevelInfo
			switch {
			case wrapped.hijacked:
				msg = "websocket upgraded"
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			case strings.HasPrefix(r.URL.Path, "/health"):
				level = slog.LevelDebug
			}
			logger.LogAttrs(ctx, level, msg, attrs...)
		})
	}
}

// redactQuery hides the websocket token passed as a query parameter.
func redactQuery(r *http.Request) string {
	q := r.URL.Query()
	if !q.Has("token") {
		return r.URL.RawQuery
	}
	q.Set("token", "redacted")
	return q.Encode()
}

// RecoveryLogger recovers handler panics, logs them with a stack trace and
// answers 500.
func RecoveryLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logging.LogPanic(r.Context(), logger, err,
						"method", r.Method,
						"path", r.URL.Path,
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"Internal server error","code":"INTERNAL_ERROR"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
