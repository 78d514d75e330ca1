package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	loggerKey
)

// requestIDFrom returns the id stored by requestIDMiddleware, if any.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// loggerFrom returns the request-scoped logger, or fallback.
func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return fallback
}

// responseRecorder wraps http.ResponseWriter to capture the status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

// WriteHeader captures the status code before passing it through
func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// requestIDMiddleware propagates or assigns X-Request-ID and scopes the
// logger to it.
func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = context.WithValue(ctx, loggerKey, logger.With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs every request and records Prometheus metrics
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &responseRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		duration := time.Since(start)
		metricPath := normalizePath(r.URL.Path)

		loggerFrom(r.Context(), logger).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.statusCode,
			"latency_ms", duration.Milliseconds(),
			"client_ip", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		httpRequestsTotal.WithLabelValues(
			r.Method,
			metricPath,
			strconv.Itoa(recorder.statusCode),
		).Inc()

		httpRequestDuration.WithLabelValues(
			r.Method,
			metricPath,
		).Observe(duration.Seconds())
	})
}

// normalizePath collapses anything that is not a known route so scanners
// cannot blow up metric cardinality.
func normalizePath(path string) string {
	switch path {
	case "/", "/health", "/webhook", "/metrics":
		return path
	}
	return "unmatched"
}

// recoverMiddleware turns a panic into a 500. The panic value is only
// echoed back outside production.
func recoverMiddleware(cfg Config, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			loggerFrom(r.Context(), logger).Error("server error", "panic", rec, "path", r.URL.Path)

			message := "Something went wrong"
			if !cfg.Production() {
				message = fmt.Sprint(rec)
			}
			writeJSON(w, http.StatusInternalServerError, errorResponse{
				Error:   "Internal server error",
				Message: message,
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// securityHeaders sets the usual hardening headers for a JSON API.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-DNS-Prefetch-Control", "off")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies the fixed-window limiter per client IP.
// Store errors let the request through.
func rateLimitMiddleware(limiter *rateLimiter, trustProxy bool, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := limiter.allow(clientIP(r, trustProxy))
		if err != nil {
			loggerFrom(r.Context(), logger).Error("rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		resetSeconds := int(max(time.Until(decision.ResetAt).Round(time.Second).Seconds(), 0))
		h := w.Header()
		h.Set("RateLimit-Limit", strconv.Itoa(decision.Limit))
		h.Set("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		h.Set("RateLimit-Reset", strconv.Itoa(resetSeconds))

		if !decision.Allowed {
			webhooksTotal.WithLabelValues("rate_limited").Inc()
			h.Set("Retry-After", strconv.Itoa(resetSeconds))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error:   "Too Many Requests",
				Message: "Too many webhook requests from this IP, please try again later.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the remote host, or the first X-Forwarded-For hop when the
// service sits behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
