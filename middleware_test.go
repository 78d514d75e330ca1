package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func panicking(v any) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(v)
	})
}

func TestRecoverMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		wantMessage string
	}{
		{name: "development shows detail", environment: "development", wantMessage: "kaboom"},
		{name: "production hides detail", environment: "production", wantMessage: "Something went wrong"},
		{name: "production is case-insensitive", environment: "Production", wantMessage: "Something went wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&logs, nil))
			cfg := testConfig()
			cfg.Environment = tt.environment

			rr := httptest.NewRecorder()
			recoverMiddleware(cfg, logger, panicking("kaboom")).
				ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, http.StatusInternalServerError, rr.Code)
			body := decodeBody(t, rr)
			assert.Equal(t, "Internal server error", body["error"])
			assert.Equal(t, tt.wantMessage, body["message"])
			assert.Contains(t, logs.String(), "kaboom", "the panic is always logged")
		})
	}
}

func TestRecoverMiddleware_RepanicsOnAbort(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := recoverMiddleware(testConfig(), logger, panicking(http.ErrAbortHandler))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	var seen string
	h := requestIDMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFrom(r.Context())
	}))

	t.Run("propagates incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(requestIDHeader, "upstream-123")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Equal(t, "upstream-123", seen)
		assert.Equal(t, "upstream-123", rr.Header().Get(requestIDHeader))
	})

	t.Run("generates when missing or oversized", func(t *testing.T) {
		for _, incoming := range []string{"", "   ", strings.Repeat("x", 129)} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(requestIDHeader, incoming)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Len(t, seen, 36)
			assert.Equal(t, seen, rr.Header().Get(requestIDHeader))
		}
	})
}

func TestLoggerFrom_FallsBackWithoutMiddleware(t *testing.T) {
	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Same(t, fallback, loggerFrom(req.Context(), fallback))
	assert.Empty(t, requestIDFrom(req.Context()))
}

func TestResponseRecorder_KeepsFirstStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	rec := &responseRecorder{ResponseWriter: rr, statusCode: http.StatusOK}

	rec.WriteHeader(http.StatusTeapot)
	rec.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusTeapot, rec.statusCode)

	implicit := &responseRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	_, err := implicit.Write([]byte("ok"))
	require.NoError(t, err)
	implicit.WriteHeader(http.StatusBadGateway)
	assert.Equal(t, http.StatusOK, implicit.statusCode, "a write commits the implicit 200")
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/":             "/",
		"/health":       "/health",
		"/webhook":      "/webhook",
		"/metrics":      "/metrics",
		"/webhook/":     "unmatched",
		"/wp-login.php": "unmatched",
		"/health/extra": "unmatched",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{name: "remote host", remoteAddr: "198.51.100.4:5123", want: "198.51.100.4"},
		{name: "ipv6 remote host", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "forwarded ignored without trust", remoteAddr: "10.0.0.2:80", forwarded: "203.0.113.9", want: "10.0.0.2"},
		{name: "first forwarded hop with trust", remoteAddr: "10.0.0.2:80", forwarded: "203.0.113.9, 10.0.0.1", trustProxy: true, want: "203.0.113.9"},
		{name: "blank forwarded falls back", remoteAddr: "10.0.0.2:80", forwarded: " , 10.0.0.1", trustProxy: true, want: "10.0.0.2"},
		{name: "unparseable remote addr", remoteAddr: "pipe", want: "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.trustProxy))
		})
	}
}

func TestSecurityHeaders_CanBeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.SecurityHeaders = false
	h, _ := newTestHandler(t, cfg, &stubDoer{status: http.StatusOK})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))
}

func TestResponseRecorder_UnwrapReachesUnderlyingWriter(t *testing.T) {
	rr := httptest.NewRecorder()
	rec := &responseRecorder{ResponseWriter: rr, statusCode: http.StatusOK}
	assert.Same(t, rr, rec.Unwrap())

	h := loggingMiddleware(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("partial"))
			assert.NoError(t, http.NewResponseController(w).Flush())
		}))
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, rr.Flushed, "flush passes through the recorder")
}
