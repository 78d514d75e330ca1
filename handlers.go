package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// server holds everything a request needs. There is no other state:
// configuration arrives through newServer, not globals.
type server struct {
	cfg       Config
	forwarder *forwarder
	limiter   *rateLimiter
	ledger    *deliveryLedger
	logger    *slog.Logger
	startTime time.Time
	now       func() time.Time
}

// newServer wires the handler graph. db may be nil when neither rate
// limiting nor de-duplication is enabled.
func newServer(cfg Config, client httpDoer, db *badger.DB, logger *slog.Logger) *server {
	s := &server{
		cfg:       cfg,
		forwarder: newForwarder(cfg.Sender, client, logger),
		logger:    logger,
		startTime: time.Now(),
		now:       time.Now,
	}
	if db != nil {
		if cfg.RateLimit.Enabled {
			s.limiter = newRateLimiter(db, cfg.RateLimit)
		}
		if cfg.Dedup.TTL > 0 {
			s.ledger = newDeliveryLedger(db, cfg.Dedup.TTL)
		}
	}
	return s
}

// routes returns the full middleware chain around the router.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	var webhook http.Handler = http.HandlerFunc(s.handleWebhook)
	if s.limiter != nil {
		webhook = rateLimitMiddleware(s.limiter, s.cfg.TrustProxy, s.logger, webhook)
	}

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /webhook", webhook)
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.HandleFunc("/", s.handleNotFound)

	var h http.Handler = mux
	if s.cfg.SecurityHeaders {
		h = securityHeaders(h)
	}
	h = recoverMiddleware(s.cfg, s.logger, h)
	h = loggingMiddleware(s.logger, h)
	return requestIDMiddleware(s.logger, h)
}

// =============================================================================
// Response shapes
// =============================================================================

type errorResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	ProcessingTime string `json:"processingTime,omitempty"`
}

type webhookResponse struct {
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
	SenderNetSent  bool   `json:"sender_net_sent"`
	ProcessingTime string `json:"processingTime"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

type notFoundResponse struct {
	Error              string   `json:"error"`
	Message            string   `json:"message"`
	AvailableEndpoints []string `json:"availableEndpoints"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// =============================================================================
// Info and health
// =============================================================================

// handleRoot is the human-facing status page.
func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := s.now().Sub(s.startTime)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"message":         "Kontent.ai Webhook Server is running!",
		"webhookEndpoint": "/webhook",
		"uptime":          fmt.Sprintf("%dm %ds", int(uptime.Minutes()), int(uptime.Seconds())%60),
		"memory": map[string]string{
			"rss":       megabytes(mem.Sys),
			"heapUsed":  megabytes(mem.HeapAlloc),
			"heapTotal": megabytes(mem.HeapSys),
		},
		"environment": s.cfg.Environment,
		"timestamp":   s.now().UTC().Format(isoTimestamp),
	})
}

// handleHealth is for load balancers and monitoring probes.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   s.now().UTC().Format(isoTimestamp),
		"uptime":      s.now().Sub(s.startTime).Seconds(),
		"environment": s.cfg.Environment,
	})
}

func (s *server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{"/", "/health", "/webhook"}
	if s.cfg.Metrics.Enabled {
		endpoints = append(endpoints, "/metrics")
	}
	writeJSON(w, http.StatusNotFound, notFoundResponse{
		Error:              "Not Found",
		Message:            fmt.Sprintf("Route %s not found", r.URL.RequestURI()),
		AvailableEndpoints: endpoints,
	})
}

func megabytes(b uint64) string {
	return fmt.Sprintf("%dMB", (b+(1<<19))>>20)
}

// =============================================================================
// Webhook
// =============================================================================

// ledgerPollInterval is how often a redelivery re-checks a claim that
// another request holds.
const ledgerPollInterval = 50 * time.Millisecond

// handleWebhook runs one delivery through read, verify, parse, forward.
// Once the body parses the notifier always gets a 200, whatever happened
// downstream, because any other status makes it redeliver. A fault inside
// the pipeline is answered 400 like a parse failure.
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := loggerFrom(r.Context(), s.logger)
	logger.Info("webhook received", "client_ip", clientIP(r, s.cfg.TrustProxy))

	elapsed := func() string {
		return fmt.Sprintf("%dms", time.Since(start).Milliseconds())
	}
	reject := func(status int, outcome string, resp errorResponse) {
		webhooksTotal.WithLabelValues(outcome).Inc()
		writeJSON(w, status, resp)
	}

	var claimed string
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
		if claimed != "" {
			s.releaseClaim(claimed, logger)
		}
		logger.Error("webhook processing failed", "panic", rec, "processing_ms", time.Since(start).Milliseconds())
		reject(http.StatusBadRequest, "fault", errorResponse{
			Error:          "Failed to process webhook",
			Message:        fmt.Sprint(rec),
			ProcessingTime: elapsed(),
		})
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		logger.Error("reading webhook body", "error", err)
		reject(http.StatusBadRequest, "invalid_payload", errorResponse{
			Error:          "Failed to process webhook",
			Message:        err.Error(),
			ProcessingTime: elapsed(),
		})
		return
	}

	if ok, reason := s.checkSignature(r, body, logger); !ok && s.cfg.StrictSignatures {
		reject(http.StatusUnauthorized, "unauthorized", errorResponse{
			Error:   "Unauthorized",
			Message: reason,
		})
		return
	}

	var payload json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Error("parsing webhook body", "error", err, "processing_ms", time.Since(start).Milliseconds())
		reject(http.StatusBadRequest, "invalid_payload", errorResponse{
			Error:          "Failed to process webhook",
			Message:        err.Error(),
			ProcessingTime: elapsed(),
		})
		return
	}

	if s.cfg.DetailedLogging {
		logger.Info("webhook payload", "payload", string(payload))
		decodeEnvelope(body).logSummary(logger)
	}

	key := deliveryKey(body)
	if s.ledger != nil {
		status := s.awaitClaim(r.Context(), key, logger)
		if status != claimAcquired {
			message := "Duplicate webhook ignored"
			if status == claimInFlight {
				message = "Duplicate webhook still being forwarded"
			}
			logger.Info("duplicate delivery skipped", "delivery_key", key, "in_flight", status == claimInFlight)
			webhooksTotal.WithLabelValues("duplicate").Inc()
			writeJSON(w, http.StatusOK, webhookResponse{
				Message:        message,
				Timestamp:      s.now().UTC().Format(isoTimestamp),
				SenderNetSent:  false,
				ProcessingTime: elapsed(),
				Duplicate:      true,
			})
			return
		}
		claimed = key
	}

	// The notifier hanging up must not abort the forward; the forwarder's
	// own timeout bounds it.
	result := s.forwarder.forward(context.WithoutCancel(r.Context()), payload)
	if claimed != "" {
		if result.Success {
			if err := s.ledger.complete(claimed); err != nil {
				logger.Error("completing delivery claim", "error", err)
			}
		} else {
			s.releaseClaim(claimed, logger)
		}
		claimed = ""
	}
	if !result.Success {
		logger.Warn("webhook valid but forward failed; acknowledging to avoid redelivery", "error", result.Err)
	}

	webhooksTotal.WithLabelValues("accepted").Inc()
	logger.Info("webhook processed", "processing_ms", time.Since(start).Milliseconds(), "sender_net_sent", result.Success)
	writeJSON(w, http.StatusOK, webhookResponse{
		Message:        "Webhook received and processed successfully",
		Timestamp:      s.now().UTC().Format(isoTimestamp),
		SenderNetSent:  result.Success,
		ProcessingTime: elapsed(),
	})
}

// awaitClaim claims key in the ledger. While another request holds the key
// in flight it polls until that forward completes or is released, giving
// up after one forward timeout. Ledger errors fail open.
func (s *server) awaitClaim(ctx context.Context, key string, logger *slog.Logger) claimStatus {
	deadline := time.NewTimer(s.cfg.Sender.Timeout + time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(ledgerPollInterval)
	defer ticker.Stop()

	for {
		status, err := s.ledger.claim(key)
		if err != nil {
			logger.Error("delivery ledger unavailable", "error", err)
			return claimAcquired
		}
		if status != claimInFlight {
			return status
		}
		select {
		case <-ctx.Done():
			return claimInFlight
		case <-deadline.C:
			return claimInFlight
		case <-ticker.C:
		}
	}
}

func (s *server) releaseClaim(key string, logger *slog.Logger) {
	if err := s.ledger.release(key); err != nil {
		logger.Error("releasing delivery claim", "error", err)
	}
}

// checkSignature verifies the delivery and logs the result. The returned
// reason is the message a strict-mode rejection carries.
func (s *server) checkSignature(r *http.Request, body []byte, logger *slog.Logger) (bool, string) {
	signature := r.Header.Get(signatureHeader)
	if signature == "" {
		signatureChecksTotal.WithLabelValues("missing").Inc()
		attrs := []any{"strict", s.cfg.StrictSignatures}
		if s.cfg.DetailedLogging {
			attrs = append(attrs, "headers", redactHeaders(r.Header))
		}
		logger.Warn("no signature header found", attrs...)
		return false, "Missing webhook signature"
	}

	if !verifySignature(body, s.cfg.WebhookSecret, signature) {
		signatureChecksTotal.WithLabelValues("invalid").Inc()
		logger.Warn("webhook signature validation failed", "strict", s.cfg.StrictSignatures)
		return false, "Invalid webhook signature"
	}

	signatureChecksTotal.WithLabelValues("valid").Inc()
	logger.Info("webhook signature validated")
	return true, ""
}

// deliveryKey identifies a delivery by content; redeliveries carry the
// same body.
func deliveryKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// redactHeaders flattens headers for logging, hiding credentials.
func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		switch http.CanonicalHeaderKey(name) {
		case "Authorization", "Cookie":
			out[name] = "[redacted]"
		default:
			out[name] = fmt.Sprint(values)
		}
	}
	return out
}
