package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Key prefixes keep limiter windows and ledger claims apart in one DB.
const (
	rateLimitKeyPrefix = "ratelimit:"
	deliveryKeyPrefix  = "delivery:"

	maxTxnRetries = 5
)

// openStore opens BadgerDB. path may be empty or ":memory:" for an
// in-memory database, otherwise a directory.
func openStore(path string, logger *slog.Logger) (*badger.DB, error) {
	var opts badger.Options
	if path == "" || path == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(badgerLogger{logger: logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return db, nil
}

// badgerLogger routes badger's printf-style logging into slog. Info and
// debug chatter is demoted to slog debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// =============================================================================
// Rate limiter
// =============================================================================

// windowState is the stored value for one client's current window.
type windowState struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"reset_at"` // unix milliseconds
}

// rateDecision is what the middleware needs to answer and set headers.
type rateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// rateLimiter counts requests per key in fixed windows. Expiry is decided
// against now; the badger TTL only garbage-collects stale windows.
type rateLimiter struct {
	db     *badger.DB
	window time.Duration
	max    int
	now    func() time.Time
}

func newRateLimiter(db *badger.DB, cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		db:     db,
		window: cfg.Window,
		max:    cfg.Max,
		now:    time.Now,
	}
}

// allow records one hit for key and reports whether it fits the window.
func (l *rateLimiter) allow(key string) (rateDecision, error) {
	var decision rateDecision
	err := retryConflicts(func() error {
		return l.db.Update(func(txn *badger.Txn) error {
			now := l.now()
			dbKey := []byte(rateLimitKeyPrefix + key)

			state, err := readWindow(txn, dbKey)
			if err != nil {
				return err
			}
			if state.ResetAt <= now.UnixMilli() {
				state = windowState{ResetAt: now.Add(l.window).UnixMilli()}
			}
			state.Count++

			value, err := json.Marshal(state)
			if err != nil {
				return err
			}
			resetAt := time.UnixMilli(state.ResetAt)
			// Badger TTLs have second resolution; pad so the entry
			// outlives the window it describes.
			entry := badger.NewEntry(dbKey, value).WithTTL(resetAt.Sub(now) + time.Second)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}

			decision = rateDecision{
				Allowed:   state.Count <= l.max,
				Limit:     l.max,
				Remaining: max(l.max-state.Count, 0),
				ResetAt:   resetAt,
			}
			return nil
		})
	})
	return decision, err
}

func readWindow(txn *badger.Txn, key []byte) (windowState, error) {
	var state windowState
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &state)
	})
	return state, err
}

// =============================================================================
// Delivery ledger
// =============================================================================

// claimStatus is the ledger's answer for one delivery key.
type claimStatus int

const (
	claimAcquired claimStatus = iota // caller now owns the delivery
	claimInFlight                    // another request is forwarding it
	claimDone                        // already forwarded
)

const (
	deliveryInFlight = "in_flight"
	deliveryDone     = "done"
)

// deliveryRecord is the stored value for one delivery key.
type deliveryRecord struct {
	State     string `json:"state"`
	ExpiresAt int64  `json:"expires_at"` // unix milliseconds
}

// deliveryLedger remembers which delivery bodies are being or were already
// forwarded so a redelivery of the same notification is not relayed twice.
type deliveryLedger struct {
	db  *badger.DB
	ttl time.Duration
	now func() time.Time
}

func newDeliveryLedger(db *badger.DB, ttl time.Duration) *deliveryLedger {
	return &deliveryLedger{db: db, ttl: ttl, now: time.Now}
}

// claim marks key as in flight unless a live record already holds it. A
// transaction conflict means a concurrent request is claiming the same key
// and is reported as in flight.
func (l *deliveryLedger) claim(key string) (claimStatus, error) {
	status := claimAcquired
	err := l.db.Update(func(txn *badger.Txn) error {
		now := l.now()
		dbKey := []byte(deliveryKeyPrefix + key)

		rec, found, err := readDelivery(txn, dbKey)
		if err != nil {
			return err
		}
		if found && rec.ExpiresAt > now.UnixMilli() {
			status = claimInFlight
			if rec.State == deliveryDone {
				status = claimDone
			}
			return nil
		}
		return l.write(txn, dbKey, deliveryInFlight, now)
	})
	if errors.Is(err, badger.ErrConflict) {
		return claimInFlight, nil
	}
	if err != nil {
		return claimAcquired, err
	}
	return status, nil
}

// complete marks a claimed key as forwarded for another ttl.
func (l *deliveryLedger) complete(key string) error {
	return retryConflicts(func() error {
		return l.db.Update(func(txn *badger.Txn) error {
			return l.write(txn, []byte(deliveryKeyPrefix+key), deliveryDone, l.now())
		})
	})
}

// release drops a claim, e.g. after a failed forward.
func (l *deliveryLedger) release(key string) error {
	return retryConflicts(func() error {
		return l.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(deliveryKeyPrefix + key))
		})
	})
}

func (l *deliveryLedger) write(txn *badger.Txn, dbKey []byte, state string, now time.Time) error {
	value, err := json.Marshal(deliveryRecord{State: state, ExpiresAt: now.Add(l.ttl).UnixMilli()})
	if err != nil {
		return err
	}
	return txn.SetEntry(badger.NewEntry(dbKey, value).WithTTL(l.ttl + time.Second))
}

func readDelivery(txn *badger.Txn, key []byte) (deliveryRecord, bool, error) {
	var rec deliveryRecord
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err == nil, err
}

func retryConflicts(fn func() error) error {
	var err error
	for range maxTxnRetries {
		err = fn()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}
